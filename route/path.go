package route

import (
	"fmt"
	"strings"

	"github.com/caduceus-io/caduceus/transform"
	"github.com/caduceus-io/caduceus/types"
)

// resolveEnvelopePath evaluates a rule field path against an envelope.
// header.* and body.* prefixes select the part; body.content.* paths
// are handed to the content resolver, which dispatches on the content
// type. Any path that does not resolve is a hard field-not-found error,
// which conditions treat as a false match.
func resolveEnvelopePath(env *types.Envelope, path string) (any, error) {
	parts := strings.SplitN(path, ".", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %s", transform.ErrFieldNotFound, path)
	}

	switch parts[0] {
	case "header":
		return resolveHeader(env, parts[1], rest(parts))
	case "body":
		return resolveBody(env, parts[1], rest(parts))
	}
	return nil, fmt.Errorf("%w: %s", transform.ErrFieldNotFound, path)
}

func rest(parts []string) string {
	if len(parts) == 3 {
		return parts[2]
	}
	return ""
}

func resolveHeader(env *types.Envelope, field, tail string) (any, error) {
	h := env.Header
	switch field {
	case "message_id":
		return h.MessageID, nil
	case "correlation_id":
		return h.CorrelationID, nil
	case "message_type":
		return h.MessageType, nil
	case "content_type":
		return h.ContentType, nil
	case "source":
		return h.Source, nil
	case "status":
		return string(h.Status), nil
	case "retry_count":
		return float64(h.RetryCount), nil
	case "destinations":
		out := make([]any, len(h.Destinations))
		for i, d := range h.Destinations {
			out[i] = d
		}
		return out, nil
	case "metadata":
		if tail == "" {
			return nil, fmt.Errorf("%w: header.metadata needs a key", transform.ErrFieldNotFound)
		}
		return resolveMeta(h.Metadata, tail)
	}
	return nil, fmt.Errorf("%w: header.%s", transform.ErrFieldNotFound, field)
}

func resolveBody(env *types.Envelope, field, tail string) (any, error) {
	switch field {
	case "content_type":
		return env.Body.ContentType, nil
	case "schema_id":
		return env.Body.SchemaID, nil
	case "content":
		if tail == "" {
			return env.Body.Content, nil
		}
		if env.Body.Content == nil {
			return nil, fmt.Errorf("%w: body has no parsed content", transform.ErrFieldNotFound)
		}
		return transform.Resolve(env.Body.ContentType, env.Body.Content, tail)
	case "metadata":
		if tail == "" {
			return nil, fmt.Errorf("%w: body.metadata needs a key", transform.ErrFieldNotFound)
		}
		return resolveMeta(env.Body.Metadata, tail)
	}
	return nil, fmt.Errorf("%w: body.%s", transform.ErrFieldNotFound, field)
}

func resolveMeta(meta map[string]any, path string) (any, error) {
	cur := any(meta)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: metadata.%s", transform.ErrFieldNotFound, path)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("%w: metadata.%s", transform.ErrFieldNotFound, path)
		}
	}
	return cur, nil
}
