package transform

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/caduceus-io/caduceus/hl7"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/types"
)

// Engine renders transformation rules against envelopes. It is
// stateless apart from the registry; one engine serves every stage.
type Engine struct {
	registry *Registry
	logger   *log.Logger
}

// NewEngine creates a transformation engine.
func NewEngine(registry *Registry, logger *log.Logger) *Engine {
	return &Engine{registry: registry, logger: logger.WithStage("transformation")}
}

// Name identifies the engine as a stage processor.
func (e *Engine) Name() string { return "transformation" }

// Registry exposes the rule registry (routing's transform action adds
// and looks up rules through it).
func (e *Engine) Registry() *Registry { return e.registry }

// Process applies every applicable rule, producing one derived envelope
// per rule. A requested target in the header metadata
// (target_format/target_message_type) narrows the rule set. Envelopes
// with no applicable rule pass through unchanged apart from the status
// advance, so format-agnostic pipelines need no explicit identity rule.
func (e *Engine) Process(ctx context.Context, env *types.Envelope) ([]*types.Envelope, error) {
	format, ok := FormatOf(env.Body.ContentType)
	if !ok {
		return nil, types.Errorf(types.KindTransformation, "transformation",
			"unsupported content type %q", env.Body.ContentType)
	}

	sourceType, err := e.sourceMessageType(env, format)
	if err != nil {
		return nil, err
	}

	targetFormat, _ := env.Header.Metadata["target_format"].(string)
	targetType, _ := env.Header.Metadata["target_message_type"].(string)

	rules := e.registry.Match(format, sourceType, targetFormat, targetType)
	if len(rules) == 0 {
		if err := env.Advance(types.StatusTransformed); err != nil {
			return nil, types.NewError(types.KindTransformation, "transformation", err)
		}
		return []*types.Envelope{env}, nil
	}

	out := make([]*types.Envelope, 0, len(rules))
	for _, rule := range rules {
		derived, err := e.Apply(env, rule)
		if err != nil {
			return nil, err
		}
		out = append(out, derived)
	}
	return out, nil
}

// Apply renders one rule against the envelope's content and returns the
// derived envelope: new identity, correlation back to the source, and
// content in the rule's target format.
func (e *Engine) Apply(env *types.Envelope, rule *Rule) (*types.Envelope, error) {
	content, err := e.sourceContent(env)
	if err != nil {
		return nil, err
	}

	res := func(path string) (any, error) {
		return Resolve(env.Body.ContentType, content, path)
	}
	rendered, err := renderValue(rule.Mapping, res)
	if err != nil {
		return nil, types.Errorf(types.KindTransformation, "transformation",
			"rule %s: %v", rule.Name, err)
	}

	out := env.Clone()
	out.Header.MessageType = rule.TargetMessageType
	out.Header.Metadata["transformed_from"] = env.Header.MessageID
	out.Header.Metadata["transform_rule"] = rule.Name
	delete(out.Header.Metadata, "target_format")
	delete(out.Header.Metadata, "target_message_type")
	out.Body.Content = rendered

	switch rule.TargetFormat {
	case FormatFHIR:
		out.Header.ContentType = types.ContentTypeFHIR
		out.Body.ContentType = types.ContentTypeFHIR
		raw, err := json.Marshal(rendered)
		if err != nil {
			return nil, types.Errorf(types.KindTransformation, "transformation",
				"rule %s: encode result: %v", rule.Name, err)
		}
		out.Body.RawContent = raw
	case FormatHL7v2:
		out.Header.ContentType = types.ContentTypeHL7v2
		out.Body.ContentType = types.ContentTypeHL7v2
		raw, err := renderER7(rendered)
		if err != nil {
			return nil, types.Errorf(types.KindTransformation, "transformation",
				"rule %s: %v", rule.Name, err)
		}
		out.Body.RawContent = raw
	}

	if err := out.Advance(types.StatusTransformed); err != nil {
		return nil, types.NewError(types.KindTransformation, "transformation", err)
	}

	e.logger.Debug("rule applied", map[string]any{
		"rule":       rule.Name,
		"source_id":  env.Header.MessageID,
		"derived_id": out.Header.MessageID,
	})
	return out, nil
}

// sourceContent returns the parsed body content, parsing raw bytes on
// demand when an upstream stage has not.
func (e *Engine) sourceContent(env *types.Envelope) (any, error) {
	if env.Body.Content != nil {
		return env.Body.Content, nil
	}
	switch env.Body.ContentType {
	case types.ContentTypeHL7v2:
		msg, err := hl7.Parse(env.Body.RawContent)
		if err != nil {
			return nil, types.Errorf(types.KindTransformation, "transformation",
				"parse source: %v", err)
		}
		return msg.Map(), nil
	case types.ContentTypeFHIR:
		var resource map[string]any
		if err := json.Unmarshal(env.Body.RawContent, &resource); err != nil {
			return nil, types.Errorf(types.KindTransformation, "transformation",
				"parse source: %v", err)
		}
		return resource, nil
	}
	return nil, types.Errorf(types.KindTransformation, "transformation",
		"no content to transform")
}

func (e *Engine) sourceMessageType(env *types.Envelope, format string) (string, error) {
	if env.Header.MessageType != "" {
		return env.Header.MessageType, nil
	}
	content, err := e.sourceContent(env)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatFHIR:
		if m, ok := content.(map[string]any); ok {
			if rt, ok := m["resourceType"].(string); ok {
				return rt, nil
			}
		}
	case FormatHL7v2:
		if v, err := Resolve(types.ContentTypeHL7v2, content, "MSH.9"); err == nil {
			return strings.ReplaceAll(Stringify(v), "^", "_"), nil
		}
	}
	return "", nil
}

// renderValue walks a mapping value, rendering string leaves as
// templates and recursing into maps and lists.
func renderValue(v any, res resolver) (any, error) {
	switch val := v.(type) {
	case string:
		return renderTemplate(val, res)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			rendered, err := renderValue(child, res)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			rendered, err := renderValue(child, res)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// renderER7 serializes a rendered HL7-target mapping. The mapping must
// carry a "segments" list; each element is a single-key map of segment
// ID to its field list, emitted in list order. Fields are joined with
// the default separators.
func renderER7(rendered any) ([]byte, error) {
	root, ok := rendered.(map[string]any)
	if !ok {
		return nil, errStructure("mapping is not an object")
	}
	segments, ok := root["segments"].([]any)
	if !ok {
		return nil, errStructure("hl7v2 target mapping needs a segments list")
	}

	var b strings.Builder
	for _, s := range segments {
		entry, ok := s.(map[string]any)
		if !ok || len(entry) != 1 {
			return nil, errStructure("each segment entry must be a single-key object")
		}
		for id, fv := range entry {
			fields, ok := fv.([]any)
			if !ok {
				return nil, errStructure("segment fields must be a list")
			}
			b.WriteString(id)
			for _, f := range fields {
				b.WriteByte('|')
				b.WriteString(Stringify(f))
			}
			b.WriteByte('\r')
		}
	}
	return []byte(b.String()), nil
}

type errStructure string

func (e errStructure) Error() string { return string(e) }
