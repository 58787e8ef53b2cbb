// Package transform implements the mapping engine between HL7 v2 and
// FHIR representations: a dot-path resolver over parsed content, a
// small placeholder template renderer, and a registry of named
// transformation rules.
package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/caduceus-io/caduceus/types"
)

// ErrFieldNotFound is returned when a dot path does not resolve in the
// content it is evaluated against. Rule conditions treat it as a false
// match; template placeholders treat it as an empty value.
var ErrFieldNotFound = errors.New("field not found")

// Source and target format names used in rules and config.
const (
	FormatHL7v2 = "hl7v2"
	FormatFHIR  = "fhir"
)

// FormatOf maps a content type onto a rule format name.
func FormatOf(contentType string) (string, bool) {
	switch contentType {
	case types.ContentTypeHL7v2:
		return FormatHL7v2, true
	case types.ContentTypeFHIR:
		return FormatFHIR, true
	}
	return "", false
}

// Resolve evaluates a dot path against parsed content, dispatching on
// the content type. HL7 paths use 1-based segment/field/component/
// subcomponent indices (PID.5.1.1); FHIR paths are JSON dot paths with
// 0-based array indices (name.0.family). Bracket indices (MSH[3]) are
// accepted as an alias for dots.
func Resolve(contentType string, content any, path string) (any, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	switch contentType {
	case types.ContentTypeHL7v2:
		return resolveHL7(content, parts)
	case types.ContentTypeFHIR:
		return resolveFHIR(content, parts)
	}
	return nil, fmt.Errorf("unresolvable content type %q", contentType)
}

// splitPath normalizes bracket indices to dot segments.
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	var parts []string
	for _, p := range strings.Split(path, ".") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// resolveHL7 walks the structured segment map produced by parsing:
// segment ID, then 1-based field, component, and subcomponent indices.
// A segment maps to its list of occurrences even when it appears once;
// paths resolve against the first occurrence.
func resolveHL7(content any, parts []string) (any, error) {
	root, ok := content.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: content is not structured", ErrFieldNotFound)
	}
	v, ok := root[parts[0]]
	if !ok {
		return nil, fmt.Errorf("%w: segment %s", ErrFieldNotFound, parts[0])
	}
	occurrences, ok := v.([]any)
	if !ok || len(occurrences) == 0 {
		return nil, fmt.Errorf("%w: segment %s", ErrFieldNotFound, parts[0])
	}
	fields, ok := occurrences[0].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: segment %s", ErrFieldNotFound, parts[0])
	}
	if len(parts) == 1 {
		return fields, nil
	}

	cur := any(fields)
	for _, part := range parts[1:] {
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("%w: index %q at %s", ErrFieldNotFound, part, strings.Join(parts, "."))
		}
		switch val := cur.(type) {
		case []any:
			if idx > len(val) {
				return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(parts, "."))
			}
			cur = val[idx-1]
		case string:
			// A plain string has exactly one component/subcomponent.
			if idx != 1 {
				return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(parts, "."))
			}
		default:
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(parts, "."))
		}
	}
	return cur, nil
}

// resolveFHIR walks JSON maps and arrays; numeric parts index arrays
// from zero.
func resolveFHIR(content any, parts []string) (any, error) {
	cur := content
	for _, part := range parts {
		switch val := cur.(type) {
		case map[string]any:
			next, ok := val[part]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(parts, "."))
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(val) {
				return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(parts, "."))
			}
			cur = val[idx]
		default:
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(parts, "."))
		}
	}
	return cur, nil
}

// Stringify renders a resolved value as template text. HL7 component
// lists are rejoined with the default separators.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, c := range val {
			if sub, ok := c.([]any); ok {
				subs := make([]string, len(sub))
				for j, s := range sub {
					subs[j] = Stringify(s)
				}
				parts[i] = strings.Join(subs, "&")
				continue
			}
			parts[i] = Stringify(c)
		}
		return strings.Join(parts, "^")
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
