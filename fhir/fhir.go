// Package fhir parses and validates FHIR R4 resources in their JSON
// form and unwraps Bundles into per-entry envelopes.
package fhir

import (
	"encoding/json"

	"github.com/caduceus-io/caduceus/types"
)

// Parse decodes raw bytes as a FHIR resource. The payload must be a
// JSON object with a string resourceType.
func Parse(raw []byte) (map[string]any, error) {
	var resource map[string]any
	if err := json.Unmarshal(raw, &resource); err != nil {
		return nil, types.Errorf(types.KindParse, "fhir", "payload is not a JSON object: %v", err)
	}
	if _, ok := ResourceType(resource); !ok {
		return nil, types.Errorf(types.KindParse, "fhir", "resource has no resourceType")
	}
	return resource, nil
}

// ResourceType extracts the resourceType field.
func ResourceType(resource map[string]any) (string, bool) {
	rt, ok := resource["resourceType"].(string)
	if !ok || rt == "" {
		return "", false
	}
	return rt, true
}

// defaultRequiredFields is the built-in registry of required top-level
// fields per resource type. Unregistered types pass with only the
// resourceType check.
var defaultRequiredFields = map[string][]string{
	"Patient":     {"name"},
	"Observation": {"status", "code"},
}

// Validator checks resources against a resource-type-indexed
// required-field registry.
type Validator struct {
	required map[string][]string
}

// NewValidator creates a validator with the built-in registry.
func NewValidator() *Validator {
	required := make(map[string][]string, len(defaultRequiredFields))
	for k, v := range defaultRequiredFields {
		required[k] = append([]string(nil), v...)
	}
	return &Validator{required: required}
}

// Register sets or replaces the required fields for a resource type.
func (v *Validator) Register(resourceType string, fields []string) {
	v.required[resourceType] = append([]string(nil), fields...)
}

// Validate checks that the resource carries a resourceType and every
// registered required field. An empty list or array counts as missing.
func (v *Validator) Validate(resource map[string]any) error {
	rt, ok := ResourceType(resource)
	if !ok {
		return types.Errorf(types.KindValidation, "fhir", "resource has no resourceType")
	}
	required, registered := v.required[rt]
	if !registered {
		return nil
	}
	for _, field := range required {
		if !present(resource[field]) {
			return types.Errorf(types.KindValidation, "fhir",
				"Missing required field: %s.%s", rt, field)
		}
	}
	return nil
}

func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

// UnwrapBundle expands a Bundle envelope into one envelope per entry
// resource, each a clone of the parent carrying the parent's MessageID
// as CorrelationID. Non-Bundle resources come back as a single-element
// slice holding the original envelope. Entries without a resource are
// skipped.
func UnwrapBundle(env *types.Envelope, resource map[string]any) ([]*types.Envelope, error) {
	rt, _ := ResourceType(resource)
	if rt != "Bundle" {
		return []*types.Envelope{env}, nil
	}

	entries, _ := resource["entry"].([]any)
	out := make([]*types.Envelope, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		child, ok := entry["resource"].(map[string]any)
		if !ok {
			continue
		}
		childType, ok := ResourceType(child)
		if !ok {
			return nil, types.Errorf(types.KindValidation, "fhir",
				"bundle entry resource has no resourceType")
		}

		raw, err := json.Marshal(child)
		if err != nil {
			return nil, types.Errorf(types.KindParse, "fhir", "re-encode bundle entry: %v", err)
		}

		clone := env.Clone()
		clone.Header.MessageType = childType
		clone.Body.Content = child
		clone.Body.RawContent = raw
		out = append(out, clone)
	}
	return out, nil
}
