package hl7

import (
	"github.com/caduceus-io/caduceus/types"
)

// minMSHFields is the minimum field count for a usable MSH segment
// (through MSH-12, the version ID).
const minMSHFields = 12

// defaultRequiredSegments is the built-in registry of required segments
// per message type.
var defaultRequiredSegments = map[string][]string{
	"ADT_A01": {"MSH", "EVN", "PID", "PV1"},
	"ADT_A04": {"MSH", "EVN", "PID", "PV1"},
	"ADT_A08": {"MSH", "EVN", "PID", "PV1"},
	"ORU_R01": {"MSH", "PID", "OBR", "OBX"},
	"ORM_O01": {"MSH", "PID", "ORC"},
}

// Validator checks parsed messages against a registry of
// message-type-indexed required-segment lists. Message types without a
// registered list pass with only the MSH checks.
type Validator struct {
	required map[string][]string
}

// NewValidator creates a validator with the built-in registry.
func NewValidator() *Validator {
	required := make(map[string][]string, len(defaultRequiredSegments))
	for k, v := range defaultRequiredSegments {
		required[k] = append([]string(nil), v...)
	}
	return &Validator{required: required}
}

// Register sets or replaces the required segments for a message type.
func (v *Validator) Register(messageType string, segments []string) {
	v.required[messageType] = append([]string(nil), segments...)
}

// Validate checks structural requirements. Failures are classified:
// a short MSH is a parse-level invalid_format failure, a missing
// required segment is a validation failure.
func (v *Validator) Validate(m *Message) error {
	msh, ok := m.Segment("MSH")
	if !ok {
		return types.Errorf(types.KindParse, "hl7", "invalid_format: no MSH segment")
	}
	if len(msh.Fields) < minMSHFields {
		return types.Errorf(types.KindParse, "hl7",
			"invalid_format: MSH has %d fields, need at least %d", len(msh.Fields), minMSHFields)
	}

	msgType := m.Type()
	required, registered := v.required[msgType]
	if !registered {
		return nil
	}
	for _, segID := range required {
		if _, present := m.Segment(segID); !present {
			return types.Errorf(types.KindValidation, "hl7",
				"Missing required segment: %s", segID)
		}
	}
	return nil
}

// RequiredSegments returns the registered list for a message type.
func (v *Validator) RequiredSegments(messageType string) ([]string, bool) {
	segs, ok := v.required[messageType]
	if !ok {
		return nil, false
	}
	return append([]string(nil), segs...), true
}
