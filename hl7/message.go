// Package hl7 parses and serializes HL7 v2.x messages in their ER7
// pipe-delimited text form, validates required segments per message
// type, and synthesizes ACK/NAK acknowledgements.
package hl7

import (
	"fmt"
	"strings"
)

// Delimiters are the encoding characters of an ER7 message, read from
// the MSH segment (field separator at byte 3, encoding characters at
// bytes 4-7).
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters is the conventional |^~\& set.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// Segment is one parsed ER7 segment. Fields are 1-based by HL7
// convention: Fields[0] holds field 1. For MSH, field 1 is the field
// separator itself and field 2 the encoding characters, both kept as
// literal strings.
//
// A field value is a string, or []any of component strings when the
// component separator is present, with subcomponents nested one level
// deeper the same way.
type Segment struct {
	ID     string
	Fields []any
}

// Field returns the 1-based field, or nil when absent.
func (s Segment) Field(n int) any {
	if n < 1 || n > len(s.Fields) {
		return nil
	}
	return s.Fields[n-1]
}

// Message is an ordered sequence of parsed segments sharing one
// delimiter set. Order is preserved so serialization round-trips.
type Message struct {
	Delims   Delimiters
	Segments []Segment
}

// Segment returns the first occurrence of the segment ID.
func (m *Message) Segment(id string) (Segment, bool) {
	for _, seg := range m.Segments {
		if seg.ID == id {
			return seg, true
		}
	}
	return Segment{}, false
}

// All returns every occurrence of the segment ID, in order.
func (m *Message) All(id string) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.ID == id {
			out = append(out, seg)
		}
	}
	return out
}

// FieldString returns the serialized text of a 1-based field from the
// first occurrence of the segment, with component and subcomponent
// separators restored. Absent fields return "".
func (m *Message) FieldString(segID string, n int) string {
	seg, ok := m.Segment(segID)
	if !ok {
		return ""
	}
	return m.renderField(seg.Field(n))
}

// Component returns one component (1-based) of a field as text.
// For a plain string field, component 1 is the field itself.
func (m *Message) Component(segID string, field, component int) string {
	seg, ok := m.Segment(segID)
	if !ok {
		return ""
	}
	v := seg.Field(field)
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if component == 1 {
			return val
		}
		return ""
	case []any:
		if component < 1 || component > len(val) {
			return ""
		}
		return m.renderComponent(val[component-1])
	}
	return ""
}

// Type returns the message type from MSH-9 with components joined by an
// underscore, e.g. ADT^A01 -> ADT_A01.
func (m *Message) Type() string {
	seg, ok := m.Segment("MSH")
	if !ok {
		return ""
	}
	switch v := seg.Field(9).(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, 2)
		for i, c := range v {
			if i >= 2 {
				break
			}
			if s, ok := c.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "_")
	}
	return ""
}

// ControlID returns the message control ID from MSH-10.
func (m *Message) ControlID() string {
	return m.FieldString("MSH", 10)
}

// Version returns the HL7 version from MSH-12.
func (m *Message) Version() string {
	return m.FieldString("MSH", 12)
}

// Map returns the structured form attached to envelope bodies:
// segment ID -> list of occurrences, each occurrence a field list. A
// segment appearing once still wraps in a one-element list, so the
// nesting depth is fixed and a field of components can never be read as
// a repetition. The form is JSON-serializable so it survives the queue
// wire.
func (m *Message) Map() map[string]any {
	out := make(map[string]any)
	for _, seg := range m.Segments {
		fields := make([]any, len(seg.Fields))
		copy(fields, seg.Fields)
		existing, _ := out[seg.ID].([]any)
		out[seg.ID] = append(existing, any(fields))
	}
	return out
}

// Serialize reconstructs the ER7 text, one segment per trailing \r.
// Parsing then serializing a valid message reproduces the original
// field and component boundaries.
func (m *Message) Serialize() []byte {
	var b strings.Builder
	for _, seg := range m.Segments {
		b.WriteString(seg.ID)
		fields := seg.Fields
		if seg.ID == "MSH" && len(fields) > 0 {
			// MSH-1 is the separator itself; it is emitted, not joined.
			fields = fields[1:]
		}
		for _, f := range fields {
			b.WriteByte(m.Delims.Field)
			b.WriteString(m.renderField(f))
		}
		b.WriteByte('\r')
	}
	return []byte(b.String())
}

// renderField restores component separators in a parsed field value.
func (m *Message) renderField(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, c := range val {
			parts[i] = m.renderComponent(c)
		}
		return strings.Join(parts, string(m.Delims.Component))
	default:
		return fmt.Sprint(val)
	}
}

// renderComponent restores subcomponent separators in a component value.
func (m *Message) renderComponent(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, s := range val {
			if str, ok := s.(string); ok {
				parts[i] = str
			}
		}
		return strings.Join(parts, string(m.Delims.Subcomponent))
	default:
		return fmt.Sprint(val)
	}
}
