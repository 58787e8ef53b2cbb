// Package types defines the message envelope carried across every
// pipeline stage, together with its status lattice and error records.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Content type constants for the two wire representations.
const (
	ContentTypeHL7v2 = "application/hl7-v2+er7"
	ContentTypeFHIR  = "application/fhir+json"
)

// Status represents the processing state of a message.
// Status advances monotonically through the lattice; the only sanctioned
// regression is Requeue, which increments RetryCount.
type Status string

// Status constants, in lattice order. StatusFailed is reachable from any state.
const (
	StatusReceived    Status = "received"
	StatusValidated   Status = "validated"
	StatusTransformed Status = "transformed"
	StatusRouted      Status = "routed"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
)

// statusRank orders the lattice for monotonicity checks.
var statusRank = map[Status]int{
	StatusReceived:    0,
	StatusValidated:   1,
	StatusTransformed: 2,
	StatusRouted:      3,
	StatusSent:        4,
}

// Header carries routing and identity metadata for a message.
type Header struct {
	// MessageID is unique, generated at ingest, and never mutates.
	MessageID string `json:"message_id"`
	// CorrelationID links a derived message to its source.
	CorrelationID string `json:"correlation_id,omitempty"`
	// MessageType is the domain type, e.g. ADT_A01 or Patient.
	MessageType string `json:"message_type,omitempty"`
	// ContentType is the MIME type of the body.
	ContentType string `json:"content_type"`
	// Source is the URI of the ingest endpoint.
	Source string `json:"source,omitempty"`
	// Destinations is the ordered set of targets filled by routing.
	Destinations []string `json:"destinations,omitempty"`
	// Timestamp is the ingest time.
	Timestamp time.Time `json:"timestamp"`
	// Status is the current lattice position.
	Status Status `json:"status"`
	// RetryCount is incremented on each explicit requeue.
	RetryCount int `json:"retry_count"`
	// Metadata holds per-stage annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Body carries the message payload in raw and parsed forms.
type Body struct {
	// ContentType is the MIME type of Content/RawContent.
	ContentType string `json:"content_type"`
	// Content is the parsed structured value, set by stages that parse.
	Content any `json:"content,omitempty"`
	// RawContent is the bytes as received, preserved until a sink acks
	// so a retry can replay the original payload.
	RawContent []byte `json:"raw_content,omitempty"`
	// SchemaID is an optional resolved schema key.
	SchemaID string `json:"schema_id,omitempty"`
	// Metadata holds body-level annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Envelope is the carrier of header plus body across all stages.
// Envelopes are mutated only by the stage that owns the current delivery;
// derivations go through Clone.
type Envelope struct {
	Header Header `json:"header"`
	Body   Body   `json:"body"`
}

// NewEnvelope creates an envelope for a freshly ingested payload.
// A MessageID is generated and status starts at received.
func NewEnvelope(source, contentType string, raw []byte) *Envelope {
	return &Envelope{
		Header: Header{
			MessageID:   uuid.NewString(),
			ContentType: contentType,
			Source:      source,
			Timestamp:   time.Now().UTC(),
			Status:      StatusReceived,
			Metadata:    make(map[string]any),
		},
		Body: Body{
			ContentType: contentType,
			RawContent:  raw,
			Metadata:    make(map[string]any),
		},
	}
}

// Clone produces a deep copy with a new MessageID and
// CorrelationID set to the source's MessageID.
func (e *Envelope) Clone() *Envelope {
	out := &Envelope{
		Header: Header{
			MessageID:     uuid.NewString(),
			CorrelationID: e.Header.MessageID,
			MessageType:   e.Header.MessageType,
			ContentType:   e.Header.ContentType,
			Source:        e.Header.Source,
			Timestamp:     e.Header.Timestamp,
			Status:        e.Header.Status,
			RetryCount:    e.Header.RetryCount,
			Metadata:      deepCopyMap(e.Header.Metadata),
		},
		Body: Body{
			ContentType: e.Body.ContentType,
			Content:     deepCopyValue(e.Body.Content),
			SchemaID:    e.Body.SchemaID,
			Metadata:    deepCopyMap(e.Body.Metadata),
		},
	}
	if e.Header.Destinations != nil {
		out.Header.Destinations = append([]string(nil), e.Header.Destinations...)
	}
	if e.Body.RawContent != nil {
		out.Body.RawContent = append([]byte(nil), e.Body.RawContent...)
	}
	return out
}

// Advance moves the status forward in the lattice.
// Returns an error on regression or unknown status. StatusFailed is
// always reachable.
func (e *Envelope) Advance(next Status) error {
	if next == StatusFailed {
		e.Header.Status = StatusFailed
		return nil
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return fmt.Errorf("unknown status %q", next)
	}
	curRank, ok := statusRank[e.Header.Status]
	if !ok {
		return fmt.Errorf("cannot advance from status %q", e.Header.Status)
	}
	if nextRank < curRank {
		return fmt.Errorf("status regression: %s -> %s", e.Header.Status, next)
	}
	e.Header.Status = next
	return nil
}

// Requeue resets the envelope for redelivery, incrementing RetryCount.
// This is the single sanctioned status regression.
func (e *Envelope) Requeue() {
	e.Header.RetryCount++
}

// AddDestination appends a destination, preserving order and uniqueness.
func (e *Envelope) AddDestination(dest string) {
	for _, d := range e.Header.Destinations {
		if d == dest {
			return
		}
	}
	e.Header.Destinations = append(e.Header.Destinations, dest)
}

// SetMeta records a header metadata annotation, allocating the map on
// first use so zero-value envelopes remain usable.
func (e *Envelope) SetMeta(key string, value any) {
	if e.Header.Metadata == nil {
		e.Header.Metadata = make(map[string]any)
	}
	e.Header.Metadata[key] = value
}

// deepCopyMap copies a metadata map, recursing into nested maps and slices.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

// deepCopyValue copies nested maps, slices, and byte slices.
// Scalar values are returned as-is.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}
