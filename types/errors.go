// Error kinds and classified error wrappers for pipeline failures.
//
// Stages classify failures into a fixed kind table so retry and
// dead-letter decisions can be made without string matching. Use
// errors.As with *Error for typed assertions.
package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

// Error kind constants.
const (
	// KindTransport covers socket, DNS, and timeout failures.
	KindTransport ErrorKind = "transport_error"
	// KindServer5xx covers upstream 5xx responses.
	KindServer5xx ErrorKind = "server_5xx"
	// KindHTTP429 covers upstream rate limiting.
	KindHTTP429 ErrorKind = "http_429"
	// KindParse covers malformed HL7 and invalid JSON.
	KindParse ErrorKind = "parse_error"
	// KindValidation covers missing segments and fields.
	KindValidation ErrorKind = "validation_error"
	// KindTransformation covers mapping and template failures.
	KindTransformation ErrorKind = "transformation_error"
	// KindRouting covers rule evaluation faults.
	KindRouting ErrorKind = "routing_error"
	// KindAuth covers OAuth/token failures.
	KindAuth ErrorKind = "auth_error"
	// KindApplicationReject covers MLLP AR/AE and FHIR OperationOutcome errors.
	KindApplicationReject ErrorKind = "application_reject"
)

// retryableKinds maps each kind to its retry eligibility.
// Auth errors retry once after a token refresh: the FHIR sender discards
// its cached token on an auth failure and the stage runner caps the
// retry budget for this kind at one.
var retryableKinds = map[ErrorKind]bool{
	KindTransport: true,
	KindServer5xx: true,
	KindHTTP429:   true,
	KindAuth:      true,
}

// Retryable reports whether failures of the given kind may be retried.
func Retryable(kind ErrorKind) bool {
	return retryableKinds[kind]
}

// Error wraps an underlying failure with its kind and the service that
// produced it. It preserves the chain for errors.Is/As traversal.
type Error struct {
	Kind    ErrorKind
	Service string
	Err     error
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified pipeline error.
func NewError(kind ErrorKind, service string, err error) *Error {
	return &Error{Kind: kind, Service: service, Err: err}
}

// Errorf creates a classified pipeline error from a format string.
func Errorf(kind ErrorKind, service, format string, args ...any) *Error {
	return &Error{Kind: kind, Service: service, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from a classified error chain.
// Unclassified errors default to KindTransport, the conservative choice:
// unknown failures stay retryable instead of being dropped.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindTransport
}

// ErrorRecord is the metadata entry appended to an envelope for each
// failure it accumulates, keyed under Header.Metadata["errors"].
type ErrorRecord struct {
	Service string `json:"service"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RecordError appends a classified failure to the envelope's error list.
func (e *Envelope) RecordError(service string, kind ErrorKind, message string) {
	if e.Header.Metadata == nil {
		e.Header.Metadata = make(map[string]any)
	}
	records := append(errorRecords(e.Header.Metadata["errors"]), ErrorRecord{
		Service: service,
		Kind:    string(kind),
		Message: message,
	})
	e.Header.Metadata["errors"] = records
}

// Errors returns the accumulated error records, if any.
func (e *Envelope) Errors() []ErrorRecord {
	return errorRecords(e.Header.Metadata["errors"])
}

// errorRecords normalizes the metadata entry. An envelope that crossed a
// durable queue arrives with the records decoded as generic JSON maps,
// so both shapes must read back as the same list.
func errorRecords(v any) []ErrorRecord {
	switch val := v.(type) {
	case []ErrorRecord:
		return val
	case []any:
		records := make([]ErrorRecord, 0, len(val))
		for _, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var rec ErrorRecord
			rec.Service, _ = m["service"].(string)
			rec.Kind, _ = m["kind"].(string)
			rec.Message, _ = m["message"].(string)
			records = append(records, rec)
		}
		return records
	}
	return nil
}
