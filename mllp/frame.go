// Package mllp implements the Minimal Lower Layer Protocol used to
// carry HL7 v2 messages over TCP: a 0x0B start byte, the payload, and a
// 0x1C 0x0D trailer. It provides framing, an inbound listener stage, and
// an outbound client.
package mllp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MLLP envelope bytes.
const (
	// StartByte opens a frame (vertical tab).
	StartByte = 0x0B
	// EndByte closes the payload (file separator).
	EndByte = 0x1C
	// TrailerByte follows EndByte (carriage return).
	TrailerByte = 0x0D
)

// DefaultMaxMessageSize bounds a single framed payload.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// FrameErrorKind classifies framing errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates the connection closed mid-frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a payload exceeding the size bound.
	FrameErrorTooLarge
	// FrameErrorBadTrailer indicates the byte after 0x1C was not 0x0D.
	FrameErrorBadTrailer
)

// FrameError represents a framing failure on a connection. Any framing
// failure poisons the stream position, so the peer's connection is
// closed rather than resynchronized.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Reader extracts framed payloads from a byte stream. Bytes between
// frames are discarded until the next start byte.
type Reader struct {
	r       *bufio.Reader
	maxSize int
}

// NewReader creates a frame reader with the default size bound.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: DefaultMaxMessageSize}
}

// NewReaderSize creates a frame reader with an explicit payload bound.
func NewReaderSize(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadMessage reads one framed payload. It skips any noise before the
// start byte, accumulates until the end byte, and then requires the
// trailer. io.EOF between frames means the stream ended cleanly.
func (fr *Reader) ReadMessage() ([]byte, error) {
	// Skip to start byte.
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &FrameError{Kind: FrameErrorPartial, Msg: "waiting for start byte", Err: err}
		}
		if b == StartByte {
			break
		}
	}

	payload := make([]byte, 0, 1024)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, &FrameError{Kind: FrameErrorPartial, Msg: "connection closed mid-frame", Err: err}
		}
		if b == EndByte {
			break
		}
		payload = append(payload, b)
		if len(payload) > fr.maxSize {
			return nil, &FrameError{
				Kind: FrameErrorTooLarge,
				Msg:  fmt.Sprintf("payload exceeds %d bytes", fr.maxSize),
			}
		}
	}

	trailer, err := fr.r.ReadByte()
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "connection closed before trailer", Err: err}
	}
	if trailer != TrailerByte {
		return nil, &FrameError{
			Kind: FrameErrorBadTrailer,
			Msg:  fmt.Sprintf("expected 0x0D after end byte, got 0x%02X", trailer),
		}
	}
	return payload, nil
}

// WriteMessage writes one framed payload to the stream.
func WriteMessage(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+3)
	buf = append(buf, StartByte)
	buf = append(buf, payload...)
	buf = append(buf, EndByte, TrailerByte)
	_, err := w.Write(buf)
	return err
}
