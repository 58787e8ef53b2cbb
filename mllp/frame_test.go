package mllp_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/caduceus-io/caduceus/mllp"
)

func frame(payload string) []byte {
	var b bytes.Buffer
	b.WriteByte(mllp.StartByte)
	b.WriteString(payload)
	b.WriteByte(mllp.EndByte)
	b.WriteByte(mllp.TrailerByte)
	return b.Bytes()
}

func TestReader_SingleMessage(t *testing.T) {
	r := mllp.NewReader(bytes.NewReader(frame("MSH|^~\\&|A")))
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "MSH|^~\\&|A" {
		t.Errorf("payload = %q", got)
	}
	if _, err := r.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

func TestReader_MultipleMessagesWithNoise(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("garbage before")
	b.Write(frame("one"))
	b.WriteString("\r\n noise between \r\n")
	b.Write(frame("two"))

	r := mllp.NewReader(&b)
	for _, want := range []string{"one", "two"} {
		got, err := r.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("payload = %q, want %q", got, want)
		}
	}
}

func TestReader_BadTrailer(t *testing.T) {
	var b bytes.Buffer
	b.WriteByte(mllp.StartByte)
	b.WriteString("broken")
	b.WriteByte(mllp.EndByte)
	b.WriteByte('X')

	r := mllp.NewReader(&b)
	_, err := r.ReadMessage()
	var fe *mllp.FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if fe.Kind != mllp.FrameErrorBadTrailer {
		t.Errorf("kind = %v, want bad trailer: %+v", fe.Kind, fe)
	}
}

func TestReader_TruncatedFrame(t *testing.T) {
	b := []byte{mllp.StartByte, 'M', 'S', 'H'}
	r := mllp.NewReader(bytes.NewReader(b))
	_, err := r.ReadMessage()
	var fe *mllp.FrameError
	if !errors.As(err, &fe) || fe.Kind != mllp.FrameErrorPartial {
		t.Fatalf("expected partial frame error, got %v", err)
	}
}

func TestReader_OversizedFrame(t *testing.T) {
	var b bytes.Buffer
	b.WriteByte(mllp.StartByte)
	b.WriteString("0123456789ABCDEF")

	r := mllp.NewReaderSize(&b, 8)
	_, err := r.ReadMessage()
	var fe *mllp.FrameError
	if !errors.As(err, &fe) || fe.Kind != mllp.FrameErrorTooLarge {
		t.Fatalf("expected oversize error, got %v", err)
	}
}

func TestWriteMessage_RoundTrip(t *testing.T) {
	var b bytes.Buffer
	if err := mllp.WriteMessage(&b, []byte("MSH|^~\\&|X")); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b.Bytes(), frame("MSH|^~\\&|X")) {
		t.Errorf("wire bytes = %v", b.Bytes())
	}

	got, err := mllp.NewReader(&b).ReadMessage()
	if err != nil || string(got) != "MSH|^~\\&|X" {
		t.Errorf("round trip = %q, %v", got, err)
	}
}
