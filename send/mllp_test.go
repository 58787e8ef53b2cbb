package send_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/caduceus-io/caduceus/hl7"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/mllp"
	"github.com/caduceus-io/caduceus/send"
	"github.com/caduceus-io/caduceus/types"
)

// mllpEcho accepts connections and answers every message with the given
// acknowledgement code, counting deliveries.
func mllpEcho(t *testing.T, code string, received *atomic.Int64) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				reader := mllp.NewReader(conn)
				for {
					payload, err := reader.ReadMessage()
					if err != nil {
						return
					}
					if received != nil {
						received.Add(1)
					}
					msg, err := hl7.Parse(payload)
					if err != nil {
						return
					}
					_ = mllp.WriteMessage(conn, hl7.BuildAck(msg, code, ""))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestMLLPSender_Delivers(t *testing.T) {
	var received atomic.Int64
	addr := mllpEcho(t, hl7.AckAccept, &received)

	s := send.NewMLLPSender("", mllp.NewClient(mllp.ClientConfig{Address: addr}), log.Nop(), nil)
	defer func() { _ = s.Close() }()

	env := hl7Envelope()
	out, err := s.Process(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("sink produced outputs: %v", out)
	}
	if env.Header.Status != types.StatusSent {
		t.Errorf("status = %s", env.Header.Status)
	}
	if received.Load() != 1 {
		t.Errorf("deliveries = %d", received.Load())
	}
}

func TestMLLPSender_RejectIsTerminal(t *testing.T) {
	addr := mllpEcho(t, hl7.AckReject, nil)

	s := send.NewMLLPSender("", mllp.NewClient(mllp.ClientConfig{Address: addr}), log.Nop(), nil)
	defer func() { _ = s.Close() }()

	env := hl7Envelope()
	_, err := s.Process(context.Background(), env)
	if err == nil {
		t.Fatal("expected rejection")
	}
	kind := types.KindOf(err)
	if kind != types.KindApplicationReject || types.Retryable(kind) {
		t.Errorf("kind = %s", kind)
	}
	if env.Header.Status == types.StatusSent {
		t.Error("rejected envelope must not advance to sent")
	}
}

func TestMLLPSender_EmptyBodyRejected(t *testing.T) {
	s := send.NewMLLPSender("", mllp.NewClient(mllp.ClientConfig{Address: "127.0.0.1:1"}), log.Nop(), nil)
	defer func() { _ = s.Close() }()

	env := types.NewEnvelope("x", types.ContentTypeHL7v2, nil)
	if _, err := s.Process(context.Background(), env); err == nil {
		t.Fatal("expected error")
	}
}
