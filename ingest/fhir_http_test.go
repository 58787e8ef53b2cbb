package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/caduceus-io/caduceus/ingest"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/queue"
	"github.com/caduceus-io/caduceus/types"
)

func startFHIRListener(t *testing.T, m *queue.Manager) *ingest.FHIRListener {
	t.Helper()
	l := ingest.NewFHIRListener(ingest.FHIRListenerConfig{
		Host:        "127.0.0.1",
		Port:        0,
		OutputQueue: "raw_messages",
	}, m, log.Nop(), nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return l
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/fhir+json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestFHIRListener_AcceptsResource(t *testing.T) {
	m := queue.NewManager(queue.MemoryFactory(queue.MemoryConfig{}))
	defer func() { _ = m.Close() }()
	l := startFHIRListener(t, m)

	patient := `{"resourceType":"Patient","name":[{"family":"Doe"}]}`
	resp, body := postJSON(t, fmt.Sprintf("http://%s/Patient", l.Addr()), patient)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["id"] == "" {
		t.Error("no message id in response")
	}

	env := receiveEnvelope(t, m, "raw_messages")
	if env.Header.MessageType != "Patient" {
		t.Errorf("message type = %q", env.Header.MessageType)
	}
	if env.Header.ContentType != types.ContentTypeFHIR {
		t.Errorf("content type = %q", env.Header.ContentType)
	}
	if env.Header.MessageID != body["id"] {
		t.Error("response id does not match envelope")
	}
	if _, ok := env.Body.Content.(map[string]any); !ok {
		t.Errorf("content not parsed: %T", env.Body.Content)
	}
}

func TestFHIRListener_ProcessMessage(t *testing.T) {
	m := queue.NewManager(queue.MemoryFactory(queue.MemoryConfig{}))
	defer func() { _ = m.Close() }()
	l := startFHIRListener(t, m)

	bundle := `{"resourceType":"Bundle","type":"message","entry":[]}`
	resp, _ := postJSON(t, fmt.Sprintf("http://%s/$process-message", l.Addr()), bundle)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	env := receiveEnvelope(t, m, "raw_messages")
	if env.Header.MessageType != "Bundle" {
		t.Errorf("message type = %q", env.Header.MessageType)
	}
}

func TestFHIRListener_RejectsBadPayloads(t *testing.T) {
	m := queue.NewManager(queue.MemoryFactory(queue.MemoryConfig{}))
	defer func() { _ = m.Close() }()
	l := startFHIRListener(t, m)

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"not json", "/Patient", "<Patient/>", http.StatusBadRequest},
		{"no resourceType", "/Patient", `{"id":"x"}`, http.StatusBadRequest},
		{"type mismatch", "/Observation", `{"resourceType":"Patient"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, body := postJSON(t, fmt.Sprintf("http://%s%s", l.Addr(), tc.path), tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
			continue
		}
		if body["resourceType"] != "OperationOutcome" {
			t.Errorf("%s: response is not an OperationOutcome: %v", tc.name, body)
		}
		issues, _ := body["issue"].([]any)
		if len(issues) == 0 {
			t.Errorf("%s: no issues in outcome", tc.name)
			continue
		}
		issue := issues[0].(map[string]any)
		if issue["diagnostics"] == "" {
			t.Errorf("%s: empty diagnostics", tc.name)
		}
	}

	q, _ := m.Get("raw_messages")
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("rejected payloads were published, len = %d", n)
	}
}

func TestFHIRListener_Lifecycle(t *testing.T) {
	m := queue.NewManager(queue.MemoryFactory(queue.MemoryConfig{}))
	defer func() { _ = m.Close() }()

	l := ingest.NewFHIRListener(ingest.FHIRListenerConfig{
		Host:        "127.0.0.1",
		OutputQueue: "raw_messages",
	}, m, log.Nop(), nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err == nil {
		t.Error("double start must fail")
	}
	addr := l.Addr()
	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	client := http.Client{Timeout: 300 * time.Millisecond}
	if _, err := client.Post(fmt.Sprintf("http://%s/Patient", addr), "application/fhir+json",
		bytes.NewBufferString(`{"resourceType":"Patient"}`)); err == nil {
		t.Error("server still answering after stop")
	}
}
