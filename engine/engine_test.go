package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caduceus-io/caduceus/config"
	"github.com/caduceus-io/caduceus/engine"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/mllp"
	"github.com/caduceus-io/caduceus/queue"
	"github.com/caduceus-io/caduceus/types"
)

const admitADT = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20230629120000||ADT^A01|E2E0001|P|2.3\r" +
	"EVN|A01|20230629120000\r" +
	"PID|1||12345||Doe^John||19700101|M\r" +
	"PV1|1|O\r"

// invalidADT is a structurally valid HL7 message missing the PID
// segment required for ADT_A01.
const invalidADT = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20230629120000||ADT^A01|E2E0002|P|2.3\r" +
	"EVN|A01|20230629120000\r"

// freePort reserves an ephemeral port and releases it for the engine.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func startEngine(t *testing.T, yaml string) *engine.Engine {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml), "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	eng, err := engine.New(cfg, log.Nop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng
}

// waitForFile polls the directory until one file with the extension
// shows up.
func waitForFile(t *testing.T, dir, ext string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), ext) {
					return filepath.Join(dir, e.Name())
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no %s file appeared in %s", ext, dir)
	return ""
}

// receiveEnvelope consumes one delivery from the queue and acks it.
func receiveEnvelope(t *testing.T, q queue.Queue) *types.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deliveries, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case d, ok := <-deliveries:
		if !ok {
			t.Fatalf("consume channel closed on %s", q.Name())
		}
		_ = q.Ack(ctx, d.Tag)
		return d.Envelope
	case <-ctx.Done():
		t.Fatalf("no delivery on %s", q.Name())
	}
	return nil
}

// Admits an ADT over MLLP and expects the built-in rule to produce a
// FHIR Patient written by the file sink.
func TestEngine_AdmitToPatientFile(t *testing.T) {
	port := freePort(t)
	outDir := t.TempDir()

	yaml := fmt.Sprintf(`engine_id: e2e
inbound:
  mllp:
    - name: adt-in
      host: 127.0.0.1
      port: %d
processing:
  routing:
    routes:
      - name: patient-to-archive
        priority: 10
        conditions:
          - field_path: header.message_type
            operator: ==
            value: Patient
        actions:
          - type: forward
            target: archive
outbound:
  files:
    - name: archive
      output_dir: %s
`, port, outDir)

	eng := startEngine(t, yaml)

	client := mllp.NewClient(mllp.ClientConfig{Address: fmt.Sprintf("127.0.0.1:%d", port)})
	defer func() { _ = client.Close() }()
	if err := client.Send(context.Background(), []byte(admitADT)); err != nil {
		t.Fatalf("send: %v", err)
	}

	path := waitForFile(t, outDir, ".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var patient map[string]any
	if err := json.Unmarshal(raw, &patient); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if patient["resourceType"] != "Patient" {
		t.Errorf("resourceType = %v", patient["resourceType"])
	}
	names, _ := patient["name"].([]any)
	if len(names) == 0 {
		t.Fatalf("patient has no name: %v", patient)
	}
	name, _ := names[0].(map[string]any)
	if name["family"] != "Doe" {
		t.Errorf("family = %v", name["family"])
	}
	if patient["gender"] != "male" {
		t.Errorf("gender = %v", patient["gender"])
	}

	snap := eng.Metrics().Snapshot()
	if snap.MessagesReceived < 1 {
		t.Errorf("received = %d", snap.MessagesReceived)
	}
	if snap.MessagesSent < 1 {
		t.Errorf("sent = %d", snap.MessagesSent)
	}
}

// With the built-in rules switched off, an ADT passes through the
// pipeline untransformed and the sink archives the original ER7 bytes.
func TestEngine_RawHL7Passthrough(t *testing.T) {
	port := freePort(t)
	outDir := t.TempDir()

	yaml := fmt.Sprintf(`engine_id: e2e-raw
inbound:
  mllp:
    - name: adt-in
      host: 127.0.0.1
      port: %d
processing:
  transformation:
    builtin_rules: false
  routing:
    routes:
      - name: adt-to-archive
        priority: 10
        conditions:
          - field_path: header.message_type
            operator: ==
            value: ADT_A01
        actions:
          - type: forward
            target: archive
outbound:
  files:
    - name: archive
      output_dir: %s
`, port, outDir)

	startEngine(t, yaml)

	client := mllp.NewClient(mllp.ClientConfig{Address: fmt.Sprintf("127.0.0.1:%d", port)})
	defer func() { _ = client.Close() }()
	if err := client.Send(context.Background(), []byte(admitADT)); err != nil {
		t.Fatalf("send: %v", err)
	}

	path := waitForFile(t, outDir, ".hl7")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != admitADT {
		t.Errorf("archived bytes differ from the wire message:\n got %q\nwant %q", raw, admitADT)
	}
}

// Disabled components never come up: the listener's port stays closed
// and the validation stage leaves its input queue unconsumed.
func TestEngine_DisabledComponentsStayDown(t *testing.T) {
	port := freePort(t)
	outDir := t.TempDir()

	yaml := fmt.Sprintf(`engine_id: e2e-disabled
inbound:
  mllp:
    - name: adt-in
      host: 127.0.0.1
      port: %d
      enabled: false
processing:
  validation:
    enabled: false
  transformation:
    enabled: false
  routing:
    routes:
      - name: everything
        actions:
          - type: forward
            target: archive
outbound:
  files:
    - name: archive
      output_dir: %s
`, port, outDir)

	eng := startEngine(t, yaml)

	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond); err == nil {
		_ = conn.Close()
		t.Error("disabled listener accepted a connection")
	}

	// Routing consumes received directly; the raw envelope reaches the
	// sink without validation rejecting it.
	received, err := eng.Queues().Get(config.QueueReceived)
	if err != nil {
		t.Fatal(err)
	}
	env := types.NewEnvelope("test://raw", types.ContentTypeHL7v2, []byte(invalidADT))
	if err := received.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, outDir, ".hl7")
}

// A message failing validation lands on the configured error queue with
// failed status; nothing reaches the sink.
func TestEngine_ValidationFailureHitsErrorQueue(t *testing.T) {
	outDir := t.TempDir()

	yaml := fmt.Sprintf(`engine_id: e2e-errors
processing:
  validation:
    error_queue: validation_errors
  routing:
    routes:
      - name: everything
        actions:
          - type: forward
            target: archive
outbound:
  files:
    - name: archive
      output_dir: %s
`, outDir)

	eng := startEngine(t, yaml)

	received, err := eng.Queues().Get(config.QueueReceived)
	if err != nil {
		t.Fatal(err)
	}
	env := types.NewEnvelope("test://bad", types.ContentTypeHL7v2, []byte(invalidADT))
	if err := received.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	errQ, err := eng.Queues().Get("validation_errors")
	if err != nil {
		t.Fatal(err)
	}
	failed := receiveEnvelope(t, errQ)
	if failed.Header.Status != types.StatusFailed {
		t.Errorf("status = %s", failed.Header.Status)
	}
	if len(failed.Errors()) == 0 {
		t.Error("expected an error record on the envelope")
	}
	if !strings.Contains(failed.Errors()[0].Message, "Missing required segment") {
		t.Errorf("error = %q", failed.Errors()[0].Message)
	}

	entries, _ := os.ReadDir(outDir)
	if len(entries) != 0 {
		t.Errorf("sink received %d files for an invalid message", len(entries))
	}
}

// A FHIR Bundle published to the pipeline fans out into one routed
// envelope per entry. The built-in reverse rule turns each Patient into
// an ADT_A01, so the sink sees two HL7 files.
func TestEngine_BundleFansOut(t *testing.T) {
	outDir := t.TempDir()

	yaml := fmt.Sprintf(`engine_id: e2e-bundle
processing:
  routing:
    routes:
      - name: everything
        actions:
          - type: forward
            target: archive
outbound:
  files:
    - name: archive
      output_dir: %s
      pattern: "{message_id}{ext}"
`, outDir)

	eng := startEngine(t, yaml)

	bundle := `{"resourceType":"Bundle","type":"collection","entry":[` +
		`{"resource":{"resourceType":"Patient","name":[{"family":"One"}]}},` +
		`{"resource":{"resourceType":"Patient","name":[{"family":"Two"}]}}]}`
	received, err := eng.Queues().Get(config.QueueReceived)
	if err != nil {
		t.Fatal(err)
	}
	env := types.NewEnvelope("test://bundle", types.ContentTypeFHIR, []byte(bundle))
	if err := received.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(outDir)
		if len(entries) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	entries, _ := os.ReadDir(outDir)
	t.Fatalf("expected 2 sink files, got %d", len(entries))
}

func TestEngine_StartStop(t *testing.T) {
	eng := startEngine(t, "engine_id: lifecycle\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stopping twice is harmless; the cleanup stop becomes a no-op.
}

func TestEngine_RejectsUnknownQueueBackend(t *testing.T) {
	cfg, err := config.Parse([]byte("engine_id: x\nqueues:\n  type: streams\n"), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.New(cfg, log.Nop()); err == nil {
		t.Error("streams backend without redis.addr must fail")
	}
}
