package log_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/caduceus-io/caduceus/log"
)

// lastLine decodes the final JSON entry written to the buffer.
func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("entry is not JSON: %v\n%s", err, buf.String())
	}
	return entry
}

func TestLogger_WithOutputRedirects(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogger("test-engine", "info").WithOutput(&buf)

	logger.Info("message accepted", map[string]any{"queue": "received"})

	entry := lastLine(t, &buf)
	if entry["message"] != "message accepted" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	fields, _ := entry["fields"].(map[string]any)
	if fields["queue"] != "received" {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_WithStageBindsField(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogger("test-engine", "debug").WithOutput(&buf).WithStage("validation")

	logger.Warn("slow consumer", nil)

	entry := lastLine(t, &buf)
	if entry["stage"] != "validation" {
		t.Errorf("stage = %v", entry["stage"])
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogger("test-engine", "debug").WithOutput(&buf)

	logger.Debug("d", nil)
	logger.Error("e", nil)

	out := buf.String()
	if !strings.Contains(out, `"debug"`) || !strings.Contains(out, `"error"`) {
		t.Errorf("expected debug and error entries:\n%s", out)
	}
}

func TestNop_Discards(t *testing.T) {
	// Must not panic or write anywhere.
	logger := log.Nop().WithStage("anything")
	logger.Info("dropped", map[string]any{"k": "v"})
}
