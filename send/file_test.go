package send_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/send"
	"github.com/caduceus-io/caduceus/types"
)

const sinkADT = "MSH|^~\\&|A|B|C|D|20230629120000||ADT^A01|MSG00001|P|2.3\r" +
	"EVN|A01|20230629120000\rPID|1||12345||Doe^John||19700101|M\rPV1|1|O\r"

func hl7Envelope() *types.Envelope {
	env := types.NewEnvelope("mllp://test", types.ContentTypeHL7v2, []byte(sinkADT))
	env.Header.MessageType = "ADT_A01"
	_ = env.Advance(types.StatusValidated)
	_ = env.Advance(types.StatusTransformed)
	_ = env.Advance(types.StatusRouted)
	return env
}

func TestFileSink_WritesPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := send.NewFileSink(send.FileSinkConfig{OutputDir: dir}, log.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	env := hl7Envelope()
	if _, err := s.Process(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if env.Header.Status != types.StatusSent {
		t.Errorf("status = %s", env.Header.Status)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("files = %d, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasSuffix(name, ".hl7") {
		t.Errorf("extension: %q", name)
	}
	if !strings.Contains(name, env.Header.MessageID) {
		t.Errorf("name %q lacks message id", name)
	}

	content, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "ADT^A01") || !strings.Contains(string(content), "MSG00001") {
		t.Error("payload not preserved")
	}
}

func TestFileSink_FHIRGetsJSONExtension(t *testing.T) {
	dir := t.TempDir()
	s, err := send.NewFileSink(send.FileSinkConfig{OutputDir: dir}, log.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	env := types.NewEnvelope("http://test", types.ContentTypeFHIR, []byte(`{"resourceType":"Patient"}`))
	if _, err := s.Process(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".json") {
		t.Errorf("entries = %v", entries)
	}
}

func TestFileSink_PatternWithSubdirs(t *testing.T) {
	dir := t.TempDir()
	s, err := send.NewFileSink(send.FileSinkConfig{
		OutputDir:     dir,
		Pattern:       "{message_type}/{message_id}{ext}",
		CreateSubdirs: true,
	}, log.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	env := hl7Envelope()
	if _, err := s.Process(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "ADT_A01", env.Header.MessageID+".hl7")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected %s: %v", want, err)
	}

	// Without create_subdirs the same pattern is rejected.
	strict, err := send.NewFileSink(send.FileSinkConfig{
		OutputDir: dir,
		Pattern:   "{message_type}/{message_id}{ext}",
	}, log.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := strict.Process(context.Background(), hl7Envelope()); err == nil {
		t.Error("expected rejection without create_subdirs")
	}
}

func TestFileSink_EmptyBodyRejected(t *testing.T) {
	s, err := send.NewFileSink(send.FileSinkConfig{OutputDir: t.TempDir()}, log.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	env := types.NewEnvelope("x", types.ContentTypeHL7v2, nil)
	_, err = s.Process(context.Background(), env)
	if err == nil {
		t.Fatal("expected error")
	}
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("kind = %s", types.KindOf(err))
	}
}

func TestFileSink_RequiresOutputDir(t *testing.T) {
	if _, err := send.NewFileSink(send.FileSinkConfig{}, log.Nop(), nil); err == nil {
		t.Error("expected config error")
	}
}
