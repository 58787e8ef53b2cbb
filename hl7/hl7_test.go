package hl7_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/caduceus-io/caduceus/hl7"
	"github.com/caduceus-io/caduceus/types"
)

const sampleADT = "MSH|^~\\&|SENDING_APP|SENDING_FAC|RECEIVING_APP|RECEIVING_FAC|20240101120000||ADT^A01|MSG00001|P|2.5.1\r" +
	"EVN|A01|20240101120000\r" +
	"PID|1||12345^^^MRN||DOE^JOHN^M||19800101|M|||123 MAIN ST^^SPRINGFIELD^IL^62701\r" +
	"PV1|1|I|ICU^101^A\r"

const sampleORU = "MSH|^~\\&|LAB|LABFAC|EHR|EHRFAC|20240101130000||ORU^R01|LAB0001|P|2.5.1\r" +
	"PID|1||67890^^^MRN||SMITH^JANE\r" +
	"OBR|1|||CBC^COMPLETE BLOOD COUNT\r" +
	"OBX|1|NM|WBC^WHITE BLOOD CELLS||7.2|10*3/uL|4.0-11.0|N\r" +
	"OBX|2|NM|HGB^HEMOGLOBIN||14.1|g/dL|12.0-16.0|N\r"

func mustParse(t *testing.T, raw string) *hl7.Message {
	t.Helper()
	m, err := hl7.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

func TestParse_MSHFields(t *testing.T) {
	m := mustParse(t, sampleADT)

	if got := m.FieldString("MSH", 1); got != "|" {
		t.Errorf("MSH-1 = %q, want field separator", got)
	}
	if got := m.FieldString("MSH", 2); got != "^~\\&" {
		t.Errorf("MSH-2 = %q, want encoding characters kept literal", got)
	}
	if got := m.FieldString("MSH", 3); got != "SENDING_APP" {
		t.Errorf("MSH-3 = %q", got)
	}
	if got := m.Type(); got != "ADT_A01" {
		t.Errorf("type = %q, want ADT_A01", got)
	}
	if got := m.ControlID(); got != "MSG00001" {
		t.Errorf("control ID = %q", got)
	}
	if got := m.Version(); got != "2.5.1" {
		t.Errorf("version = %q", got)
	}
}

func TestParse_ComponentsAndSubcomponents(t *testing.T) {
	m := mustParse(t, sampleADT)

	if got := m.Component("PID", 5, 1); got != "DOE" {
		t.Errorf("PID-5.1 = %q", got)
	}
	if got := m.Component("PID", 5, 2); got != "JOHN" {
		t.Errorf("PID-5.2 = %q", got)
	}
	// Plain string field: component 1 is the field itself.
	if got := m.Component("PID", 7, 1); got != "19800101" {
		t.Errorf("PID-7.1 = %q", got)
	}

	sub := mustParse(t, "MSH|^~\\&|APP|FAC|B|BF|20240101||ADT^A01|1|P|2.3\r"+
		"ZZZ|first&second^third\r")
	seg, ok := sub.Segment("ZZZ")
	if !ok {
		t.Fatal("ZZZ segment missing")
	}
	field, ok := seg.Field(1).([]any)
	if !ok {
		t.Fatalf("ZZZ-1 not component-split: %T", seg.Field(1))
	}
	subs, ok := field[0].([]any)
	if !ok || len(subs) != 2 || subs[0] != "first" || subs[1] != "second" {
		t.Errorf("subcomponents = %v", field[0])
	}
}

func TestParse_NormalizesLineEndings(t *testing.T) {
	crlf := strings.ReplaceAll(sampleADT, "\r", "\r\n")
	lf := strings.ReplaceAll(sampleADT, "\r", "\n")

	for name, raw := range map[string]string{"crlf": crlf, "lf": lf} {
		m, err := hl7.Parse([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(m.Segments) != 4 {
			t.Errorf("%s: segment count = %d, want 4", name, len(m.Segments))
		}
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := hl7.Parse([]byte("PID|1|2\r")); !errors.Is(err, hl7.ErrNoMSH) {
		t.Errorf("non-MSH start: %v", err)
	}
	if _, err := hl7.Parse([]byte("MSH|^~")); !errors.Is(err, hl7.ErrShortMSH) {
		t.Errorf("truncated MSH: %v", err)
	}
	if _, err := hl7.Parse(nil); !errors.Is(err, hl7.ErrNoMSH) {
		t.Errorf("empty payload: %v", err)
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	for name, raw := range map[string]string{"adt": sampleADT, "oru": sampleORU} {
		m := mustParse(t, raw)
		out := m.Serialize()
		if !bytes.Equal(out, []byte(raw)) {
			t.Errorf("%s round trip mismatch:\n got %q\nwant %q", name, out, raw)
		}
	}
}

func TestMessage_RepeatingSegments(t *testing.T) {
	m := mustParse(t, sampleORU)

	obx := m.All("OBX")
	if len(obx) != 2 {
		t.Fatalf("OBX count = %d, want 2", len(obx))
	}

	structured := m.Map()
	list, ok := structured["OBX"].([]any)
	if !ok {
		t.Fatalf("repeating OBX not a list: %T", structured["OBX"])
	}
	if len(list) != 2 {
		t.Errorf("OBX occurrence count = %d", len(list))
	}

	// A single-occurrence segment wraps the same way, so consumers
	// never have to guess the nesting depth.
	pid, ok := structured["PID"].([]any)
	if !ok || len(pid) != 1 {
		t.Fatalf("single PID should be a one-occurrence list: %v", structured["PID"])
	}
	if _, ok := pid[0].([]any); !ok {
		t.Errorf("PID occurrence should be a field list: %T", pid[0])
	}
}

func TestValidator_RequiredSegments(t *testing.T) {
	v := hl7.NewValidator()

	if err := v.Validate(mustParse(t, sampleADT)); err != nil {
		t.Errorf("complete ADT_A01: %v", err)
	}
	if err := v.Validate(mustParse(t, sampleORU)); err != nil {
		t.Errorf("complete ORU_R01: %v", err)
	}

	noPID := "MSH|^~\\&|APP|FAC|B|BF|20240101120000||ADT^A01|MSG1|P|2.5.1\r" +
		"EVN|A01|20240101120000\r" +
		"PV1|1|I\r"
	err := v.Validate(mustParse(t, noPID))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("kind = %s, want validation_error", types.KindOf(err))
	}
	if !strings.Contains(err.Error(), "Missing required segment: PID") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestValidator_ShortMSHIsFormatError(t *testing.T) {
	v := hl7.NewValidator()
	short := mustParse(t, "MSH|^~\\&|APP|FAC|B|BF|20240101||ADT^A01\r")
	err := v.Validate(short)
	if err == nil {
		t.Fatal("expected format failure")
	}
	if types.KindOf(err) != types.KindParse {
		t.Errorf("kind = %s, want parse_error", types.KindOf(err))
	}
}

func TestValidator_UnregisteredTypePasses(t *testing.T) {
	v := hl7.NewValidator()
	m := mustParse(t, "MSH|^~\\&|APP|FAC|B|BF|20240101120000||SIU^S12|MSG9|P|2.3\r")
	if err := v.Validate(m); err != nil {
		t.Errorf("unregistered type should pass MSH-only checks: %v", err)
	}

	v.Register("SIU_S12", []string{"MSH", "SCH"})
	if err := v.Validate(m); err == nil {
		t.Error("expected failure after registering SCH requirement")
	}
}

func TestBuildAck_SwapsEndpoints(t *testing.T) {
	m := mustParse(t, sampleADT)

	ack, err := hl7.Parse(hl7.BuildAck(m, hl7.AckAccept, ""))
	if err != nil {
		t.Fatalf("ack does not reparse: %v", err)
	}
	if got := ack.FieldString("MSH", 3); got != "RECEIVING_APP" {
		t.Errorf("ack MSH-3 = %q, want original receiver", got)
	}
	if got := ack.FieldString("MSH", 5); got != "SENDING_APP" {
		t.Errorf("ack MSH-5 = %q, want original sender", got)
	}
	if got := ack.Type(); got != "ACK" {
		t.Errorf("ack type = %q", got)
	}
	code, reason, ok := hl7.ParseAckCode(ack)
	if !ok || code != hl7.AckAccept || reason != "" {
		t.Errorf("MSA = %q %q %v", code, reason, ok)
	}
	if got := ack.FieldString("MSA", 2); got != "MSG00001" {
		t.Errorf("MSA-2 = %q, want echoed control ID", got)
	}
}

func TestBuildAck_ErrorCarriesReason(t *testing.T) {
	m := mustParse(t, sampleADT)
	nak, err := hl7.Parse(hl7.BuildAck(m, hl7.AckError, "Missing required segment: PID"))
	if err != nil {
		t.Fatal(err)
	}
	code, reason, _ := hl7.ParseAckCode(nak)
	if code != hl7.AckError {
		t.Errorf("code = %q", code)
	}
	if reason != "Missing required segment: PID" {
		t.Errorf("reason = %q", reason)
	}
}

func TestBuildRawNak(t *testing.T) {
	nak, err := hl7.Parse(hl7.BuildRawNak("", "unparseable payload"))
	if err != nil {
		t.Fatal(err)
	}
	code, reason, _ := hl7.ParseAckCode(nak)
	if code != hl7.AckError || reason != "unparseable payload" {
		t.Errorf("MSA = %q %q", code, reason)
	}
}
