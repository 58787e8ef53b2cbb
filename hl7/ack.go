package hl7

import (
	"fmt"
	"strings"
	"time"
)

// Acknowledgement codes carried in MSA-1.
const (
	// AckAccept is application accept (AA).
	AckAccept = "AA"
	// AckError is application error (AE).
	AckError = "AE"
	// AckReject is application reject (AR).
	AckReject = "AR"
	// AckCommitAccept is enhanced-mode commit accept (CA).
	AckCommitAccept = "CA"
)

// BuildAck synthesizes an ER7 acknowledgement for the message: the MSH
// sending and receiving applications are swapped, MSH-9 becomes ACK, and
// the original control ID is echoed in MSH-10 and MSA-2. A non-empty
// reason lands in MSA-3 (used for AE/AR responses).
func BuildAck(m *Message, code, reason string) []byte {
	sendingApp := m.FieldString("MSH", 3)
	sendingFac := m.FieldString("MSH", 4)
	receivingApp := m.FieldString("MSH", 5)
	receivingFac := m.FieldString("MSH", 6)
	controlID := m.ControlID()
	version := m.Version()
	if version == "" {
		version = "2.3"
	}

	return buildAckText(receivingApp, receivingFac, sendingApp, sendingFac, controlID, version, code, reason)
}

// BuildRawNak synthesizes a NAK for a payload that could not be parsed.
// With no MSH to mine, the sender fields stay empty and the control ID
// may be empty as well.
func BuildRawNak(controlID, reason string) []byte {
	return buildAckText("", "", "", "", controlID, "2.3", AckError, reason)
}

func buildAckText(sendApp, sendFac, recvApp, recvFac, controlID, version, code, reason string) []byte {
	ts := time.Now().UTC().Format("20060102150405")

	var b strings.Builder
	fmt.Fprintf(&b, "MSH|^~\\&|%s|%s|%s|%s|%s||ACK|%s|P|%s\r",
		sendApp, sendFac, recvApp, recvFac, ts, controlID, version)
	fmt.Fprintf(&b, "MSA|%s|%s", code, controlID)
	if reason != "" {
		fmt.Fprintf(&b, "|%s", reason)
	}
	b.WriteByte('\r')
	return []byte(b.String())
}

// ParseAckCode extracts MSA-1 and MSA-3 from an acknowledgement message.
// Returns the code, the error reason (empty for accepts), and whether an
// MSA segment was present at all.
func ParseAckCode(m *Message) (code, reason string, ok bool) {
	if _, present := m.Segment("MSA"); !present {
		return "", "", false
	}
	code = m.FieldString("MSA", 1)
	reason = m.FieldString("MSA", 3)
	return code, reason, true
}
