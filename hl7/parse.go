package hl7

import (
	"errors"
	"fmt"
	"strings"
)

// Parse errors.
var (
	// ErrNoMSH indicates the payload does not begin with an MSH segment.
	ErrNoMSH = errors.New("message does not start with MSH")
	// ErrShortMSH indicates the MSH segment is too short to carry
	// delimiters.
	ErrShortMSH = errors.New("MSH segment too short")
)

// ParseDelimiters reads the delimiter set from the first line of an ER7
// message: field separator at byte 3, then component, repetition,
// escape, and subcomponent characters.
func ParseDelimiters(line string) (Delimiters, error) {
	if !strings.HasPrefix(line, "MSH") {
		return Delimiters{}, ErrNoMSH
	}
	if len(line) < 8 {
		return Delimiters{}, ErrShortMSH
	}
	return Delimiters{
		Field:        line[3],
		Component:    line[4],
		Repetition:   line[5],
		Escape:       line[6],
		Subcomponent: line[7],
	}, nil
}

// Parse decodes raw bytes as an ER7 message. Input is decoded as UTF-8
// with replacement of invalid sequences; \r\n and bare \n segment
// terminators are normalized to \r.
func Parse(raw []byte) (*Message, error) {
	text := strings.ToValidUTF8(string(raw), "�")
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	lines := strings.Split(text, "\r")
	segments := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			segments = append(segments, line)
		}
	}
	if len(segments) == 0 {
		return nil, ErrNoMSH
	}

	delims, err := ParseDelimiters(segments[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Delims: delims}
	for i, line := range segments {
		seg, err := parseSegment(line, delims, i == 0)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i+1, err)
		}
		msg.Segments = append(msg.Segments, seg)
	}
	return msg, nil
}

// parseSegment splits one segment line into its 1-based field list.
// For MSH the separator and encoding characters become fields 1 and 2
// and are not component-split.
func parseSegment(line string, delims Delimiters, isMSH bool) (Segment, error) {
	tokens := strings.Split(line, string(delims.Field))
	if len(tokens) == 0 || len(tokens[0]) < 2 {
		return Segment{}, fmt.Errorf("invalid segment id in %q", line)
	}
	id := tokens[0]

	var fields []any
	if isMSH {
		// tokens: ["MSH", "^~\&", field3, ...]; field 1 is the separator.
		fields = append(fields, string(delims.Field))
		for i, tok := range tokens[1:] {
			if i == 0 {
				// MSH-2 encoding characters stay literal.
				fields = append(fields, tok)
				continue
			}
			fields = append(fields, parseField(tok, delims))
		}
	} else {
		for _, tok := range tokens[1:] {
			fields = append(fields, parseField(tok, delims))
		}
	}
	return Segment{ID: id, Fields: fields}, nil
}

// parseField splits a field into components and subcomponents when the
// corresponding separators are present; plain fields stay strings.
func parseField(tok string, delims Delimiters) any {
	if !strings.ContainsRune(tok, rune(delims.Component)) &&
		!strings.ContainsRune(tok, rune(delims.Subcomponent)) {
		return tok
	}

	components := strings.Split(tok, string(delims.Component))
	out := make([]any, len(components))
	for i, comp := range components {
		if strings.ContainsRune(comp, rune(delims.Subcomponent)) {
			subs := strings.Split(comp, string(delims.Subcomponent))
			subList := make([]any, len(subs))
			for j, sub := range subs {
				subList[j] = sub
			}
			out[i] = subList
			continue
		}
		out[i] = comp
	}
	return out
}
