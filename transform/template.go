package transform

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// resolver evaluates a dot path during rendering. A path that does not
// resolve returns ErrFieldNotFound.
type resolver func(path string) (any, error)

// token kinds of the template scanner.
type tokenKind int

const (
	tokenText tokenKind = iota
	tokenVar            // {{ ... }}
	tokenIf             // {% if EXPR %}
	tokenElif           // {% elif EXPR %}
	tokenElse           // {% else %}
	tokenEndif          // {% endif %}
)

type token struct {
	kind tokenKind
	text string // text body, var expression, or condition expression
}

// renderTemplate evaluates one template string. Supported constructs:
// {{path}}, {{path | filter(args)}}, and a flat (non-nested)
// {% if %}/{% elif %}/{% else %}/{% endif %} chain. Conditions are a
// bare path (truthy when it resolves non-empty) or path == / !=
// 'literal'.
func renderTemplate(tmpl string, res resolver) (string, error) {
	tokens, err := scanTemplate(tmpl)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	// Branch state: inBranch tracks an open if-chain; emit says the
	// current arm is live; taken says an earlier arm already fired.
	inBranch := false
	emit := true
	taken := false

	for _, tok := range tokens {
		switch tok.kind {
		case tokenText:
			if emit {
				out.WriteString(tok.text)
			}
		case tokenVar:
			if !emit {
				continue
			}
			val, err := evalPlaceholder(tok.text, res)
			if err != nil {
				return "", err
			}
			out.WriteString(val)
		case tokenIf:
			if inBranch {
				return "", fmt.Errorf("nested {%% if %%} is not supported")
			}
			cond, err := evalCondition(tok.text, res)
			if err != nil {
				return "", err
			}
			inBranch = true
			emit = cond
			taken = cond
		case tokenElif:
			if !inBranch {
				return "", fmt.Errorf("{%% elif %%} outside of if")
			}
			if taken {
				emit = false
				continue
			}
			cond, err := evalCondition(tok.text, res)
			if err != nil {
				return "", err
			}
			emit = cond
			taken = cond
		case tokenElse:
			if !inBranch {
				return "", fmt.Errorf("{%% else %%} outside of if")
			}
			emit = !taken
		case tokenEndif:
			if !inBranch {
				return "", fmt.Errorf("{%% endif %%} outside of if")
			}
			inBranch = false
			emit = true
			taken = false
		}
	}
	if inBranch {
		return "", fmt.Errorf("unterminated {%% if %%}")
	}
	return out.String(), nil
}

// scanTemplate splits the template into text, variable, and block
// tokens.
func scanTemplate(tmpl string) ([]token, error) {
	var tokens []token
	rest := tmpl
	for {
		varIdx := strings.Index(rest, "{{")
		blockIdx := strings.Index(rest, "{%")
		if varIdx < 0 && blockIdx < 0 {
			if rest != "" {
				tokens = append(tokens, token{kind: tokenText, text: rest})
			}
			return tokens, nil
		}

		idx := varIdx
		isBlock := false
		if varIdx < 0 || (blockIdx >= 0 && blockIdx < varIdx) {
			idx = blockIdx
			isBlock = true
		}
		if idx > 0 {
			tokens = append(tokens, token{kind: tokenText, text: rest[:idx]})
		}
		rest = rest[idx:]

		closer := "}}"
		if isBlock {
			closer = "%}"
		}
		end := strings.Index(rest, closer)
		if end < 0 {
			return nil, fmt.Errorf("unterminated tag in template: %q", rest)
		}
		body := strings.TrimSpace(rest[2:end])
		rest = rest[end+2:]

		if !isBlock {
			tokens = append(tokens, token{kind: tokenVar, text: body})
			continue
		}
		switch {
		case strings.HasPrefix(body, "if "):
			tokens = append(tokens, token{kind: tokenIf, text: strings.TrimSpace(body[3:])})
		case strings.HasPrefix(body, "elif "):
			tokens = append(tokens, token{kind: tokenElif, text: strings.TrimSpace(body[5:])})
		case body == "else":
			tokens = append(tokens, token{kind: tokenElse})
		case body == "endif":
			tokens = append(tokens, token{kind: tokenEndif})
		default:
			return nil, fmt.Errorf("unknown block tag %q", body)
		}
	}
}

// evalPlaceholder resolves "path" or "path | filter(args)". An
// unresolvable path renders empty, which the default filter can then
// replace.
func evalPlaceholder(expr string, res resolver) (string, error) {
	parts := strings.SplitN(expr, "|", 2)
	path := strings.TrimSpace(parts[0])

	var value string
	v, err := res(path)
	switch {
	case err == nil:
		value = Stringify(v)
	case errors.Is(err, ErrFieldNotFound):
		value = ""
	default:
		return "", err
	}

	if len(parts) == 1 {
		return value, nil
	}
	return applyFilter(strings.TrimSpace(parts[1]), value)
}

// applyFilter dispatches the closed filter set: date(fmt), upper,
// lower, default(x).
func applyFilter(spec, value string) (string, error) {
	name := spec
	var arg string
	hasArg := false
	if open := strings.Index(spec, "("); open >= 0 {
		if !strings.HasSuffix(spec, ")") {
			return "", fmt.Errorf("malformed filter %q", spec)
		}
		name = strings.TrimSpace(spec[:open])
		arg = strings.TrimSpace(spec[open+1 : len(spec)-1])
		arg = strings.Trim(arg, "'\"")
		hasArg = true
	}

	switch name {
	case "upper":
		return strings.ToUpper(value), nil
	case "lower":
		return strings.ToLower(value), nil
	case "default":
		if !hasArg {
			return "", fmt.Errorf("default filter requires an argument")
		}
		if value == "" {
			return arg, nil
		}
		return value, nil
	case "date":
		if !hasArg {
			return "", fmt.Errorf("date filter requires a format")
		}
		return formatDate(value, arg)
	}
	return "", fmt.Errorf("unknown filter %q", name)
}

// tsLayouts maps HL7 TS digit counts onto parse layouts.
var tsLayouts = map[int]string{
	4:  "2006",
	6:  "200601",
	8:  "20060102",
	12: "200601021504",
	14: "20060102150405",
}

// strftime directive translations for the date filter.
var strftimeRepl = strings.NewReplacer(
	"%Y", "2006",
	"%m", "01",
	"%d", "02",
	"%H", "15",
	"%M", "04",
	"%S", "05",
)

// isoLayouts cover FHIR date and dateTime inputs.
var isoLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// formatDate reinterprets an HL7 TS value (YYYYMMDD[HHMMSS...]) or an
// ISO date with a strftime-style output format. Empty input stays
// empty.
func formatDate(value, format string) (string, error) {
	if value == "" {
		return "", nil
	}
	if strings.Contains(value, "-") {
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t.Format(strftimeRepl.Replace(format)), nil
			}
		}
		return "", fmt.Errorf("unrecognized timestamp %q", value)
	}
	digits := value
	if dot := strings.IndexAny(digits, ".+"); dot >= 0 {
		digits = digits[:dot]
	}
	layout, ok := tsLayouts[len(digits)]
	if !ok {
		return "", fmt.Errorf("unrecognized timestamp %q", value)
	}
	t, err := time.Parse(layout, digits)
	if err != nil {
		return "", fmt.Errorf("unparseable timestamp %q: %w", value, err)
	}
	return t.Format(strftimeRepl.Replace(format)), nil
}

// evalCondition evaluates a block condition: a bare path, or
// path == 'literal' / path != 'literal'. Unresolvable paths are falsy.
func evalCondition(expr string, res resolver) (bool, error) {
	op := ""
	if strings.Contains(expr, "==") {
		op = "=="
	} else if strings.Contains(expr, "!=") {
		op = "!="
	}

	if op == "" {
		v, err := res(strings.TrimSpace(expr))
		if errors.Is(err, ErrFieldNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return Stringify(v) != "", nil
	}

	halves := strings.SplitN(expr, op, 2)
	path := strings.TrimSpace(halves[0])
	want := strings.Trim(strings.TrimSpace(halves[1]), "'\"")

	v, err := res(path)
	var got string
	switch {
	case err == nil:
		got = Stringify(v)
	case errors.Is(err, ErrFieldNotFound):
		got = ""
	default:
		return false, err
	}

	if op == "==" {
		return got == want, nil
	}
	return got != want, nil
}
