package transform

import (
	"fmt"
	"strings"
	"testing"
)

func mapResolver(values map[string]any) resolver {
	return func(path string) (any, error) {
		v, ok := values[path]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
		}
		return v, nil
	}
}

func render(t *testing.T, tmpl string, values map[string]any) string {
	t.Helper()
	out, err := renderTemplate(tmpl, mapResolver(values))
	if err != nil {
		t.Fatalf("render %q: %v", tmpl, err)
	}
	return out
}

func TestRenderTemplate_Placeholders(t *testing.T) {
	values := map[string]any{
		"PID.5.1": "Doe",
		"PID.5.2": "John",
		"PID.8":   "M",
	}

	cases := map[string]string{
		"plain text":                      "plain text",
		"{{PID.5.1}}":                     "Doe",
		"{{ PID.5.1 }}, {{ PID.5.2 }}":    "Doe, John",
		"{{PID.5.1 | upper}}":             "DOE",
		"{{PID.5.1 | lower}}":             "doe",
		"{{missing}}":                     "",
		"{{missing | default('fallback')}}": "fallback",
		"{{PID.5.1 | default('x')}}":      "Doe",
	}
	for tmpl, want := range cases {
		if got := render(t, tmpl, values); got != want {
			t.Errorf("%q = %q, want %q", tmpl, got, want)
		}
	}
}

func TestRenderTemplate_DateFilter(t *testing.T) {
	cases := map[string]string{
		"19700101":            "1970-01-01",
		"20230629120000":      "2023-06-29",
		"1980-01-01":          "1980-01-01",
		"2023-06-29T12:00:05": "2023-06-29",
	}
	for in, want := range cases {
		got := render(t, "{{ts | date('%Y-%m-%d')}}", map[string]any{"ts": in})
		if got != want {
			t.Errorf("date(%q) = %q, want %q", in, got, want)
		}
	}

	got := render(t, "{{ts | date('%Y%m%d%H%M%S')}}", map[string]any{"ts": "20230629120005"})
	if got != "20230629120005" {
		t.Errorf("full timestamp = %q", got)
	}

	if _, err := renderTemplate("{{ts | date('%Y')}}", mapResolver(map[string]any{"ts": "notadate"})); err == nil {
		t.Error("expected error for garbage timestamp")
	}
}

func TestRenderTemplate_Branches(t *testing.T) {
	tmpl := "{% if g == 'M' %}male{% elif g == 'F' %}female{% else %}unknown{% endif %}"

	cases := map[string]string{"M": "male", "F": "female", "O": "unknown", "": "unknown"}
	for in, want := range cases {
		if got := render(t, tmpl, map[string]any{"g": in}); got != want {
			t.Errorf("g=%q: %q, want %q", in, got, want)
		}
	}

	// Unresolvable path in a condition is falsy, not an error.
	if got := render(t, tmpl, map[string]any{}); got != "unknown" {
		t.Errorf("missing path = %q", got)
	}

	// Bare path truthiness.
	truthy := "{% if name %}yes{% else %}no{% endif %}"
	if got := render(t, truthy, map[string]any{"name": "x"}); got != "yes" {
		t.Errorf("truthy = %q", got)
	}
	if got := render(t, truthy, map[string]any{"name": ""}); got != "no" {
		t.Errorf("empty = %q", got)
	}

	// != operator.
	neq := "{% if g != 'M' %}other{% else %}m{% endif %}"
	if got := render(t, neq, map[string]any{"g": "F"}); got != "other" {
		t.Errorf("neq = %q", got)
	}
}

func TestRenderTemplate_Errors(t *testing.T) {
	bad := []string{
		"{{unclosed",
		"{% if x %}no end",
		"{% else %}stray{% endif %}",
		"{% endif %}",
		"{% if a %}{% if b %}nested{% endif %}{% endif %}",
		"{{x | nonsense}}",
		"{% frob x %}",
	}
	for _, tmpl := range bad {
		if _, err := renderTemplate(tmpl, mapResolver(map[string]any{"x": "1", "a": "1", "b": "1"})); err == nil {
			t.Errorf("%q: expected error", tmpl)
		}
	}
}

func TestRenderTemplate_MixedTextAndBlocks(t *testing.T) {
	tmpl := "Name: {{n | upper}} ({% if adm %}admitted{% else %}outpatient{% endif %})"
	got := render(t, tmpl, map[string]any{"n": "doe", "adm": "1"})
	if got != "Name: DOE (admitted)" {
		t.Errorf("got %q", got)
	}
	if !strings.HasPrefix(got, "Name:") {
		t.Error("literal text lost")
	}
}
