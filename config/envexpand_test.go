package config

import "testing"

func TestExpandEnv(t *testing.T) {
	t.Setenv("CADUCEUS_SET", "hello")
	t.Setenv("CADUCEUS_EMPTY", "")

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"set var", "addr: ${CADUCEUS_SET}", "addr: hello"},
		{"unset var", "addr: ${CADUCEUS_UNSET_9Q}", "addr: "},
		{"default when unset", "addr: ${CADUCEUS_UNSET_9Q:-fallback}", "addr: fallback"},
		{"default ignored when set", "addr: ${CADUCEUS_SET:-fallback}", "addr: hello"},
		{"default when empty", "addr: ${CADUCEUS_EMPTY:-fallback}", "addr: fallback"},
		{"multiple", "${CADUCEUS_SET}:${CADUCEUS_SET}", "hello:hello"},
		{"no vars", "plain text", "plain text"},
		{"dollar without brace", "cost $5", "cost $5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExpandEnv(tc.input); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
