// Package route evaluates routing rules over envelopes and dispatches
// their actions: forwarding to queues, invoking transformations,
// dropping, and logging.
package route

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/caduceus-io/caduceus/transform"
	"github.com/caduceus-io/caduceus/types"
)

// Priority defaults. Lower priorities evaluate first; the default
// catch-all rule sits at DefaultRoutePriority and fires only when no
// other rule matched.
const (
	DefaultPriority      = 100
	DefaultRoutePriority = 1000
)

// Condition is one field test. All of a rule's conditions must hold for
// the rule to match.
type Condition struct {
	FieldPath string `yaml:"field_path" json:"field_path"`
	Operator  string `yaml:"operator" json:"operator"`
	Value     any    `yaml:"value" json:"value"`

	// compiled regex, populated at registration for the regex operator.
	re *regexp.Regexp
}

// Action is one dispatch step of a matched rule.
type Action struct {
	Type       string         `yaml:"type" json:"type"`
	Target     string         `yaml:"target,omitempty" json:"target,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Action types.
const (
	ActionForward   = "forward"
	ActionTransform = "transform"
	ActionDrop      = "drop"
	ActionLog       = "log"
)

// Rule is one routing rule. Empty conditions always match.
type Rule struct {
	Name       string      `yaml:"name" json:"name"`
	Priority   int         `yaml:"priority" json:"priority"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions    []Action    `yaml:"actions" json:"actions"`
	Enabled    *bool       `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

func (r *Rule) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// operators supported by conditions.
var operators = map[string]struct{}{
	"==": {}, "!=": {}, ">": {}, ">=": {}, "<": {}, "<=": {},
	"contains": {}, "regex": {}, "in": {}, "not_in": {},
}

// RuleSet holds registered rules in priority order.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Register validates a rule, compiles its regex conditions, and inserts
// it. Rules with priority 0 get DefaultPriority. Duplicate names are
// rejected.
func (rs *RuleSet) Register(r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %s has no actions", r.Name)
	}
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	for i := range r.Conditions {
		c := &r.Conditions[i]
		if _, ok := operators[c.Operator]; !ok {
			return fmt.Errorf("rule %s: unknown operator %q", r.Name, c.Operator)
		}
		if c.FieldPath == "" {
			return fmt.Errorf("rule %s: condition has no field_path", r.Name)
		}
		if c.Operator == "regex" {
			pattern, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("rule %s: regex value must be a string", r.Name)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("rule %s: %w", r.Name, err)
			}
			c.re = re
		}
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionForward, ActionTransform:
			if a.Target == "" {
				return fmt.Errorf("rule %s: %s action needs a target", r.Name, a.Type)
			}
		case ActionDrop, ActionLog:
		default:
			return fmt.Errorf("rule %s: unknown action type %q", r.Name, a.Type)
		}
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, existing := range rs.rules {
		if existing.Name == r.Name {
			return fmt.Errorf("rule %s already registered", r.Name)
		}
	}
	rs.rules = append(rs.rules, r)
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Priority < rs.rules[j].Priority
	})
	return nil
}

// Rules returns the rules in evaluation order.
func (rs *RuleSet) Rules() []*Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]*Rule(nil), rs.rules...)
}

// Matches reports whether every condition of the rule holds for the
// envelope. A path that does not resolve makes its condition false, not
// an error.
func (r *Rule) Matches(env *types.Envelope) bool {
	for i := range r.Conditions {
		if !r.Conditions[i].holds(env) {
			return false
		}
	}
	return true
}

func (c *Condition) holds(env *types.Envelope) bool {
	actual, err := resolveEnvelopePath(env, c.FieldPath)
	if err != nil {
		return false
	}
	got := transform.Stringify(actual)

	switch c.Operator {
	case "==":
		return got == stringValue(c.Value)
	case "!=":
		return got != stringValue(c.Value)
	case ">", ">=", "<", "<=":
		return compareOrdered(got, c.Value, c.Operator)
	case "contains":
		return strings.Contains(got, stringValue(c.Value))
	case "regex":
		return c.re != nil && c.re.MatchString(got)
	case "in":
		return containsValue(c.Value, got)
	case "not_in":
		return !containsValue(c.Value, got)
	}
	return false
}

func stringValue(v any) string {
	return transform.Stringify(v)
}

// compareOrdered compares numerically when both sides parse as numbers,
// lexically otherwise.
func compareOrdered(got string, want any, op string) bool {
	gn, gerr := strconv.ParseFloat(got, 64)
	wn, werr := strconv.ParseFloat(stringValue(want), 64)
	if gerr == nil && werr == nil {
		switch op {
		case ">":
			return gn > wn
		case ">=":
			return gn >= wn
		case "<":
			return gn < wn
		case "<=":
			return gn <= wn
		}
		return false
	}
	ws := stringValue(want)
	switch op {
	case ">":
		return got > ws
	case ">=":
		return got >= ws
	case "<":
		return got < ws
	case "<=":
		return got <= ws
	}
	return false
}

func containsValue(set any, got string) bool {
	list, ok := set.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if stringValue(v) == got {
			return true
		}
	}
	return false
}
