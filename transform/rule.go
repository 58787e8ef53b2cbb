package transform

import (
	"fmt"
	"sort"
	"sync"
)

// Rule is a named mapping between formats. Mapping is a structured
// template: leaf strings may carry {{path}} placeholders and
// {% if %} blocks resolved against the flattened source content.
type Rule struct {
	Name              string         `yaml:"name" json:"name"`
	SourceFormat      string         `yaml:"source_format" json:"source_format"`
	TargetFormat      string         `yaml:"target_format" json:"target_format"`
	SourceMessageType string         `yaml:"source_message_type,omitempty" json:"source_message_type,omitempty"`
	TargetMessageType string         `yaml:"target_message_type" json:"target_message_type"`
	Mapping           map[string]any `yaml:"mapping" json:"mapping"`
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	for _, f := range []string{r.SourceFormat, r.TargetFormat} {
		if f != FormatHL7v2 && f != FormatFHIR {
			return fmt.Errorf("rule %s: unknown format %q", r.Name, f)
		}
	}
	if len(r.Mapping) == 0 {
		return fmt.Errorf("rule %s: empty mapping", r.Name)
	}
	return nil
}

// Registry holds transformation rules, indexed by name and by
// (source_format, source_message_type).
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]*Rule)}
}

// Register adds a rule. Re-registering a name replaces the rule.
func (reg *Registry) Register(r *Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.rules[r.Name]; !exists {
		reg.order = append(reg.order, r.Name)
		sort.Strings(reg.order)
	}
	reg.rules[r.Name] = r
	return nil
}

// Get returns a rule by name.
func (reg *Registry) Get(name string) (*Rule, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rules[name]
	return r, ok
}

// Match returns the rules applicable to a source format and message
// type, optionally narrowed to a requested target format and type.
// Rules without a source_message_type filter match any type. Results
// are name-ordered so evaluation is deterministic.
func (reg *Registry) Match(sourceFormat, sourceType, targetFormat, targetType string) []*Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var out []*Rule
	for _, name := range reg.order {
		r := reg.rules[name]
		if r.SourceFormat != sourceFormat {
			continue
		}
		if r.SourceMessageType != "" && r.SourceMessageType != sourceType {
			continue
		}
		if targetFormat != "" && r.TargetFormat != targetFormat {
			continue
		}
		if targetType != "" && r.TargetMessageType != targetType {
			continue
		}
		out = append(out, r)
	}
	return out
}
