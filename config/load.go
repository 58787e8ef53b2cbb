package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load reads a YAML configuration file, expands environment variables,
// applies the named environment overlay (if any), and validates the
// result. An empty environment skips the overlay step.
func Load(path, environment string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, environment)
}

// Parse builds a Config from raw YAML bytes. Exposed for tests and for
// embedding configuration in other tooling.
func Parse(data []byte, environment string) (*Config, error) {
	expanded := ExpandEnv(string(data))

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if environment == "" {
		environment = defaultEnvironment(doc)
	}
	if environment != "" {
		merged, err := applyEnvironment(doc, environment)
		if err != nil {
			return nil, err
		}
		out, err := yaml.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
		expanded = string(out)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default queue names of the standard pipeline. Inbound listeners
// publish to QueueReceived unless configured otherwise; each processing
// stage consumes its predecessor's output; senders consume a queue
// named after themselves unless their stage says otherwise.
const (
	QueueReceived    = "received"
	QueueValidated   = "validated"
	QueueTransformed = "transformed"
)

// defaultEnvironment reads global.environment from the raw document so
// a config can pin its own overlay.
func defaultEnvironment(doc map[string]any) string {
	g, ok := doc["global"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := g["environment"].(string)
	return name
}

func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.ShutdownTimeout.Duration <= 0 {
		c.Global.ShutdownTimeout.Duration = 30 * time.Second
	}
	if c.Queues.Type == "" {
		c.Queues.Type = "memory"
	}

	for i := range c.Inbound.MLLP {
		if c.Inbound.MLLP[i].Queue == "" {
			c.Inbound.MLLP[i].Queue = QueueReceived
		}
	}
	for i := range c.Inbound.Files {
		if c.Inbound.Files[i].Queue == "" {
			c.Inbound.Files[i].Queue = QueueReceived
		}
	}
	for i := range c.Inbound.FHIR {
		if c.Inbound.FHIR[i].Queue == "" {
			c.Inbound.FHIR[i].Queue = QueueReceived
		}
	}

	// The default queue chain runs across enabled stages only, so a
	// disabled stage's successor consumes its predecessor's output.
	prevOut := QueueReceived
	v := &c.Processing.Validation
	if Enabled(v.Enabled) {
		if v.InputQueue == "" {
			v.InputQueue = prevOut
		}
		if v.OutputQueue == "" {
			v.OutputQueue = QueueValidated
		}
		prevOut = v.OutputQueue
	}
	tr := &c.Processing.Transformation
	if Enabled(tr.Enabled) {
		if tr.InputQueue == "" {
			tr.InputQueue = prevOut
		}
		if tr.OutputQueue == "" {
			tr.OutputQueue = QueueTransformed
		}
		prevOut = tr.OutputQueue
	}
	rt := &c.Processing.Routing
	if rt.InputQueue == "" {
		rt.InputQueue = prevOut
	}

	for i := range c.Outbound.MLLP {
		if c.Outbound.MLLP[i].Stage.InputQueue == "" {
			c.Outbound.MLLP[i].Stage.InputQueue = c.Outbound.MLLP[i].Name
		}
	}
	for i := range c.Outbound.FHIR {
		if c.Outbound.FHIR[i].Stage.InputQueue == "" {
			c.Outbound.FHIR[i].Stage.InputQueue = c.Outbound.FHIR[i].Name
		}
	}
	for i := range c.Outbound.Files {
		if c.Outbound.Files[i].Stage.InputQueue == "" {
			c.Outbound.Files[i].Stage.InputQueue = c.Outbound.Files[i].Name
		}
	}
}

// applyEnvironment merges the overlay under environments.<name> over the
// base document. Unknown environment names are an error so a typo does
// not silently run with base settings.
func applyEnvironment(doc map[string]any, name string) (map[string]any, error) {
	envs, ok := doc["environments"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("environment %q requested but no environments section present", name)
	}
	overlay, ok := envs[name].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unknown environment %q", name)
	}

	merged := mergeMaps(doc, overlay)
	delete(merged, "environments")
	return merged, nil
}

// mergeMaps deep-merges overlay into base. Maps merge recursively,
// everything else (including lists) is replaced wholesale.
func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
