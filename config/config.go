// Package config handles YAML configuration loading for the engine:
// environment variable expansion, per-environment overlay merge, and
// struct validation.
package config

import (
	"fmt"
	"time"

	"github.com/caduceus-io/caduceus/route"
	"github.com/caduceus-io/caduceus/transform"
)

// Config is the root of a caduceus.yaml file.
type Config struct {
	// EngineID names this engine instance in logs and metrics.
	EngineID string `yaml:"engine_id" validate:"required"`

	Global     GlobalConfig     `yaml:"global"`
	Queues     QueuesConfig     `yaml:"queues"`
	Inbound    InboundConfig    `yaml:"inbound"`
	Processing ProcessingConfig `yaml:"processing"`
	Outbound   OutboundConfig   `yaml:"outbound"`

	// Environments holds per-environment overrides merged over the base
	// document when an environment is selected at load time.
	Environments map[string]map[string]any `yaml:"environments,omitempty"`
}

// GlobalConfig holds engine-wide settings.
type GlobalConfig struct {
	// LogLevel is debug, info, warn, or error (default info).
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// Environment selects the default overlay when Load is called
	// without an explicit one.
	Environment string `yaml:"environment,omitempty"`
	// ShutdownTimeout bounds graceful engine stop (default 30s).
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
}

// QueuesConfig selects and tunes the queue backend.
type QueuesConfig struct {
	// Type is memory or streams (default memory).
	Type string `yaml:"type" validate:"omitempty,oneof=memory streams"`
	// Visibility is the redelivery window for unacked deliveries.
	Visibility Duration `yaml:"visibility,omitempty"`
	// MaxSize bounds memory queues; MaxLen trims stream queues.
	MaxSize int   `yaml:"max_size,omitempty"`
	MaxLen  int64 `yaml:"max_len,omitempty"`
	// FullPolicy is block or reject for bounded memory queues.
	FullPolicy string `yaml:"full_policy,omitempty" validate:"omitempty,oneof=block reject"`
	// Redis connection settings for the streams backend.
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig holds streams backend connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// InboundConfig declares the message sources.
type InboundConfig struct {
	MLLP  []MLLPListenerConfig `yaml:"mllp,omitempty" validate:"dive"`
	Files []FileWatcherConfig  `yaml:"files,omitempty" validate:"dive"`
	FHIR  []FHIRListenerConfig `yaml:"fhir,omitempty" validate:"dive"`
}

// MLLPListenerConfig declares one inbound MLLP endpoint.
type MLLPListenerConfig struct {
	Name           string   `yaml:"name" validate:"required"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Host           string   `yaml:"host,omitempty"`
	Port           int      `yaml:"port" validate:"required,min=1,max=65535"`
	Queue          string   `yaml:"queue" validate:"required"`
	MaxMessageSize int      `yaml:"max_message_size,omitempty"`
	IdleTimeout    Duration `yaml:"idle_timeout,omitempty"`
}

// FileWatcherConfig declares one watched ingest directory.
type FileWatcherConfig struct {
	Name           string   `yaml:"name" validate:"required"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	InputDir       string   `yaml:"input_dir" validate:"required"`
	Pattern        string   `yaml:"pattern,omitempty"`
	ProcessedDir   string   `yaml:"processed_dir,omitempty"`
	ErrorDir       string   `yaml:"error_dir,omitempty"`
	Queue          string   `yaml:"queue" validate:"required"`
	PollInterval   Duration `yaml:"poll_interval,omitempty"`
	RegistryWindow Duration `yaml:"registry_window,omitempty"`
}

// FHIRListenerConfig declares one inbound FHIR HTTP endpoint.
type FHIRListenerConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port" validate:"required,min=1,max=65535"`
	Queue   string `yaml:"queue" validate:"required"`
}

// StageSettings wires one queue-consuming stage. Queue names default
// per stage; see Config defaults. A disabled processing stage is left
// out of the pipeline and the default queue chain skips over it.
type StageSettings struct {
	Enabled         *bool    `yaml:"enabled,omitempty"`
	InputQueue      string   `yaml:"input_queue,omitempty"`
	OutputQueue     string   `yaml:"output_queue,omitempty"`
	ErrorQueue      string   `yaml:"error_queue,omitempty"`
	DeadLetterQueue string   `yaml:"dead_letter_queue,omitempty"`
	MaxRetries      int      `yaml:"max_retries,omitempty"`
	RetryBackoff    Duration `yaml:"retry_backoff,omitempty"`
	DrainTimeout    Duration `yaml:"drain_timeout,omitempty"`
}

// Enabled interprets an optional enabled flag; an absent flag means on.
func Enabled(v *bool) bool { return v == nil || *v }

// ProcessingConfig wires the validation, transformation, and routing
// stages.
type ProcessingConfig struct {
	Validation     StageSettings          `yaml:"validation"`
	Transformation TransformationSettings `yaml:"transformation"`
	Routing        RoutingSettings        `yaml:"routing"`
}

// TransformationSettings extends the stage wiring with the rule list.
type TransformationSettings struct {
	StageSettings `yaml:",inline"`
	// BuiltinRules keeps the shipped rule set registered; set false to
	// run with configured rules only, leaving unmatched messages to
	// pass through in their original format.
	BuiltinRules *bool `yaml:"builtin_rules,omitempty"`
	// Rules extends the built-in transformation rules.
	Rules []*transform.Rule `yaml:"rules,omitempty"`
}

// RoutingSettings extends the stage wiring with the routing table.
type RoutingSettings struct {
	StageSettings `yaml:",inline"`
	// Routes is the rule set, evaluated in ascending priority order.
	Routes []*route.Rule `yaml:"routes,omitempty"`
}

// OutboundConfig declares the sinks.
type OutboundConfig struct {
	MLLP  []MLLPSenderConfig `yaml:"mllp,omitempty" validate:"dive"`
	FHIR  []FHIRSenderConfig `yaml:"fhir,omitempty" validate:"dive"`
	Files []FileSinkConfig   `yaml:"files,omitempty" validate:"dive"`
}

// MLLPSenderConfig declares one MLLP egress.
type MLLPSenderConfig struct {
	Name       string        `yaml:"name" validate:"required"`
	Address    string        `yaml:"address" validate:"required"`
	AckTimeout Duration      `yaml:"ack_timeout,omitempty"`
	Stage      StageSettings `yaml:"stage"`
}

// AuthConfig holds FHIR sender authentication.
type AuthConfig struct {
	Type         string   `yaml:"type,omitempty" validate:"omitempty,oneof=none basic bearer oauth2"`
	Username     string   `yaml:"username,omitempty"`
	Password     string   `yaml:"password,omitempty"`
	BearerToken  string   `yaml:"bearer_token,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// FHIRSenderConfig declares one FHIR HTTP egress.
type FHIRSenderConfig struct {
	Name             string        `yaml:"name" validate:"required"`
	BaseURL          string        `yaml:"base_url" validate:"required,url"`
	Auth             AuthConfig    `yaml:"auth,omitempty"`
	Timeout          Duration      `yaml:"timeout,omitempty"`
	BreakerThreshold uint32        `yaml:"breaker_threshold,omitempty"`
	BreakerCooldown  Duration      `yaml:"breaker_cooldown,omitempty"`
	Stage            StageSettings `yaml:"stage"`
}

// FileSinkConfig declares one file writer egress.
type FileSinkConfig struct {
	Name          string        `yaml:"name" validate:"required"`
	OutputDir     string        `yaml:"output_dir" validate:"required"`
	Pattern       string        `yaml:"pattern,omitempty"`
	CreateSubdirs bool          `yaml:"create_subdirs,omitempty"`
	Stage         StageSettings `yaml:"stage"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
