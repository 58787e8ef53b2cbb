// Package stage provides the worker lifecycle shared by every pipeline
// stage: consume loop, ack-after-process discipline, retry and
// dead-letter handling, and graceful drain on stop.
package stage

import (
	"context"
	"time"

	"github.com/caduceus-io/caduceus/types"
)

// State is the lifecycle state of a stage.
type State string

// Lifecycle states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Stage is the unit the orchestrator starts and stops. Queue-consuming
// stages are built from Runner; source stages (listeners, watchers)
// implement Stage directly.
type Stage interface {
	// Name identifies the stage in logs and config.
	Name() string
	// Start transitions stopped -> starting -> running.
	Start(ctx context.Context) error
	// Stop drains in-flight work up to the drain timeout, then cancels.
	Stop(ctx context.Context) error
}

// Processor is the one required hook of a queue-consuming stage,
// invoked once per consumed envelope. Returned envelopes are published
// to the stage's output queue; a nil slice publishes nothing. The
// framework acks on success and retries or dead-letters on error.
type Processor interface {
	Name() string
	Process(ctx context.Context, env *types.Envelope) ([]*types.Envelope, error)
}

// Config wires a Runner to its queues and failure policy.
type Config struct {
	// InputQueue is the queue this stage consumes (required).
	InputQueue string
	// OutputQueue receives envelopes returned by Process. Empty means
	// the processor publishes its own outputs (e.g. routing).
	OutputQueue string
	// ErrorQueue receives envelopes that fail non-retryably.
	// Empty falls back to DeadLetterQueue.
	ErrorQueue string
	// DeadLetterQueue receives envelopes whose retries are exhausted
	// (default "dead_letter").
	DeadLetterQueue string
	// MaxRetries bounds requeues of retryable failures (default 5).
	MaxRetries int
	// RetryBackoff is the base delay before a requeue; doubles per
	// attempt (default 1s).
	RetryBackoff time.Duration
	// DrainTimeout bounds Stop's wait for in-flight work (default 30s).
	DrainTimeout time.Duration
}

// Config defaults.
const (
	DefaultMaxRetries   = 5
	DefaultRetryBackoff = time.Second
	DefaultDrainTimeout = 30 * time.Second
	DefaultDeadLetter   = "dead_letter"
)

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = DefaultDeadLetter
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}
