// Package queue provides the at-least-once delivery substrate coupling
// pipeline stages.
//
// A Queue is a named, ordered, multi-consumer channel of envelopes. Every
// delivery carries a tag that must be terminated by exactly one Ack or
// Nack. Unacked deliveries past the visibility timeout become eligible
// for redelivery to any consumer.
//
// Two backends share the contract: a bounded in-memory FIFO for tests and
// single-process deployments, and a Redis Streams backend with consumer
// groups for durable multi-process deployments.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/caduceus-io/caduceus/types"
)

// Sentinel errors for queue operations.
var (
	// ErrQueueFull is returned by Publish on a bounded queue with the
	// Reject policy when capacity is exhausted.
	ErrQueueFull = errors.New("queue full")

	// ErrUnknownTag is returned by Ack/Nack for a tag that was never
	// delivered by this queue.
	ErrUnknownTag = errors.New("unknown delivery tag")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Delivery is one in-flight delivery of an envelope.
// The Tag is unique to this queue/consumer pair and must be terminated by
// exactly one Ack or Nack.
type Delivery struct {
	Tag      string
	Envelope *types.Envelope
}

// FullPolicy selects backpressure behavior for bounded queues.
type FullPolicy string

// Full policy constants.
const (
	// Block suspends Publish until capacity frees or the context ends.
	Block FullPolicy = "block"
	// Reject returns ErrQueueFull immediately.
	Reject FullPolicy = "reject"
)

// Queue is the stage-coupling contract.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Publish appends an envelope. Bounded queues block or return
	// ErrQueueFull depending on the configured FullPolicy.
	Publish(ctx context.Context, env *types.Envelope) error

	// Consume returns a channel of deliveries. The channel closes when
	// the context ends or the queue closes. Each delivery must be
	// terminated by exactly one Ack or Nack.
	Consume(ctx context.Context) (<-chan Delivery, error)

	// Ack removes a delivered message. Acking the same tag twice is a
	// no-op; acking a tag that was never delivered is ErrUnknownTag.
	Ack(ctx context.Context, tag string) error

	// Nack returns a delivered message for redelivery after the
	// visibility timeout.
	Nack(ctx context.Context, tag string) error

	// Len reports the number of messages waiting for delivery.
	Len(ctx context.Context) (int64, error)

	// Close releases queue resources. In-flight deliveries are dropped
	// for the in-memory backend and remain pending for durable backends.
	Close() error
}

// Factory creates a queue backend for a name on first reference.
type Factory func(name string) (Queue, error)

// Manager hands out queues lazily by name. It is safe for concurrent use
// and is constructed explicitly by the orchestrator and threaded through
// stages; there is no process-global instance.
type Manager struct {
	mu      sync.Mutex
	factory Factory
	queues  map[string]Queue
	closed  bool
}

// NewManager creates a manager backed by the given factory.
func NewManager(factory Factory) *Manager {
	return &Manager{
		factory: factory,
		queues:  make(map[string]Queue),
	}
}

// Get returns the queue for name, creating it on first reference.
func (m *Manager) Get(name string) (Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := m.factory(name)
	if err != nil {
		return nil, err
	}
	m.queues[name] = q
	return q, nil
}

// Names returns the names of all queues created so far.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Close closes every created queue. The first error wins; close continues
// through the rest regardless.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, q := range m.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
