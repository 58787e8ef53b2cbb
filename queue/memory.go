package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caduceus-io/caduceus/types"
)

// Memory backend defaults.
const (
	// DefaultMaxSize is the default bounded capacity.
	DefaultMaxSize = 1000
	// DefaultVisibility is the default visibility timeout for unacked
	// deliveries.
	DefaultVisibility = 30 * time.Second
)

// ackedRetention controls how long acked tags stay known so a duplicate
// ack can be distinguished from an unknown tag.
const ackedRetention = 10 * time.Minute

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	// MaxSize bounds the queue; <= 0 uses DefaultMaxSize.
	MaxSize int
	// Visibility is the redelivery window for unacked deliveries;
	// <= 0 uses DefaultVisibility.
	Visibility time.Duration
	// Policy selects backpressure behavior when full (default Block).
	Policy FullPolicy
}

// pendingDelivery is one outstanding unacked delivery.
type pendingDelivery struct {
	env         *types.Envelope
	deliveredAt time.Time
}

// MemoryQueue is a bounded FIFO with a pending-tag table. Not durable;
// used for tests and single-process deployments.
type MemoryQueue struct {
	name       string
	visibility time.Duration
	policy     FullPolicy

	items chan *types.Envelope

	mu      sync.Mutex
	pending map[string]*pendingDelivery
	acked   map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates an in-memory queue and starts its redelivery
// sweeper.
func NewMemoryQueue(name string, cfg MemoryConfig) *MemoryQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.Policy == "" {
		cfg.Policy = Block
	}

	q := &MemoryQueue{
		name:       name,
		visibility: cfg.Visibility,
		policy:     cfg.Policy,
		items:      make(chan *types.Envelope, cfg.MaxSize),
		pending:    make(map[string]*pendingDelivery),
		acked:      make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	go q.sweep()
	return q
}

// MemoryFactory returns a Factory producing in-memory queues that share
// one config.
func MemoryFactory(cfg MemoryConfig) Factory {
	return func(name string) (Queue, error) {
		return NewMemoryQueue(name, cfg), nil
	}
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string { return q.name }

// Publish appends the envelope to the FIFO. With the Block policy the
// call suspends until capacity frees; with Reject it returns ErrQueueFull.
func (q *MemoryQueue) Publish(ctx context.Context, env *types.Envelope) error {
	if q.policy == Reject {
		select {
		case q.items <- env:
			return nil
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrQueueFull
		}
	}

	select {
	case q.items <- env:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume starts a delivery loop feeding the returned channel. Multiple
// consumers compete for messages; each delivery goes to exactly one.
func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	select {
	case <-q.done:
		return nil, ErrClosed
	default:
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case env := <-q.items:
				tag := uuid.NewString()
				q.mu.Lock()
				q.pending[tag] = &pendingDelivery{env: env, deliveredAt: time.Now()}
				q.mu.Unlock()

				select {
				case out <- Delivery{Tag: tag, Envelope: env}:
				case <-ctx.Done():
					// Undeliverable: return to the FIFO rather than
					// waiting out the visibility window.
					q.requeue(tag)
					return
				case <-q.done:
					return
				}
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
		}
	}()
	return out, nil
}

// Ack removes the delivery. A second ack of the same tag is a no-op;
// a tag this queue never delivered is ErrUnknownTag.
func (q *MemoryQueue) Ack(_ context.Context, tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[tag]; ok {
		delete(q.pending, tag)
		q.acked[tag] = time.Now()
		return nil
	}
	if _, ok := q.acked[tag]; ok {
		return nil
	}
	return ErrUnknownTag
}

// Nack schedules the delivery for redelivery after the visibility
// timeout. The pending entry stays in place; the sweeper re-enqueues it
// once the window expires.
func (q *MemoryQueue) Nack(_ context.Context, tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[tag]; !ok {
		if _, acked := q.acked[tag]; acked {
			return nil
		}
		return ErrUnknownTag
	}
	// Leave the entry pending; eligibility is deliveredAt + visibility.
	return nil
}

// Len reports the number of messages waiting for delivery.
// In-flight (pending) deliveries are not counted.
func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	return int64(len(q.items)), nil
}

// Close stops the sweeper and all consumers.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// requeue returns a pending delivery to the FIFO immediately.
func (q *MemoryQueue) requeue(tag string) {
	q.mu.Lock()
	entry, ok := q.pending[tag]
	if ok {
		delete(q.pending, tag)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case q.items <- entry.env:
	case <-q.done:
	}
}

// sweep redelivers pending entries past the visibility window and prunes
// aged acked tags.
func (q *MemoryQueue) sweep() {
	interval := q.visibility / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case now := <-ticker.C:
			var expired []*pendingDelivery
			q.mu.Lock()
			for tag, entry := range q.pending {
				if now.Sub(entry.deliveredAt) >= q.visibility {
					expired = append(expired, entry)
					delete(q.pending, tag)
				}
			}
			for tag, at := range q.acked {
				if now.Sub(at) >= ackedRetention {
					delete(q.acked, tag)
				}
			}
			q.mu.Unlock()

			for _, entry := range expired {
				select {
				case q.items <- entry.env:
				case <-q.done:
					return
				}
			}
		}
	}
}
