package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/caduceus-io/caduceus/types"
)

// Streams backend defaults.
const (
	// DefaultGroup is the consumer group name shared by all stage
	// consumers of a queue.
	DefaultGroup = "caduceus"
	// DefaultMaxLen caps stream growth; publishes trim approximately.
	DefaultMaxLen = 10000
	// DefaultReadBlock is how long a consume iteration blocks in
	// XREADGROUP before re-checking cancellation and expired deliveries.
	DefaultReadBlock = time.Second
)

// streamKeyPrefix namespaces queue streams in the keyspace.
const streamKeyPrefix = "caduceus:q:"

// envelopeField is the single stream entry field carrying the envelope.
// The value is the JSON encoding of types.Envelope; raw body bytes are
// base64 inside it, keeping the wire readable from redis-cli.
const envelopeField = "envelope"

// StreamsConfig configures the Redis Streams backend.
type StreamsConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password is optional.
	Password string
	// DB selects the logical database.
	DB int
	// Group is the consumer group name; empty uses DefaultGroup.
	Group string
	// MaxLen is the approximate trim threshold; <= 0 uses DefaultMaxLen.
	MaxLen int64
	// Visibility is the min-idle before an unacked delivery is claimed
	// by another consumer; <= 0 uses DefaultVisibility.
	Visibility time.Duration
	// ReadBlock is the XREADGROUP block duration; <= 0 uses
	// DefaultReadBlock.
	ReadBlock time.Duration
}

// StreamQueue is an append-only log backend with consumer-group cursors.
// Ack advances the group cursor past the entry; nack leaves it pending so
// XAUTOCLAIM redelivers once the visibility window expires.
type StreamQueue struct {
	name     string
	key      string
	group    string
	consumer string
	client   *goredis.Client

	maxLen     int64
	visibility time.Duration
	readBlock  time.Duration

	groupOnce sync.Once
	groupErr  error

	// acked remembers tags this instance acked so a duplicate ack stays
	// a no-op after XACK stops counting the entry.
	ackedMu sync.Mutex
	acked   map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamQueue creates a streams-backed queue on the shared client.
// The consumer group is created lazily on first publish or consume.
func NewStreamQueue(name string, client *goredis.Client, cfg StreamsConfig) *StreamQueue {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = DefaultReadBlock
	}

	return &StreamQueue{
		name:       name,
		key:        streamKeyPrefix + name,
		group:      cfg.Group,
		consumer:   "consumer-" + uuid.NewString(),
		client:     client,
		maxLen:     cfg.MaxLen,
		visibility: cfg.Visibility,
		readBlock:  cfg.ReadBlock,
		acked:      make(map[string]time.Time),
		done:       make(chan struct{}),
	}
}

// StreamsFactory returns a Factory producing stream queues on one shared
// client. The caller owns the client's lifecycle.
func StreamsFactory(client *goredis.Client, cfg StreamsConfig) Factory {
	return func(name string) (Queue, error) {
		return NewStreamQueue(name, client, cfg), nil
	}
}

// Name returns the queue name.
func (q *StreamQueue) Name() string { return q.name }

// ensureGroup creates the stream and consumer group once.
// BUSYGROUP from a concurrent creator is not an error.
func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.key, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create group %s on %s: %w", q.group, q.key, err)
		}
	})
	return q.groupErr
}

// Publish appends the envelope to the stream, trimming approximately at
// the configured maxlen.
func (q *StreamQueue) Publish(ctx context.Context, env *types.Envelope) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.Header.MessageID, err)
	}

	err = q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.key,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{envelopeField: string(data)},
	}).Err()
	if err != nil {
		return types.NewError(types.KindTransport, "queue", fmt.Errorf("xadd %s: %w", q.key, err))
	}
	return nil
}

// Consume starts a read loop feeding the returned channel. Each
// iteration first claims deliveries whose visibility window has expired,
// then reads fresh entries for this consumer.
func (q *StreamQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	select {
	case <-q.done:
		return nil, ErrClosed
	default:
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			default:
			}

			// Reclaim deliveries idle past the visibility window.
			claimed, _, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
				Stream:   q.key,
				Group:    q.group,
				Consumer: q.consumer,
				MinIdle:  q.visibility,
				Start:    "0-0",
				Count:    16,
			}).Result()
			if err == nil {
				if !q.deliver(ctx, out, claimed) {
					return
				}
			}

			streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
				Group:    q.group,
				Consumer: q.consumer,
				Streams:  []string{q.key, ">"},
				Count:    16,
				Block:    q.readBlock,
			}).Result()
			if err != nil {
				// Nil means the block expired with nothing to read.
				if err == goredis.Nil || ctx.Err() != nil {
					continue
				}
				continue
			}
			for _, stream := range streams {
				if !q.deliver(ctx, out, stream.Messages) {
					return
				}
			}
		}
	}()
	return out, nil
}

// deliver decodes and hands messages to the consumer channel.
// Returns false when the consumer is gone. Entries that fail to decode
// are acked away so they cannot poison the group cursor.
func (q *StreamQueue) deliver(ctx context.Context, out chan<- Delivery, msgs []goredis.XMessage) bool {
	for _, msg := range msgs {
		raw, _ := msg.Values[envelopeField].(string)
		var env types.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			_ = q.client.XAck(ctx, q.key, q.group, msg.ID).Err()
			_ = q.client.XDel(ctx, q.key, msg.ID).Err()
			continue
		}

		select {
		case out <- Delivery{Tag: msg.ID, Envelope: &env}:
		case <-ctx.Done():
			// Leave pending; visibility expiry redelivers.
			return false
		case <-q.done:
			return false
		}
	}
	return true
}

// Ack advances the group cursor past the entry and deletes it. XACK
// reports how many entries it removed from the pending list, so a tag
// that was never delivered surfaces as ErrUnknownTag. A tag this
// instance already acked stays a no-op; a duplicate ack from another
// process is indistinguishable from an unknown tag on the server side.
func (q *StreamQueue) Ack(ctx context.Context, tag string) error {
	n, err := q.client.XAck(ctx, q.key, q.group, tag).Result()
	if err != nil {
		return types.NewError(types.KindTransport, "queue", fmt.Errorf("xack %s %s: %w", q.key, tag, err))
	}
	if n == 0 {
		q.ackedMu.Lock()
		_, seen := q.acked[tag]
		q.ackedMu.Unlock()
		if seen {
			return nil
		}
		return ErrUnknownTag
	}

	q.rememberAck(tag)
	if err := q.client.XDel(ctx, q.key, tag).Err(); err != nil {
		return types.NewError(types.KindTransport, "queue", fmt.Errorf("xdel %s %s: %w", q.key, tag, err))
	}
	return nil
}

// rememberAck records the tag and prunes entries older than the
// retention window.
func (q *StreamQueue) rememberAck(tag string) {
	now := time.Now()
	q.ackedMu.Lock()
	defer q.ackedMu.Unlock()
	q.acked[tag] = now
	for t, at := range q.acked {
		if now.Sub(at) >= ackedRetention {
			delete(q.acked, t)
		}
	}
}

// Nack leaves the entry pending. It becomes eligible for XAUTOCLAIM by
// any consumer once its idle time passes the visibility window.
func (q *StreamQueue) Nack(_ context.Context, _ string) error {
	return nil
}

// Len reports the stream length.
func (q *StreamQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.key).Result()
	if err != nil {
		return 0, types.NewError(types.KindTransport, "queue", fmt.Errorf("xlen %s: %w", q.key, err))
	}
	return n, nil
}

// Close stops consumers. The shared client is owned by the caller.
func (q *StreamQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
