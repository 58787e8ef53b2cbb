// Package metrics provides in-process pipeline counters.
//
// The Collector accumulates counters for a single engine instance. It is
// a leaf package with no internal dependencies. All increment methods are
// nil-receiver safe so stages can run without a collector in tests.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Ingest
	MessagesReceived int64

	// Per-stage processing, keyed by stage name.
	ProcessedByStage map[string]int64
	RetriedByStage   map[string]int64
	FailedByStage    map[string]int64

	// Egress
	MessagesSent int64

	// Dimensions, set at construction.
	EngineID     string
	QueueBackend string
}

// Collector accumulates counters for one engine instance.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	messagesReceived int64
	messagesSent     int64

	processedByStage map[string]int64
	retriedByStage   map[string]int64
	failedByStage    map[string]int64

	engineID     string
	queueBackend string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(engineID, queueBackend string) *Collector {
	return &Collector{
		processedByStage: make(map[string]int64),
		retriedByStage:   make(map[string]int64),
		failedByStage:    make(map[string]int64),
		engineID:         engineID,
		queueBackend:     queueBackend,
	}
}

// IncReceived records one ingested message.
func (c *Collector) IncReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messagesReceived++
	c.mu.Unlock()
}

// IncSent records one message delivered to a sink.
func (c *Collector) IncSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messagesSent++
	c.mu.Unlock()
}

// IncProcessed records one successfully processed delivery for a stage.
func (c *Collector) IncProcessed(stage string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.processedByStage[stage]++
	c.mu.Unlock()
}

// IncRetried records one requeued delivery for a stage.
func (c *Collector) IncRetried(stage string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.retriedByStage[stage]++
	c.mu.Unlock()
}

// IncFailed records one dead-lettered or error-queued delivery for a stage.
func (c *Collector) IncFailed(stage string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.failedByStage[stage]++
	c.mu.Unlock()
}

// Snapshot returns an immutable view of all counters. The Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		MessagesReceived: c.messagesReceived,
		MessagesSent:     c.messagesSent,
		ProcessedByStage: copyCounts(c.processedByStage),
		RetriedByStage:   copyCounts(c.retriedByStage),
		FailedByStage:    copyCounts(c.failedByStage),
		EngineID:         c.engineID,
		QueueBackend:     c.queueBackend,
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
