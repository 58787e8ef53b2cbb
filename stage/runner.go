package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/metrics"
	"github.com/caduceus-io/caduceus/queue"
	"github.com/caduceus-io/caduceus/types"
)

// Runner wraps a Processor with the consume-ack lifecycle. The ack for a
// delivery happens only after Process returns and its outputs are
// published; a crash mid-process leaves the delivery unacked so the
// visibility timeout redelivers it.
type Runner struct {
	proc      Processor
	manager   *queue.Manager
	cfg       Config
	logger    *log.Logger
	collector *metrics.Collector

	mu    sync.Mutex
	state State

	input    queue.Queue
	output   queue.Queue
	errQ     queue.Queue
	deadQ    queue.Queue
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	loopDone chan struct{}
}

// NewRunner creates a stopped runner for the processor.
func NewRunner(proc Processor, manager *queue.Manager, cfg Config, logger *log.Logger, collector *metrics.Collector) *Runner {
	return &Runner{
		proc:      proc,
		manager:   manager,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithStage(proc.Name()),
		collector: collector,
		state:     StateStopped,
	}
}

// Name returns the processor name.
func (r *Runner) Name() string { return r.proc.Name() }

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start allocates queue handles and spawns the consume loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("stage %s: start from state %s", r.proc.Name(), state)
	}
	r.state = StateStarting
	r.mu.Unlock()

	var err error
	if r.input, err = r.manager.Get(r.cfg.InputQueue); err != nil {
		return fmt.Errorf("stage %s: input queue: %w", r.proc.Name(), err)
	}
	if r.cfg.OutputQueue != "" {
		if r.output, err = r.manager.Get(r.cfg.OutputQueue); err != nil {
			return fmt.Errorf("stage %s: output queue: %w", r.proc.Name(), err)
		}
	}
	if r.cfg.ErrorQueue != "" {
		if r.errQ, err = r.manager.Get(r.cfg.ErrorQueue); err != nil {
			return fmt.Errorf("stage %s: error queue: %w", r.proc.Name(), err)
		}
	}
	if r.deadQ, err = r.manager.Get(r.cfg.DeadLetterQueue); err != nil {
		return fmt.Errorf("stage %s: dead-letter queue: %w", r.proc.Name(), err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	deliveries, err := r.input.Consume(loopCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("stage %s: consume %s: %w", r.proc.Name(), r.cfg.InputQueue, err)
	}

	r.mu.Lock()
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	r.state = StateRunning
	r.mu.Unlock()

	go r.consumeLoop(loopCtx, deliveries)

	r.logger.Info("stage started", map[string]any{
		"input_queue":  r.cfg.InputQueue,
		"output_queue": r.cfg.OutputQueue,
	})
	return nil
}

// Stop signals the consume loop and waits for in-flight work up to the
// drain timeout.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning {
		state := r.state
		r.mu.Unlock()
		if state == StateStopped {
			return nil
		}
		return fmt.Errorf("stage %s: stop from state %s", r.proc.Name(), state)
	}
	r.state = StateStopping
	cancel := r.cancel
	loopDone := r.loopDone
	r.mu.Unlock()

	cancel()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(r.cfg.DrainTimeout):
		r.logger.Warn("drain timeout expired with tasks in flight", nil)
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	r.logger.Info("stage stopped", nil)
	return nil
}

// consumeLoop processes deliveries serially, preserving per-queue FIFO.
func (r *Runner) consumeLoop(ctx context.Context, deliveries <-chan queue.Delivery) {
	defer close(r.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.inflight.Add(1)
			r.handle(ctx, d)
			r.inflight.Done()
		}
	}
}

// handle runs Process for one delivery and settles the tag.
// A panic in Process nacks the delivery so the visibility window
// redelivers it, and the loop keeps consuming.
func (r *Runner) handle(ctx context.Context, d queue.Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("processor panicked", map[string]any{
				"message_id": d.Envelope.Header.MessageID,
				"panic":      fmt.Sprint(rec),
			})
			_ = r.input.Nack(ctx, d.Tag)
		}
	}()

	outs, err := r.proc.Process(ctx, d.Envelope)
	if err != nil {
		r.handleError(ctx, d, err)
		return
	}

	if r.output != nil {
		for _, out := range outs {
			if out == nil {
				continue
			}
			if perr := r.output.Publish(ctx, out); perr != nil {
				r.logger.Error("output publish failed, delivery nacked", map[string]any{
					"message_id": d.Envelope.Header.MessageID,
					"queue":      r.cfg.OutputQueue,
					"error":      perr.Error(),
				})
				_ = r.input.Nack(ctx, d.Tag)
				return
			}
		}
	}

	if aerr := r.input.Ack(ctx, d.Tag); aerr != nil {
		r.logger.Warn("ack failed", map[string]any{
			"message_id": d.Envelope.Header.MessageID,
			"error":      aerr.Error(),
		})
		return
	}
	r.collector.IncProcessed(r.proc.Name())
}

// handleError settles a failed delivery: retryable kinds requeue with
// backoff until MaxRetries, everything else goes to the error queue (or
// dead letter), and the original delivery is acked.
func (r *Runner) handleError(ctx context.Context, d queue.Delivery, err error) {
	env := d.Envelope
	kind := types.KindOf(err)
	env.RecordError(r.proc.Name(), kind, err.Error())

	maxRetries := r.cfg.MaxRetries
	if kind == types.KindAuth && maxRetries > 1 {
		// One retry covers the token refresh; a second auth failure means
		// the credentials themselves are bad.
		maxRetries = 1
	}
	if types.Retryable(kind) && env.Header.RetryCount < maxRetries {
		env.Requeue()
		r.logger.Warn("retryable failure, requeueing", map[string]any{
			"message_id":  env.Header.MessageID,
			"kind":        string(kind),
			"retry_count": env.Header.RetryCount,
			"error":       err.Error(),
		})
		r.collector.IncRetried(r.proc.Name())

		backoff := r.cfg.RetryBackoff * time.Duration(1<<uint(env.Header.RetryCount-1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			_ = r.input.Nack(ctx, d.Tag)
			return
		}

		if perr := r.input.Publish(ctx, env); perr != nil {
			_ = r.input.Nack(ctx, d.Tag)
			return
		}
		_ = r.input.Ack(ctx, d.Tag)
		return
	}

	_ = env.Advance(types.StatusFailed)

	target := r.deadQ
	reason := "retries exhausted"
	if !types.Retryable(kind) {
		reason = "non-retryable"
		if r.errQ != nil {
			target = r.errQ
		}
	}

	r.logger.Error("delivery failed", map[string]any{
		"message_id":  env.Header.MessageID,
		"kind":        string(kind),
		"reason":      reason,
		"retry_count": env.Header.RetryCount,
		"target":      target.Name(),
		"error":       err.Error(),
	})

	if perr := target.Publish(ctx, env); perr != nil {
		// Could not even dead-letter: leave unacked for redelivery.
		_ = r.input.Nack(ctx, d.Tag)
		return
	}
	_ = r.input.Ack(ctx, d.Tag)
	r.collector.IncFailed(r.proc.Name())
}
