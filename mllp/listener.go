package mllp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/caduceus-io/caduceus/hl7"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/metrics"
	"github.com/caduceus-io/caduceus/queue"
	"github.com/caduceus-io/caduceus/stage"
	"github.com/caduceus-io/caduceus/types"
)

// ListenerConfig configures an inbound MLLP endpoint.
type ListenerConfig struct {
	// Name identifies the stage (default "mllp-listener").
	Name string
	// Host to bind (default all interfaces).
	Host string
	// Port to listen on (required).
	Port int
	// OutputQueue receives accepted envelopes (required).
	OutputQueue string
	// MaxMessageSize bounds a single framed payload.
	MaxMessageSize int
	// IdleTimeout closes connections with no traffic (default 5m).
	IdleTimeout time.Duration
	// DrainTimeout bounds Stop's wait for open connections (default 30s).
	DrainTimeout time.Duration
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.Name == "" {
		c.Name = "mllp-listener"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Listener accepts MLLP connections, parses each framed payload as HL7,
// publishes an envelope per message, and answers with an ACK. The
// acknowledgement reflects the message's fate: payloads that do not
// parse or fail required-segment validation are answered AE and never
// published, and a publish failure is also answered AE so the peer
// retransmits.
type Listener struct {
	cfg       ListenerConfig
	manager   *queue.Manager
	logger    *log.Logger
	metrics   *metrics.Collector
	validator *hl7.Validator

	mu     sync.Mutex
	state  stage.State
	ln     net.Listener
	cancel context.CancelFunc
	conns  sync.WaitGroup
	out    queue.Queue
}

// NewListener creates an inbound MLLP stage.
func NewListener(cfg ListenerConfig, m *queue.Manager, logger *log.Logger, collector *metrics.Collector) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		cfg:       cfg,
		manager:   m,
		logger:    logger.WithStage(cfg.Name),
		metrics:   collector,
		validator: hl7.NewValidator(),
		state:     stage.StateStopped,
	}
}

// Validator exposes the required-segment registry for extra
// registrations.
func (l *Listener) Validator() *hl7.Validator { return l.validator }

// Name returns the stage name.
func (l *Listener) Name() string { return l.cfg.Name }

// Addr returns the bound address, or "" before Start. Useful when the
// configured port is 0.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// State returns the lifecycle state.
func (l *Listener) State() stage.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start binds the socket and begins accepting connections.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stage.StateStopped {
		return fmt.Errorf("stage %s is %s, cannot start", l.cfg.Name, l.state)
	}
	l.state = stage.StateStarting

	out, err := l.manager.Get(l.cfg.OutputQueue)
	if err != nil {
		l.state = stage.StateStopped
		return fmt.Errorf("resolve output queue: %w", err)
	}
	l.out = out

	addr := net.JoinHostPort(l.cfg.Host, fmt.Sprintf("%d", l.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.state = stage.StateStopped
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	l.ln = ln

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.acceptLoop(runCtx)

	l.state = stage.StateRunning
	l.logger.Info("mllp listener started", map[string]any{
		"addr":  ln.Addr().String(),
		"queue": l.cfg.OutputQueue,
	})
	return nil
}

// Stop closes the socket and waits for open connections up to the drain
// timeout.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != stage.StateRunning {
		l.mu.Unlock()
		return nil
	}
	l.state = stage.StateStopping
	ln := l.ln
	cancel := l.cancel
	l.mu.Unlock()

	_ = ln.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		l.conns.Wait()
		close(done)
	}()

	timeout := l.cfg.DrainTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn("drain timeout, abandoning open connections", nil)
	}

	l.mu.Lock()
	l.state = stage.StateStopped
	l.mu.Unlock()
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", map[string]any{"error": err.Error()})
			continue
		}
		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			l.serveConn(ctx, conn)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	peer := conn.RemoteAddr().String()
	reader := NewReaderSize(conn, l.cfg.MaxMessageSize)

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout))

		payload, err := reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// Malformed framing closes the connection; the stream
			// position cannot be trusted past a broken frame.
			if ctx.Err() == nil {
				l.logger.Warn("closing connection", map[string]any{
					"peer":  peer,
					"error": err.Error(),
				})
			}
			return
		}

		reply := l.handleMessage(ctx, peer, payload)
		_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if err := WriteMessage(conn, reply); err != nil {
			l.logger.Warn("ack write failed", map[string]any{
				"peer":  peer,
				"error": err.Error(),
			})
			return
		}
	}
}

// handleMessage parses, validates, envelopes, and publishes one
// payload, returning the acknowledgement to frame back to the peer. The
// required-segment check runs here so the AE reaches the sender
// synchronously instead of surfacing later on an error queue.
func (l *Listener) handleMessage(ctx context.Context, peer string, payload []byte) []byte {
	msg, err := hl7.Parse(payload)
	if err != nil {
		l.logger.Warn("unparseable message", map[string]any{
			"peer":  peer,
			"error": err.Error(),
		})
		return hl7.BuildRawNak("", "message could not be parsed")
	}

	if err := l.validator.Validate(msg); err != nil {
		l.logger.Warn("message failed validation", map[string]any{
			"peer":         peer,
			"message_type": msg.Type(),
			"control_id":   msg.ControlID(),
			"error":        err.Error(),
		})
		return hl7.BuildAck(msg, hl7.AckError, ackReason(err))
	}

	source := fmt.Sprintf("mllp://%s:%d", l.cfg.Host, l.cfg.Port)
	env := types.NewEnvelope(source, types.ContentTypeHL7v2, payload)
	env.Header.MessageType = msg.Type()
	env.Header.Metadata["peer"] = peer
	env.Header.Metadata["control_id"] = msg.ControlID()
	env.Body.Content = msg.Map()

	if err := l.out.Publish(ctx, env); err != nil {
		l.logger.Error("publish failed", map[string]any{
			"message_id": env.Header.MessageID,
			"error":      err.Error(),
		})
		return hl7.BuildAck(msg, hl7.AckError, "message could not be accepted")
	}

	l.metrics.IncReceived()
	l.logger.Debug("message accepted", map[string]any{
		"message_id":   env.Header.MessageID,
		"message_type": env.Header.MessageType,
		"control_id":   msg.ControlID(),
	})
	return hl7.BuildAck(msg, hl7.AckAccept, "")
}

// ackReason strips the classification prefix so MSA-3 carries the bare
// failure reason.
func ackReason(err error) string {
	var perr *types.Error
	if errors.As(err, &perr) {
		return perr.Err.Error()
	}
	return err.Error()
}
