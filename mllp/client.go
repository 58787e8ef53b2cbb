package mllp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/caduceus-io/caduceus/hl7"
	"github.com/caduceus-io/caduceus/types"
)

// ClientConfig configures an outbound MLLP connection.
type ClientConfig struct {
	// Address is host:port of the receiving system (required).
	Address string
	// ConnectTimeout bounds dialing (default 10s).
	ConnectTimeout time.Duration
	// AckTimeout bounds the wait for an acknowledgement (default 30s).
	AckTimeout time.Duration
	// MaxConnectRetries bounds reconnection attempts per send (default 3).
	MaxConnectRetries int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.MaxConnectRetries <= 0 {
		c.MaxConnectRetries = 3
	}
	return c
}

// Client sends HL7 messages over a long-lived MLLP connection and waits
// for the acknowledgement after each. Sends are serialized; MLLP has no
// in-flight message correlation, so one message is outstanding at a time.
type Client struct {
	cfg ClientConfig

	mu     sync.Mutex
	conn   net.Conn
	reader *Reader
}

// NewClient creates a client. No connection is made until the first Send.
func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

// Send frames the payload, writes it, and waits for the acknowledgement.
// AA and CA acknowledgements succeed. AE and AR come back as a
// non-retryable application_reject; connection and timeout failures come
// back as a retryable transport_error.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ackRaw, err := c.exchange(ctx, payload)
	if err != nil {
		return types.NewError(types.KindTransport, "mllp-client", err)
	}

	ack, err := hl7.Parse(ackRaw)
	if err != nil {
		return types.Errorf(types.KindTransport, "mllp-client", "unparseable acknowledgement: %v", err)
	}
	code, reason, ok := hl7.ParseAckCode(ack)
	if !ok {
		return types.Errorf(types.KindTransport, "mllp-client", "acknowledgement has no MSA segment")
	}

	switch code {
	case hl7.AckAccept, hl7.AckCommitAccept:
		return nil
	case hl7.AckError, hl7.AckReject:
		if reason == "" {
			reason = "receiver rejected message"
		}
		return types.Errorf(types.KindApplicationReject, "mllp-client", "%s: %s", code, reason)
	default:
		return types.Errorf(types.KindTransport, "mllp-client", "unknown acknowledgement code %q", code)
	}
}

// exchange writes one framed message and reads one framed reply,
// reconnecting with backoff on connection failures. Caller holds the
// lock.
func (c *Client) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxConnectRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.ensureConn(ctx); err != nil {
			lastErr = err
			continue
		}

		deadline := time.Now().Add(c.cfg.AckTimeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		_ = c.conn.SetDeadline(deadline)

		if err := WriteMessage(c.conn, payload); err != nil {
			lastErr = fmt.Errorf("write: %w", err)
			c.dropConn()
			continue
		}
		ack, err := c.reader.ReadMessage()
		if err != nil {
			lastErr = fmt.Errorf("read acknowledgement: %w", err)
			c.dropConn()
			continue
		}
		return ack, nil
	}
	return nil, fmt.Errorf("send failed after %d attempts: %w", c.cfg.MaxConnectRetries, lastErr)
}

func (c *Client) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Address, err)
	}
	c.conn = conn
	c.reader = NewReader(conn)
	return nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
	return nil
}
