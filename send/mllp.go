// Package send implements the outbound sinks: MLLP egress, FHIR HTTP
// egress with OAuth and circuit breaking, and the file writer.
package send

import (
	"context"

	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/metrics"
	"github.com/caduceus-io/caduceus/mllp"
	"github.com/caduceus-io/caduceus/types"
)

// MLLPSender delivers HL7 messages to a downstream MLLP endpoint over
// the shared long-lived client connection. Transport failures are
// retryable and handled by the stage framework; application rejects
// are terminal.
type MLLPSender struct {
	name    string
	client  *mllp.Client
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewMLLPSender creates an MLLP egress processor.
func NewMLLPSender(name string, client *mllp.Client, logger *log.Logger, collector *metrics.Collector) *MLLPSender {
	if name == "" {
		name = "mllp-sender"
	}
	return &MLLPSender{
		name:    name,
		client:  client,
		logger:  logger.WithStage(name),
		metrics: collector,
	}
}

// Name identifies the sender as a stage processor.
func (s *MLLPSender) Name() string { return s.name }

// Process sends the raw payload and waits for the acknowledgement.
func (s *MLLPSender) Process(ctx context.Context, env *types.Envelope) ([]*types.Envelope, error) {
	if len(env.Body.RawContent) == 0 {
		return nil, types.Errorf(types.KindValidation, s.name, "envelope has no raw content to send")
	}
	if err := s.client.Send(ctx, env.Body.RawContent); err != nil {
		return nil, err
	}

	if err := env.Advance(types.StatusSent); err != nil {
		return nil, types.NewError(types.KindApplicationReject, s.name, err)
	}
	s.metrics.IncSent()
	s.logger.Debug("delivered", map[string]any{
		"message_id":   env.Header.MessageID,
		"message_type": env.Header.MessageType,
	})
	return nil, nil
}

// Close releases the client connection.
func (s *MLLPSender) Close() error { return s.client.Close() }
