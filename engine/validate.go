// Package engine wires the configured queues, processing stages,
// listeners, and senders into one runnable pipeline.
package engine

import (
	"context"

	"github.com/caduceus-io/caduceus/fhir"
	"github.com/caduceus-io/caduceus/hl7"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/types"
)

// ValidationProcessor is the first processing stage. HL7 payloads are
// parsed and checked against the required-segment registry; FHIR
// payloads against the required-field registry. Bundles unwrap into one
// envelope per entry, each validated on its own.
type ValidationProcessor struct {
	hl7    *hl7.Validator
	fhir   *fhir.Validator
	logger *log.Logger
}

// NewValidationProcessor creates a validation stage with the built-in
// registries.
func NewValidationProcessor(logger *log.Logger) *ValidationProcessor {
	return &ValidationProcessor{
		hl7:    hl7.NewValidator(),
		fhir:   fhir.NewValidator(),
		logger: logger.WithStage("validation"),
	}
}

// HL7Validator exposes the segment registry for extra registrations.
func (p *ValidationProcessor) HL7Validator() *hl7.Validator { return p.hl7 }

// FHIRValidator exposes the field registry for extra registrations.
func (p *ValidationProcessor) FHIRValidator() *fhir.Validator { return p.fhir }

// Name identifies the stage.
func (p *ValidationProcessor) Name() string { return "validation" }

// Process validates one envelope and advances it to validated. The
// returned envelopes carry parsed content so downstream stages do not
// reparse; a Bundle returns one envelope per entry.
func (p *ValidationProcessor) Process(_ context.Context, env *types.Envelope) ([]*types.Envelope, error) {
	switch env.Body.ContentType {
	case types.ContentTypeHL7v2:
		return p.processHL7(env)
	case types.ContentTypeFHIR:
		return p.processFHIR(env)
	default:
		return nil, types.Errorf(types.KindValidation, "validation",
			"unsupported content type %q", env.Body.ContentType)
	}
}

func (p *ValidationProcessor) processHL7(env *types.Envelope) ([]*types.Envelope, error) {
	msg, err := hl7.Parse(env.Body.RawContent)
	if err != nil {
		return nil, err
	}
	if err := p.hl7.Validate(msg); err != nil {
		return nil, err
	}

	env.Header.MessageType = msg.Type()
	env.SetMeta("control_id", msg.ControlID())
	env.Body.Content = msg.Map()
	if err := env.Advance(types.StatusValidated); err != nil {
		return nil, types.NewError(types.KindValidation, "validation", err)
	}

	p.logger.Debug("hl7 message validated", map[string]any{
		"message_id":   env.Header.MessageID,
		"message_type": env.Header.MessageType,
	})
	return []*types.Envelope{env}, nil
}

func (p *ValidationProcessor) processFHIR(env *types.Envelope) ([]*types.Envelope, error) {
	resource, ok := env.Body.Content.(map[string]any)
	if !ok {
		var err error
		if resource, err = fhir.Parse(env.Body.RawContent); err != nil {
			return nil, err
		}
	}

	env.Body.Content = resource
	if rt, ok := fhir.ResourceType(resource); ok {
		env.Header.MessageType = rt
	}

	outs, err := fhir.UnwrapBundle(env, resource)
	if err != nil {
		return nil, err
	}
	for _, out := range outs {
		child, _ := out.Body.Content.(map[string]any)
		if err := p.fhir.Validate(child); err != nil {
			return nil, err
		}
		if err := out.Advance(types.StatusValidated); err != nil {
			return nil, types.NewError(types.KindValidation, "validation", err)
		}
	}

	p.logger.Debug("fhir resource validated", map[string]any{
		"message_id":   env.Header.MessageID,
		"message_type": env.Header.MessageType,
		"envelopes":    len(outs),
	})
	return outs, nil
}
