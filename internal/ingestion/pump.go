package ingestion

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Submitter is the ordered entry point into the core (core.Dispatcher).
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Receipt, error)
}

// Outcome labels how a single inbound message was settled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMalformed Outcome = "malformed"
	OutcomeRetry     Outcome = "retry"
)

// Pump drains raw messages, parses them and submits them to the core.
// A message is ACKed once the core has made a final decision (applied,
// duplicate, or a deterministic lending rejection) and NAKed when
// redelivery could change the answer.
type Pump struct {
	in        <-chan RawEvent
	submitter Submitter
	subjects  []SubjectConfig
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewPump(in <-chan RawEvent, submitter Submitter, subjects []SubjectConfig, logger zerolog.Logger, metrics *observability.Metrics) *Pump {
	return &Pump{
		in:        in,
		submitter: submitter,
		subjects:  subjects,
		logger:    logger,
		metrics:   metrics,
	}
}

func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.in:
			if !ok {
				return nil
			}
			p.Handle(ctx, raw)
		}
	}
}

// Handle settles one message and returns how it was settled.
func (p *Pump) Handle(ctx context.Context, raw RawEvent) Outcome {
	eventType := raw.EventType
	if eventType == "" {
		eventType = EventTypeForSubject(p.subjects, raw.Subject)
	}

	outcome := p.settle(ctx, raw, eventType)
	if outcome == OutcomeRetry {
		raw.nak()
	} else {
		raw.ack()
	}

	if p.metrics != nil {
		label := eventType
		if label == "" {
			label = "unknown"
		}
		p.metrics.IngestMessages.WithLabelValues(label, string(outcome)).Inc()
	}
	return outcome
}

func (p *Pump) settle(ctx context.Context, raw RawEvent, eventType string) Outcome {
	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		// Redelivery cannot fix a payload, so it is dropped.
		p.logger.Error().Err(err).Str("subject", raw.Subject).Msg("malformed message dropped")
		return OutcomeMalformed
	}

	receipt, err := p.submitter.Submit(ctx, evt)
	switch {
	case err == nil && receipt.Duplicate:
		return OutcomeDuplicate
	case err == nil:
		p.logger.Debug().
			Int64("sequence", receipt.Sequence).
			Str("event_type", eventType).
			Str("request_id", evt.IdempotencyKey()).
			Msg("applied")
		return OutcomeApplied
	case errors.Is(err, core.ErrSequenceViolation),
		errors.Is(err, core.ErrDispatcherStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		p.logger.Warn().Err(err).Str("event_type", eventType).Str("request_id", evt.IdempotencyKey()).Msg("message deferred")
		return OutcomeRetry
	default:
		p.logger.Info().Err(err).Str("event_type", eventType).Str("request_id", evt.IdempotencyKey()).Msg("request rejected")
		return OutcomeRejected
	}
}
