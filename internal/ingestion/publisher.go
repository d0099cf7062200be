package ingestion

import (
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundSubjectPrefix is where committed events are republished.
const OutboundSubjectPrefix = "lending.ledger.events"

type eventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers, only after they are durable in the event log.
type OutboundPublisher struct {
	js        eventPublisher
	inputChan chan PublishableEvent
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// PublishableEvent is a persisted event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	VaultID        *string         `json:"vault_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// PublishableFromRecord projects an event log record onto the outbound format.
func PublishableFromRecord(rec persistence.Record) PublishableEvent {
	return PublishableEvent{
		Sequence:       rec.Event.Sequence,
		EventType:      rec.Event.EventType,
		IdempotencyKey: rec.Event.IdempotencyKey,
		VaultID:        rec.Event.VaultID,
		Payload:        json.RawMessage(rec.Event.Payload),
		StateHash:      hex.EncodeToString(rec.Event.StateHash),
		Timestamp:      rec.Event.Timestamp,
	}
}

func NewOutboundPublisher(js eventPublisher, capacity int, logger zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan PublishableEvent, capacity),
		logger:    logger,
		metrics:   metrics,
	}
}

// EnqueueRecords is the persistence worker's after-flush hook. It never
// blocks; events that do not fit are dropped and counted. Logged
// rejections changed nothing and are not published.
func (op *OutboundPublisher) EnqueueRecords(records []persistence.Record) {
	for _, rec := range records {
		if rec.Event.RejectReason != nil {
			continue
		}
		select {
		case op.inputChan <- PublishableFromRecord(rec):
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
	if op.metrics != nil {
		op.metrics.SetChannelMetrics("publish", len(op.inputChan), cap(op.inputChan))
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.inputChan:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				continue
			}
			if op.metrics != nil {
				op.metrics.PublishedEvents.Inc()
			}
		}
	}
}

// OutboundSubject returns lending.ledger.events.<event_type>.
func OutboundSubject(eventType string) string {
	return fmt.Sprintf("%s.%s", OutboundSubjectPrefix, eventType)
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Dedupe on the JetStream side if a flush is ever republished.
	_, err = op.js.Publish(ctx, OutboundSubject(evt.EventType), data,
		jetstream.WithMsgID(fmt.Sprintf("%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	if _, err := js.CreateOrUpdateStream(ctx, streamConfig("LENDING_LEDGER_EVENTS", OutboundSubjectPrefix+".>")); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "LENDING_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
