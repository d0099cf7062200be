package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and hands raw messages
// to the Pump through eventChan. Each subject maps to one event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded message, ready for the pump to parse into a
// typed event.Event before it reaches the core.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the core has decided
	NakFunc   func() // NAK to have JetStream redeliver
}

func (r RawEvent) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

// SubjectConfig maps a NATS subject filter to an event type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the inbound subject layout.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lending.vaults.created.>", EventType: "VaultCreated", ConsumerName: "ledger-vault-created", StreamName: "LENDING_VAULTS"},
		{Subject: "lending.vaults.liquidity.>", EventType: "LiquiditySupplied", ConsumerName: "ledger-vault-liquidity", StreamName: "LENDING_VAULTS"},
		{Subject: "lending.funding.>", EventType: "AccountFunded", ConsumerName: "ledger-funding", StreamName: "LENDING_FUNDING"},
		{Subject: "lending.positions.deposit.>", EventType: "DepositRequested", ConsumerName: "ledger-pos-deposit", StreamName: "LENDING_POSITIONS"},
		{Subject: "lending.positions.borrow.>", EventType: "BorrowRequested", ConsumerName: "ledger-pos-borrow", StreamName: "LENDING_POSITIONS"},
		{Subject: "lending.positions.repay.>", EventType: "RepayRequested", ConsumerName: "ledger-pos-repay", StreamName: "LENDING_POSITIONS"},
		{Subject: "lending.positions.withdraw.>", EventType: "WithdrawRequested", ConsumerName: "ledger-pos-withdraw", StreamName: "LENDING_POSITIONS"},
		{Subject: "lending.positions.liquidate.>", EventType: "LiquidateRequested", ConsumerName: "ledger-pos-liquidate", StreamName: "LENDING_POSITIONS"},
		{Subject: "lending.valuations.>", EventType: "CollateralRevalued", ConsumerName: "ledger-valuations", StreamName: "LENDING_VALUATIONS"},
	}
}

// EventTypeForSubject resolves a concrete subject against the configured
// filters. Only the trailing ">" wildcard is supported. Returns "" when
// nothing matches.
func EventTypeForSubject(subjects []SubjectConfig, subject string) string {
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if prefix == cfg.Subject {
			if subject == cfg.Subject {
				return cfg.EventType
			}
			continue
		}
		if strings.HasPrefix(subject, prefix) && len(subject) > len(prefix) {
			return cfg.EventType
		}
	}
	return ""
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: cfg.EventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

func streamConfig(name string, subjects ...string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		streamConfig("LENDING_VAULTS", "lending.vaults.>"),
		streamConfig("LENDING_FUNDING", "lending.funding.>"),
		streamConfig("LENDING_POSITIONS", "lending.positions.>"),
		streamConfig("LENDING_VALUATIONS", "lending.valuations.>"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("vaultledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
