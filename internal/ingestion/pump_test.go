package ingestion_test

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/lending"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type fakeSubmitter struct {
	receipt *core.Receipt
	err     error
	got     []event.Event
}

func (f *fakeSubmitter) Submit(_ context.Context, evt event.Event) (*core.Receipt, error) {
	f.got = append(f.got, evt)
	return f.receipt, f.err
}

type ackRecorder struct {
	acks, naks int
}

func (a *ackRecorder) raw(t *testing.T, subject string, evt event.Event) ingestion.RawEvent {
	t.Helper()
	data, err := ingestion.EncodeEvent(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return ingestion.RawEvent{
		Subject: subject,
		Data:    data,
		AckFunc: func() { a.acks++ },
		NakFunc: func() { a.naks++ },
	}
}

func borrowEvent() *event.BorrowRequested {
	user := uuid.New()
	return &event.BorrowRequested{
		Header: event.Header{RequestID: uuid.New(), Timestamp: 1_700_000_000_000_000},
		PositionRef: event.PositionRef{
			VaultRef:        event.VaultRef{VaultOwner: uuid.New(), VaultName: "prime"},
			User:            user,
			CollateralAsset: "ETH",
		},
		Caller: user,
		Amount: 100,
	}
}

func newPump(sub ingestion.Submitter) (*ingestion.Pump, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := zerolog.New(io.Discard)
	return ingestion.NewPump(nil, sub, ingestion.DefaultSubjects(), logger, metrics), metrics
}

func TestPump_AppliedIsAcked(t *testing.T) {
	sub := &fakeSubmitter{receipt: &core.Receipt{Sequence: 4}}
	pump, metrics := newPump(sub)
	rec := &ackRecorder{}

	outcome := pump.Handle(context.Background(), rec.raw(t, "lending.positions.borrow.x", borrowEvent()))
	if outcome != ingestion.OutcomeApplied {
		t.Fatalf("outcome: got %s, want applied", outcome)
	}
	if rec.acks != 1 || rec.naks != 0 {
		t.Fatalf("acks=%d naks=%d, want 1/0", rec.acks, rec.naks)
	}
	if len(sub.got) != 1 {
		t.Fatalf("expected one submitted event, got %d", len(sub.got))
	}
	if _, ok := sub.got[0].(*event.BorrowRequested); !ok {
		t.Fatalf("subject resolved to wrong type: %T", sub.got[0])
	}
	if v := testutil.ToFloat64(metrics.IngestMessages.WithLabelValues("BorrowRequested", "applied")); v != 1 {
		t.Fatalf("applied counter: got %v", v)
	}
}

func TestPump_DuplicateIsAcked(t *testing.T) {
	pump, _ := newPump(&fakeSubmitter{receipt: &core.Receipt{Duplicate: true}})
	rec := &ackRecorder{}

	outcome := pump.Handle(context.Background(), rec.raw(t, "lending.positions.borrow.x", borrowEvent()))
	if outcome != ingestion.OutcomeDuplicate || rec.acks != 1 {
		t.Fatalf("outcome=%s acks=%d", outcome, rec.acks)
	}
}

func TestPump_LendingRejectionIsAcked(t *testing.T) {
	pump, _ := newPump(&fakeSubmitter{err: lending.ErrExceedsCollateralRatio})
	rec := &ackRecorder{}

	outcome := pump.Handle(context.Background(), rec.raw(t, "lending.positions.borrow.x", borrowEvent()))
	if outcome != ingestion.OutcomeRejected {
		t.Fatalf("outcome: got %s, want rejected", outcome)
	}
	if rec.acks != 1 || rec.naks != 0 {
		t.Fatalf("a deterministic rejection must not be redelivered: acks=%d naks=%d", rec.acks, rec.naks)
	}
}

func TestPump_SequenceViolationIsNaked(t *testing.T) {
	err := fmt.Errorf("%w: gap", core.ErrSequenceViolation)
	pump, _ := newPump(&fakeSubmitter{err: err})
	rec := &ackRecorder{}

	outcome := pump.Handle(context.Background(), rec.raw(t, "lending.positions.borrow.x", borrowEvent()))
	if outcome != ingestion.OutcomeRetry {
		t.Fatalf("outcome: got %s, want retry", outcome)
	}
	if rec.naks != 1 || rec.acks != 0 {
		t.Fatalf("acks=%d naks=%d, want 0/1", rec.acks, rec.naks)
	}
}

func TestPump_MalformedIsDroppedWithoutSubmit(t *testing.T) {
	sub := &fakeSubmitter{}
	pump, _ := newPump(sub)
	rec := &ackRecorder{}

	raw := ingestion.RawEvent{
		Subject: "lending.positions.repay.x",
		Data:    []byte(`{"request_id":"nope"}`),
		AckFunc: func() { rec.acks++ },
		NakFunc: func() { rec.naks++ },
	}
	if outcome := pump.Handle(context.Background(), raw); outcome != ingestion.OutcomeMalformed {
		t.Fatalf("outcome: got %s, want malformed", outcome)
	}
	if len(sub.got) != 0 {
		t.Fatal("malformed message reached the core")
	}
	if rec.acks != 1 {
		t.Fatalf("malformed message should be acked, acks=%d", rec.acks)
	}
}

func TestPump_RunStopsWhenInputCloses(t *testing.T) {
	in := make(chan ingestion.RawEvent, 1)
	sub := &fakeSubmitter{receipt: &core.Receipt{}}
	pump := ingestion.NewPump(in, sub, ingestion.DefaultSubjects(), zerolog.New(io.Discard), nil)

	rec := &ackRecorder{}
	in <- rec.raw(t, "lending.positions.borrow.x", borrowEvent())
	close(in)

	if err := pump.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.acks != 1 {
		t.Fatalf("expected message to be settled before exit, acks=%d", rec.acks)
	}
}

func TestDirectIngest_FillsMissingHeader(t *testing.T) {
	sub := &fakeSubmitter{receipt: &core.Receipt{}}
	ingest := ingestion.NewDirectIngest(sub)

	evt := borrowEvent()
	evt.Header = event.Header{}
	if _, err := ingest.Submit(context.Background(), evt); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if evt.RequestID == uuid.Nil {
		t.Fatal("request id not assigned")
	}
	if evt.Timestamp == 0 {
		t.Fatal("timestamp not assigned")
	}

	// Client-supplied ids are preserved so retries stay idempotent.
	id := uuid.New()
	evt2 := borrowEvent()
	evt2.Header = event.Header{RequestID: id, Timestamp: 42}
	if _, err := ingest.Submit(context.Background(), evt2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if evt2.RequestID != id || evt2.Timestamp != 42 {
		t.Fatalf("header overwritten: %+v", evt2.Header)
	}
}

type fakeJetStream struct {
	subjects []string
	payloads [][]byte
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_PublishesPersistedRecords(t *testing.T) {
	js := &fakeJetStream{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(js, 4, zerolog.New(io.Discard), metrics)

	vaultID := "owner/prime"
	reason := "not_found"
	pub.EnqueueRecords([]persistence.Record{{
		Event: persistence.EventRow{Sequence: 8, EventType: "BorrowRequested", RejectReason: &reason},
	}, {
		Event: persistence.EventRow{
			Sequence:       9,
			EventType:      "BorrowRequested",
			IdempotencyKey: "req-1",
			VaultID:        &vaultID,
			Payload:        []byte(`{"amount":100}`),
			StateHash:      []byte{0xab, 0xcd},
			Timestamp:      time.UnixMicro(1_700_000_000_000_000).UTC(),
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pub.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for testutil.ToFloat64(metrics.PublishedEvents) < 1 {
		select {
		case <-deadline:
			t.Fatal("event not published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(js.subjects) != 1 {
		t.Fatalf("logged rejection must not be published, got %d publishes", len(js.subjects))
	}
	if js.subjects[0] != "lending.ledger.events.BorrowRequested" {
		t.Fatalf("subject: got %s", js.subjects[0])
	}
	var out ingestion.PublishableEvent
	if err := json.Unmarshal(js.payloads[0], &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Sequence != 9 || out.StateHash != "abcd" || *out.VaultID != vaultID {
		t.Fatalf("unexpected payload: %+v", out)
	}
	if string(out.Payload) != `{"amount":100}` {
		t.Fatalf("payload not passed through: %s", out.Payload)
	}
}

func TestOutboundPublisher_DropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(&fakeJetStream{}, 1, zerolog.New(io.Discard), metrics)

	records := []persistence.Record{
		{Event: persistence.EventRow{Sequence: 1, EventType: "AccountFunded", Payload: []byte("{}")}},
		{Event: persistence.EventRow{Sequence: 2, EventType: "AccountFunded", Payload: []byte("{}")}},
	}
	pub.EnqueueRecords(records)

	if v := testutil.ToFloat64(metrics.PublishDrops); v != 1 {
		t.Fatalf("drops: got %v, want 1", v)
	}
}
