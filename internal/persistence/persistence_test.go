package persistence

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Test helpers ---

func header(ts int64) event.Header {
	return event.Header{RequestID: uuid.New(), Timestamp: ts}
}

// populatedCore runs a small lending history through a fresh core.
func populatedCore(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	persistCh := make(chan core.CoreOutput, 64)
	projCh := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(0, persistCh, projCh, nil, nil)

	owner, alice := uuid.New(), uuid.New()
	vault := event.VaultRef{VaultOwner: owner, VaultName: "main"}
	pos := event.PositionRef{VaultRef: vault, User: alice, CollateralAsset: "ETH"}

	events := []event.Event{
		&event.VaultCreated{Header: header(1), Owner: owner, Name: "main", CollateralRatioBps: 20_000, StableAsset: "USDT"},
		&event.AccountFunded{Header: header(2), UserID: owner, Asset: "USDT", Amount: 5_000},
		&event.LiquiditySupplied{Header: header(3), VaultRef: vault, Caller: owner, Amount: 5_000},
		&event.AccountFunded{Header: header(4), UserID: alice, Asset: "ETH", Amount: 10},
		&event.DepositRequested{Header: header(5), PositionRef: pos, Caller: alice, Amount: 10, UnitValue: 200},
		&event.BorrowRequested{Header: header(6), PositionRef: pos, Caller: alice, Amount: 900},
		&event.CollateralRevalued{Header: header(7), PositionRef: pos, UnitValue: 150},
		&event.LiquidateRequested{Header: header(8), PositionRef: pos, Liquidator: uuid.New()},
	}
	for _, evt := range events {
		if _, err := c.ProcessEvent(context.Background(), evt); err != nil {
			t.Fatalf("process %s: %v", evt.EventType(), err)
		}
	}

	var outputs []core.CoreOutput
	for len(persistCh) > 0 {
		outputs = append(outputs, <-persistCh)
	}
	return c, outputs
}

// ============================================================================
// Test: Row conversion
// ============================================================================

func TestRecordFromOutput_CopiesEnvelopeAndJournals(t *testing.T) {
	_, outputs := populatedCore(t)

	borrow := outputs[5]
	rec := RecordFromOutput(borrow)

	if rec.Event.Sequence != 5 {
		t.Errorf("sequence: got %d, want 5", rec.Event.Sequence)
	}
	if rec.Event.EventType != event.EventTypeBorrowRequested.String() {
		t.Errorf("event type: got %s", rec.Event.EventType)
	}
	if rec.Event.VaultID == nil || !strings.HasSuffix(*rec.Event.VaultID, "/main") {
		t.Errorf("vault id: %v", rec.Event.VaultID)
	}
	if len(rec.Event.StateHash) != 32 || len(rec.Event.PrevHash) != 32 {
		t.Error("hashes should be 32 bytes")
	}
	if string(rec.Event.Payload) != "{}" {
		t.Errorf("missing payload should be stored as {}, got %q", rec.Event.Payload)
	}
	if len(rec.Journals) != 1 {
		t.Fatalf("journals: got %d, want 1", len(rec.Journals))
	}
	j := rec.Journals[0]
	if j.Amount != 900 || j.JournalType != int32(ledger.JournalTypeBorrow) {
		t.Errorf("unexpected journal %+v", j)
	}
	if !strings.HasPrefix(j.DebitAccount, "user:") || !strings.HasPrefix(j.CreditAccount, "vault:") {
		t.Errorf("borrow should debit the wallet and credit custody, got %s / %s", j.DebitAccount, j.CreditAccount)
	}
}

func TestRecordFromOutput_CarriesRejection(t *testing.T) {
	rejected := RecordFromOutput(core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:       3,
		EventType:      event.EventTypeBorrowRequested,
		SourceSequence: 7,
		Rejection:      "not_found",
	}})
	if rejected.Event.RejectReason == nil || *rejected.Event.RejectReason != "not_found" {
		t.Fatalf("reject reason: got %v", rejected.Event.RejectReason)
	}
	if len(rejected.Journals) != 0 {
		t.Errorf("a logged rejection moves no value, got %d journals", len(rejected.Journals))
	}

	applied := RecordFromOutput(core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: 4}})
	if applied.Event.RejectReason != nil {
		t.Errorf("applied event should store NULL reject_reason, got %q", *applied.Event.RejectReason)
	}
}

func TestRecordFromOutput_NoBatchJournals(t *testing.T) {
	_, outputs := populatedCore(t)
	if rec := RecordFromOutput(outputs[0]); len(rec.Journals) != 0 {
		t.Errorf("vault creation should produce no journal rows, got %d", len(rec.Journals))
	}
}

func TestBuildEventInsert_Placeholders(t *testing.T) {
	rows := []EventRow{{Sequence: 1, Payload: []byte(`{}`)}, {Sequence: 2, Payload: []byte(`{}`)}}
	query, args := buildEventInsert(rows)

	if len(args) != 20 {
		t.Fatalf("args: got %d, want 20", len(args))
	}
	if !strings.Contains(query, "($11, $12, $13, $14, $15, $16, $17, $18, $19, $20)") {
		t.Errorf("second row placeholders missing: %s", query)
	}
	if !strings.HasSuffix(query, "ON CONFLICT (sequence) DO NOTHING") {
		t.Error("event insert must be idempotent on sequence")
	}
	if _, ok := args[4].(string); !ok {
		t.Error("payload should be bound as text for the JSONB column")
	}
}

func TestBuildJournalInsert_Placeholders(t *testing.T) {
	query, args := buildJournalInsert([]JournalRow{{JournalID: "a"}, {JournalID: "b"}, {JournalID: "c"}})
	if len(args) != 30 {
		t.Fatalf("args: got %d, want 30", len(args))
	}
	if !strings.Contains(query, "$30)") {
		t.Errorf("last placeholder missing: %s", query)
	}
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestSnapshot_JSONRoundTripRestoresCore(t *testing.T) {
	live, _ := populatedCore(t)

	data := SnapshotFromCore(live.CreateSnapshotState(), time.Unix(0, 0).UTC())
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded SnapshotData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Liquidations) != 1 {
		t.Fatalf("liquidations: got %d, want 1", len(decoded.Liquidations))
	}

	restored, err := decoded.ToCore()
	if err != nil {
		t.Fatalf("to core: %v", err)
	}

	fresh := core.NewDeterministicCore(0, make(chan core.CoreOutput, 1), make(chan core.CoreOutput, 1), nil, nil)
	if err := fresh.RestoreFromSnapshot(restored); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if fresh.GetStateHash() != live.GetStateHash() {
		t.Error("restored chain tip differs")
	}
	if fresh.GetSequence() != live.GetSequence() {
		t.Errorf("sequence: got %d, want %d", fresh.GetSequence(), live.GetSequence())
	}
	if len(fresh.Store().Liquidations()) != 1 {
		t.Error("liquidation log not restored")
	}
}

func TestSnapshot_ToCoreRejectsCorruptData(t *testing.T) {
	cases := map[string]SnapshotData{
		"short hash":   {StateHash: []byte{1, 2, 3}},
		"bad path":     {StateHash: make([]byte, 32), Balances: map[string]int64{"nowhere": 1}},
		"bad owner":    {StateHash: make([]byte, 32), Vaults: []VaultSnapshot{{Owner: "x"}}},
		"bad position": {StateHash: make([]byte, 32), Positions: []PositionSnapshot{{User: "x"}}},
	}
	for name, data := range cases {
		if _, err := data.ToCore(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// ============================================================================
// Test: Worker
// ============================================================================

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []Record
}

func (f *fakeWriter) WriteRecords(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return &WriteError{Stage: "tx_commit", Err: errors.New("connection reset")}
	}
	f.written = append(f.written, records...)
	return nil
}

func TestWorker_RetriesUntilWritten(t *testing.T) {
	_, outputs := populatedCore(t)
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	w := &fakeWriter{failures: 2}
	pw := NewPersistenceWorker(w, in, len(outputs), time.Hour, nil)
	pw.baseBackoff = time.Millisecond

	var flushed []int64
	pw.SetAfterFlush(func(records []Record) {
		for _, r := range records {
			flushed = append(flushed, r.Event.Sequence)
		}
	})

	if err := pw.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if w.calls != 3 {
		t.Errorf("calls: got %d, want 3", w.calls)
	}
	if len(w.written) != len(outputs) {
		t.Fatalf("written: got %d, want %d", len(w.written), len(outputs))
	}
	for i, seq := range flushed {
		if seq != int64(i) {
			t.Fatalf("after-flush order broken at %d: %v", i, flushed)
		}
	}
}

func TestWorker_FlushesOnTimeout(t *testing.T) {
	_, outputs := populatedCore(t)
	in := make(chan core.CoreOutput, 1)
	w := &fakeWriter{}
	pw := NewPersistenceWorker(w, in, 100, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pw.Run(ctx)
		close(done)
	}()

	in <- outputs[0]
	deadline := time.After(2 * time.Second)
	for {
		w.mu.Lock()
		n := len(w.written)
		w.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout flush never happened")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestPendingFiles(t *testing.T) {
	files := []string{"000001_event_log.up.sql", "000002_projections.up.sql", "000003_extra.up.sql"}
	pending := pendingFiles(files, map[string]bool{"000001": true, "000003": true})
	if len(pending) != 1 || pending[0] != "000002_projections.up.sql" {
		t.Errorf("got %v", pending)
	}
}
