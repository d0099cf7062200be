package persistence

import (
	"VaultLedger/internal/core"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row INSERT.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	VaultID        *string
	Payload        []byte // wire JSON, replayable through ingestion.ParseRawEvent
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
	RejectReason   *string // set for a sequenced event logged without effect
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// Record is one committed event in log form.
type Record struct {
	Event    EventRow
	Journals []JournalRow
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RecordFromOutput converts a core output into its event log rows.
func RecordFromOutput(out core.CoreOutput) Record {
	env := out.Envelope
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			VaultID:        env.VaultID,
			Payload:        env.Payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}
	if env.Rejection != "" {
		reason := env.Rejection
		rec.Event.RejectReason = &reason
	}
	if len(rec.Event.Payload) == 0 {
		rec.Event.Payload = []byte("{}")
	}
	if out.Batch == nil {
		return rec
	}
	rec.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		rec.Journals = append(rec.Journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rec
}

// buildEventInsert renders the multi-row INSERT for events.
func buildEventInsert(events []EventRow) (string, []any) {
	const cols = 10
	var sb strings.Builder
	sb.WriteString(`INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, vault_id, payload, state_hash, prev_hash, timestamp, source_sequence, reject_reason)
		VALUES `)

	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholders(i*cols, cols))
		// JSONB columns take text; lib/pq would send []byte as bytea
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.VaultID,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
			e.RejectReason,
		)
	}
	sb.WriteString(" ON CONFLICT (sequence) DO NOTHING")
	return sb.String(), args
}

// buildJournalInsert renders the multi-row INSERT for journals.
func buildJournalInsert(journals []JournalRow) (string, []any) {
	const cols = 10
	var sb strings.Builder
	sb.WriteString(`INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `)

	args := make([]any, 0, len(journals)*cols)
	for i, j := range journals {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, int32(j.AssetID), j.Amount,
			j.JournalType, j.Timestamp,
		)
	}
	sb.WriteString(" ON CONFLICT (journal_id) DO NOTHING")
	return sb.String(), args
}

func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// WriteEventBatch writes a batch of events through ex (the pool or an open tx).
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	query, args := buildEventInsert(events)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries through ex.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	query, args := buildJournalInsert(journals)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecords writes events then journals in one transaction.
func (w *EventLogWriter) WriteRecords(ctx context.Context, records []Record) error {
	events := make([]EventRow, 0, len(records))
	var journals []JournalRow
	for _, r := range records {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{Stage: "tx_begin", Err: err}
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return &WriteError{Stage: "write_events", Err: err}
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return &WriteError{Stage: "write_journals", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Stage: "tx_commit", Err: err}
	}
	return nil
}

// WriteError tags a failed write with the stage it failed in.
type WriteError struct {
	Stage string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Stage, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
