package ledger

import (
	fpmath "VaultLedger/internal/math"
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is returned when the source account cannot cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidTransfer is returned for malformed instructions.
	ErrInvalidTransfer = errors.New("invalid transfer")
)

// Instruction asks the port to move Amount of Asset from From to To.
type Instruction struct {
	Type   JournalType
	Asset  AssetID
	Amount int64
	From   AccountKey
	To     AccountKey
}

// TransferPort is the value transfer primitive the lending engine consumes.
// A call either moves the full amount or leaves no effect and returns the reason.
type TransferPort interface {
	Transfer(ctx context.Context, ins Instruction) error
}

// Ledger is the in-process TransferPort backed by double-entry journals.
// Not thread-safe: owned by the deterministic core goroutine.
type Ledger struct {
	tracker *BalanceTracker
	gen     *JournalGenerator
	pending *Batch
}

func NewLedger(tracker *BalanceTracker) *Ledger {
	return &Ledger{
		tracker: tracker,
		gen:     NewJournalGenerator(),
	}
}

// Tracker exposes the balances the ledger writes to
func (l *Ledger) Tracker() *BalanceTracker {
	return l.tracker
}

// Begin opens the batch that collects the journals of one event.
func (l *Ledger) Begin(eventRef string, sequence, timestamp int64) {
	l.pending = l.gen.NewBatch(eventRef, sequence, timestamp)
}

// Transfer validates and applies one instruction atomically. A move that
// would overflow either balance returns a wrapped math.ErrOverflow.
func (l *Ledger) Transfer(ctx context.Context, ins Instruction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ins.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrInvalidTransfer, ins.Amount)
	}
	if ins.From == ins.To {
		return fmt.Errorf("%w: self transfer on %s", ErrInvalidTransfer, ins.From.AccountPath())
	}
	if ins.From.AssetID != ins.Asset || ins.To.AssetID != ins.Asset {
		return fmt.Errorf("%w: asset mismatch", ErrInvalidTransfer)
	}
	if ins.From.Scope != AccountScopeExternal {
		if have := l.tracker.GetBalance(ins.From); have < ins.Amount {
			return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, ins.From.AccountPath(), have, ins.Amount)
		}
	} else if _, err := fpmath.Sub(l.tracker.GetBalance(ins.From), ins.Amount); err != nil {
		return fmt.Errorf("%w: debiting %d from %s", err, ins.Amount, ins.From.AccountPath())
	}
	if _, err := fpmath.Add(l.tracker.GetBalance(ins.To), ins.Amount); err != nil {
		return fmt.Errorf("%w: crediting %d to %s", err, ins.Amount, ins.To.AccountPath())
	}

	if l.pending == nil {
		l.Begin("", 0, 0)
	}
	l.tracker.ApplyJournal(l.gen.Append(l.pending, ins))
	return nil
}

// Commit closes the open batch and returns it (possibly with no journals).
func (l *Ledger) Commit() *Batch {
	batch := l.pending
	l.pending = nil
	return batch
}

// Rollback reverts every journal applied since Begin and discards the batch.
func (l *Ledger) Rollback() {
	if l.pending == nil {
		return
	}
	for i := len(l.pending.Journals) - 1; i >= 0; i-- {
		l.tracker.RevertJournal(l.pending.Journals[i])
	}
	l.pending = nil
}
