package ledger

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch ids so a replayed event log
// reproduces the same journal ids.
var batchNamespace = uuid.MustParse("6f1c2a4e-8d0b-4b8e-9a57-3c1e0f5d7b21")

// JournalGenerator creates journal batches with deterministic identifiers
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// NewBatch opens an empty batch for the event at sequence
func (jg *JournalGenerator) NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	batchID := uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("%d:%s", sequence, eventRef)))
	return &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}
}

// Append records a transfer instruction as the next journal of the batch.
// Moves funds: From (credit) -> To (debit).
func (jg *JournalGenerator) Append(batch *Batch, ins Instruction) Journal {
	journal := Journal{
		JournalID:     uuid.NewSHA1(batch.BatchID, []byte(strconv.Itoa(len(batch.Journals)))),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  ins.To,
		CreditAccount: ins.From,
		AssetID:       ins.Asset,
		Amount:        ins.Amount,
		JournalType:   ins.Type,
		Timestamp:     batch.Timestamp,
	}
	batch.Journals = append(batch.Journals, journal)
	return journal
}
