package ingestion

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"context"
	"time"

	"github.com/google/uuid"
)

// DirectIngest is the synchronous ingest path used by the API server.
// Unlike NATS, the caller waits for the core's decision.
type DirectIngest struct {
	submitter Submitter
	now       func() time.Time
	newID     func() uuid.UUID
}

type fillable interface {
	Fill(id uuid.UUID, timestampUs int64)
}

func NewDirectIngest(submitter Submitter) *DirectIngest {
	return &DirectIngest{
		submitter: submitter,
		now:       time.Now,
		newID:     uuid.New,
	}
}

// Submit stamps a request id and timestamp where the client omitted them,
// then hands the event to the core. A client that supplies its own
// request id gets idempotent retries.
func (d *DirectIngest) Submit(ctx context.Context, evt event.Event) (*core.Receipt, error) {
	if f, ok := evt.(fillable); ok {
		f.Fill(d.newID(), d.now().UnixMicro())
	}
	return d.submitter.Submit(ctx, evt)
}
