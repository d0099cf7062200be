package persistence

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RecordWriter persists one batch of records atomically.
type RecordWriter interface {
	WriteRecords(ctx context.Context, records []Record) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to this channel with blocking semantics, so if the worker
// falls behind the core stalls and no committed event is lost.
type PersistenceWorker struct {
	writer       RecordWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
	afterFlush   func([]Record)
}

func NewPersistenceWorker(
	writer RecordWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		baseBackoff:  100 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// SetLogger replaces the worker's logger.
func (pw *PersistenceWorker) SetLogger(logger zerolog.Logger) {
	pw.logger = logger
}

// SetAfterFlush registers fn to observe every durably written batch, in
// sequence order. The outbound publisher hangs off this hook so nothing is
// published before it is in the log.
func (pw *PersistenceWorker) SetAfterFlush(fn func([]Record)) {
	pw.afterFlush = fn
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Record, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("records", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush what is already buffered and drain
			// anything the core managed to send.
			for {
				select {
				case output, ok := <-pw.inputChan:
					if ok {
						batch = append(batch, RecordFromOutput(output))
						continue
					}
				default:
				}
				break
			}
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			batch = append(batch, RecordFromOutput(output))
			if len(batch) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt on a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, records []Record) error {
	backoff := pw.baseBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(records)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), records); err != nil {
					return errors.Join(errors.New("final flush on shutdown failed"), err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, records)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, records []Record) error {
	start := time.Now()

	if err := pw.writer.WriteRecords(ctx, records); err != nil {
		if pw.metrics != nil {
			stage := "write"
			var we *WriteError
			if errors.As(err, &we) {
				stage = we.Stage
			}
			pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		var journals int
		for _, r := range records {
			journals += len(r.Journals)
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(records)))
		pw.metrics.PersistEventsWritten.Add(float64(len(records)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(records[len(records)-1].Event.Sequence))
	}

	if pw.afterFlush != nil {
		pw.afterFlush(append([]Record(nil), records...))
	}
	return nil
}
