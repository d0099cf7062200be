package main

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

var errSnapshotAhead = errors.New("snapshot is ahead of the durable event log")

// recoverCore restores the newest verified snapshot and replays the event
// log after it, checking every recomputed state hash against the stored one.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (int, error) {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		st, err := snap.ToCore()
		if err != nil {
			return 0, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := c.RestoreFromSnapshot(st); err != nil {
			return 0, err
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed := 0
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, c.GetSequence(), replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events: %w", err)
		}
		for _, row := range rows {
			evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{
				Subject:   row.EventType,
				EventType: row.EventType,
				Data:      row.Payload,
			}, row.EventType)
			if err != nil {
				return replayed, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}

			var stored [32]byte
			copy(stored[:], row.StateHash)
			if err := c.ReplayEvent(ctx, row.Sequence, evt, stored); err != nil {
				return replayed, err
			}
			replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		if len(rows) < replayPageSize {
			return replayed, nil
		}
	}
}

// snapshotter persists core state captured on the core goroutine.
type snapshotter struct {
	snapMgr *persistence.SnapshotManager
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// save stores st and marks it verified when its hash matches the event
// log at the same sequence. A snapshot ahead of the durable log is refused
// so recovery never skips events that were lost.
func (s *snapshotter) save(ctx context.Context, st *core.SnapshotState) (int64, int, error) {
	if st.Sequence < 0 {
		return st.Sequence, 0, nil
	}
	start := time.Now()

	rows, err := s.snapMgr.LoadEventsFrom(ctx, st.Sequence, 1)
	if err != nil {
		return 0, 0, fmt.Errorf("load event %d: %w", st.Sequence, err)
	}
	if len(rows) == 0 || rows[0].Sequence != st.Sequence {
		return 0, 0, fmt.Errorf("%w: sequence %d", errSnapshotAhead, st.Sequence)
	}
	if !bytes.Equal(rows[0].StateHash, st.StateHash[:]) {
		return 0, 0, fmt.Errorf("snapshot hash at %d differs from the event log", st.Sequence)
	}

	size, err := s.snapMgr.SaveSnapshot(ctx, persistence.SnapshotFromCore(st, time.Now().UTC()))
	if err != nil {
		return 0, 0, fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.snapMgr.MarkVerified(ctx, st.Sequence); err != nil {
		return 0, 0, fmt.Errorf("mark snapshot verified: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	s.logger.Info().Int64("sequence", st.Sequence).Int("size_bytes", size).Msg("snapshot saved")
	return st.Sequence, size, nil
}

// capture reads state through the dispatcher so it is consistent with
// the last applied event.
func (s *snapshotter) capture(ctx context.Context, d *core.Dispatcher) (int64, int, error) {
	var st *core.SnapshotState
	if err := d.Read(ctx, func(c *core.DeterministicCore) error {
		st = c.CreateSnapshotState()
		return nil
	}); err != nil {
		return 0, 0, err
	}
	return s.save(ctx, st)
}

// runPeriodic snapshots whenever interval events have been applied since
// the last snapshot.
func (s *snapshotter) runPeriodic(ctx context.Context, d *core.Dispatcher, interval int64, period time.Duration, last int64) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var seq int64
			if err := d.Read(ctx, func(c *core.DeterministicCore) error {
				seq = c.GetSequence() - 1
				return nil
			}); err != nil {
				continue
			}
			if seq-last < interval {
				continue
			}
			taken, _, err := s.capture(ctx, d)
			if err != nil {
				s.logger.Warn().Err(err).Int64("sequence", seq).Msg("periodic snapshot skipped")
				continue
			}
			last = taken
		}
	}
}
