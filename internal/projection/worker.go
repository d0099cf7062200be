package projection

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WatermarkName is the projections.watermark row owned by the main worker.
const WatermarkName = "main"

// statement is one projection write, labelled for the update-duration metric.
type statement struct {
	name  string
	query string
	args  []any
}

// ProjectionWorker updates projection tables from committed events.
// The projection channel drops on full, so a lagging worker is repaired
// with RebuildProjections rather than by blocking the core.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
	metrics   *observability.Metrics
	lastSeq   atomic.Int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, logger zerolog.Logger, metrics *observability.Metrics) *ProjectionWorker {
	pw := &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
	}
	pw.lastSeq.Store(-1)
	return pw
}

// LastSequence is the newest sequence this worker has applied, -1 before any.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			p := FromCore(output)
			if err := pw.Apply(ctx, p); err != nil {
				// Projections are eventually consistent and rebuildable
				pw.logger.Warn().Err(err).Int64("sequence", p.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq.Store(p.Sequence)
		}
	}
}

// Apply writes every row of p and advances the watermark in one transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, p ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, st := range statementsFor(p) {
		start := time.Now()
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("%s projection: %w", st.name, err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(st.name).Observe(time.Since(start).Seconds())
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionLastSeq.Set(float64(p.Sequence))
	}
	return nil
}

// statementsFor lists the writes for one output in a fixed order:
// balances, vault, position, liquidation, watermark.
func statementsFor(p ProjectionOutput) []statement {
	stmts := make([]statement, 0, len(p.Balances)+4)
	for _, b := range p.Balances {
		stmts = append(stmts, upsertBalance(b, p.Sequence))
	}
	if p.Vault != nil {
		stmts = append(stmts, upsertVault(p.Vault, p.Sequence))
	}
	if p.Position != nil {
		stmts = append(stmts, upsertPosition(p.Position, p.Sequence))
	}
	if p.Liquidation != nil {
		stmts = append(stmts, insertLiquidation(p.Liquidation))
	}
	return append(stmts, advanceWatermark(p.Sequence))
}

// Rows carry absolute values; the last_sequence guard ignores stale writes.
func upsertBalance(b BalanceRow, seq int64) statement {
	return statement{
		name: "balances",
		query: `INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (account_path) DO UPDATE
				SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
				WHERE projections.balances.last_sequence < EXCLUDED.last_sequence`,
		args: []any{b.AccountPath, int16(b.AssetID), b.Balance, seq},
	}
}

func upsertVault(v *VaultRow, seq int64) statement {
	return statement{
		name: "vaults",
		query: `INSERT INTO projections.vaults
			(owner, name, collateral_ratio_bps, stable_asset, total_collateral_value, total_borrowed,
			 status, created_at, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (owner, name) DO UPDATE
				SET total_collateral_value = EXCLUDED.total_collateral_value,
				    total_borrowed = EXCLUDED.total_borrowed,
				    status = EXCLUDED.status,
				    last_sequence = EXCLUDED.last_sequence,
				    updated_at = NOW()
				WHERE projections.vaults.last_sequence < EXCLUDED.last_sequence`,
		args: []any{
			v.Owner, v.Name, v.CollateralRatioBps, v.StableAsset, v.TotalCollateralValue,
			v.TotalBorrowed, v.Status, v.CreatedAt, seq,
		},
	}
}

func upsertPosition(p *PositionRow, seq int64) statement {
	return statement{
		name: "positions",
		query: `INSERT INTO projections.positions
			(user_id, vault_owner, vault_name, collateral_asset, collateral_amount, collateral_value,
			 borrowed_amount, status, last_update, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (user_id, vault_owner, vault_name, collateral_asset) DO UPDATE
				SET collateral_amount = EXCLUDED.collateral_amount,
				    collateral_value = EXCLUDED.collateral_value,
				    borrowed_amount = EXCLUDED.borrowed_amount,
				    status = EXCLUDED.status,
				    last_update = EXCLUDED.last_update,
				    last_sequence = EXCLUDED.last_sequence,
				    updated_at = NOW()
				WHERE projections.positions.last_sequence < EXCLUDED.last_sequence`,
		args: []any{
			p.UserID, p.VaultOwner, p.VaultName, p.CollateralAsset, p.CollateralAmount,
			p.CollateralValue, p.BorrowedAmount, p.Status, p.LastUpdate, seq,
		},
	}
}

func advanceWatermark(seq int64) statement {
	return statement{
		name: "watermark",
		query: `INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (projection_name) DO UPDATE
				SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
				    updated_at = NOW()`,
		args: []any{WatermarkName, seq},
	}
}

// StateView is the core state a rebuild seeds vault and position rows from.
// Capture it through Dispatcher.Read so it matches Sequence exactly.
type StateView struct {
	Sequence     int64 // last applied sequence
	Vaults       []state.Vault
	Positions    []state.Position
	Liquidations []state.LiquidationRecord
}

// CaptureState copies the read-model relevant state out of the core.
func CaptureState(c *core.DeterministicCore) StateView {
	st := c.Store()
	return StateView{
		Sequence:     c.GetSequence() - 1,
		Vaults:       st.AllVaults(),
		Positions:    st.AllPositions(),
		Liquidations: st.Liquidations(),
	}
}

// RebuildProjections truncates every projection table and rebuilds it.
// Balances are summed from the journal (debits increase, credits decrease);
// vault and position rows come from view.
func RebuildProjections(ctx context.Context, db *sql.DB, view StateView, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncate := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.vaults`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.liquidation_history`,
	}
	for _, q := range truncate {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.watermark WHERE projection_name = $1`, WatermarkName); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence, updated_at)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence), NOW()
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence FROM event_log.journal
		) AS legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var stmts []statement
	for _, v := range view.Vaults {
		stmts = append(stmts, upsertVault(vaultRow(v), view.Sequence))
	}
	for _, p := range view.Positions {
		stmts = append(stmts, upsertPosition(positionRow(p), view.Sequence))
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("rebuild %s: %w", st.name, err)
		}
	}

	for _, r := range view.Liquidations {
		var seq int64
		err := tx.QueryRowContext(ctx, `
			SELECT sequence FROM event_log.events
			WHERE event_type = 'LiquidateRequested' AND idempotency_key = $1
		`, r.LiquidationID.String()).Scan(&seq)
		if err != nil {
			return fmt.Errorf("locate liquidation %s: %w", r.LiquidationID, err)
		}
		st := insertLiquidation(entryFromRecord(seq, r))
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("rebuild liquidation_history: %w", err)
		}
	}

	if view.Sequence >= 0 {
		st := advanceWatermark(view.Sequence)
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("rebuild watermark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().
		Int64("sequence", view.Sequence).
		Int("vaults", len(view.Vaults)).
		Int("positions", len(view.Positions)).
		Msg("projection rebuild complete")
	return nil
}
