package query

import (
	"VaultLedger/internal/ledger"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound     = errors.New("query: not found")
	ErrUnknownAsset = errors.New("query: unknown asset")
)

// DB is the subset of *pgxpool.Pool the query service reads through.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// QueryService provides read-only access to projection tables.
// All responses include as_of_sequence, the projection watermark the
// answer reflects.
type QueryService struct {
	db DB
}

func NewQueryService(db DB) *QueryService {
	return &QueryService{db: db}
}

// Connect opens the read-side pool.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Watermark returns the last sequence reflected in the projections, -1 if none.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRow(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'main'
	`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// GetVault returns one vault's registry row with derived utilization.
func (qs *QueryService) GetVault(ctx context.Context, owner uuid.UUID, name string) (*VaultResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	v := VaultResponse{Owner: owner, Name: name, AsOfSequence: asOfSeq}
	err = qs.db.QueryRow(ctx, `
		SELECT collateral_ratio_bps, stable_asset, total_collateral_value, total_borrowed, status, created_at
		FROM projections.vaults
		WHERE owner = $1 AND name = $2
	`, owner, name).Scan(
		&v.CollateralRatioBps, &v.StableAsset, &v.TotalCollateralValue,
		&v.TotalBorrowed, &v.Status, &v.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: vault %s/%s", ErrNotFound, owner, name)
	}
	if err != nil {
		return nil, err
	}

	v.CollateralRatioPct = BpsToPercent(v.CollateralRatioBps)
	v.UtilizationPct = FractionPercent(v.TotalBorrowed, v.TotalCollateralValue)
	return &v, nil
}

const positionColumns = `
	p.user_id, p.vault_owner, p.vault_name, p.collateral_asset, p.collateral_amount,
	p.collateral_value, p.borrowed_amount, p.status, p.last_update, v.collateral_ratio_bps`

func scanPosition(row pgx.Row, asOfSeq int64) (PositionResponse, error) {
	var p PositionResponse
	var requiredBps int64
	if err := row.Scan(
		&p.UserID, &p.VaultOwner, &p.VaultName, &p.CollateralAsset, &p.CollateralAmount,
		&p.CollateralValue, &p.BorrowedAmount, &p.Status, &p.LastUpdate, &requiredBps,
	); err != nil {
		return p, err
	}
	p.Health = DeriveHealth(p.CollateralValue, p.BorrowedAmount, requiredBps)
	p.AsOfSequence = asOfSeq
	return p, nil
}

// GetPosition returns one position with its derived health.
func (qs *QueryService) GetPosition(
	ctx context.Context,
	userID, vaultOwner uuid.UUID,
	vaultName, collateralAsset string,
) (*PositionResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRow(ctx, `SELECT`+positionColumns+`
		FROM projections.positions p
		JOIN projections.vaults v ON v.owner = p.vault_owner AND v.name = p.vault_name
		WHERE p.user_id = $1 AND p.vault_owner = $2 AND p.vault_name = $3 AND p.collateral_asset = $4
	`, userID, vaultOwner, vaultName, collateralAsset)

	p, err := scanPosition(row, asOfSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s in %s/%s (%s)", ErrNotFound, userID, vaultOwner, vaultName, collateralAsset)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListUserPositions returns every non-empty position a user holds.
func (qs *QueryService) ListUserPositions(ctx context.Context, userID uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.Query(ctx, `SELECT`+positionColumns+`
		FROM projections.positions p
		JOIN projections.vaults v ON v.owner = p.vault_owner AND v.name = p.vault_name
		WHERE p.user_id = $1 AND p.status <> 'Empty'
		ORDER BY p.vault_owner, p.vault_name, p.collateral_asset
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []PositionResponse{}
	for rows.Next() {
		p, err := scanPosition(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetBalance returns a user's wallet balance for one asset.
func (qs *QueryService) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewWalletAccountKey(userID, assetID).AccountPath()
	resp := &BalanceResponse{UserID: userID, Asset: asset, AccountPath: path, AsOfSequence: asOfSeq}

	err = qs.db.QueryRow(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, path).Scan(&resp.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// An account never touched holds zero
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListLiquidations returns a vault's liquidation history, newest first.
// Pass the smallest sequence of the previous page as before to paginate.
func (qs *QueryService) ListLiquidations(
	ctx context.Context,
	vaultOwner uuid.UUID,
	vaultName string,
	limit int,
	before *int64,
) ([]LiquidationResponse, error) {
	query := `
		SELECT liquidation_id, sequence, user_id, collateral_asset, liquidator,
		       seized_collateral, cleared_value, cleared_debt, ratio_bps, timestamp
		FROM projections.liquidation_history
		WHERE vault_owner = $1 AND vault_name = $2
	`
	args := []any{vaultOwner, vaultName}
	argIdx := 3

	if before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []LiquidationResponse{}
	for rows.Next() {
		var r LiquidationResponse
		if err := rows.Scan(
			&r.LiquidationID, &r.Sequence, &r.UserID, &r.CollateralAsset, &r.Liquidator,
			&r.SeizedCollateral, &r.ClearedValue, &r.ClearedDebt, &r.RatioBps, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		r.RatioPct = BpsToPercent(r.RatioBps)
		history = append(history, r)
	}
	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's wallets.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id::text, batch_id::text, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		var assetID int16
		var journalType int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &assetID, &e.Amount,
			&journalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.AssetID = uint16(assetID)
		e.JournalType = ledger.JournalType(journalType).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain, the zero-sum balance invariant,
// non-negative wallet and custody balances, and vault aggregates against
// their positions.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	if report.HashChainBreaks, err = collect(ctx, qs.db, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`, func(rows pgx.Rows) (int64, error) {
		var seq int64
		err := rows.Scan(&seq)
		return seq, err
	}); err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	if report.UnbalancedAssets, err = collect(ctx, qs.db, `
		SELECT asset_id, SUM(balance)::bigint
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`, func(rows pgx.Rows) (UnbalancedAsset, error) {
		var assetID int16
		var u UnbalancedAsset
		err := rows.Scan(&assetID, &u.Imbalance)
		u.AssetID = uint16(assetID)
		return u, err
	}); err != nil {
		return nil, fmt.Errorf("global balance: %w", err)
	}

	// Only the external account may go negative
	if report.NegativeBalances, err = collect(ctx, qs.db, `
		SELECT account_path FROM projections.balances
		WHERE balance < 0 AND account_path NOT LIKE 'external:%'
		ORDER BY account_path
		LIMIT 10
	`, scanString); err != nil {
		return nil, fmt.Errorf("negative balances: %w", err)
	}

	if report.AggregateMismatch, err = collect(ctx, qs.db, `
		SELECT v.owner::text || '/' || v.name
		FROM projections.vaults v
		LEFT JOIN (
			SELECT vault_owner, vault_name,
			       SUM(collateral_value) AS value, SUM(borrowed_amount) AS borrowed
			FROM projections.positions
			GROUP BY vault_owner, vault_name
		) p ON p.vault_owner = v.owner AND p.vault_name = v.name
		WHERE v.total_collateral_value <> COALESCE(p.value, 0)
		   OR v.total_borrowed <> COALESCE(p.borrowed, 0)
		ORDER BY 1
		LIMIT 10
	`, scanString); err != nil {
		return nil, fmt.Errorf("vault aggregates: %w", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		len(report.NegativeBalances) == 0 &&
		len(report.AggregateMismatch) == 0
	return report, nil
}

func scanString(rows pgx.Rows) (string, error) {
	var s string
	err := rows.Scan(&s)
	return s, err
}

func collect[T any](ctx context.Context, db DB, query string, scan func(pgx.Rows) (T, error)) ([]T, error) {
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
