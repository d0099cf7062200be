package persistence

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds balances, vaults, positions, the liquidation log, the
// idempotency LRU, per-partition source sequences and the chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState (format_version 1).
type SnapshotData struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       []byte                `json:"state_hash"`
	Balances        map[string]int64      `json:"balances"` // AccountPath -> balance
	Vaults          []VaultSnapshot       `json:"vaults"`
	Positions       []PositionSnapshot    `json:"positions"`
	Liquidations    []LiquidationSnapshot `json:"liquidations"`
	SequenceState   map[string]int64      `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string              `json:"idempotency_keys"` // oldest first
	CreatedAt       time.Time             `json:"created_at"`
}

type VaultSnapshot struct {
	Owner                string `json:"owner"`
	Name                 string `json:"name"`
	CollateralRatioBps   int64  `json:"collateral_ratio_bps"`
	StableAsset          uint16 `json:"stable_asset"`
	TotalCollateralValue int64  `json:"total_collateral_value"`
	TotalBorrowed        int64  `json:"total_borrowed"`
	Status               int32  `json:"status"`
	CreatedAt            int64  `json:"created_at"`
}

type PositionSnapshot struct {
	User             string `json:"user"`
	VaultOwner       string `json:"vault_owner"`
	VaultName        string `json:"vault_name"`
	CollateralAsset  uint16 `json:"collateral_asset"`
	CollateralAmount int64  `json:"collateral_amount"`
	CollateralValue  int64  `json:"collateral_value"`
	BorrowedAmount   int64  `json:"borrowed_amount"`
	LastUpdate       int64  `json:"last_update"`
	Status           int32  `json:"status"`
}

type LiquidationSnapshot struct {
	LiquidationID    string           `json:"liquidation_id"`
	Position         PositionSnapshot `json:"position"`
	Liquidator       string           `json:"liquidator"`
	SeizedCollateral int64            `json:"seized_collateral"`
	ClearedValue     int64            `json:"cleared_value"`
	ClearedDebt      int64            `json:"cleared_debt"`
	RatioBps         int64            `json:"ratio_bps"`
	Timestamp        int64            `json:"timestamp"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// --- core.SnapshotState <-> SnapshotData ---

// SnapshotFromCore converts captured core state into its stored form.
func SnapshotFromCore(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Balances:        make(map[string]int64, len(s.Balances)),
		Vaults:          make([]VaultSnapshot, 0, len(s.Vaults)),
		Positions:       make([]PositionSnapshot, 0, len(s.Positions)),
		Liquidations:    make([]LiquidationSnapshot, 0, len(s.Liquidations)),
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	for key, balance := range s.Balances {
		data.Balances[key.AccountPath()] = balance
	}
	for _, v := range s.Vaults {
		data.Vaults = append(data.Vaults, VaultSnapshot{
			Owner:                v.Key.Owner.String(),
			Name:                 v.Key.Name,
			CollateralRatioBps:   v.CollateralRatioBps,
			StableAsset:          uint16(v.StableAsset),
			TotalCollateralValue: v.TotalCollateralValue,
			TotalBorrowed:        v.TotalBorrowed,
			Status:               int32(v.Status),
			CreatedAt:            v.CreatedAt,
		})
	}
	for _, p := range s.Positions {
		data.Positions = append(data.Positions, positionSnapshot(p))
	}
	for _, r := range s.Liquidations {
		data.Liquidations = append(data.Liquidations, LiquidationSnapshot{
			LiquidationID:    r.LiquidationID.String(),
			Position:         positionSnapshot(state.Position{Key: r.Position}),
			Liquidator:       r.Liquidator.String(),
			SeizedCollateral: r.SeizedCollateral,
			ClearedValue:     r.ClearedValue,
			ClearedDebt:      r.ClearedDebt,
			RatioBps:         r.RatioBps,
			Timestamp:        r.Timestamp,
		})
	}
	return data
}

func positionSnapshot(p state.Position) PositionSnapshot {
	return PositionSnapshot{
		User:             p.Key.User.String(),
		VaultOwner:       p.Key.Vault.Owner.String(),
		VaultName:        p.Key.Vault.Name,
		CollateralAsset:  uint16(p.Key.CollateralAsset),
		CollateralAmount: p.CollateralAmount,
		CollateralValue:  p.CollateralValue,
		BorrowedAmount:   p.BorrowedAmount,
		LastUpdate:       p.LastUpdate,
		Status:           int32(p.Status),
	}
}

// ToCore parses the stored form back into core.SnapshotState.
func (d *SnapshotData) ToCore() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(d.Balances)),
		Vaults:          make([]state.Vault, 0, len(d.Vaults)),
		Positions:       make([]state.Position, 0, len(d.Positions)),
		Liquidations:    make([]state.LiquidationRecord, 0, len(d.Liquidations)),
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)

	for path, balance := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		s.Balances[key] = balance
	}
	for _, vs := range d.Vaults {
		owner, err := uuid.Parse(vs.Owner)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: vault owner: %w", d.Sequence, err)
		}
		s.Vaults = append(s.Vaults, state.Vault{
			Key:                  state.VaultKey{Owner: owner, Name: vs.Name},
			CollateralRatioBps:   vs.CollateralRatioBps,
			StableAsset:          ledger.AssetID(vs.StableAsset),
			TotalCollateralValue: vs.TotalCollateralValue,
			TotalBorrowed:        vs.TotalBorrowed,
			Status:               state.VaultStatus(vs.Status),
			CreatedAt:            vs.CreatedAt,
		})
	}
	for _, ps := range d.Positions {
		pos, err := ps.toPosition()
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		s.Positions = append(s.Positions, pos)
	}
	for _, ls := range d.Liquidations {
		pos, err := ls.Position.toPosition()
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		id, err := uuid.Parse(ls.LiquidationID)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: liquidation id: %w", d.Sequence, err)
		}
		liquidator, err := uuid.Parse(ls.Liquidator)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: liquidator: %w", d.Sequence, err)
		}
		s.Liquidations = append(s.Liquidations, state.LiquidationRecord{
			LiquidationID:    id,
			Position:         pos.Key,
			Liquidator:       liquidator,
			SeizedCollateral: ls.SeizedCollateral,
			ClearedValue:     ls.ClearedValue,
			ClearedDebt:      ls.ClearedDebt,
			RatioBps:         ls.RatioBps,
			Timestamp:        ls.Timestamp,
		})
	}
	return s, nil
}

func (ps PositionSnapshot) toPosition() (state.Position, error) {
	user, err := uuid.Parse(ps.User)
	if err != nil {
		return state.Position{}, fmt.Errorf("position user: %w", err)
	}
	owner, err := uuid.Parse(ps.VaultOwner)
	if err != nil {
		return state.Position{}, fmt.Errorf("position vault owner: %w", err)
	}
	return state.Position{
		Key: state.PositionKey{
			User:            user,
			Vault:           state.VaultKey{Owner: owner, Name: ps.VaultName},
			CollateralAsset: ledger.AssetID(ps.CollateralAsset),
		},
		CollateralAmount: ps.CollateralAmount,
		CollateralValue:  ps.CollateralValue,
		BorrowedAmount:   ps.BorrowedAmount,
		LastUpdate:       ps.LastUpdate,
		Status:           state.PositionStatus(ps.Status),
	}, nil
}

// --- Storage ---

// SaveSnapshot persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	formatVersion := int32(1)
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, vault_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence, reject_reason
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var vaultID, rejectReason sql.NullString
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &vaultID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
			&rejectReason,
		); err != nil {
			return nil, err
		}
		if vaultID.Valid {
			e.VaultID = &vaultID.String
		}
		if rejectReason.Valid {
			e.RejectReason = &rejectReason.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
