package projection

import (
	"VaultLedger/internal/state"
)

// LiquidationHistoryEntry is one row of projections.liquidation_history.
type LiquidationHistoryEntry struct {
	LiquidationID    string
	Sequence         int64
	UserID           string
	VaultOwner       string
	VaultName        string
	CollateralAsset  string
	Liquidator       string
	SeizedCollateral int64
	ClearedValue     int64
	ClearedDebt      int64
	RatioBps         int64
	Timestamp        int64
}

func entryFromRecord(sequence int64, r state.LiquidationRecord) *LiquidationHistoryEntry {
	return &LiquidationHistoryEntry{
		LiquidationID:    r.LiquidationID.String(),
		Sequence:         sequence,
		UserID:           r.Position.User.String(),
		VaultOwner:       r.Position.Vault.Owner.String(),
		VaultName:        r.Position.Vault.Name,
		CollateralAsset:  assetName(r.Position.CollateralAsset),
		Liquidator:       r.Liquidator.String(),
		SeizedCollateral: r.SeizedCollateral,
		ClearedValue:     r.ClearedValue,
		ClearedDebt:      r.ClearedDebt,
		RatioBps:         r.RatioBps,
		Timestamp:        r.Timestamp,
	}
}

// insertLiquidation is append-only; the liquidation id makes redelivery a no-op.
func insertLiquidation(e *LiquidationHistoryEntry) statement {
	return statement{
		name: "liquidation_history",
		query: `INSERT INTO projections.liquidation_history
			(liquidation_id, sequence, user_id, vault_owner, vault_name, collateral_asset,
			 liquidator, seized_collateral, cleared_value, cleared_debt, ratio_bps, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (liquidation_id) DO NOTHING`,
		args: []any{
			e.LiquidationID, e.Sequence, e.UserID, e.VaultOwner, e.VaultName, e.CollateralAsset,
			e.Liquidator, e.SeizedCollateral, e.ClearedValue, e.ClearedDebt, e.RatioBps, e.Timestamp,
		},
	}
}
