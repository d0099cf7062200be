package projection

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"
	"sort"
)

// ProjectionOutput is the read-model view of one committed event.
// Every row carries absolute post-event values, so applying outputs out
// of order or after drops never corrupts a row; the sequence guard keeps
// the newest.
type ProjectionOutput struct {
	Sequence    int64
	EventType   string
	Timestamp   int64
	Balances    []BalanceRow
	Vault       *VaultRow
	Position    *PositionRow
	Liquidation *LiquidationHistoryEntry
}

type BalanceRow struct {
	AccountPath string
	AssetID     uint16
	Balance     int64
}

type VaultRow struct {
	Owner                string
	Name                 string
	CollateralRatioBps   int64
	StableAsset          string
	TotalCollateralValue int64
	TotalBorrowed        int64
	Status               string
	CreatedAt            int64
}

type PositionRow struct {
	UserID           string
	VaultOwner       string
	VaultName        string
	CollateralAsset  string
	CollateralAmount int64
	CollateralValue  int64
	BorrowedAmount   int64
	Status           string
	LastUpdate       int64
}

// FromCore converts a core output into projection rows.
func FromCore(out core.CoreOutput) ProjectionOutput {
	env := out.Envelope
	p := ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp.UnixMicro(),
		Balances:  make([]BalanceRow, 0, len(out.Balances)),
	}

	for key, balance := range out.Balances {
		p.Balances = append(p.Balances, BalanceRow{
			AccountPath: key.AccountPath(),
			AssetID:     uint16(key.AssetID),
			Balance:     balance,
		})
	}
	// Stable row order keeps lock acquisition order stable across workers
	sort.Slice(p.Balances, func(i, j int) bool {
		return p.Balances[i].AccountPath < p.Balances[j].AccountPath
	})

	if v := out.Vault; v != nil {
		p.Vault = vaultRow(*v)
	}
	if pos := out.Position; pos != nil {
		p.Position = positionRow(*pos)
	}
	if l := out.Liquidation; l != nil {
		p.Liquidation = entryFromRecord(env.Sequence, *l)
	}
	return p
}

func vaultRow(v state.Vault) *VaultRow {
	return &VaultRow{
		Owner:                v.Key.Owner.String(),
		Name:                 v.Key.Name,
		CollateralRatioBps:   v.CollateralRatioBps,
		StableAsset:          assetName(v.StableAsset),
		TotalCollateralValue: v.TotalCollateralValue,
		TotalBorrowed:        v.TotalBorrowed,
		Status:               v.Status.String(),
		CreatedAt:            v.CreatedAt,
	}
}

func positionRow(pos state.Position) *PositionRow {
	return &PositionRow{
		UserID:           pos.Key.User.String(),
		VaultOwner:       pos.Key.Vault.Owner.String(),
		VaultName:        pos.Key.Vault.Name,
		CollateralAsset:  assetName(pos.Key.CollateralAsset),
		CollateralAmount: pos.CollateralAmount,
		CollateralValue:  pos.CollateralValue,
		BorrowedAmount:   pos.BorrowedAmount,
		Status:           pos.Status.String(),
		LastUpdate:       pos.LastUpdate,
	}
}

func assetName(id ledger.AssetID) string {
	name, _ := ledger.GetAssetName(id)
	return name
}
