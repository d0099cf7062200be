package query

import "github.com/google/uuid"

// VaultResponse represents a vault for API queries.
type VaultResponse struct {
	Owner                uuid.UUID `json:"owner"`
	Name                 string    `json:"name"`
	CollateralRatioBps   int64     `json:"collateral_ratio_bps"`
	CollateralRatioPct   string    `json:"collateral_ratio_pct"`
	StableAsset          string    `json:"stable_asset"`
	TotalCollateralValue int64     `json:"total_collateral_value"`
	TotalBorrowed        int64     `json:"total_borrowed"`
	UtilizationPct       string    `json:"utilization_pct"` // Derived: borrowed / collateral value
	Status               string    `json:"status"`
	CreatedAt            int64     `json:"created_at"`
	AsOfSequence         int64     `json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	UserID           uuid.UUID `json:"user_id"`
	VaultOwner       uuid.UUID `json:"vault_owner"`
	VaultName        string    `json:"vault_name"`
	CollateralAsset  string    `json:"collateral_asset"`
	CollateralAmount int64     `json:"collateral_amount"`
	CollateralValue  int64     `json:"collateral_value"`
	BorrowedAmount   int64     `json:"borrowed_amount"`
	Status           string    `json:"status"`
	LastUpdate       int64     `json:"last_update"`

	// Derived at query time from the vault's required ratio
	Health       Health `json:"health"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// LiquidationResponse is one row of a vault's liquidation history.
type LiquidationResponse struct {
	LiquidationID    uuid.UUID `json:"liquidation_id"`
	Sequence         int64     `json:"sequence"`
	UserID           uuid.UUID `json:"user_id"`
	CollateralAsset  string    `json:"collateral_asset"`
	Liquidator       uuid.UUID `json:"liquidator"`
	SeizedCollateral int64     `json:"seized_collateral"`
	ClearedValue     int64     `json:"cleared_value"`
	ClearedDebt      int64     `json:"cleared_debt"`
	RatioBps         int64     `json:"ratio_bps"`
	RatioPct         string    `json:"ratio_pct"`
	Timestamp        int64     `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool              `json:"is_healthy"`
	HashChainBreaks   []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets  []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AggregateMismatch []string          `json:"aggregate_mismatch,omitempty"`
	NegativeBalances  []string          `json:"negative_balances,omitempty"`
	AsOfSequence      int64             `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
