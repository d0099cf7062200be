package server

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/lending"
	"VaultLedger/internal/query"
	"VaultLedger/internal/state"
	"encoding/hex"
)

// --- Command requests ---
// request_id is optional; a client that sets it gets idempotent retries.

type CreateVaultRequest struct {
	RequestID          string `json:"request_id,omitempty"`
	Owner              string `json:"owner"`
	Name               string `json:"name"`
	CollateralRatioBps int64  `json:"collateral_ratio_bps"`
	StableAsset        string `json:"stable_asset"`
}

type SupplyLiquidityRequest struct {
	RequestID  string `json:"request_id,omitempty"`
	VaultOwner string `json:"vault_owner"`
	VaultName  string `json:"vault_name"`
	Caller     string `json:"caller,omitempty"`
	Amount     int64  `json:"amount"`
}

type FundAccountRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

// PositionKey names a position in every position-scoped request.
type PositionKey struct {
	VaultOwner      string `json:"vault_owner"`
	VaultName       string `json:"vault_name"`
	UserID          string `json:"user_id"`
	CollateralAsset string `json:"collateral_asset"`
}

// PositionRequest serves deposit, borrow, repay and withdraw.
// unit_value is read by deposit only.
type PositionRequest struct {
	RequestID string `json:"request_id,omitempty"`
	PositionKey
	Caller    string `json:"caller,omitempty"`
	Amount    int64  `json:"amount"`
	UnitValue int64  `json:"unit_value,omitempty"`
}

type LiquidateRequest struct {
	RequestID string `json:"request_id,omitempty"`
	PositionKey
	Liquidator string `json:"liquidator,omitempty"`
}

type RevalueRequest struct {
	RequestID string `json:"request_id,omitempty"`
	PositionKey
	UnitValue int64 `json:"unit_value"`
}

// CommandResponse reports the committed sequence plus the operation's
// own figures. Fields that do not apply to an operation are omitted.
type CommandResponse struct {
	Sequence  int64          `json:"sequence"`
	StateHash string         `json:"state_hash,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Vault     *VaultState    `json:"vault,omitempty"`
	Position  *PositionState `json:"position,omitempty"`

	ValueAdded     int64 `json:"value_added,omitempty"`
	MaxBorrow      int64 `json:"max_borrow,omitempty"`
	Repaid         int64 `json:"repaid,omitempty"`
	Excess         int64 `json:"excess,omitempty"`
	ValueReleased  int64 `json:"value_released,omitempty"`
	RatioBps       int64 `json:"ratio_bps,omitempty"`
	Seized         int64 `json:"seized,omitempty"`
	DebtCleared    int64 `json:"debt_cleared,omitempty"`
	ValueCleared   int64 `json:"value_cleared,omitempty"`
	PreviousValue  int64 `json:"previous_value,omitempty"`
	CustodyBalance int64 `json:"custody_balance,omitempty"`
}

type VaultState struct {
	TotalCollateralValue int64  `json:"total_collateral_value"`
	TotalBorrowed        int64  `json:"total_borrowed"`
	Status               string `json:"status"`
}

type PositionState struct {
	CollateralAmount int64  `json:"collateral_amount"`
	CollateralValue  int64  `json:"collateral_value"`
	BorrowedAmount   int64  `json:"borrowed_amount"`
	Status           string `json:"status"`
}

func commandResponse(r *core.Receipt) *CommandResponse {
	resp := &CommandResponse{Sequence: r.Sequence, Duplicate: r.Duplicate}
	if r.Duplicate {
		// A duplicate consumed no sequence and carries no result
		resp.Sequence = -1
		return resp
	}
	resp.StateHash = hex.EncodeToString(r.StateHash[:])
	if r.Result == nil {
		return resp
	}

	changes := r.Result.Committed()
	if v := changes.Vault; v != nil {
		resp.Vault = vaultState(*v)
	}
	if p := changes.Position; p != nil {
		resp.Position = positionState(*p)
	}

	switch res := r.Result.(type) {
	case *lending.SupplyLiquidityResult:
		resp.CustodyBalance = res.CustodyBalance
	case *lending.DepositResult:
		resp.ValueAdded = res.ValueAdded
	case *lending.BorrowResult:
		resp.MaxBorrow = res.MaxBorrow
	case *lending.RepayResult:
		resp.Repaid, resp.Excess = res.Repaid, res.Excess
	case *lending.WithdrawResult:
		resp.ValueReleased = res.ValueReleased
	case *lending.LiquidateResult:
		resp.RatioBps = res.RatioBps
		resp.Seized, resp.DebtCleared, resp.ValueCleared = res.Seized, res.DebtCleared, res.ValueCleared
	case *lending.RevalueResult:
		resp.PreviousValue, resp.RatioBps = res.PreviousValue, res.RatioBps
	}
	return resp
}

func vaultState(v state.Vault) *VaultState {
	return &VaultState{
		TotalCollateralValue: v.TotalCollateralValue,
		TotalBorrowed:        v.TotalBorrowed,
		Status:               v.Status.String(),
	}
}

func positionState(p state.Position) *PositionState {
	return &PositionState{
		CollateralAmount: p.CollateralAmount,
		CollateralValue:  p.CollateralValue,
		BorrowedAmount:   p.BorrowedAmount,
		Status:           p.Status.String(),
	}
}

// --- Query requests ---

type GetVaultRequest struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

type GetPositionRequest struct {
	PositionKey
}

type ListUserPositionsRequest struct {
	UserID string `json:"user_id"`
}

type ListUserPositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type GetBalanceRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
}

type ListLiquidationsRequest struct {
	VaultOwner string `json:"vault_owner"`
	VaultName  string `json:"vault_name"`
	Limit      int    `json:"limit,omitempty"`
	Before     *int64 `json:"before,omitempty"`
}

type ListLiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type ListJournalsRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
	After  *int64 `json:"after,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// --- Admin ---

type Empty struct{}

type TakeSnapshotResponse struct {
	Sequence  int64 `json:"sequence"`
	SizeBytes int   `json:"size_bytes"`
}

type RebuildProjectionsResponse struct {
	Sequence int64 `json:"sequence"`
}
