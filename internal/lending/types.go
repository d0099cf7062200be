package lending

import (
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"

	"github.com/google/uuid"
)

// Requests carry the authenticated Caller; Timestamp is the versioned input
// time in epoch microseconds recorded as the position's last_update.

type CreateVaultRequest struct {
	Owner              uuid.UUID
	Name               string
	CollateralRatioBps int64
	StableAsset        string
	Timestamp          int64
}

type SupplyLiquidityRequest struct {
	Caller    uuid.UUID
	Vault     state.VaultKey
	Amount    int64
	Timestamp int64
}

type DepositRequest struct {
	Caller    uuid.UUID
	Position  state.PositionKey
	Amount    int64
	UnitValue int64
	Timestamp int64
}

type BorrowRequest struct {
	Caller    uuid.UUID
	Position  state.PositionKey
	Amount    int64
	Timestamp int64
}

type RepayRequest struct {
	Caller    uuid.UUID
	Position  state.PositionKey
	Amount    int64
	Timestamp int64
}

type WithdrawRequest struct {
	Caller    uuid.UUID
	Position  state.PositionKey
	Amount    int64
	Timestamp int64
}

type LiquidateRequest struct {
	LiquidationID uuid.UUID
	Liquidator    uuid.UUID
	Position      state.PositionKey
	Timestamp     int64
}

// Changes is what an operation committed
type Changes struct {
	Vault       *state.Vault
	Position    *state.Position
	Liquidation *state.LiquidationRecord
	Transfers   []ledger.Instruction
}

func (c *Changes) Committed() *Changes {
	return c
}

// Result is implemented by every operation result
type Result interface {
	Committed() *Changes
}

type CreateVaultResult struct {
	Changes
}

type SupplyLiquidityResult struct {
	Changes
	CustodyBalance int64
}

type DepositResult struct {
	Changes
	ValueAdded int64
}

type BorrowResult struct {
	Changes
	MaxBorrow int64 // ceiling the borrow was checked against
}

type RepayResult struct {
	Changes
	Repaid int64
	Excess int64 // portion of the request above the outstanding debt, never transferred
}

type WithdrawResult struct {
	Changes
	ValueReleased int64
}

type LiquidateResult struct {
	Changes
	RatioBps     int64
	Seized       int64
	DebtCleared  int64
	ValueCleared int64
}

// RevalueRequest re-marks a position's collateral at an externally supplied unit value
type RevalueRequest struct {
	Position  state.PositionKey
	UnitValue int64
	Timestamp int64
}

type RevalueResult struct {
	Changes
	PreviousValue int64
	RatioBps      int64 // health ratio after revaluation
}
