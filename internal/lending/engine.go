package lending

import (
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/state"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Engine applies lending operations against the store.
// Each operation plans the next vault/position from copies, validates the
// mutation, moves value through the port, then commits. A failed transfer
// leaves the store untouched.
type Engine struct {
	store *state.Store
	port  ledger.TransferPort
}

func NewEngine(store *state.Store, port ledger.TransferPort) *Engine {
	return &Engine{store: store, port: port}
}

func (e *Engine) Store() *state.Store {
	return e.store
}

// CreateVault registers a vault with zero aggregates in the Active state
func (e *Engine) CreateVault(ctx context.Context, req CreateVaultRequest) (*CreateVaultResult, error) {
	stable, err := state.ValidateVaultParams(state.VaultParams{
		Name:               req.Name,
		CollateralRatioBps: req.CollateralRatioBps,
		StableAsset:        req.StableAsset,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	key := state.VaultKey{Owner: req.Owner, Name: req.Name}
	if _, exists := e.store.Vault(key); exists {
		return nil, fmt.Errorf("%w: %s", ErrVaultExists, key)
	}

	vault := state.Vault{
		Key:                key,
		CollateralRatioBps: req.CollateralRatioBps,
		StableAsset:        stable,
		Status:             state.VaultStatusActive,
		CreatedAt:          req.Timestamp,
	}

	changes, err := e.execute(ctx, nil, state.Mutation{Vault: &vault})
	if err != nil {
		return nil, err
	}
	return &CreateVaultResult{Changes: changes}, nil
}

// SupplyLiquidity moves stable asset from the owner's wallet into custody
func (e *Engine) SupplyLiquidity(ctx context.Context, req SupplyLiquidityRequest) (*SupplyLiquidityResult, error) {
	vault, err := e.vault(req.Vault)
	if err != nil {
		return nil, err
	}
	if req.Caller != vault.Key.Owner {
		return nil, fmt.Errorf("%w: only the vault owner supplies liquidity", ErrUnauthorized)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidParameter, req.Amount)
	}

	ins := &ledger.Instruction{
		Type:   ledger.JournalTypeLiquiditySupply,
		Asset:  vault.StableAsset,
		Amount: req.Amount,
		From:   ledger.NewWalletAccountKey(req.Caller, vault.StableAsset),
		To:     vault.CustodyAccount(vault.StableAsset),
	}

	changes, err := e.execute(ctx, ins, state.Mutation{Vault: &vault})
	if err != nil {
		return nil, err
	}
	return &SupplyLiquidityResult{Changes: changes}, nil
}

// Deposit adds collateral valued at amount * unitValue
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	key := req.Position
	vault, err := e.vault(key.Vault)
	if err != nil {
		return nil, err
	}
	if !vault.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrInactiveVault, vault.Key)
	}
	if req.Caller != key.User {
		return nil, fmt.Errorf("%w: caller does not own position %s", ErrUnauthorized, key)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidParameter, req.Amount)
	}
	if req.UnitValue < 0 {
		return nil, fmt.Errorf("%w: unit value must be non-negative, got %d", ErrInvalidParameter, req.UnitValue)
	}
	if _, known := ledger.GetAssetName(key.CollateralAsset); !known {
		return nil, fmt.Errorf("%w: unknown collateral asset %d", ErrInvalidParameter, key.CollateralAsset)
	}
	if key.CollateralAsset == vault.StableAsset {
		return nil, fmt.Errorf("%w: collateral asset must differ from the vault's stable asset", ErrInvalidParameter)
	}

	pos, ok := e.store.Position(key)
	if !ok {
		pos = state.NewPosition(key)
	}

	added, err := fpmath.Mul(req.Amount, req.UnitValue)
	if err != nil {
		return nil, overflow("deposit value", err)
	}
	if pos.CollateralAmount, err = fpmath.Add(pos.CollateralAmount, req.Amount); err != nil {
		return nil, overflow("collateral amount", err)
	}
	if pos.CollateralValue, err = fpmath.Add(pos.CollateralValue, added); err != nil {
		return nil, overflow("collateral value", err)
	}
	if vault.TotalCollateralValue, err = fpmath.Add(vault.TotalCollateralValue, added); err != nil {
		return nil, overflow("vault collateral value", err)
	}
	pos.LastUpdate = req.Timestamp
	pos.Status = pos.DeriveStatus()

	ins := &ledger.Instruction{
		Type:   ledger.JournalTypeCollateralDeposit,
		Asset:  key.CollateralAsset,
		Amount: req.Amount,
		From:   ledger.NewWalletAccountKey(key.User, key.CollateralAsset),
		To:     vault.CustodyAccount(key.CollateralAsset),
	}

	changes, err := e.execute(ctx, ins, state.Mutation{Vault: &vault, Position: &pos})
	if err != nil {
		return nil, err
	}
	return &DepositResult{Changes: changes, ValueAdded: added}, nil
}

// Borrow draws stable asset from custody up to the collateral ceiling
func (e *Engine) Borrow(ctx context.Context, req BorrowRequest) (*BorrowResult, error) {
	key := req.Position
	vault, err := e.vault(key.Vault)
	if err != nil {
		return nil, err
	}
	if !vault.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrInactiveVault, vault.Key)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidParameter, req.Amount)
	}
	pos, err := e.ownedPosition(key, req.Caller)
	if err != nil {
		return nil, err
	}

	ceiling, err := MaxBorrow(pos.CollateralValue, vault.CollateralRatioBps)
	if err != nil {
		return nil, err
	}
	newDebt, err := fpmath.Add(pos.BorrowedAmount, req.Amount)
	if err != nil {
		return nil, overflow("borrowed amount", err)
	}
	if newDebt > ceiling {
		return nil, fmt.Errorf("%w: debt %d would exceed ceiling %d", ErrExceedsCollateralRatio, newDebt, ceiling)
	}
	if vault.TotalBorrowed, err = fpmath.Add(vault.TotalBorrowed, req.Amount); err != nil {
		return nil, overflow("vault borrowed", err)
	}
	pos.BorrowedAmount = newDebt
	pos.LastUpdate = req.Timestamp
	pos.Status = pos.DeriveStatus()

	ins := &ledger.Instruction{
		Type:   ledger.JournalTypeBorrow,
		Asset:  vault.StableAsset,
		Amount: req.Amount,
		From:   vault.CustodyAccount(vault.StableAsset),
		To:     ledger.NewWalletAccountKey(key.User, vault.StableAsset),
	}

	changes, err := e.execute(ctx, ins, state.Mutation{Vault: &vault, Position: &pos})
	if err != nil {
		return nil, err
	}
	return &BorrowResult{Changes: changes, MaxBorrow: ceiling}, nil
}

// Repay returns stable asset to custody. The transfer is capped at the
// outstanding debt; the remainder is reported as Excess.
func (e *Engine) Repay(ctx context.Context, req RepayRequest) (*RepayResult, error) {
	key := req.Position
	pos, err := e.ownedPosition(key, req.Caller)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidParameter, req.Amount)
	}
	vault, err := e.vault(key.Vault)
	if err != nil {
		return nil, err
	}

	repaid := req.Amount
	if repaid > pos.BorrowedAmount {
		repaid = pos.BorrowedAmount
	}
	excess := req.Amount - repaid

	pos.BorrowedAmount = fpmath.SaturatingSub(pos.BorrowedAmount, req.Amount)
	if vault.TotalBorrowed, err = fpmath.Sub(vault.TotalBorrowed, repaid); err != nil {
		return nil, overflow("vault borrowed", err)
	}
	pos.LastUpdate = req.Timestamp
	pos.Status = pos.DeriveStatus()

	var ins *ledger.Instruction
	if repaid > 0 {
		ins = &ledger.Instruction{
			Type:   ledger.JournalTypeRepay,
			Asset:  vault.StableAsset,
			Amount: repaid,
			From:   ledger.NewWalletAccountKey(key.User, vault.StableAsset),
			To:     vault.CustodyAccount(vault.StableAsset),
		}
	}

	changes, err := e.execute(ctx, ins, state.Mutation{Vault: &vault, Position: &pos})
	if err != nil {
		return nil, err
	}
	return &RepayResult{Changes: changes, Repaid: repaid, Excess: excess}, nil
}

// Withdraw releases collateral from a debt-free position. The released
// value is pro-rated: floor(value * amount / collateral_amount).
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	key := req.Position
	pos, err := e.ownedPosition(key, req.Caller)
	if err != nil {
		return nil, err
	}
	if pos.BorrowedAmount > 0 {
		return nil, fmt.Errorf("%w: %d outstanding", ErrOutstandingDebt, pos.BorrowedAmount)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidParameter, req.Amount)
	}
	if req.Amount > pos.CollateralAmount {
		return nil, fmt.Errorf("%w: requested %d, held %d", ErrInsufficientCollateral, req.Amount, pos.CollateralAmount)
	}
	vault, err := e.vault(key.Vault)
	if err != nil {
		return nil, err
	}

	released := pos.CollateralValue
	if req.Amount < pos.CollateralAmount {
		if released, err = fpmath.MulDivFloor(pos.CollateralValue, req.Amount, pos.CollateralAmount); err != nil {
			return nil, overflow("released value", err)
		}
	}

	pos.CollateralAmount -= req.Amount
	pos.CollateralValue -= released
	if vault.TotalCollateralValue, err = fpmath.Sub(vault.TotalCollateralValue, released); err != nil {
		return nil, overflow("vault collateral value", err)
	}
	pos.LastUpdate = req.Timestamp
	pos.Status = pos.DeriveStatus()

	ins := &ledger.Instruction{
		Type:   ledger.JournalTypeCollateralWithdraw,
		Asset:  key.CollateralAsset,
		Amount: req.Amount,
		From:   vault.CustodyAccount(key.CollateralAsset),
		To:     ledger.NewWalletAccountKey(key.User, key.CollateralAsset),
	}

	changes, err := e.execute(ctx, ins, state.Mutation{Vault: &vault, Position: &pos})
	if err != nil {
		return nil, err
	}
	return &WithdrawResult{Changes: changes, ValueReleased: released}, nil
}

// Liquidate seizes the entire collateral of an undercollateralized position
// for the liquidator and zeroes the position. Callable by anyone.
func (e *Engine) Liquidate(ctx context.Context, req LiquidateRequest) (*LiquidateResult, error) {
	key := req.Position
	pos, ok := e.store.Position(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	vault, err := e.vault(key.Vault)
	if err != nil {
		return nil, err
	}

	ratio := RatioBps(pos.CollateralValue, pos.BorrowedAmount)
	if ratio >= vault.CollateralRatioBps {
		return nil, fmt.Errorf("%w: ratio %d >= required %d", ErrHealthyPosition, ratio, vault.CollateralRatioBps)
	}

	seized, valueCleared, debtCleared := pos.CollateralAmount, pos.CollateralValue, pos.BorrowedAmount
	if vault.TotalCollateralValue, err = fpmath.Sub(vault.TotalCollateralValue, valueCleared); err != nil {
		return nil, overflow("vault collateral value", err)
	}
	if vault.TotalBorrowed, err = fpmath.Sub(vault.TotalBorrowed, debtCleared); err != nil {
		return nil, overflow("vault borrowed", err)
	}

	pos.CollateralAmount = 0
	pos.CollateralValue = 0
	pos.BorrowedAmount = 0
	pos.LastUpdate = req.Timestamp
	pos.Status = state.PositionStatusEmpty

	record := state.LiquidationRecord{
		LiquidationID:    req.LiquidationID,
		Position:         key,
		Liquidator:       req.Liquidator,
		SeizedCollateral: seized,
		ClearedValue:     valueCleared,
		ClearedDebt:      debtCleared,
		RatioBps:         ratio,
		Timestamp:        req.Timestamp,
	}

	var ins *ledger.Instruction
	if seized > 0 {
		ins = &ledger.Instruction{
			Type:   ledger.JournalTypeLiquidationSeizure,
			Asset:  key.CollateralAsset,
			Amount: seized,
			From:   vault.CustodyAccount(key.CollateralAsset),
			To:     ledger.NewWalletAccountKey(req.Liquidator, key.CollateralAsset),
		}
	}

	changes, err := e.execute(ctx, ins, state.Mutation{Vault: &vault, Position: &pos, Liquidation: &record})
	if err != nil {
		return nil, err
	}
	return &LiquidateResult{
		Changes:      changes,
		RatioBps:     ratio,
		Seized:       seized,
		DebtCleared:  debtCleared,
		ValueCleared: valueCleared,
	}, nil
}

// Revalue replaces collateral_value with collateral_amount * unitValue.
// No value moves; the vault total follows the position.
func (e *Engine) Revalue(ctx context.Context, req RevalueRequest) (*RevalueResult, error) {
	key := req.Position
	pos, ok := e.store.Position(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	if req.UnitValue < 0 {
		return nil, fmt.Errorf("%w: unit value must be non-negative, got %d", ErrInvalidParameter, req.UnitValue)
	}
	vault, err := e.vault(key.Vault)
	if err != nil {
		return nil, err
	}

	previous := pos.CollateralValue
	next, err := fpmath.Mul(pos.CollateralAmount, req.UnitValue)
	if err != nil {
		return nil, overflow("collateral value", err)
	}
	total, err := fpmath.Sub(vault.TotalCollateralValue, previous)
	if err != nil {
		return nil, overflow("vault collateral value", err)
	}
	if vault.TotalCollateralValue, err = fpmath.Add(total, next); err != nil {
		return nil, overflow("vault collateral value", err)
	}
	pos.CollateralValue = next
	pos.LastUpdate = req.Timestamp
	pos.Status = pos.DeriveStatus()

	changes, err := e.execute(ctx, nil, state.Mutation{Vault: &vault, Position: &pos})
	if err != nil {
		return nil, err
	}
	return &RevalueResult{
		Changes:       changes,
		PreviousValue: previous,
		RatioBps:      RatioBps(pos.CollateralValue, pos.BorrowedAmount),
	}, nil
}

// execute is the transfer-then-commit step shared by every operation
func (e *Engine) execute(ctx context.Context, ins *ledger.Instruction, m state.Mutation) (Changes, error) {
	if err := e.store.Validate(m); err != nil {
		return Changes{}, fmt.Errorf("lending: %w", err)
	}

	var transfers []ledger.Instruction
	if ins != nil {
		if err := e.port.Transfer(ctx, *ins); err != nil {
			return Changes{}, transferFailure(err)
		}
		transfers = append(transfers, *ins)
	}

	if err := e.store.Commit(m); err != nil {
		return Changes{}, fmt.Errorf("lending: %w", err)
	}

	return Changes{
		Vault:       m.Vault,
		Position:    m.Position,
		Liquidation: m.Liquidation,
		Transfers:   transfers,
	}, nil
}

func (e *Engine) vault(key state.VaultKey) (state.Vault, error) {
	vault, ok := e.store.Vault(key)
	if !ok {
		return state.Vault{}, fmt.Errorf("%w: %s", ErrVaultNotFound, key)
	}
	return vault, nil
}

func (e *Engine) ownedPosition(key state.PositionKey, caller uuid.UUID) (state.Position, error) {
	pos, ok := e.store.Position(key)
	if !ok {
		return state.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	if pos.Key.User != caller {
		return state.Position{}, fmt.Errorf("%w: caller does not own position %s", ErrUnauthorized, key)
	}
	return pos, nil
}

// transferFailure wraps a port error. Balance overflow is arithmetic, not
// a funds problem, and is reported as ErrArithmeticOverflow.
func transferFailure(err error) error {
	if errors.Is(err, fpmath.ErrOverflow) {
		return fmt.Errorf("%w: transfer: %v", ErrArithmeticOverflow, err)
	}
	return &TransferError{Reason: err}
}

func overflow(step string, err error) error {
	if errors.Is(err, fpmath.ErrOverflow) || errors.Is(err, fpmath.ErrDivideByZero) {
		return fmt.Errorf("%w: %s", ErrArithmeticOverflow, step)
	}
	return fmt.Errorf("%w: %s: %v", ErrArithmeticOverflow, step, err)
}
