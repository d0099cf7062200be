package event

import "github.com/google/uuid"

// PositionRef names one (user, vault, collateral asset) position.
type PositionRef struct {
	VaultRef
	User            uuid.UUID
	CollateralAsset string
}

// DepositRequested adds collateral valued at a caller-supplied unit price.
type DepositRequested struct {
	Header
	PositionRef
	Caller    uuid.UUID
	Amount    int64
	UnitValue int64
}

func (d *DepositRequested) EventType() EventType {
	return EventTypeDepositRequested
}

type BorrowRequested struct {
	Header
	PositionRef
	Caller uuid.UUID
	Amount int64
}

func (b *BorrowRequested) EventType() EventType {
	return EventTypeBorrowRequested
}

type RepayRequested struct {
	Header
	PositionRef
	Caller uuid.UUID
	Amount int64
}

func (r *RepayRequested) EventType() EventType {
	return EventTypeRepayRequested
}

type WithdrawRequested struct {
	Header
	PositionRef
	Caller uuid.UUID
	Amount int64
}

func (w *WithdrawRequested) EventType() EventType {
	return EventTypeWithdrawRequested
}

// LiquidateRequested is permissionless: Liquidator need not own the position.
type LiquidateRequested struct {
	Header
	PositionRef
	Liquidator uuid.UUID
}

func (l *LiquidateRequested) EventType() EventType {
	return EventTypeLiquidateRequested
}

// CollateralRevalued re-marks a position at an externally validated unit value.
type CollateralRevalued struct {
	Header
	PositionRef
	UnitValue int64
}

func (c *CollateralRevalued) EventType() EventType {
	return EventTypeCollateralRevalued
}
