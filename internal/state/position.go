package state

import (
	"VaultLedger/internal/ledger"
	"fmt"

	"github.com/google/uuid"
)

// PositionKey is the (user, vault, collateral asset) identity triple
type PositionKey struct {
	User            uuid.UUID
	Vault           VaultKey
	CollateralAsset ledger.AssetID
}

func (k PositionKey) String() string {
	asset, _ := ledger.GetAssetName(k.CollateralAsset)
	return fmt.Sprintf("%s@%s:%s", k.User, k.Vault, asset)
}

// PositionStatus replaces the zeroed-after-liquidation boolean checks
type PositionStatus int32

const (
	PositionStatusEmpty PositionStatus = iota
	PositionStatusFunded
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusEmpty:
		return "Empty"
	case PositionStatusFunded:
		return "Funded"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusEmpty: {
			PositionStatusEmpty, // zero-value deposit on a fresh position
			PositionStatusFunded,
		},
		PositionStatusFunded: {
			PositionStatusFunded,
			PositionStatusEmpty, // full withdrawal or liquidation
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is one user's stake in one vault for one collateral asset
type Position struct {
	Key              PositionKey
	CollateralAmount int64 // units of the collateral asset held in custody
	CollateralValue  int64 // stable-unit value accumulated at deposit time
	BorrowedAmount   int64 // outstanding debt, stable units
	LastUpdate       int64 // epoch microseconds, audit only
	Status           PositionStatus
}

// NewPosition returns the zero state of a position
func NewPosition(key PositionKey) Position {
	return Position{Key: key, Status: PositionStatusEmpty}
}

// DeriveStatus returns the status implied by the balances
func (p *Position) DeriveStatus() PositionStatus {
	if p.CollateralAmount == 0 && p.CollateralValue == 0 && p.BorrowedAmount == 0 {
		return PositionStatusEmpty
	}
	return PositionStatusFunded
}

func (p *Position) IsEmpty() bool {
	return p.Status == PositionStatusEmpty
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// user_id (16 bytes UUID binary)
	buf = append(buf, p.Key.User[:]...)

	// vault owner + name (length-prefixed)
	buf = append(buf, p.Key.Vault.Owner[:]...)
	buf = append(buf, byte(len(p.Key.Vault.Name)))
	buf = append(buf, []byte(p.Key.Vault.Name)...)

	// collateral asset (2 bytes LE)
	buf = append(buf, byte(p.Key.CollateralAsset), byte(p.Key.CollateralAsset>>8))

	buf = appendInt64LE(buf, p.CollateralAmount)
	buf = appendInt64LE(buf, p.CollateralValue)
	buf = appendInt64LE(buf, p.BorrowedAmount)

	// status (1 byte)
	buf = append(buf, byte(p.Status))

	return buf
}

func (p *Position) validate() error {
	if p.CollateralAmount < 0 || p.CollateralValue < 0 || p.BorrowedAmount < 0 {
		return fmt.Errorf("position %s: negative balance (amount=%d, value=%d, borrowed=%d)",
			p.Key, p.CollateralAmount, p.CollateralValue, p.BorrowedAmount)
	}
	if p.Status != p.DeriveStatus() {
		return fmt.Errorf("position %s: status %s does not match balances", p.Key, p.Status)
	}
	return nil
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
