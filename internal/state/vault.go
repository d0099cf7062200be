package state

import (
	"VaultLedger/internal/ledger"
	"fmt"

	"github.com/google/uuid"
)

// VaultKey identifies a vault by its administrator and human label
type VaultKey struct {
	Owner uuid.UUID
	Name  string
}

// AccountID derives the stable id of the vault's custody accounts
func (k VaultKey) AccountID() uuid.UUID {
	return uuid.NewSHA1(k.Owner, []byte(k.Name))
}

func (k VaultKey) String() string {
	return fmt.Sprintf("%s/%s", k.Owner, k.Name)
}

// VaultStatus gates deposits and borrows
type VaultStatus int32

const (
	VaultStatusActive VaultStatus = iota
	VaultStatusPaused
)

func (s VaultStatus) String() string {
	switch s {
	case VaultStatusActive:
		return "Active"
	case VaultStatusPaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s VaultStatus) CanTransitionTo(next VaultStatus) bool {
	validTransitions := map[VaultStatus][]VaultStatus{
		VaultStatusActive: {VaultStatusPaused},
		VaultStatusPaused: {VaultStatusActive},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Vault is one lending pool
type Vault struct {
	Key                  VaultKey
	CollateralRatioBps   int64          // 10_000 = 100%
	StableAsset          ledger.AssetID // asset lent out and repaid
	TotalCollateralValue int64          // sum of position collateral values, stable units
	TotalBorrowed        int64          // sum of position debt, stable units
	Status               VaultStatus
	CreatedAt            int64 // epoch microseconds
}

func (v *Vault) IsActive() bool {
	return v.Status == VaultStatusActive
}

// CustodyAccount returns the account holding assets on behalf of positions
func (v *Vault) CustodyAccount(asset ledger.AssetID) ledger.AccountKey {
	return ledger.NewCustodyAccountKey(v.Key.AccountID(), asset)
}

// CanonicalBytes returns deterministic serialization for hashing
func (v *Vault) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = append(buf, v.Key.Owner[:]...)
	buf = append(buf, byte(len(v.Key.Name)))
	buf = append(buf, []byte(v.Key.Name)...)
	buf = appendInt64LE(buf, v.CollateralRatioBps)
	buf = append(buf, byte(v.StableAsset), byte(v.StableAsset>>8))
	buf = appendInt64LE(buf, v.TotalCollateralValue)
	buf = appendInt64LE(buf, v.TotalBorrowed)
	buf = append(buf, byte(v.Status))

	return buf
}

func (v *Vault) validate() error {
	if v.Key.Name == "" {
		return fmt.Errorf("vault %s: empty name", v.Key)
	}
	if v.CollateralRatioBps <= 0 {
		return fmt.Errorf("vault %s: collateral ratio %d", v.Key, v.CollateralRatioBps)
	}
	if v.TotalCollateralValue < 0 || v.TotalBorrowed < 0 {
		return fmt.Errorf("vault %s: negative aggregates (value=%d, borrowed=%d)",
			v.Key, v.TotalCollateralValue, v.TotalBorrowed)
	}
	if v.Status != VaultStatusActive && v.Status != VaultStatusPaused {
		return fmt.Errorf("vault %s: unknown status %d", v.Key, v.Status)
	}
	return nil
}
