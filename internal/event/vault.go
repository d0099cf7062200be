package event

import "github.com/google/uuid"

// VaultCreated registers a new lending pool.
type VaultCreated struct {
	Header
	Owner              uuid.UUID
	Name               string
	CollateralRatioBps int64
	StableAsset        string
}

func (v *VaultCreated) EventType() EventType {
	return EventTypeVaultCreated
}

func (v *VaultCreated) VaultID() *string {
	id := FormatVaultID(v.Owner, v.Name)
	return &id
}

// LiquiditySupplied moves stable asset from the owner's wallet into vault custody.
type LiquiditySupplied struct {
	Header
	VaultRef
	Caller uuid.UUID
	Amount int64
}

func (l *LiquiditySupplied) EventType() EventType {
	return EventTypeLiquiditySupplied
}
