package state

import "github.com/google/uuid"

// LiquidationRecord is the audit row written for every successful liquidation
type LiquidationRecord struct {
	LiquidationID    uuid.UUID
	Position         PositionKey
	Liquidator       uuid.UUID
	SeizedCollateral int64 // collateral units moved to the liquidator
	ClearedValue     int64
	ClearedDebt      int64
	RatioBps         int64 // health ratio at the moment of liquidation
	Timestamp        int64 // epoch microseconds
}

// CanonicalBytes returns deterministic serialization for hashing
func (r *LiquidationRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, r.LiquidationID[:]...)
	buf = append(buf, r.Liquidator[:]...)
	buf = appendInt64LE(buf, r.SeizedCollateral)
	buf = appendInt64LE(buf, r.ClearedValue)
	buf = appendInt64LE(buf, r.ClearedDebt)
	buf = appendInt64LE(buf, r.RatioBps)
	return buf
}
