package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVaultCreated
	EventTypeLiquiditySupplied
	EventTypeAccountFunded
	EventTypeDepositRequested
	EventTypeBorrowRequested
	EventTypeRepayRequested
	EventTypeWithdrawRequested
	EventTypeLiquidateRequested
	EventTypeCollateralRevalued
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Vault context (nil for global events)
	VaultID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Rejection reason of a sequenced event that settled without effect;
	// empty when the event was applied
	Rejection string

	// Wire-encoded event data, replayable through the ingestion parser
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// VaultID returns the vault context (nil for global events)
	VaultID() *string

	// SourceSequence returns upstream ordering key (0 = unsequenced)
	SourceSequence() int64

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeVaultCreated:
		return "VaultCreated"
	case EventTypeLiquiditySupplied:
		return "LiquiditySupplied"
	case EventTypeAccountFunded:
		return "AccountFunded"
	case EventTypeDepositRequested:
		return "DepositRequested"
	case EventTypeBorrowRequested:
		return "BorrowRequested"
	case EventTypeRepayRequested:
		return "RepayRequested"
	case EventTypeWithdrawRequested:
		return "WithdrawRequested"
	case EventTypeLiquidateRequested:
		return "LiquidateRequested"
	case EventTypeCollateralRevalued:
		return "CollateralRevalued"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String
func ParseEventType(s string) EventType {
	for et := EventTypeVaultCreated; et <= EventTypeCollateralRevalued; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
