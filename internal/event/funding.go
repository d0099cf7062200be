package event

import "github.com/google/uuid"

// AccountFunded is an external inflow credited to a user's wallet.
type AccountFunded struct {
	Header
	UserID uuid.UUID
	Asset  string
	Amount int64
}

func (a *AccountFunded) EventType() EventType {
	return EventTypeAccountFunded
}

func (a *AccountFunded) VaultID() *string {
	return nil // Global event
}
