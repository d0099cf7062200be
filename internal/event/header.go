package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Header carries the fields every request event shares.
type Header struct {
	RequestID uuid.UUID
	Sequence  int64 // upstream source sequence, 0 when unsequenced
	Timestamp int64 // epoch microseconds, assigned by the producer
}

func (h Header) IdempotencyKey() string {
	return h.RequestID.String()
}

func (h Header) SourceSequence() int64 {
	return h.Sequence
}

func (h Header) OccurredAt() time.Time {
	return time.UnixMicro(h.Timestamp).UTC()
}

// VaultRef names a vault by its (owner, name) identity.
type VaultRef struct {
	VaultOwner uuid.UUID
	VaultName  string
}

// VaultID renders the vault identity as "<owner>/<name>".
func (v VaultRef) VaultID() *string {
	id := FormatVaultID(v.VaultOwner, v.VaultName)
	return &id
}

func FormatVaultID(owner uuid.UUID, name string) string {
	return fmt.Sprintf("%s/%s", owner, name)
}

// Fill assigns a request id and timestamp where the producer left them unset.
func (h *Header) Fill(id uuid.UUID, timestampUs int64) {
	if h.RequestID == uuid.Nil {
		h.RequestID = id
	}
	if h.Timestamp == 0 {
		h.Timestamp = timestampUs
	}
}
