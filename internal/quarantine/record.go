package quarantine

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a quarantine record. Active is the only
// initial state; expired, released, and deleted are terminal.
type Status string

const (
	// StatusActive: the encrypted blob is in the ephemeral store and its
	// TTL has not elapsed.
	StatusActive Status = "active"
	// StatusExpired: the ephemeral TTL elapsed and the blob is gone. The
	// record is retained as the audit trail.
	StatusExpired Status = "expired"
	// StatusReleased: an operator explicitly released the file.
	StatusReleased Status = "released"
	// StatusDeleted: the record was purged before its TTL.
	StatusDeleted Status = "deleted"
)

// Reason says why a file was quarantined. The set is closed; any other
// value is a construction-time input error.
type Reason string

const (
	ReasonAVThreat Reason = "av_threat"
	ReasonPII      Reason = "pii"
	ReasonPolicy   Reason = "policy"
)

// Valid reports whether r is one of the recognized reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonAVThreat, ReasonPII, ReasonPolicy:
		return true
	}
	return false
}

// Record is the durable audit entity for one quarantined file. The
// encrypted payload lives in the ephemeral store keyed by ID; this record
// survives the payload's eviction.
//
// Records are created and mutated only by the Service; callers treat them
// as read-only snapshots.
type Record struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	// ScanID optionally links the record to the scan that triggered it.
	ScanID *uuid.UUID

	FileHash string
	FileName string
	FileSize int64
	MIMEType string

	Reason Reason
	Status Status

	// TTLSeconds is the effective TTL after clamping; ExpiresAt is always
	// CreatedAt + TTLSeconds.
	TTLSeconds int
	ExpiresAt  time.Time
	CreatedAt  time.Time
	// ReleasedAt is non-nil iff Status is StatusReleased.
	ReleasedAt *time.Time
}
