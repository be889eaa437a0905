package quarantine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// BlobStore is the ephemeral, time-limited store holding encrypted
// quarantine payloads. Entries self-delete once their TTL elapses; no
// multi-key transactions are assumed.
type BlobStore interface {
	// Set stores data under key with the given expiry. The write and the
	// expiry must be applied atomically.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Get returns the stored bytes, or an error satisfying
	// errors.Is(err, ErrNotFound) when the key was never written, expired,
	// or was deleted.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// RecordStore persists quarantine records. Every method runs inside the
// caller-supplied transaction: the store flushes writes but never commits,
// so quarantine operations compose atomically with the caller's other
// writes.
type RecordStore interface {
	Insert(ctx context.Context, tx *sql.Tx, rec *Record) error

	// Get returns the record or an error satisfying
	// errors.Is(err, ErrNotFound).
	Get(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Record, error)

	// TransitionStatus moves a record from one status to another with a
	// compare-and-swap on the current status, setting releasedAt when
	// non-nil. It reports ErrNotFound for unknown ids and ErrInvalidState
	// (naming the actual current status) when the record is not in from.
	TransitionStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to Status, releasedAt *time.Time) error

	// Delete removes the record entirely, reporting ErrNotFound for
	// unknown ids.
	Delete(ctx context.Context, tx *sql.Tx, id uuid.UUID) error

	// ListExpired returns up to limit records still marked active whose
	// ExpiresAt is at or before now. Used by the expiry sweep.
	ListExpired(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]*Record, error)

	// CountActive returns the number of records currently in active
	// status, used to prime the active-quarantine gauge at startup.
	CountActive(ctx context.Context, tx *sql.Tx) (int64, error)
}
