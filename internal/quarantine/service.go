// Package quarantine isolates suspicious files: payloads are sealed with
// AES-256-GCM and held in a time-limited ephemeral store, while a durable
// record tracks each file's lifecycle for audit and compliance.
//
// The ephemeral blob and the durable record are deliberately loosely
// coupled. A quarantine is a saga with one compensating step (delete the
// blob on a failed record insert); when compensation itself fails, the
// orphaned blob is reclaimed by its TTL. The record outlives the blob and
// is the evidentiary trail.
package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service orchestrates encryption, the ephemeral blob store, and the
// durable record store into one consistent operation set.
//
// Durable-store operations run inside a transaction the caller begins and
// commits; the service writes but never commits, so quarantine operations
// can be composed atomically with the caller's other writes.
type Service struct {
	cipher  *Cipher
	blobs   BlobStore
	records RecordStore
	metrics MetricsRecorder

	defaultTTL int // seconds
	maxTTL     int // seconds
	keyPrefix  string

	now func() time.Time
}

// Options tunes Service construction. Zero values fall back to defaults.
type Options struct {
	DefaultTTL time.Duration // applied when callers pass no TTL (default 24h)
	MaxTTL     time.Duration // upper bound on caller-supplied TTLs (default 30d)
	KeyPrefix  string        // ephemeral key prefix (default "filesentry:quarantine")
	Metrics    MetricsRecorder
}

// NewService wires the orchestrator together.
func NewService(cipher *Cipher, blobs BlobStore, records RecordStore, opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 30 * 24 * time.Hour
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "filesentry:quarantine"
	}
	if opts.Metrics == nil {
		opts.Metrics = NopRecorder{}
	}
	return &Service{
		cipher:     cipher,
		blobs:      blobs,
		records:    records,
		metrics:    opts.Metrics,
		defaultTTL: int(opts.DefaultTTL / time.Second),
		maxTTL:     int(opts.MaxTTL / time.Second),
		keyPrefix:  opts.KeyPrefix,
		now:        time.Now,
	}
}

// Input carries everything needed to quarantine one file. The caller
// computes the content hash; TTLSeconds of zero applies the default.
type Input struct {
	Data       []byte
	FileHash   string
	FileName   string
	FileSize   int64
	MIMEType   string
	TenantID   uuid.UUID
	ScanID     *uuid.UUID
	Reason     Reason
	TTLSeconds int
}

// clampTTL bounds a caller-supplied TTL to [1, maxTTL] seconds.
func (s *Service) clampTTL(ttl int) int {
	if ttl < 1 {
		return 1
	}
	if ttl > s.maxTTL {
		return s.maxTTL
	}
	return ttl
}

func (s *Service) blobKey(id uuid.UUID) string {
	return s.keyPrefix + ":" + id.String()
}

// Quarantine encrypts the payload, stores it in the ephemeral store with
// the clamped TTL, and inserts the durable record inside the caller's
// transaction. The ephemeral write strictly precedes the record insert; a
// failed insert triggers a best-effort delete of the just-written blob and
// the insert failure is reported regardless of the compensation outcome.
func (s *Service) Quarantine(ctx context.Context, tx *sql.Tx, input Input) (*Record, error) {
	if !input.Reason.Valid() {
		return nil, newOpError(KindValidation, OpQuarantine, "",
			fmt.Errorf("unrecognized reason %q, must be one of av_threat, pii, policy", input.Reason))
	}
	if input.TenantID == uuid.Nil {
		return nil, newOpError(KindValidation, OpQuarantine, "",
			fmt.Errorf("tenant id is required"))
	}

	ttl := input.TTLSeconds
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	ttl = s.clampTTL(ttl)

	now := s.now().UTC()
	rec := &Record{
		ID:         uuid.New(),
		TenantID:   input.TenantID,
		ScanID:     input.ScanID,
		FileHash:   input.FileHash,
		FileName:   input.FileName,
		FileSize:   input.FileSize,
		MIMEType:   input.MIMEType,
		Reason:     input.Reason,
		Status:     StatusActive,
		TTLSeconds: ttl,
		ExpiresAt:  now.Add(time.Duration(ttl) * time.Second),
		CreatedAt:  now,
	}

	blob, err := s.cipher.Encrypt(input.Data)
	if err != nil {
		s.metrics.RecordError(OpQuarantine)
		return nil, newOpError(KindEncryption, OpQuarantine, rec.ID.String(),
			fmt.Errorf("encrypt %q: %w", input.FileName, err))
	}

	key := s.blobKey(rec.ID)
	if err := s.blobs.Set(ctx, key, blob, time.Duration(ttl)*time.Second); err != nil {
		s.metrics.RecordError(OpQuarantine)
		return nil, newOpError(KindStorage, OpQuarantine, rec.ID.String(),
			fmt.Errorf("store encrypted blob: %w", err))
	}

	if err := s.records.Insert(ctx, tx, rec); err != nil {
		// Compensate: remove the blob so the stores stay in sync. If the
		// delete fails too, the TTL reclaims the orphan.
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			log.Warn().Err(delErr).Str("key", key).
				Msg("Failed to delete ephemeral blob while compensating record insert failure")
		}
		s.metrics.RecordError(OpQuarantine)
		return nil, newOpError(KindStorage, OpQuarantine, rec.ID.String(),
			fmt.Errorf("persist quarantine record: %w", err))
	}

	s.metrics.RecordOperation(OpQuarantine)
	s.metrics.ActiveAdd(1)
	log.Info().
		Str("event", "file_quarantined").
		Str("quarantine_id", rec.ID.String()).
		Str("tenant_id", rec.TenantID.String()).
		Str("file_hash", rec.FileHash).
		Str("file_name", rec.FileName).
		Str("reason", string(rec.Reason)).
		Int("ttl_seconds", ttl).
		Time("expires_at", rec.ExpiresAt).
		Msg("File quarantined")
	return rec, nil
}

// Retrieve fetches and decrypts a quarantined payload. Absence of the blob
// (never written, evicted by TTL, released, or purged) reports not-found;
// a failed integrity check reports authentication failure. The two are
// never conflated.
func (s *Service) Retrieve(ctx context.Context, id uuid.UUID) ([]byte, error) {
	blob, err := s.blobs.Get(ctx, s.blobKey(id))
	if err != nil {
		s.metrics.RecordError(OpRetrieve)
		if errors.Is(err, ErrNotFound) {
			return nil, newOpError(KindNotFound, OpRetrieve, id.String(), err)
		}
		return nil, newOpError(KindStorage, OpRetrieve, id.String(),
			fmt.Errorf("fetch encrypted blob: %w", err))
	}

	plaintext, err := s.cipher.Decrypt(blob)
	if err != nil {
		s.metrics.RecordError(OpRetrieve)
		return nil, newOpError(KindAuth, OpRetrieve, id.String(), err)
	}

	s.metrics.RecordOperation(OpRetrieve)
	log.Debug().Str("quarantine_id", id.String()).Msg("Retrieved quarantined file")
	return plaintext, nil
}

// Release marks an active record as released after an operator decision
// (for example a false-positive review). The blob delete is best-effort;
// the TTL is the backstop. The record survives for audit.
func (s *Service) Release(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Record, error) {
	rec, err := s.records.Get(ctx, tx, id)
	if err != nil {
		s.metrics.RecordError(OpRelease)
		return nil, s.classifyStoreError(OpRelease, id, err)
	}
	if rec.Status != StatusActive {
		s.metrics.RecordError(OpRelease)
		return nil, stateError(OpRelease, id.String(), rec.Status, StatusActive)
	}

	key := s.blobKey(id)
	if err := s.blobs.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to delete ephemeral blob during release")
	}

	releasedAt := s.now().UTC()
	if err := s.records.TransitionStatus(ctx, tx, id, StatusActive, StatusReleased, &releasedAt); err != nil {
		s.metrics.RecordError(OpRelease)
		return nil, s.classifyStoreError(OpRelease, id, err)
	}
	rec.Status = StatusReleased
	rec.ReleasedAt = &releasedAt

	s.metrics.RecordOperation(OpRelease)
	s.metrics.ActiveAdd(-1)
	log.Info().
		Str("event", "file_released").
		Str("quarantine_id", id.String()).
		Str("tenant_id", rec.TenantID.String()).
		Str("file_hash", rec.FileHash).
		Msg("Quarantined file released")
	return rec, nil
}

// Purge deletes a record in any status together with its blob. Unlike
// Release, no row survives; intended for erasure requests.
func (s *Service) Purge(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	rec, err := s.records.Get(ctx, tx, id)
	if err != nil {
		s.metrics.RecordError(OpPurge)
		return s.classifyStoreError(OpPurge, id, err)
	}
	wasActive := rec.Status == StatusActive

	key := s.blobKey(id)
	if err := s.blobs.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to delete ephemeral blob during purge")
	}

	if err := s.records.Delete(ctx, tx, id); err != nil {
		s.metrics.RecordError(OpPurge)
		return s.classifyStoreError(OpPurge, id, err)
	}

	s.metrics.RecordOperation(OpPurge)
	if wasActive {
		s.metrics.ActiveAdd(-1)
	}
	log.Info().
		Str("event", "file_purged").
		Str("quarantine_id", id.String()).
		Str("tenant_id", rec.TenantID.String()).
		Msg("Quarantined file purged")
	return nil
}

// MarkExpired transitions an active record to expired. Driven by the
// expiry sweep once the ephemeral blob has lapsed; the record itself is
// retained.
func (s *Service) MarkExpired(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Record, error) {
	rec, err := s.records.Get(ctx, tx, id)
	if err != nil {
		s.metrics.RecordError(OpExpire)
		return nil, s.classifyStoreError(OpExpire, id, err)
	}
	if rec.Status != StatusActive {
		s.metrics.RecordError(OpExpire)
		return nil, stateError(OpExpire, id.String(), rec.Status, StatusActive)
	}

	if err := s.records.TransitionStatus(ctx, tx, id, StatusActive, StatusExpired, nil); err != nil {
		s.metrics.RecordError(OpExpire)
		return nil, s.classifyStoreError(OpExpire, id, err)
	}
	rec.Status = StatusExpired

	s.metrics.RecordOperation(OpExpire)
	s.metrics.ActiveAdd(-1)
	log.Info().
		Str("event", "file_expired").
		Str("quarantine_id", id.String()).
		Str("tenant_id", rec.TenantID.String()).
		Msg("Quarantine record expired")
	return rec, nil
}

// PrimeActiveGauge sets the active-quarantine gauge from the durable
// store. Called once at process startup so the gauge survives restarts.
func (s *Service) PrimeActiveGauge(ctx context.Context, tx *sql.Tx) (int64, error) {
	count, err := s.records.CountActive(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("count active quarantine records: %w", err)
	}
	s.metrics.ActiveAdd(float64(count))
	return count, nil
}

// HasBlob reports whether the ephemeral payload for id still exists. Used
// by the expiry sweep to confirm eviction before marking a record expired.
func (s *Service) HasBlob(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := s.blobs.Get(ctx, s.blobKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// classifyStoreError wraps record-store errors into the operation error
// taxonomy, preserving not-found and invalid-state distinctions.
func (s *Service) classifyStoreError(op string, id uuid.UUID, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return newOpError(KindNotFound, op, id.String(), err)
	case errors.Is(err, ErrInvalidState):
		return newOpError(KindState, op, id.String(), err)
	default:
		return newOpError(KindStorage, op, id.String(), err)
	}
}
