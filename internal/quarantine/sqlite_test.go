package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestRecordStore(t *testing.T) *SQLiteRecordStore {
	t.Helper()
	store, err := NewSQLiteRecordStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRecordStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func beginTx(t *testing.T, store *SQLiteRecordStore) *sql.Tx {
	t.Helper()
	tx, err := store.DB().Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

func commitTx(t *testing.T, tx *sql.Tx) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func testRecord(expiresAt time.Time) *Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Record{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		FileHash:   "cafebabe",
		FileName:   "invoice.pdf",
		FileSize:   2048,
		MIMEType:   "application/pdf",
		Reason:     ReasonPII,
		Status:     StatusActive,
		TTLSeconds: 600,
		ExpiresAt:  expiresAt.UTC().Truncate(time.Microsecond),
		CreatedAt:  now,
	}
}

func TestSQLiteRecordStore_InsertGetRoundTrip(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	scanID := uuid.New()
	rec := testRecord(time.Now().Add(10 * time.Minute))
	rec.ScanID = &scanID

	tx := beginTx(t, store)
	if err := store.Insert(ctx, tx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commitTx(t, tx)

	tx = beginTx(t, store)
	defer tx.Rollback()
	got, err := store.Get(ctx, tx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.ID != rec.ID || got.TenantID != rec.TenantID {
		t.Fatalf("ids differ: got %s/%s", got.ID, got.TenantID)
	}
	if got.ScanID == nil || *got.ScanID != scanID {
		t.Fatalf("scan id = %v, want %s", got.ScanID, scanID)
	}
	if got.FileHash != rec.FileHash || got.FileName != rec.FileName ||
		got.FileSize != rec.FileSize || got.MIMEType != rec.MIMEType {
		t.Fatalf("file metadata differs: %+v", got)
	}
	if got.Reason != ReasonPII || got.Status != StatusActive || got.TTLSeconds != 600 {
		t.Fatalf("lifecycle fields differ: %+v", got)
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("timestamps differ: got %s/%s want %s/%s",
			got.ExpiresAt, got.CreatedAt, rec.ExpiresAt, rec.CreatedAt)
	}
	if got.ReleasedAt != nil {
		t.Fatalf("released_at = %v, want nil", got.ReleasedAt)
	}
}

func TestSQLiteRecordStore_InsertNilScanID(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	rec := testRecord(time.Now().Add(time.Minute))

	tx := beginTx(t, store)
	if err := store.Insert(ctx, tx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := store.Get(ctx, tx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	commitTx(t, tx)

	if got.ScanID != nil {
		t.Fatalf("scan id = %v, want nil", got.ScanID)
	}
}

func TestSQLiteRecordStore_GetNotFound(t *testing.T) {
	store := newTestRecordStore(t)

	tx := beginTx(t, store)
	defer tx.Rollback()

	_, err := store.Get(context.Background(), tx, uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRecordStore_TransitionStatusCAS(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	rec := testRecord(time.Now().Add(time.Minute))
	tx := beginTx(t, store)
	if err := store.Insert(ctx, tx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commitTx(t, tx)

	releasedAt := time.Now().UTC().Truncate(time.Microsecond)
	tx = beginTx(t, store)
	if err := store.TransitionStatus(ctx, tx, rec.ID, StatusActive, StatusReleased, &releasedAt); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	commitTx(t, tx)

	tx = beginTx(t, store)
	got, err := store.Get(ctx, tx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusReleased {
		t.Fatalf("status = %q, want released", got.Status)
	}
	if got.ReleasedAt == nil || !got.ReleasedAt.Equal(releasedAt) {
		t.Fatalf("released_at = %v, want %s", got.ReleasedAt, releasedAt)
	}

	// A second transition from active must lose the CAS and name the
	// actual current status.
	err = store.TransitionStatus(ctx, tx, rec.ID, StatusActive, StatusExpired, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if !strings.Contains(err.Error(), string(StatusReleased)) {
		t.Fatalf("error %q should mention the current status", err)
	}
	tx.Rollback()
}

func TestSQLiteRecordStore_TransitionStatusUnknownID(t *testing.T) {
	store := newTestRecordStore(t)

	tx := beginTx(t, store)
	defer tx.Rollback()

	err := store.TransitionStatus(context.Background(), tx, uuid.New(), StatusActive, StatusExpired, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRecordStore_Delete(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	rec := testRecord(time.Now().Add(time.Minute))
	tx := beginTx(t, store)
	if err := store.Insert(ctx, tx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Delete(ctx, tx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, tx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, tx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: err = %v, want ErrNotFound", err)
	}
	commitTx(t, tx)
}

func TestSQLiteRecordStore_ListExpired(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	lapsedOld := testRecord(now.Add(-2 * time.Hour))
	lapsedNew := testRecord(now.Add(-time.Minute))
	live := testRecord(now.Add(time.Hour))
	lapsedButReleased := testRecord(now.Add(-time.Hour))
	lapsedButReleased.Status = StatusReleased

	tx := beginTx(t, store)
	for _, rec := range []*Record{live, lapsedNew, lapsedOld, lapsedButReleased} {
		if err := store.Insert(ctx, tx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	commitTx(t, tx)

	tx = beginTx(t, store)
	defer tx.Rollback()

	got, err := store.ListExpired(ctx, tx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expired = %d, want 2 (active records past expiry only)", len(got))
	}
	// Oldest expiry first.
	if got[0].ID != lapsedOld.ID || got[1].ID != lapsedNew.ID {
		t.Fatalf("order = [%s %s], want oldest expiry first", got[0].ID, got[1].ID)
	}

	limited, err := store.ListExpired(ctx, tx, now, 1)
	if err != nil {
		t.Fatalf("ListExpired limit=1: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != lapsedOld.ID {
		t.Fatalf("limit=1 returned %d records", len(limited))
	}
}

func TestSQLiteRecordStore_CountActive(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := context.Background()

	released := testRecord(time.Now().Add(time.Minute))
	released.Status = StatusReleased

	tx := beginTx(t, store)
	for _, rec := range []*Record{
		testRecord(time.Now().Add(time.Minute)),
		testRecord(time.Now().Add(time.Minute)),
		released,
	} {
		if err := store.Insert(ctx, tx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	count, err := store.CountActive(ctx, tx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	commitTx(t, tx)
}
