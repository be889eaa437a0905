package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/filesentry/filesentry/internal/quarantine"
)

const keyPrefix = "test:quarantine"

type sweepEnv struct {
	service *quarantine.Service
	blobs   *quarantine.MemoryBlobStore
	records *quarantine.SQLiteRecordStore
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()
	cipher, err := quarantine.NewCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	records, err := quarantine.NewSQLiteRecordStore(filepath.Join(t.TempDir(), "sweep.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRecordStore: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	blobs := quarantine.NewMemoryBlobStore()
	service := quarantine.NewService(cipher, blobs, records, quarantine.Options{
		DefaultTTL: time.Hour,
		MaxTTL:     24 * time.Hour,
		KeyPrefix:  keyPrefix,
	})
	return &sweepEnv{service: service, blobs: blobs, records: records}
}

func (e *sweepEnv) quarantine(t *testing.T, ttl int) *quarantine.Record {
	t.Helper()
	tx, err := e.records.DB().Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec, err := e.service.Quarantine(context.Background(), tx, quarantine.Input{
		Data:       []byte("payload"),
		FileHash:   "abc123",
		FileName:   "sample.bin",
		FileSize:   7,
		MIMEType:   "application/octet-stream",
		TenantID:   uuid.New(),
		Reason:     quarantine.ReasonAVThreat,
		TTLSeconds: ttl,
	})
	if err != nil {
		tx.Rollback()
		t.Fatalf("Quarantine: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return rec
}

func (e *sweepEnv) dropBlob(t *testing.T, id uuid.UUID) {
	t.Helper()
	if err := e.blobs.Delete(context.Background(), keyPrefix+":"+id.String()); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
}

func (e *sweepEnv) status(t *testing.T, id uuid.UUID) quarantine.Status {
	t.Helper()
	tx, err := e.records.DB().Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	rec, err := e.records.Get(context.Background(), tx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return rec.Status
}

func TestSweepOnce_ExpiresLapsedRecords(t *testing.T) {
	env := newSweepEnv(t)

	lapsed := env.quarantine(t, 60)
	fresh := env.quarantine(t, 60)
	env.dropBlob(t, lapsed.ID)
	env.dropBlob(t, fresh.ID)

	sw := New(env.records.DB(), env.service, env.records, time.Minute)
	// Only lapsed is past its expiry from the sweeper's point of view.
	sw.now = func() time.Time { return lapsed.ExpiresAt.Add(time.Second) }

	// Make fresh actually fresh: re-point its expiry far in the future.
	tx, err := env.records.DB().Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Exec(`UPDATE quarantine_record SET expires_at = ? WHERE id = ?`,
		time.Now().Add(48*time.Hour).UnixNano(), fresh.ID.String()); err != nil {
		t.Fatalf("update expiry: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if got := env.status(t, lapsed.ID); got != quarantine.StatusExpired {
		t.Fatalf("lapsed status = %q, want expired", got)
	}
	if got := env.status(t, fresh.ID); got != quarantine.StatusActive {
		t.Fatalf("fresh status = %q, want active", got)
	}
}

func TestSweepOnce_SkipsRecordsWithLiveBlob(t *testing.T) {
	env := newSweepEnv(t)
	rec := env.quarantine(t, 60)

	sw := New(env.records.DB(), env.service, env.records, time.Minute)
	sw.now = func() time.Time { return rec.ExpiresAt.Add(time.Second) }

	// The blob is still present: clocks disagree, so leave the record alone.
	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired = %d, want 0", n)
	}
	if got := env.status(t, rec.ID); got != quarantine.StatusActive {
		t.Fatalf("status = %q, want active", got)
	}

	// Once the blob lapses, the next sweep transitions the record.
	env.dropBlob(t, rec.ID)
	n, err = sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("second SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if got := env.status(t, rec.ID); got != quarantine.StatusExpired {
		t.Fatalf("status = %q, want expired", got)
	}
}

func TestSweepOnce_NothingToDo(t *testing.T) {
	env := newSweepEnv(t)
	sw := New(env.records.DB(), env.service, env.records, time.Minute)

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired = %d, want 0", n)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	env := newSweepEnv(t)
	sw := New(env.records.DB(), env.service, env.records, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
