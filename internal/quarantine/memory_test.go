package quarantine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBlobStore_SetGetDelete(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get = %q, want v", got)
	}

	// The store hands out copies, not aliases.
	got[0] = 'x'
	again, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after mutation: %v", err)
	}
	if string(again) != "v" {
		t.Fatalf("stored value mutated through a returned slice")
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryBlobStore_TTLExpiry(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()

	current := time.Now()
	store.now = func() time.Time { return current }

	if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}

	current = current.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after TTL: err = %v, want ErrNotFound", err)
	}
	if store.Len() != 0 {
		t.Fatalf("Len after expiry = %d, want 0", store.Len())
	}
}

func TestMemoryBlobStore_RejectsNonPositiveTTL(t *testing.T) {
	store := NewMemoryBlobStore()
	if err := store.Set(context.Background(), "k", []byte("v"), 0); err == nil {
		t.Fatal("Set with zero TTL must fail")
	}
}
