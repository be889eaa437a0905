package quarantine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBlobStore is an in-process BlobStore with lazy TTL eviction.
// Suitable for tests and single-node deployments without Redis.
type MemoryBlobStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	// now is swappable so tests can simulate the passage of time.
	now func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

var _ BlobStore = (*MemoryBlobStore)(nil)

// NewMemoryBlobStore returns an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryBlobStore) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{data: buf, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, fmt.Errorf("blob %s expired: %w", key, ErrNotFound)
	}

	buf := make([]byte, len(entry.data))
	copy(buf, entry.data)
	return buf, nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len reports the number of live (non-expired) entries.
func (s *MemoryBlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for _, entry := range s.entries {
		if !now.After(entry.expiresAt) {
			n++
		}
	}
	return n
}
