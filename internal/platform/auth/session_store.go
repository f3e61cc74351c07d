package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionStore persists opaque, already-encrypted blobs keyed by an opaque
// id. It decouples the login flow from the transport that carries session
// identifiers (cookies, headers) and from where the blobs live.
//
// Get returns (nil, nil) for a missing or expired key.
type SessionStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Consumer is implemented by stores that can fetch-and-delete atomically.
// Single-use values such as authorization state are read through Consume when
// the store supports it.
type Consumer interface {
	Consume(ctx context.Context, key string) ([]byte, error)
}

var errNonPositiveTTL = errors.New("session store: ttl must be positive")

// consume reads and removes key, atomically when the store allows it.
func consume(ctx context.Context, store SessionStore, key string) ([]byte, error) {
	if c, ok := store.(Consumer); ok {
		return c.Consume(ctx, key)
	}
	value, err := store.Get(ctx, key)
	if err != nil || value == nil {
		return value, err
	}
	if err := store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("delete consumed key: %w", err)
	}
	return value, nil
}

// ---------------------------------------------------------------------------
// MemorySessionStore
// ---------------------------------------------------------------------------

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemorySessionStore is an in-process SessionStore. Sessions do not survive a
// restart and are not shared between replicas.
type MemorySessionStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemorySessionStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, nil
	}
	return append([]byte(nil), entry.value...), nil
}

func (s *MemorySessionStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Consume implements Consumer.
func (s *MemorySessionStore) Consume(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	delete(s.entries, key)
	if !s.now().Before(entry.expiresAt) {
		return nil, nil
	}
	return entry.value, nil
}

// Cleanup removes expired entries.
func (s *MemorySessionStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
