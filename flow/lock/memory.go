package lock

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation.
//
// Designed for tests and single-process deployments where the engine pool
// has exactly one member. Expiry is evaluated lazily on access, so a key
// whose TTL elapsed behaves exactly as if it were absent.
//
// Thread-safe for concurrent use by multiple goroutines.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// now is swappable so tests can control the clock.
	now func() time.Time
}

type memEntry struct {
	owner     string
	expiresAt time.Time
}

// NewMemStore creates an empty in-memory lock store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Tests use this to step through
// TTL expiry without sleeping.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// live reports whether the entry for key exists and has not expired.
// Caller must hold s.mu.
func (s *MemStore) live(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

// SetIfAbsent implements Store.
func (s *MemStore) SetIfAbsent(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = memEntry{owner: owner, expiresAt: s.now().Add(ttl)}
	return true, nil
}

// CompareAndExtend implements Store.
func (s *MemStore) CompareAndExtend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.owner != owner {
		return false, nil
	}
	s.entries[key] = memEntry{owner: owner, expiresAt: s.now().Add(ttl)}
	return true, nil
}

// CompareAndDelete implements Store.
func (s *MemStore) CompareAndDelete(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.owner != owner {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Delete implements Store.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return e.owner, true, nil
}
