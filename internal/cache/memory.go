// Package cache provides the in-process response cache for proxied upstreams.
//
// Entries carry the upstream status, content type and body, and expire after
// a per-entry TTL. Expired entries are removed lazily on read; Set sweeps the
// whole table once it grows past a threshold. The bound is best-effort: the
// sweep slows growth, it does not enforce a hard cap.
package cache

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold is the table size above which Set evicts all expired
// entries before inserting.
const sweepThreshold = 500

type memItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore is an in-process TTL cache safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memItem)}
}

// Get returns the cached entry for key. Returns (Entry{}, false) on a miss
// or if the entry has expired. Expired entries are removed lazily on access.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return Entry{}, false
	}

	if time.Now().After(item.expiresAt) {
		// Lazy expiry: drop the stale entry without blocking readers.
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return Entry{}, false
	}

	return item.entry, true
}

// Set stores e under key for the duration of ttl, replacing any previous
// entry for the same key. A zero or negative ttl is treated as 5 minutes.
func (s *MemoryStore) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	now := time.Now()

	s.mu.Lock()
	if len(s.items) > sweepThreshold {
		for k, v := range s.items {
			if now.After(v.expiresAt) {
				delete(s.items, k)
			}
		}
	}
	s.items[key] = memItem{entry: e, expiresAt: now.Add(ttl)}
	s.mu.Unlock()

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
