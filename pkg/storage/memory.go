package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process KeyValueStore for non-distributed deployments.
// A single mutex guards both the claim set and the counters, which gives the same
// at-most-one-winner guarantee the distributed backend provides via SetNX.
type MemoryStore struct {
	mu       sync.Mutex
	claims   map[string]time.Time
	counters map[string]*counterEntry
	now      func() time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:   make(map[string]time.Time),
		counters: make(map[string]*counterEntry),
		now:      time.Now,
	}
}

// ClaimOnce implements KeyValueStore.
func (s *MemoryStore) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, exists := s.claims[key]; exists && now.Before(expiry) {
		return false, nil
	}

	s.claims[key] = now.Add(ttl)
	s.sweepLocked(now)
	return true, nil
}

// IncrementWithExpiry implements KeyValueStore.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, exists := s.counters[key]
	if !exists || now.After(entry.expiresAt) {
		entry = &counterEntry{}
		s.counters[key] = entry
	}

	entry.count++
	entry.expiresAt = now.Add(ttl)
	return entry.count, nil
}

// sweepLocked drops expired claims so long-lived processes do not accumulate keys.
// Counters are bounded by their window keys and overwritten in place.
func (s *MemoryStore) sweepLocked(now time.Time) {
	if len(s.claims) < sweepThreshold {
		return
	}
	for key, expiry := range s.claims {
		if now.After(expiry) {
			delete(s.claims, key)
		}
	}
}

const sweepThreshold = 1024
