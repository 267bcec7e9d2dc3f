// Package storage provides the key-value capability backing replay protection and
// rate limiting. Both operations must stay atomic under concurrent requests, so the
// interface is deliberately narrow: claim-once insertion and windowed counters.
package storage

import (
	"context"
	"time"
)

// KeyValueStore is the single capability shared by the replay guard and the rate
// limiter. Call sites never know which backend is active.
type KeyValueStore interface {
	// ClaimOnce atomically inserts key if absent and schedules expiry after ttl.
	// It returns true only for the first successful insert within the TTL window.
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IncrementWithExpiry atomically increments the counter stored under key,
	// refreshes its expiry to ttl, and returns the post-increment count.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
