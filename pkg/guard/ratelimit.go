package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/storage"
)

// RateLimiter provides fixed-window counters keyed by the caller. Keys are expected
// to already carry their time bucket (e.g. "velocity:<merchant>:<windowIndex>"), so
// a fresh key starts a fresh window.
type RateLimiter struct {
	store  storage.KeyValueStore
	logger *slog.Logger
}

// NewRateLimiter creates a rate limiter on top of the given store.
func NewRateLimiter(store storage.KeyValueStore, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		store:  store,
		logger: logging.Child(logger, "rate-limiter"),
	}
}

// Allow increments the counter under key, refreshes its expiry to window, and
// reports whether the post-increment count is within maxAttempts. Store failures
// deny (fail closed).
func (l *RateLimiter) Allow(ctx context.Context, key string, window time.Duration, maxAttempts int64) bool {
	count, err := l.store.IncrementWithExpiry(ctx, key, window)
	if err != nil {
		l.logger.Error("increment failed, denying", slog.String("key", key), logging.Error(err))
		return false
	}

	return count <= maxAttempts
}
