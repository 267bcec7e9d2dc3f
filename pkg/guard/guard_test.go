package guard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/checkproof/go-checkout-attest/pkg/guard"
	"github.com/checkproof/go-checkout-attest/pkg/storage"
)

// failingStore simulates an unavailable backend.
type failingStore struct{}

func (failingStore) ClaimOnce(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("store unavailable")
}

func (failingStore) IncrementWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store unavailable")
}

func TestReplayGuard(t *testing.T) {
	t.Run("issuance slot claims once", func(t *testing.T) {
		g := guard.NewReplayGuard(storage.NewMemoryStore(), nil)

		assert.True(t, g.ClaimNonceIssuance(context.Background(), "m-1", 1700000000000, "hash", time.Minute))
		assert.False(t, g.ClaimNonceIssuance(context.Background(), "m-1", 1700000000000, "hash", time.Minute))
	})

	t.Run("issuance slots are distinct per tuple", func(t *testing.T) {
		g := guard.NewReplayGuard(storage.NewMemoryStore(), nil)

		assert.True(t, g.ClaimNonceIssuance(context.Background(), "m-1", 1700000000000, "hash", time.Minute))
		assert.True(t, g.ClaimNonceIssuance(context.Background(), "m-1", 1700000000001, "hash", time.Minute))
		assert.True(t, g.ClaimNonceIssuance(context.Background(), "m-2", 1700000000000, "hash", time.Minute))
		assert.True(t, g.ClaimNonceIssuance(context.Background(), "m-1", 1700000000000, "other", time.Minute))
	})

	t.Run("proof slot claims once", func(t *testing.T) {
		g := guard.NewReplayGuard(storage.NewMemoryStore(), nil)

		assert.True(t, g.ClaimProof(context.Background(), "m-1", "nonce-hash", time.Minute))
		assert.False(t, g.ClaimProof(context.Background(), "m-1", "nonce-hash", time.Minute))
	})

	t.Run("store failure denies the claim", func(t *testing.T) {
		g := guard.NewReplayGuard(failingStore{}, nil)

		assert.False(t, g.ClaimProof(context.Background(), "m-1", "nonce-hash", time.Minute))
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows up to maxAttempts in a window", func(t *testing.T) {
		l := guard.NewRateLimiter(storage.NewMemoryStore(), nil)

		for i := 0; i < 3; i++ {
			assert.True(t, l.Allow(context.Background(), "velocity:m-1:100", time.Minute, 3))
		}
		assert.False(t, l.Allow(context.Background(), "velocity:m-1:100", time.Minute, 3))
	})

	t.Run("windows are independent per key", func(t *testing.T) {
		l := guard.NewRateLimiter(storage.NewMemoryStore(), nil)

		assert.True(t, l.Allow(context.Background(), "velocity:m-1:100", time.Minute, 1))
		assert.False(t, l.Allow(context.Background(), "velocity:m-1:100", time.Minute, 1))
		assert.True(t, l.Allow(context.Background(), "velocity:m-1:101", time.Minute, 1))
	})

	t.Run("store failure denies", func(t *testing.T) {
		l := guard.NewRateLimiter(failingStore{}, nil)

		assert.False(t, l.Allow(context.Background(), "velocity:m-1:100", time.Minute, 100))
	})
}
