// Package guard implements the claim-once replay protection and fixed-window rate
// limiting used by the verification pipeline. Both fail closed: when the backing
// store errors, the answer is "deny", never "allow".
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/storage"
)

// ReplayGuard prevents a nonce from being issued twice and a proof from being
// submitted twice. Failure to claim is a definitive replay verdict, not an error.
type ReplayGuard struct {
	store  storage.KeyValueStore
	logger *slog.Logger
}

// NewReplayGuard creates a replay guard on top of the given store.
func NewReplayGuard(store storage.KeyValueStore, logger *slog.Logger) *ReplayGuard {
	return &ReplayGuard{
		store:  store,
		logger: logging.Child(logger, "replay-guard"),
	}
}

// ClaimNonceIssuance claims the issuance slot for (merchant, timestamp, intentHash).
// Returns false when an identical nonce was already issued within the TTL window.
func (g *ReplayGuard) ClaimNonceIssuance(ctx context.Context, merchantID string, timestampMs int64, intentHash string, ttl time.Duration) bool {
	key := fmt.Sprintf("issue:%s:%d:%s", merchantID, timestampMs, intentHash)
	return g.claim(ctx, key, ttl)
}

// ClaimProof claims the consumption slot for (merchant, nonceHash). Returns false
// when a proof carrying the same nonce hash was already accepted or rejected.
func (g *ReplayGuard) ClaimProof(ctx context.Context, merchantID, nonceHash string, ttl time.Duration) bool {
	key := fmt.Sprintf("proof:%s:%s", merchantID, nonceHash)
	return g.claim(ctx, key, ttl)
}

func (g *ReplayGuard) claim(ctx context.Context, key string, ttl time.Duration) bool {
	claimed, err := g.store.ClaimOnce(ctx, key, ttl)
	if err != nil {
		// Store failure must not open a replay window.
		g.logger.Error("claim failed, denying", slog.String("key", key), logging.Error(err))
		return false
	}

	return claimed
}
