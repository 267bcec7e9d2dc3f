// Package nonce implements the visual nonce protocol: deterministic derivation,
// server-side signing at issuance, and full recomputation at verification. The
// nonce is not random; both sides derive it from the same four inputs and must
// obtain byte-identical output, which is what binds a proof to a domain and a
// specific payment intent.
package nonce

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/guard"
	"github.com/checkproof/go-checkout-attest/pkg/merchant"
)

// MaxTimestampSkew is how far a client timestamp may drift from server time
// before issuance or verification is refused.
const MaxTimestampSkew = 120 * time.Second

var (
	// ErrStaleTimestamp is returned when the client timestamp is outside the skew window.
	ErrStaleTimestamp = errors.New("timestamp is outside the allowed skew window")

	// ErrIssuanceReplay is returned when a nonce for the same (merchant, timestamp,
	// intent hash) tuple was already issued within the replay TTL.
	ErrIssuanceReplay = errors.New("nonce already issued for this intent and timestamp")

	// ErrNonceMismatch is returned when the provided nonce differs from the recomputed one.
	ErrNonceMismatch = errors.New("provided nonce does not match recomputed nonce")

	// ErrNonceHashMismatch is returned when the provided nonce hash differs from the
	// recomputed one.
	ErrNonceHashMismatch = errors.New("provided nonce hash does not match recomputed hash")

	// ErrSignatureInvalid is returned when the signature does not verify against the
	// merchant public key.
	ErrSignatureInvalid = errors.New("nonce signature does not verify against merchant key")
)

// DeriveNonceBytes computes the deterministic nonce digest over the pipe-joined
// fields. merchantID may be empty when the client did not supply one; the same
// value must be used on both sides.
func DeriveNonceBytes(merchantID, origin string, timestampMs int64, intentHash string) []byte {
	preimage := fmt.Sprintf("%s|%s|%d|%s", merchantID, origin, timestampMs, intentHash)
	sum := sha256.Sum256([]byte(preimage))
	return sum[:]
}

// HashNonce returns the hex digest of the nonce bytes, the value carried on the
// wire as visualNonceHash and used as the proof-replay key.
func HashNonce(nonceBytes []byte) string {
	sum := sha256.Sum256(nonceBytes)
	return hex.EncodeToString(sum[:])
}

// Service issues and verifies signed visual nonces for resolved merchants.
type Service struct {
	replay *guard.ReplayGuard
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a nonce service backed by the given replay guard.
func NewService(replay *guard.ReplayGuard, logger *slog.Logger) *Service {
	return &Service{
		replay: replay,
		logger: logging.Child(logger, "nonce-protocol"),
		now:    time.Now,
	}
}

// Issue derives the nonce for the given inputs and returns its detached signature
// (base64url DER) produced with the merchant private key. Issuance is single-use:
// the (merchant, timestamp, intentHash) slot is claimed before signing.
func (s *Service) Issue(ctx context.Context, profile *merchant.Profile, merchantID, origin string, timestampMs int64, intentHash string) (string, error) {
	if err := s.CheckSkew(timestampMs); err != nil {
		return "", err
	}

	if !s.replay.ClaimNonceIssuance(ctx, profile.ID, timestampMs, intentHash, profile.ReplayTTL) {
		return "", ErrIssuanceReplay
	}

	nonceBytes := DeriveNonceBytes(merchantID, origin, timestampMs, intentHash)
	signature, err := profile.PrivateKey.Sign(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("failed to sign nonce: %w", err)
	}

	s.logger.Debug("issued visual nonce",
		logging.Merchant(profile.ID),
		slog.String("nonceHash", HashNonce(nonceBytes)))

	return base64.RawURLEncoding.EncodeToString(signature.Serialize()), nil
}

// Verify independently recomputes the nonce from the request inputs and checks the
// provided nonce, hash and signature against it. Each field failure carries its
// own sentinel so the pipeline can report a distinct reason code.
func (s *Service) Verify(profile *merchant.Profile, recomputed []byte, providedNonce, providedHash, providedSig string) error {
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(recomputed)), []byte(providedNonce)) != 1 {
		return ErrNonceMismatch
	}

	if subtle.ConstantTimeCompare([]byte(HashNonce(recomputed)), []byte(providedHash)) != 1 {
		return ErrNonceHashMismatch
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(providedSig)
	if err != nil {
		return ErrSignatureInvalid
	}

	signature, err := ec.ParseDERSignature(sigBytes)
	if err != nil {
		return ErrSignatureInvalid
	}

	if !signature.Verify(recomputed, profile.PublicKey) {
		return ErrSignatureInvalid
	}

	return nil
}

// CheckSkew validates that a client timestamp is within the allowed skew window.
func (s *Service) CheckSkew(timestampMs int64) error {
	delta := s.now().UnixMilli() - timestampMs
	if delta < 0 {
		delta = -delta
	}
	if delta > MaxTimestampSkew.Milliseconds() {
		return ErrStaleTimestamp
	}

	return nil
}
