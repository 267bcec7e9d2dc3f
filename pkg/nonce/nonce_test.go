package nonce_test

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/go-softwarelab/common/pkg/slogx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkproof/go-checkout-attest/pkg/guard"
	"github.com/checkproof/go-checkout-attest/pkg/internal/testabilities"
	"github.com/checkproof/go-checkout-attest/pkg/nonce"
	"github.com/checkproof/go-checkout-attest/pkg/storage"
)

func newNonceService(t *testing.T) *nonce.Service {
	t.Helper()

	logger := slogx.NewTestLogger(t)
	return nonce.NewService(guard.NewReplayGuard(storage.NewMemoryStore(), logger), logger)
}

func TestDeriveNonceBytes(t *testing.T) {
	const intentHash = "aa11"

	t.Run("is deterministic", func(t *testing.T) {
		first := nonce.DeriveNonceBytes("m1", "https://shop.example.com", 1700000000000, intentHash)
		second := nonce.DeriveNonceBytes("m1", "https://shop.example.com", 1700000000000, intentHash)

		assert.Equal(t, first, second)
		assert.Len(t, first, 32)
	})

	t.Run("every input changes the digest", func(t *testing.T) {
		base := nonce.DeriveNonceBytes("m1", "https://shop.example.com", 1700000000000, intentHash)

		assert.NotEqual(t, base, nonce.DeriveNonceBytes("m2", "https://shop.example.com", 1700000000000, intentHash))
		assert.NotEqual(t, base, nonce.DeriveNonceBytes("m1", "https://evil.example.com", 1700000000000, intentHash))
		assert.NotEqual(t, base, nonce.DeriveNonceBytes("m1", "https://shop.example.com", 1700000000001, intentHash))
		assert.NotEqual(t, base, nonce.DeriveNonceBytes("m1", "https://shop.example.com", 1700000000000, "bb22"))
	})

	t.Run("empty merchant id is a distinct input", func(t *testing.T) {
		withID := nonce.DeriveNonceBytes("m1", "https://shop.example.com", 1700000000000, intentHash)
		withoutID := nonce.DeriveNonceBytes("", "https://shop.example.com", 1700000000000, intentHash)

		assert.NotEqual(t, withID, withoutID)
	})
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	given := testabilities.Given(t)
	service := newNonceService(t)
	profile := given.Profile()

	ts := time.Now().UnixMilli()
	intentHash := testabilities.DefaultIntent().Hash()

	signature, err := service.Issue(context.Background(), profile,
		profile.ID, testabilities.DefaultOrigin, ts, intentHash)
	require.NoError(t, err)
	require.NotEmpty(t, signature)

	nonceBytes := nonce.DeriveNonceBytes(profile.ID, testabilities.DefaultOrigin, ts, intentHash)
	nonceHex := hex.EncodeToString(nonceBytes)
	nonceHash := nonce.HashNonce(nonceBytes)

	t.Run("verifies the issued signature", func(t *testing.T) {
		err := service.Verify(profile, nonceBytes, nonceHex, nonceHash, signature)

		assert.NoError(t, err)
	})

	t.Run("second issuance for the same tuple is refused", func(t *testing.T) {
		_, err := service.Issue(context.Background(), profile,
			profile.ID, testabilities.DefaultOrigin, ts, intentHash)

		assert.ErrorIs(t, err, nonce.ErrIssuanceReplay)
	})

	t.Run("different timestamp issues again", func(t *testing.T) {
		_, err := service.Issue(context.Background(), profile,
			profile.ID, testabilities.DefaultOrigin, ts+1, intentHash)

		assert.NoError(t, err)
	})

	t.Run("tampered nonce fails with mismatch", func(t *testing.T) {
		tampered := hex.EncodeToString(nonce.DeriveNonceBytes(profile.ID, testabilities.DefaultOrigin, ts+5, intentHash))

		err := service.Verify(profile, nonceBytes, tampered, nonceHash, signature)

		assert.ErrorIs(t, err, nonce.ErrNonceMismatch)
	})

	t.Run("tampered hash fails with hash mismatch", func(t *testing.T) {
		err := service.Verify(profile, nonceBytes, nonceHex, nonce.HashNonce([]byte("other")), signature)

		assert.ErrorIs(t, err, nonce.ErrNonceHashMismatch)
	})

	t.Run("non-base64url signature fails", func(t *testing.T) {
		err := service.Verify(profile, nonceBytes, nonceHex, nonceHash, "!!not-base64url!!")

		assert.ErrorIs(t, err, nonce.ErrSignatureInvalid)
	})

	t.Run("non-DER signature fails", func(t *testing.T) {
		garbage := base64.RawURLEncoding.EncodeToString([]byte("garbage"))

		err := service.Verify(profile, nonceBytes, nonceHex, nonceHash, garbage)

		assert.ErrorIs(t, err, nonce.ErrSignatureInvalid)
	})

	t.Run("signature over different bytes fails", func(t *testing.T) {
		otherBytes := nonce.DeriveNonceBytes(profile.ID, testabilities.DefaultOrigin, ts+9, intentHash)
		otherSig, err := profile.PrivateKey.Sign(otherBytes)
		require.NoError(t, err)

		err = service.Verify(profile, nonceBytes, nonceHex, nonceHash,
			base64.RawURLEncoding.EncodeToString(otherSig.Serialize()))

		assert.ErrorIs(t, err, nonce.ErrSignatureInvalid)
	})
}

func TestCheckSkew(t *testing.T) {
	service := newNonceService(t)

	t.Run("accepts current timestamp", func(t *testing.T) {
		assert.NoError(t, service.CheckSkew(time.Now().UnixMilli()))
	})

	t.Run("accepts drift inside the window", func(t *testing.T) {
		assert.NoError(t, service.CheckSkew(time.Now().Add(-time.Minute).UnixMilli()))
		assert.NoError(t, service.CheckSkew(time.Now().Add(time.Minute).UnixMilli()))
	})

	t.Run("rejects drift outside the window either way", func(t *testing.T) {
		past := time.Now().Add(-nonce.MaxTimestampSkew - time.Second).UnixMilli()
		future := time.Now().Add(nonce.MaxTimestampSkew + time.Second).UnixMilli()

		assert.ErrorIs(t, service.CheckSkew(past), nonce.ErrStaleTimestamp)
		assert.ErrorIs(t, service.CheckSkew(future), nonce.ErrStaleTimestamp)
	})

	t.Run("issue refuses a stale timestamp before claiming", func(t *testing.T) {
		given := testabilities.Given(t)
		stale := time.Now().Add(-10 * time.Minute).UnixMilli()

		_, err := service.Issue(context.Background(), given.Profile(),
			given.Profile().ID, testabilities.DefaultOrigin, stale, "aa11")

		assert.ErrorIs(t, err, nonce.ErrStaleTimestamp)
	})
}
