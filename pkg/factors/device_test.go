package factors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/checkproof/go-checkout-attest/pkg/factors"
	"github.com/checkproof/go-checkout-attest/pkg/merchant"
)

func testHints() factors.ClientHints {
	return factors.ClientHints{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		Language:  "en-US",
		Platform:  "Linux",
		Screen:    factors.ScreenSize{Width: 1920, Height: 1080},
	}
}

func TestDeriveDeviceHash(t *testing.T) {
	const intentHash = "aa11"

	t.Run("is deterministic", func(t *testing.T) {
		assert.Equal(t,
			factors.DeriveDeviceHash(testHints(), intentHash),
			factors.DeriveDeviceHash(testHints(), intentHash))
	})

	t.Run("binds hints and intent", func(t *testing.T) {
		base := factors.DeriveDeviceHash(testHints(), intentHash)

		changed := testHints()
		changed.UserAgent = "curl/8.0"
		assert.NotEqual(t, base, factors.DeriveDeviceHash(changed, intentHash))

		changed = testHints()
		changed.Screen.Width = 800
		assert.NotEqual(t, base, factors.DeriveDeviceHash(changed, intentHash))

		assert.NotEqual(t, base, factors.DeriveDeviceHash(testHints(), "bb22"))
	})
}

func TestVerifyDeviceProof(t *testing.T) {
	const intentHash = "aa11"
	secret := []byte("session-secret")

	plainProfile := &merchant.Profile{ID: "m1"}
	secretProfile := &merchant.Profile{ID: "m1", SessionSecret: secret}

	t.Run("accepts matching hash without session secret", func(t *testing.T) {
		proof := &factors.DeviceProof{Hash: factors.DeriveDeviceHash(testHints(), intentHash)}

		assert.NoError(t, factors.VerifyDeviceProof(plainProfile, proof, testHints(), intentHash))
	})

	t.Run("accepts matching hash and hmac with session secret", func(t *testing.T) {
		hash := factors.DeriveDeviceHash(testHints(), intentHash)
		proof := &factors.DeviceProof{Hash: hash, Proof: factors.DeriveDeviceProof(secret, hash)}

		assert.NoError(t, factors.VerifyDeviceProof(secretProfile, proof, testHints(), intentHash))
	})

	t.Run("nil proof fails", func(t *testing.T) {
		err := factors.VerifyDeviceProof(plainProfile, nil, testHints(), intentHash)

		assert.ErrorIs(t, err, factors.ErrDeviceHashMismatch)
	})

	t.Run("hash for different hints fails", func(t *testing.T) {
		otherHints := testHints()
		otherHints.Platform = "Win32"
		proof := &factors.DeviceProof{Hash: factors.DeriveDeviceHash(otherHints, intentHash)}

		err := factors.VerifyDeviceProof(plainProfile, proof, testHints(), intentHash)

		assert.ErrorIs(t, err, factors.ErrDeviceHashMismatch)
	})

	t.Run("hash for different intent fails", func(t *testing.T) {
		proof := &factors.DeviceProof{Hash: factors.DeriveDeviceHash(testHints(), "bb22")}

		err := factors.VerifyDeviceProof(plainProfile, proof, testHints(), intentHash)

		assert.ErrorIs(t, err, factors.ErrDeviceHashMismatch)
	})

	t.Run("missing hmac fails when secret is configured", func(t *testing.T) {
		proof := &factors.DeviceProof{Hash: factors.DeriveDeviceHash(testHints(), intentHash)}

		err := factors.VerifyDeviceProof(secretProfile, proof, testHints(), intentHash)

		assert.ErrorIs(t, err, factors.ErrDeviceProofInvalid)
	})

	t.Run("hmac under a different secret fails", func(t *testing.T) {
		hash := factors.DeriveDeviceHash(testHints(), intentHash)
		proof := &factors.DeviceProof{Hash: hash, Proof: factors.DeriveDeviceProof([]byte("other"), hash)}

		err := factors.VerifyDeviceProof(secretProfile, proof, testHints(), intentHash)

		assert.ErrorIs(t, err, factors.ErrDeviceProofInvalid)
	})

	t.Run("hmac is ignored without a secret", func(t *testing.T) {
		hash := factors.DeriveDeviceHash(testHints(), intentHash)
		proof := &factors.DeviceProof{Hash: hash, Proof: "whatever"}

		assert.NoError(t, factors.VerifyDeviceProof(plainProfile, proof, testHints(), intentHash))
	})
}
