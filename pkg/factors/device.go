package factors

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/checkproof/go-checkout-attest/pkg/merchant"
)

var (
	// ErrDeviceHashMismatch is returned when the recomputed fingerprint differs from
	// the claimed device hash.
	ErrDeviceHashMismatch = errors.New("recomputed device fingerprint does not match claimed hash")

	// ErrDeviceProofInvalid is returned when the session-secret HMAC over the device
	// hash does not match the claimed proof.
	ErrDeviceProofInvalid = errors.New("device proof hmac does not match")
)

// ClientHints are the request-supplied environment hints the fingerprint is
// derived from.
type ClientHints struct {
	UserAgent string     `json:"userAgent"`
	Language  string     `json:"language"`
	Platform  string     `json:"platform"`
	Mobile    bool       `json:"mobile"`
	Screen    ScreenSize `json:"screen"`
}

// ScreenSize is the reported viewport in CSS pixels.
type ScreenSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DeviceProof is the claimed fingerprint and, when the merchant has a session
// secret, the HMAC over it.
type DeviceProof struct {
	Hash  string `json:"hash"`
	Proof string `json:"proof,omitempty"`
}

// DeriveDeviceHash computes the device fingerprint digest from client hints and
// the intent hash. Both sides must derive it identically.
func DeriveDeviceHash(hints ClientHints, intentHash string) string {
	preimage := fmt.Sprintf("%s|%s|%s|%dx%d|%s",
		hints.UserAgent, hints.Language, hints.Platform,
		hints.Screen.Width, hints.Screen.Height, intentHash)
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// DeriveDeviceProof computes the session-secret HMAC over a device hash.
func DeriveDeviceProof(sessionSecret []byte, deviceHash string) string {
	mac := hmac.New(sha256.New, sessionSecret)
	mac.Write([]byte(deviceHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyDeviceProof recomputes the fingerprint from the request hints and checks
// it against the claim; with a configured session secret the HMAC proof must
// match as well.
func VerifyDeviceProof(profile *merchant.Profile, proof *DeviceProof, hints ClientHints, intentHash string) error {
	if proof == nil || proof.Hash == "" {
		return ErrDeviceHashMismatch
	}

	expected := DeriveDeviceHash(hints, intentHash)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(proof.Hash)) != 1 {
		return ErrDeviceHashMismatch
	}

	if profile.HasSessionSecret() {
		expectedProof := DeriveDeviceProof(profile.SessionSecret, proof.Hash)
		if subtle.ConstantTimeCompare([]byte(expectedProof), []byte(proof.Proof)) != 1 {
			return ErrDeviceProofInvalid
		}
	}

	return nil
}
