// Package factors implements the server-side factor verifiers (platform
// authenticator assertion, one-time code, and device fingerprint proof) and the
// derivations shared with the client orchestrator.
package factors

import (
	goecdsa "crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	coseecdsa "github.com/ldclabs/cose/key/ecdsa"

	"github.com/checkproof/go-checkout-attest/pkg/merchant"
)

// Assertion failure modes, each mapped to its own reason code by the pipeline.
var (
	ErrAssertionMissing          = errors.New("webauthn assertion is missing")
	ErrAssertionMalformed        = errors.New("webauthn assertion is malformed")
	ErrAssertionTypeMismatch     = errors.New("client data type is not webauthn.get")
	ErrAssertionOriginMismatch   = errors.New("client data origin does not match the validated domain")
	ErrChallengeMismatch         = errors.New("client data challenge does not match the recomputed challenge")
	ErrRelyingPartyMismatch      = errors.New("authenticator rp id hash does not match the verifying domain")
	ErrAuthenticatorFlagsInvalid = errors.New("authenticator did not report user presence and verification")
	ErrAssertionSignatureInvalid = errors.New("assertion signature does not verify against the stored credential")
)

// AssertionProof carries the platform authenticator response fields, base64url.
type AssertionProof struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature,omitempty"`
}

type collectedClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// AuthDataFlag is the flags byte of WebAuthn authenticator data.
type AuthDataFlag byte

const (
	AuthDataFlagUserPresent AuthDataFlag = 1 << iota
	_
	AuthDataFlagUserVerified
)

func (f AuthDataFlag) UserPresent() bool  { return f&AuthDataFlagUserPresent != 0 }
func (f AuthDataFlag) UserVerified() bool { return f&AuthDataFlagUserVerified != 0 }

// authenticatorDataMinLen covers rpIdHash (32) + flags (1) + signCount (4).
const authenticatorDataMinLen = 37

// DeriveChallenge computes the expected assertion challenge. The client places it
// into the authenticator request; the server recomputes it from the already
// validated request fields, which binds the assertion to merchant, domain,
// timestamp, intent and nonce at once.
func DeriveChallenge(merchantID, domain string, timestampMs int64, intentHash, nonceHash string) string {
	preimage := fmt.Sprintf("%s|%s|%d|%s|%s", merchantID, domain, timestampMs, intentHash, nonceHash)
	sum := sha256.Sum256([]byte(preimage))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyAssertion checks structure, origin, challenge, relying-party binding and
// authenticator flags. When the merchant profile carries a stored credential
// public key, the assertion signature is verified against it as well; without one
// only the structural checks run.
func VerifyAssertion(profile *merchant.Profile, proof *AssertionProof, domainOrigin, rpID, merchantID string, timestampMs int64, intentHash, nonceHash string) error {
	if proof == nil || proof.ClientDataJSON == "" || proof.AuthenticatorData == "" {
		return ErrAssertionMissing
	}

	clientDataRaw, err := base64.RawURLEncoding.DecodeString(proof.ClientDataJSON)
	if err != nil {
		return ErrAssertionMalformed
	}

	var clientData collectedClientData
	if err := json.Unmarshal(clientDataRaw, &clientData); err != nil {
		return ErrAssertionMalformed
	}

	if clientData.Type != "webauthn.get" {
		return ErrAssertionTypeMismatch
	}

	if clientData.Origin != domainOrigin {
		return ErrAssertionOriginMismatch
	}

	expectedChallenge := DeriveChallenge(merchantID, domainOrigin, timestampMs, intentHash, nonceHash)
	if clientData.Challenge != expectedChallenge {
		return ErrChallengeMismatch
	}

	authData, err := base64.RawURLEncoding.DecodeString(proof.AuthenticatorData)
	if err != nil || len(authData) < authenticatorDataMinLen {
		return ErrAssertionMalformed
	}

	expectedRPHash := sha256.Sum256([]byte(rpID))
	if string(authData[:32]) != string(expectedRPHash[:]) {
		return ErrRelyingPartyMismatch
	}

	flags := AuthDataFlag(authData[32])
	if !flags.UserPresent() || !flags.UserVerified() {
		return ErrAuthenticatorFlagsInvalid
	}

	if profile.HasWebAuthnCredential() {
		return verifyAssertionSignature(profile, proof.Signature, authData, clientDataRaw)
	}

	return nil
}

// verifyAssertionSignature checks the ES256 signature over
// authenticatorData || SHA-256(clientDataJSON) against the stored COSE key.
func verifyAssertionSignature(profile *merchant.Profile, signature string, authData, clientDataRaw []byte) error {
	if signature == "" {
		return ErrAssertionSignatureInvalid
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrAssertionSignatureInvalid
	}

	pubKey, err := coseecdsa.KeyToPublic(profile.WebAuthnCredential)
	if err != nil {
		return ErrAssertionSignatureInvalid
	}

	clientDataHash := sha256.Sum256(clientDataRaw)
	signedData := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signedData)

	if !goecdsa.VerifyASN1(pubKey, digest[:], sigBytes) {
		return ErrAssertionSignatureInvalid
	}

	return nil
}

// SignCount extracts the authenticator signature counter from raw authenticator
// data. Exposed for event auditing; not part of the accept/reject decision.
func SignCount(authData []byte) uint32 {
	if len(authData) < authenticatorDataMinLen {
		return 0
	}
	return binary.BigEndian.Uint32(authData[33:37])
}
