// Package merchant resolves merchant identity, trust material and risk policy.
// Profiles are loaded once at process start and immutable thereafter; there is no
// online rotation path.
package merchant

import (
	"time"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/ldclabs/cose/key"
)

// VelocityPolicy bounds verification attempts per merchant within a rolling window.
type VelocityPolicy struct {
	Window      time.Duration
	MaxAttempts int64
}

// Profile is the resolved merchant: identity, trust material, network identity and
// risk policy. Instances are shared read-only; the registry owns them.
type Profile struct {
	ID   string
	Name string

	// Trust material. PrivateKey signs visual nonces, PublicKey verifies them.
	// SessionSecret (optional) keys the device-proof HMAC. OTPSecret (optional,
	// base32) seeds one-time codes. WebAuthnCredential (optional) is the stored
	// COSE public key used for genuine assertion-signature verification.
	PrivateKey         *ec.PrivateKey
	PublicKey          *ec.PublicKey
	SessionSecret      []byte
	OTPSecret          string
	WebAuthnCredential key.Key

	// Network identity.
	AllowedOrigins []string
	AllowedHosts   []string
	DNSAttestation []string

	// Risk policy.
	StepUpAmount          float64
	ReplayTTL             time.Duration
	Velocity              VelocityPolicy
	RequireDNSAttestation bool
}

// HasSessionSecret reports whether device proofs must carry an HMAC.
func (p *Profile) HasSessionSecret() bool {
	return len(p.SessionSecret) > 0
}

// HasWebAuthnCredential reports whether assertion signatures can be verified
// against a stored credential public key.
func (p *Profile) HasWebAuthnCredential() bool {
	return p.WebAuthnCredential != nil
}
