package merchant

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/key"
)

// Defaults applied when a profile config leaves policy fields unset.
const (
	DefaultReplayTTLSeconds      = 300
	DefaultVelocityWindowSeconds = 60
	DefaultVelocityMaxAttempts   = 30
)

// ErrNoProfiles is returned when a config document contains no merchants.
var ErrNoProfiles = errors.New("merchant config contains no profiles")

// ProfileConfig is the on-disk shape of a merchant profile. Key material is parsed
// at load time; a profile with unparsable keys rejects the whole load (fail closed,
// not per-request).
type ProfileConfig struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	PrivateKeyHex      string   `json:"privateKeyHex"`
	SessionSecretHex   string   `json:"sessionSecretHex,omitempty"`
	OTPSecret          string   `json:"otpSecret,omitempty"`
	WebAuthnCredential string   `json:"webauthnCredential,omitempty"`
	AllowedOrigins     []string `json:"allowedOrigins"`
	AllowedHosts       []string `json:"allowedHosts"`
	DNSAttestation     []string `json:"dnsAttestation,omitempty"`

	StepUpAmount          float64 `json:"stepUpAmount"`
	ReplayTTLSeconds      int     `json:"replayTtlSeconds,omitempty"`
	VelocityWindowSeconds int     `json:"velocityWindowSeconds,omitempty"`
	VelocityMaxAttempts   int64   `json:"velocityMaxAttempts,omitempty"`
	RequireDNSAttestation bool    `json:"requireDnsAttestation,omitempty"`
}

type configDocument struct {
	Merchants []ProfileConfig `json:"merchants"`
}

// LoadRegistryFromFile reads a JSON config document and builds the registry.
func LoadRegistryFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read merchant config: %w", err)
	}

	return LoadRegistry(data)
}

// LoadRegistry builds the registry from raw JSON config bytes.
func LoadRegistry(data []byte) (*Registry, error) {
	var doc configDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid merchant config: %w", err)
	}

	if len(doc.Merchants) == 0 {
		return nil, ErrNoProfiles
	}

	profiles := make([]*Profile, 0, len(doc.Merchants))
	for _, cfg := range doc.Merchants {
		profile, err := BuildProfile(cfg)
		if err != nil {
			return nil, fmt.Errorf("merchant %q: %w", cfg.ID, err)
		}
		profiles = append(profiles, profile)
	}

	return NewRegistry(profiles), nil
}

// BuildProfile validates a single profile config and parses its key material.
func BuildProfile(cfg ProfileConfig) (*Profile, error) {
	if cfg.ID == "" {
		return nil, errors.New("profile id is required")
	}
	if len(cfg.AllowedOrigins) == 0 && len(cfg.AllowedHosts) == 0 {
		return nil, errors.New("profile needs at least one allowed origin or host")
	}

	privKey, err := ec.PrivateKeyFromHex(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	profile := &Profile{
		ID:             cfg.ID,
		Name:           cfg.Name,
		PrivateKey:     privKey,
		PublicKey:      privKey.PubKey(),
		OTPSecret:      cfg.OTPSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHosts:   cfg.AllowedHosts,
		DNSAttestation: cfg.DNSAttestation,

		StepUpAmount:          cfg.StepUpAmount,
		ReplayTTL:             secondsOrDefault(cfg.ReplayTTLSeconds, DefaultReplayTTLSeconds),
		RequireDNSAttestation: cfg.RequireDNSAttestation,
		Velocity: VelocityPolicy{
			Window:      secondsOrDefault(cfg.VelocityWindowSeconds, DefaultVelocityWindowSeconds),
			MaxAttempts: cfg.VelocityMaxAttempts,
		},
	}
	if profile.Velocity.MaxAttempts <= 0 {
		profile.Velocity.MaxAttempts = DefaultVelocityMaxAttempts
	}

	if cfg.SessionSecretHex != "" {
		secret, err := hex.DecodeString(cfg.SessionSecretHex)
		if err != nil {
			return nil, fmt.Errorf("invalid session secret: %w", err)
		}
		profile.SessionSecret = secret
	}

	if cfg.WebAuthnCredential != "" {
		credential, err := parseCredentialKey(cfg.WebAuthnCredential)
		if err != nil {
			return nil, fmt.Errorf("invalid webauthn credential: %w", err)
		}
		profile.WebAuthnCredential = credential
	}

	return profile, nil
}

func parseCredentialKey(encoded string) (key.Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("credential is not base64url: %w", err)
	}

	var coseKey key.Key
	if err := cbor.Unmarshal(raw, &coseKey); err != nil {
		return nil, fmt.Errorf("credential is not a CBOR COSE key: %w", err)
	}

	return coseKey, nil
}

func secondsOrDefault(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
