// Package testabilities provides test fixtures for the verification service:
// a pre-wired pipeline with a default merchant, helpers producing fully valid
// verification attempts, and an assertion signer standing in for a platform
// authenticator.
package testabilities

import (
	goecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-softwarelab/common/pkg/slogx"
	"github.com/go-softwarelab/common/pkg/to"
	coseecdsa "github.com/ldclabs/cose/key/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/checkproof/go-checkout-attest/pkg/defs"
	"github.com/checkproof/go-checkout-attest/pkg/factors"
	"github.com/checkproof/go-checkout-attest/pkg/guard"
	"github.com/checkproof/go-checkout-attest/pkg/intent"
	"github.com/checkproof/go-checkout-attest/pkg/merchant"
	"github.com/checkproof/go-checkout-attest/pkg/nonce"
	"github.com/checkproof/go-checkout-attest/pkg/policy"
	"github.com/checkproof/go-checkout-attest/pkg/storage"
	"github.com/checkproof/go-checkout-attest/pkg/verification"
)

// Default merchant used by fixtures unless a test overrides the profile.
const (
	DefaultMerchantID       = "acme-widgets"
	DefaultMerchantName     = "Acme Widgets"
	DefaultMerchantKeyHex   = "5a4d867377bd44eba1cecd0806c16f24e293f7e218c162b1177571edaeeaecef"
	DefaultSessionSecretHex = "2b7e151628aed2a6abf7158809cf4f3c2b7e151628aed2a6abf7158809cf4f3c"
	DefaultOTPSecret        = "JBSWY3DPEHPK3PXP"

	DefaultOrigin = "https://shop.example.com"
	DefaultDomain = "https://shop.example.com/checkout"
	DefaultHost   = "shop.example.com"
)

// DefaultIntent returns the payment intent fixtures bind proofs to.
func DefaultIntent() intent.PaymentIntent {
	return intent.PaymentIntent{
		Amount:            2500,
		Currency:          "USD",
		Description:       "Widget",
		MerchantReference: "ref-1",
	}
}

// DefaultProfileConfig returns the default merchant profile config. Tests mutate
// it through WithProfile before the registry is built.
func DefaultProfileConfig() merchant.ProfileConfig {
	return merchant.ProfileConfig{
		ID:               DefaultMerchantID,
		Name:             DefaultMerchantName,
		PrivateKeyHex:    DefaultMerchantKeyHex,
		SessionSecretHex: DefaultSessionSecretHex,
		OTPSecret:        DefaultOTPSecret,
		AllowedOrigins:   []string{DefaultOrigin},
		AllowedHosts:     []string{DefaultHost},
	}
}

type Options struct {
	Profile merchant.ProfileConfig
}

// WithProfile mutates the default profile config before the fixture builds it.
func WithProfile(mutate func(*merchant.ProfileConfig)) func(*Options) {
	return func(o *Options) {
		mutate(&o.Profile)
	}
}

// ServiceFixture is a verification service wired onto an in-memory store with a
// single default merchant.
type ServiceFixture interface {
	Profile() *merchant.Profile
	Pipeline() *verification.Pipeline
	Store() *storage.MemoryStore

	// StartedServer serves the pipeline's HTTP router for the duration of the test.
	StartedServer() (baseURL string, cleanup func())

	// ValidVerifyRequest builds a request that passes every gate for the given
	// method, signed at the given timestamp with the default merchant key.
	ValidVerifyRequest(method defs.Method, timestampMs int64) *verification.VerifyRequest

	// VerifyRequestForIntent is ValidVerifyRequest over an arbitrary intent,
	// with hash, nonce, signature, and device proof all re-derived from it.
	VerifyRequestForIntent(method defs.Method, timestampMs int64, paymentIntent intent.PaymentIntent) *verification.VerifyRequest
	Headers() verification.RequestHeaders

	// EnrollAuthenticator attaches a generated P-256 credential to the profile and
	// returns the signing key, playing the platform authenticator's part.
	EnrollAuthenticator() *goecdsa.PrivateKey
	SignedAssertion(authKey *goecdsa.PrivateKey, req *verification.VerifyRequest) *factors.AssertionProof
	CurrentOTPCode() string
}

type serviceFixture struct {
	testing.TB
	profile  *merchant.Profile
	registry *merchant.Registry
	store    *storage.MemoryStore
	pipeline *verification.Pipeline
}

// Given builds a service fixture around the default merchant.
func Given(t testing.TB, opts ...func(*Options)) ServiceFixture {
	options := to.OptionsWithDefault(Options{
		Profile: DefaultProfileConfig(),
	}, opts...)

	profile, err := merchant.BuildProfile(options.Profile)
	require.NoError(t, err, "invalid test setup: profile config must build")

	logger := slogx.NewTestLogger(t)
	store := storage.NewMemoryStore()
	replay := guard.NewReplayGuard(store, logger)
	limiter := guard.NewRateLimiter(store, logger)
	registry := merchant.NewRegistry([]*merchant.Profile{profile})

	pipeline, err := verification.NewPipeline(verification.Config{
		Registry: registry,
		Nonces:   nonce.NewService(replay, logger),
		Replay:   replay,
		Policy:   policy.NewEngine(limiter, logger),
		OTP:      factors.NewOTPVerifier(limiter, logger),
		Logger:   logger,
	})
	require.NoError(t, err, "invalid test setup: pipeline config must validate")

	return &serviceFixture{
		TB:       t,
		profile:  profile,
		registry: registry,
		store:    store,
		pipeline: pipeline,
	}
}

func (f *serviceFixture) Profile() *merchant.Profile {
	return f.profile
}

func (f *serviceFixture) Pipeline() *verification.Pipeline {
	return f.pipeline
}

func (f *serviceFixture) Store() *storage.MemoryStore {
	return f.store
}

func (f *serviceFixture) StartedServer() (baseURL string, cleanup func()) {
	handlers := verification.NewHandlers(f.pipeline, slogx.NewTestLogger(f))
	server := httptest.NewServer(handlers.Router())

	return server.URL, server.Close
}

func (f *serviceFixture) ValidVerifyRequest(method defs.Method, timestampMs int64) *verification.VerifyRequest {
	return f.VerifyRequestForIntent(method, timestampMs, DefaultIntent())
}

func (f *serviceFixture) VerifyRequestForIntent(method defs.Method, timestampMs int64, paymentIntent intent.PaymentIntent) *verification.VerifyRequest {
	intentHash := paymentIntent.Hash()

	nonceBytes := nonce.DeriveNonceBytes(DefaultMerchantID, DefaultOrigin, timestampMs, intentHash)
	signature, err := f.profile.PrivateKey.Sign(nonceBytes)
	require.NoError(f, err, "invalid test setup: nonce signing must succeed")

	hints := factors.ClientHints{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		Language:  "en-US",
		Platform:  "Linux",
		Screen:    factors.ScreenSize{Width: 1920, Height: 1080},
	}
	deviceHash := factors.DeriveDeviceHash(hints, intentHash)

	req := &verification.VerifyRequest{
		MerchantID:      DefaultMerchantID,
		Domain:          DefaultDomain,
		Timestamp:       timestampMs,
		Intent:          paymentIntent,
		IntentHash:      intentHash,
		VisualNonce:     hex.EncodeToString(nonceBytes),
		VisualNonceHash: nonce.HashNonce(nonceBytes),
		VisualNonceSig:  base64.RawURLEncoding.EncodeToString(signature.Serialize()),
		Method:          string(method),
		Consent:         verification.ConsentState{Granted: true, Method: string(method)},
		UAHints:         hints,
	}

	switch method {
	case defs.MethodDevice:
		req.Device = &factors.DeviceProof{
			Hash:  deviceHash,
			Proof: factors.DeriveDeviceProof(f.profile.SessionSecret, deviceHash),
		}
	case defs.MethodOTP:
		req.OTP = &verification.OTPProof{Code: f.CurrentOTPCode()}
	}

	return req
}

func (f *serviceFixture) Headers() verification.RequestHeaders {
	return verification.RequestHeaders{Origin: DefaultOrigin}
}

func (f *serviceFixture) EnrollAuthenticator() *goecdsa.PrivateKey {
	authKey, err := goecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(f, err, "invalid test setup: authenticator keygen must succeed")

	coseKey, err := coseecdsa.KeyFromPublic(&authKey.PublicKey)
	require.NoError(f, err, "invalid test setup: COSE key conversion must succeed")

	f.profile.WebAuthnCredential = coseKey
	return authKey
}

func (f *serviceFixture) SignedAssertion(authKey *goecdsa.PrivateKey, req *verification.VerifyRequest) *factors.AssertionProof {
	challenge := factors.DeriveChallenge(
		req.MerchantID, DefaultOrigin, req.Timestamp, req.IntentHash, req.VisualNonceHash)

	clientData, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": challenge,
		"origin":    DefaultOrigin,
	})
	require.NoError(f, err, "invalid test setup: client data must marshal")

	rpHash := sha256.Sum256([]byte(DefaultHost))
	authData := make([]byte, 0, 37)
	authData = append(authData, rpHash[:]...)
	authData = append(authData, byte(factors.AuthDataFlagUserPresent|factors.AuthDataFlagUserVerified))
	authData = binary.BigEndian.AppendUint32(authData, 1)

	proof := &factors.AssertionProof{
		ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientData),
		AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
	}

	if authKey != nil {
		clientDataHash := sha256.Sum256(clientData)
		signedData := append(append([]byte{}, authData...), clientDataHash[:]...)
		digest := sha256.Sum256(signedData)

		sigBytes, err := goecdsa.SignASN1(rand.Reader, authKey, digest[:])
		require.NoError(f, err, "invalid test setup: assertion signing must succeed")
		proof.Signature = base64.RawURLEncoding.EncodeToString(sigBytes)
	}

	return proof
}

func (f *serviceFixture) CurrentOTPCode() string {
	code, err := factors.GenerateCode(DefaultOTPSecret, time.Now())
	require.NoError(f, err, "invalid test setup: otp generation must succeed")

	return code
}
