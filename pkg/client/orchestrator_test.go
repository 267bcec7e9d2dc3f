package client_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-softwarelab/common/pkg/slogx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkproof/go-checkout-attest/pkg/client"
	"github.com/checkproof/go-checkout-attest/pkg/defs"
	"github.com/checkproof/go-checkout-attest/pkg/factors"
	"github.com/checkproof/go-checkout-attest/pkg/internal/testabilities"
)

type fakeDevice struct {
	hints   factors.ClientHints
	started chan struct{}
	release chan struct{}
}

func (d *fakeDevice) Hints(ctx context.Context) (factors.ClientHints, error) {
	if d.started != nil {
		close(d.started)
		select {
		case <-d.release:
		case <-ctx.Done():
			return factors.ClientHints{}, ctx.Err()
		}
	}
	return d.hints, nil
}

type fakeAuthenticator struct {
	err   error
	calls int
}

func (a *fakeAuthenticator) GetAssertion(_ context.Context, req client.AssertionRequest) (*factors.AssertionProof, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return buildAssertion(req), nil
}

type fakePrompter struct {
	code string
	err  error
}

func (p *fakePrompter) PromptCode(context.Context) (string, error) {
	return p.code, p.err
}

type recordingRenderer struct {
	nonceHex string
}

func (r *recordingRenderer) RenderNonce(nonceHex string) {
	r.nonceHex = nonceHex
}

// buildAssertion plays the platform authenticator: well-formed client data and
// authenticator data for the requested rp, unsigned.
func buildAssertion(req client.AssertionRequest) *factors.AssertionProof {
	clientData, _ := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": req.Challenge,
		"origin":    req.Origin,
	})

	rpHash := sha256.Sum256([]byte(req.RPID))
	authData := make([]byte, 0, 37)
	authData = append(authData, rpHash[:]...)
	authData = append(authData, byte(factors.AuthDataFlagUserPresent|factors.AuthDataFlagUserVerified))
	authData = append(authData, 0, 0, 0, 1)

	return &factors.AssertionProof{
		ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientData),
		AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
	}
}

func defaultHints() factors.ClientHints {
	return factors.ClientHints{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		Language:  "en-US",
		Platform:  "Linux",
		Screen:    factors.ScreenSize{Width: 1920, Height: 1080},
	}
}

func newOrchestrator(t *testing.T, given testabilities.ServiceFixture, baseURL string, mutate func(*client.Config)) *client.Orchestrator {
	t.Helper()

	cfg := client.Config{
		BaseURL:       baseURL,
		MerchantID:    testabilities.DefaultMerchantID,
		Domain:        testabilities.DefaultDomain,
		SessionSecret: given.Profile().SessionSecret,
		Device:        &fakeDevice{hints: defaultHints()},
		Logger:        slogx.NewTestLogger(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orchestrator, err := client.New(cfg)
	require.NoError(t, err)

	return orchestrator
}

func TestNewValidatesConfig(t *testing.T) {
	t.Run("requires base url", func(t *testing.T) {
		_, err := client.New(client.Config{Domain: "https://x.example.com", Device: &fakeDevice{}})
		assert.Error(t, err)
	})

	t.Run("requires domain", func(t *testing.T) {
		_, err := client.New(client.Config{BaseURL: "http://localhost", Device: &fakeDevice{}})
		assert.Error(t, err)
	})

	t.Run("requires a device provider", func(t *testing.T) {
		_, err := client.New(client.Config{BaseURL: "http://localhost", Domain: "https://x.example.com"})
		assert.Error(t, err)
	})
}

func TestAuthenticateAndVerify(t *testing.T) {
	t.Run("falls back to the device factor", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		orchestrator := newOrchestrator(t, given, baseURL, nil)

		result, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		require.NoError(t, err)
		assert.True(t, result.Verified, "unexpected rejection: %s", result.Reason)
		assert.Equal(t, "device", result.Method)
		assert.Equal(t, client.StateVerified, result.State)
		assert.Equal(t, client.StateVerified, orchestrator.State())
		require.NotNil(t, result.Proof)
	})

	t.Run("verifies with the one-time code factor", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.CodePrompter = &fakePrompter{code: given.CurrentOTPCode()}
		})

		result, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		require.NoError(t, err)
		assert.True(t, result.Verified, "unexpected rejection: %s", result.Reason)
		assert.Equal(t, "otp", result.Method)
	})

	t.Run("verifies with the platform authenticator", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		authenticator := &fakeAuthenticator{}
		consentCalls := 0
		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.Authenticator = authenticator
			cfg.Consent = func(_ context.Context, _, _ defs.Method) (bool, error) {
				consentCalls++
				return true, nil
			}
		})

		result, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		require.NoError(t, err)
		assert.True(t, result.Verified, "unexpected rejection: %s", result.Reason)
		assert.Equal(t, "webauthn", result.Method)
		assert.Equal(t, 1, authenticator.calls)
		assert.Zero(t, consentCalls, "first factor succeeding needs no consent")
	})

	t.Run("renderer receives the derived nonce", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		renderer := &recordingRenderer{}
		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.Renderer = renderer
		})

		result, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		require.NoError(t, err)
		require.True(t, result.Verified, "unexpected rejection: %s", result.Reason)
		assert.Len(t, renderer.nonceHex, 64)
	})

	t.Run("rejected verdict is a result, not an error", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.SessionSecret = []byte("wrong-secret")
		})

		result, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		require.NoError(t, err)
		assert.False(t, result.Verified)
		assert.Equal(t, "device_proof_invalid", result.Reason)
		assert.Equal(t, client.StateRejected, result.State)
	})

	t.Run("negative amount fails before any network call", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		orchestrator := newOrchestrator(t, given, baseURL, nil)
		badIntent := testabilities.DefaultIntent()
		badIntent.Amount = -1

		_, err := orchestrator.AuthenticateAndVerify(context.Background(), badIntent, false)

		assert.Error(t, err)
	})

	t.Run("nonce rejection surfaces as a server rejection", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.MerchantID = "nobody"
		})

		_, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		var rejection *client.ServerRejection
		require.ErrorAs(t, err, &rejection)
		assert.Equal(t, "unknown_merchant", rejection.Code)
	})
}

func TestFactorChainControl(t *testing.T) {
	t.Run("requireStrongest does not fall back", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.Authenticator = &fakeAuthenticator{err: assert.AnError}
		})

		_, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), true)

		assert.ErrorIs(t, err, client.ErrNoFactorSucceeded)
	})

	t.Run("prompt cancel ends the flow as cancelled", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.CodePrompter = &fakePrompter{err: client.ErrPromptCancelled}
		})

		result, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		require.NoError(t, err)
		assert.False(t, result.Verified)
		assert.Equal(t, client.ReasonUserCancelled, result.Reason)
		assert.Equal(t, client.StateCancelled, result.State)
	})

	t.Run("declined consent ends the flow as cancelled", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.Consent = func(context.Context, defs.Method, defs.Method) (bool, error) {
				return false, nil
			}
		})

		result, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		require.NoError(t, err)
		assert.Equal(t, client.ReasonUserDeclinedConsent, result.Reason)
		assert.Equal(t, client.StateCancelled, result.State)
	})

	t.Run("consent is asked before each fallback", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		var transitions []string
		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.Consent = func(_ context.Context, failed, next defs.Method) (bool, error) {
				transitions = append(transitions, string(failed)+"->"+string(next))
				return true, nil
			}
		})

		result, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)

		require.NoError(t, err)
		require.True(t, result.Verified, "unexpected rejection: %s", result.Reason)
		assert.Equal(t, []string{"webauthn->otp", "otp->device"}, transitions)
	})

	t.Run("concurrent invocation is refused", func(t *testing.T) {
		given := testabilities.Given(t)
		baseURL, cleanup := given.StartedServer()
		defer cleanup()

		device := &fakeDevice{
			hints:   defaultHints(),
			started: make(chan struct{}),
			release: make(chan struct{}),
		}
		orchestrator := newOrchestrator(t, given, baseURL, func(cfg *client.Config) {
			cfg.Device = device
		})

		done := make(chan error, 1)
		go func() {
			_, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)
			done <- err
		}()

		<-device.started
		_, err := orchestrator.AuthenticateAndVerify(context.Background(), testabilities.DefaultIntent(), false)
		assert.ErrorIs(t, err, client.ErrAttestationInFlight)

		close(device.release)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("first flow did not finish")
		}
	})
}
