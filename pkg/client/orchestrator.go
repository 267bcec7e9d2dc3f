package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/defs"
	"github.com/checkproof/go-checkout-attest/pkg/factors"
	"github.com/checkproof/go-checkout-attest/pkg/intent"
	"github.com/checkproof/go-checkout-attest/pkg/merchant"
	"github.com/checkproof/go-checkout-attest/pkg/nonce"
	"github.com/checkproof/go-checkout-attest/pkg/policy"
	"github.com/checkproof/go-checkout-attest/pkg/verification"
)

// State is the orchestrator's position in the attestation workflow. Cancellation
// is a terminal state of its own, not an error path.
type State string

const (
	StateIdle             State = "idle"
	StateNormalizing      State = "normalizing_intent"
	StateRequestingNonce  State = "requesting_nonce_signature"
	StateAttemptingFactor State = "attempting_factor"
	StateBuildingPayload  State = "building_payload"
	StateSubmittingProof  State = "submitting_proof"
	StateVerified         State = "verified"
	StateRejected         State = "rejected"
	StateCancelled        State = "cancelled"
)

var (
	// ErrAttestationInFlight is returned on re-entrant invocation while an attempt
	// for the same checkout control is still running.
	ErrAttestationInFlight = errors.New("an attestation attempt is already in flight")

	// ErrUserDeclinedConsent is returned when the consent callback refused the
	// fallback to a weaker factor.
	ErrUserDeclinedConsent = errors.New("user declined consent for factor fallback")

	// ErrNoFactorSucceeded is returned when the chain is exhausted without a
	// usable factor.
	ErrNoFactorSucceeded = errors.New("no authentication factor produced a proof")
)

// Reason codes for client-terminal outcomes.
const (
	ReasonUserDeclinedConsent = "user_declined_consent"
	ReasonUserCancelled       = "user_cancelled"
)

// Config wires the orchestrator for one checkout control.
type Config struct {
	// BaseURL of the verification service.
	BaseURL string

	// MerchantID may be empty; the service can resolve the merchant by origin.
	MerchantID string

	// Domain is the page URL the attempt claims to originate from.
	Domain string

	// SessionSecret, when the merchant has one configured, keys the device proof.
	SessionSecret []byte

	// Providers. Device is required; the others enable their factor when present.
	Authenticator PlatformAuthenticator
	CodePrompter  CodePrompter
	Device        DeviceIdentity

	// Consent is called before each fallback. Nil means consent is assumed.
	Consent ConsentFunc

	// Renderer receives the derived visual nonce for the page side channel.
	Renderer NonceRenderer

	Timeout time.Duration
	Logger  *slog.Logger
}

// Result is the terminal outcome of one attestation flow.
type Result struct {
	Verified bool
	Method   string
	Policy   *policy.Result
	Proof    *verification.ProofReceipt
	Reason   string
	State    State
}

// Orchestrator drives the client state machine. One logical flow runs per
// checkout click; the chain is strictly sequential because each later factor's
// necessity depends on the earlier one's outcome.
type Orchestrator struct {
	cfg    Config
	api    *APIClient
	logger *slog.Logger

	mu       sync.Mutex
	inFlight bool
	state    State
	now      func() time.Time
}

// New validates the config and creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("verification service base url is required")
	}
	if cfg.Domain == "" {
		return nil, errors.New("page domain is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("a device identity provider is required")
	}

	logger := logging.Child(cfg.Logger, "attestation-orchestrator")

	return &Orchestrator{
		cfg:    cfg,
		api:    NewAPIClient(cfg.BaseURL, cfg.Timeout, cfg.Logger),
		logger: logger,
		state:  StateIdle,
		now:    time.Now,
	}, nil
}

// State returns the current workflow state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// AuthenticateAndVerify runs the full flow for one payment intent: normalize and
// hash the intent, obtain the signed nonce, walk the factor chain, assemble and
// submit the proof. requireStrongest restricts the chain to the platform
// authenticator.
func (o *Orchestrator) AuthenticateAndVerify(ctx context.Context, paymentIntent intent.PaymentIntent, requireStrongest bool) (*Result, error) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil, ErrAttestationInFlight
	}
	o.inFlight = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	result, err := o.run(ctx, paymentIntent, requireStrongest)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, paymentIntent intent.PaymentIntent, requireStrongest bool) (*Result, error) {
	o.transition(StateNormalizing)
	normalized, err := paymentIntent.Normalize(o.now())
	if err != nil {
		return nil, fmt.Errorf("invalid payment intent: %w", err)
	}
	intentHash := normalized.Hash()

	o.transition(StateRequestingNonce)
	timestampMs := o.now().UnixMilli()
	origin := merchant.NormalizeOrigin(o.cfg.Domain)

	nonceResp, err := o.api.RequestNonce(ctx, &verification.NonceRequest{
		MerchantID: o.cfg.MerchantID,
		Domain:     o.cfg.Domain,
		Timestamp:  timestampMs,
		IntentHash: intentHash,
	})
	if err != nil {
		return nil, err
	}

	nonceBytes := nonce.DeriveNonceBytes(o.cfg.MerchantID, origin, timestampMs, intentHash)
	nonceHex := hex.EncodeToString(nonceBytes)
	nonceHash := nonce.HashNonce(nonceBytes)
	if o.cfg.Renderer != nil {
		o.cfg.Renderer.RenderNonce(nonceHex)
	}

	hints, err := o.cfg.Device.Hints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect device hints: %w", err)
	}

	attempt, err := o.runFactorChain(ctx, factorContext{
		origin:     origin,
		timestamp:  timestampMs,
		intentHash: intentHash,
		nonceHash:  nonceHash,
		hints:      hints,
	}, requireStrongest)
	if err != nil {
		if errors.Is(err, ErrPromptCancelled) || errors.Is(err, ErrUserDeclinedConsent) {
			o.transition(StateCancelled)
			reason := ReasonUserCancelled
			if errors.Is(err, ErrUserDeclinedConsent) {
				reason = ReasonUserDeclinedConsent
			}
			return &Result{Verified: false, Reason: reason, State: StateCancelled}, nil
		}
		return nil, err
	}

	o.transition(StateBuildingPayload)
	request := &verification.VerifyRequest{
		MerchantID:      o.cfg.MerchantID,
		Domain:          o.cfg.Domain,
		Timestamp:       timestampMs,
		Intent:          normalized,
		IntentHash:      intentHash,
		VisualNonce:     nonceHex,
		VisualNonceHash: nonceHash,
		VisualNonceSig:  nonceResp.VisualNonceSig,
		Method:          string(attempt.method),
		WebAuthn:        attempt.assertion,
		OTP:             attempt.otp,
		Device:          attempt.device,
		Consent:         attempt.consent,
		UAHints:         hints,
	}

	o.transition(StateSubmittingProof)
	response, err := o.api.SubmitProof(ctx, request, origin)
	if err != nil {
		// Network failures propagate; the caller decides about retrying the flow.
		return nil, err
	}

	finalState := StateRejected
	if response.Verified {
		finalState = StateVerified
	}
	o.transition(finalState)

	return &Result{
		Verified: response.Verified,
		Method:   response.Method,
		Policy:   response.Policy,
		Proof:    response.Proof,
		Reason:   response.Reason,
		State:    finalState,
	}, nil
}

type factorContext struct {
	origin     string
	timestamp  int64
	intentHash string
	nonceHash  string
	hints      factors.ClientHints
}

type factorAttempt struct {
	method    defs.Method
	assertion *factors.AssertionProof
	otp       *verification.OTPProof
	device    *factors.DeviceProof
	consent   verification.ConsentState
}

// runFactorChain walks the methods in fixed priority and stops at the first
// success. Soft failures consult the consent callback before falling through; a
// hard failure (explicit prompt cancel) aborts the whole chain.
func (o *Orchestrator) runFactorChain(ctx context.Context, fc factorContext, requireStrongest bool) (*factorAttempt, error) {
	chain := defs.FallbackChain()
	if requireStrongest {
		chain = chain[:1]
	}

	consent := verification.ConsentState{}

	for i, method := range chain {
		o.transition(StateAttemptingFactor)
		o.logger.Debug("attempting factor", slog.String("method", string(method)))

		attempt, softErr, hardErr := o.attemptFactor(ctx, method, fc)
		if hardErr != nil {
			return nil, hardErr
		}
		if softErr == nil {
			attempt.consent = consent
			return attempt, nil
		}

		o.logger.Debug("factor failed soft",
			slog.String("method", string(method)), logging.Error(softErr))

		if i+1 >= len(chain) {
			break
		}

		next := chain[i+1]
		granted, err := o.askConsent(ctx, method, next)
		if err != nil || !granted {
			return nil, ErrUserDeclinedConsent
		}
		consent = verification.ConsentState{Granted: true, Method: string(next)}
	}

	return nil, ErrNoFactorSucceeded
}

// attemptFactor returns exactly one of: a completed attempt, a soft error (fall
// through), or a hard error (abort chain).
func (o *Orchestrator) attemptFactor(ctx context.Context, method defs.Method, fc factorContext) (*factorAttempt, error, error) {
	switch method {
	case defs.MethodWebAuthn:
		if o.cfg.Authenticator == nil {
			return nil, errors.New("no platform authenticator available"), nil
		}

		assertion, err := o.cfg.Authenticator.GetAssertion(ctx, AssertionRequest{
			Challenge: factors.DeriveChallenge(o.cfg.MerchantID, fc.origin, fc.timestamp, fc.intentHash, fc.nonceHash),
			RPID:      hostOf(fc.origin),
			Origin:    fc.origin,
		})
		if err != nil {
			return nil, err, nil
		}
		return &factorAttempt{method: method, assertion: assertion}, nil, nil

	case defs.MethodOTP:
		if o.cfg.CodePrompter == nil {
			return nil, errors.New("no code prompter available"), nil
		}

		code, err := o.cfg.CodePrompter.PromptCode(ctx)
		if errors.Is(err, ErrPromptCancelled) {
			return nil, nil, err
		}
		if err != nil || code == "" {
			return nil, errors.New("no code entered"), nil
		}
		return &factorAttempt{method: method, otp: &verification.OTPProof{Code: code}}, nil, nil

	case defs.MethodDevice:
		deviceHash := factors.DeriveDeviceHash(fc.hints, fc.intentHash)
		proof := &factors.DeviceProof{Hash: deviceHash}
		if len(o.cfg.SessionSecret) > 0 {
			proof.Proof = factors.DeriveDeviceProof(o.cfg.SessionSecret, deviceHash)
		}
		return &factorAttempt{method: method, device: proof}, nil, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method), nil
	}
}

func (o *Orchestrator) askConsent(ctx context.Context, failed, next defs.Method) (bool, error) {
	if o.cfg.Consent == nil {
		return true, nil
	}
	return o.cfg.Consent(ctx, failed, next)
}

func (o *Orchestrator) transition(next State) {
	o.mu.Lock()
	o.state = next
	o.mu.Unlock()
}

func hostOf(origin string) string {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return origin
	}
	return parsed.Hostname()
}
