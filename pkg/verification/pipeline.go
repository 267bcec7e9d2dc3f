package verification

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/defs"
	"github.com/checkproof/go-checkout-attest/pkg/factors"
	"github.com/checkproof/go-checkout-attest/pkg/guard"
	"github.com/checkproof/go-checkout-attest/pkg/merchant"
	"github.com/checkproof/go-checkout-attest/pkg/nonce"
	"github.com/checkproof/go-checkout-attest/pkg/policy"
)

// Config wires the pipeline's collaborators. Registry, Nonces, Replay, Policy and
// OTP are required; Events defaults to the slog sink, Logger to slog.Default.
type Config struct {
	Registry *merchant.Registry
	Nonces   *nonce.Service
	Replay   *guard.ReplayGuard
	Policy   *policy.Engine
	OTP      *factors.OTPVerifier
	Events   EventSink
	Logger   *slog.Logger
}

// Pipeline runs the ordered gate sequence for /nonce and /verify. Each gate
// yields a distinct reason code and the first failing gate short-circuits.
type Pipeline struct {
	registry *merchant.Registry
	nonces   *nonce.Service
	replay   *guard.ReplayGuard
	policy   *policy.Engine
	otp      *factors.OTPVerifier
	events   EventSink
	logger   *slog.Logger
}

// NewPipeline validates the config and creates a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, errors.New("merchant registry is required")
	}
	if cfg.Nonces == nil || cfg.Replay == nil || cfg.Policy == nil || cfg.OTP == nil {
		return nil, errors.New("nonce service, replay guard, policy engine and otp verifier are required")
	}

	logger := logging.Child(cfg.Logger, "verification-pipeline")
	if cfg.Events == nil {
		cfg.Events = NewSlogSink(logging.DefaultIfNil(cfg.Logger))
	}

	return &Pipeline{
		registry: cfg.Registry,
		nonces:   cfg.Nonces,
		replay:   cfg.Replay,
		policy:   cfg.Policy,
		otp:      cfg.OTP,
		events:   cfg.Events,
		logger:   logger,
	}, nil
}

// NonceError is a business rejection of a /nonce request.
type NonceError struct {
	Code    string
	Message string
}

func (e *NonceError) Error() string { return e.Code + ": " + e.Message }

// IssueNonce runs the issuance checks and returns the detached nonce signature.
func (p *Pipeline) IssueNonce(ctx context.Context, req *NonceRequest) (*NonceResponse, *NonceError) {
	if req.Domain == "" || req.Timestamp == 0 || req.IntentHash == "" {
		return nil, &NonceError{Code: ReasonInvalidRequest, Message: "domain, ts and intentHash are required"}
	}

	domainOrigin, _, ok := parseDomain(req.Domain)
	if !ok {
		return nil, &NonceError{Code: ReasonInvalidDomain, Message: "domain does not parse as a valid URL"}
	}

	if err := p.nonces.CheckSkew(req.Timestamp); err != nil {
		return nil, &NonceError{Code: ReasonStaleTimestamp, Message: "timestamp is outside the allowed skew window"}
	}

	profile, err := p.registry.Resolve(req.MerchantID, domainOrigin, "")
	if err != nil {
		return nil, &NonceError{Code: ReasonUnknownMerchant, Message: "no merchant matches the request"}
	}

	signature, err := p.nonces.Issue(ctx, profile, req.MerchantID, domainOrigin, req.Timestamp, req.IntentHash)
	if err != nil {
		switch {
		case errors.Is(err, nonce.ErrStaleTimestamp):
			return nil, &NonceError{Code: ReasonStaleTimestamp, Message: "timestamp is outside the allowed skew window"}
		case errors.Is(err, nonce.ErrIssuanceReplay):
			return nil, &NonceError{Code: ReasonNonceReplay, Message: "nonce already issued for this intent"}
		default:
			p.logger.Error("nonce issuance failed", logging.Error(err))
			return nil, &NonceError{Code: ReasonServerError, Message: "internal error"}
		}
	}

	return &NonceResponse{VisualNonceSig: signature}, nil
}

// VerifyAttempt runs the full gate sequence. Business rejections return a
// verified:false response with a reason code; the handler always serves them
// with HTTP 200.
func (p *Pipeline) VerifyAttempt(ctx context.Context, req *VerifyRequest, hdrs RequestHeaders) VerifyResponse {
	response := p.runGates(ctx, req, hdrs)

	p.events.Record(ctx, newEvent(
		req.MerchantID, req.Domain, req.Method,
		response.Verified, response.Reason, req.VisualNonceHash,
		req.Intent.Amount, req.Intent.Currency,
	))

	return response
}

func (p *Pipeline) runGates(ctx context.Context, req *VerifyRequest, hdrs RequestHeaders) VerifyResponse {
	if missingFields(req) {
		return rejected(ReasonMissingFields)
	}

	if err := p.nonces.CheckSkew(req.Timestamp); err != nil {
		return rejected(ReasonStaleTimestamp)
	}

	domainOrigin, domainHost, ok := parseDomain(req.Domain)
	if !ok {
		return rejected(ReasonInvalidDomain)
	}

	profile, err := p.registry.Resolve(req.MerchantID, domainOrigin, domainHost)
	if err != nil {
		if errors.Is(err, merchant.ErrMerchantMismatch) {
			return rejected(ReasonMerchantMismatch)
		}
		return rejected(ReasonUnknownMerchant)
	}

	if reason := checkTransportHeaders(profile, hdrs, domainOrigin); reason != "" {
		return rejected(reason)
	}

	// DNS attestation is an allowlist over the verifying host, provisioned out of
	// band; there is no live TXT lookup here.
	if profile.RequireDNSAttestation && !lo.Contains(profile.DNSAttestation, domainHost) {
		return rejected(ReasonDNSAttestationFailed)
	}

	recomputedIntent := req.Intent
	recomputedIntent.Currency = strings.ToUpper(recomputedIntent.Currency)
	if recomputedIntent.Hash() != req.IntentHash {
		return rejected(ReasonIntentMismatch)
	}

	nonceBytes := nonce.DeriveNonceBytes(req.MerchantID, domainOrigin, req.Timestamp, req.IntentHash)
	if err := p.nonces.Verify(profile, nonceBytes, req.VisualNonce, req.VisualNonceHash, req.VisualNonceSig); err != nil {
		return rejected(nonceReason(err))
	}

	if !p.replay.ClaimProof(ctx, profile.ID, req.VisualNonceHash, profile.ReplayTTL) {
		return rejected(ReasonReplay)
	}

	method, err := defs.ParseMethodStr(req.Method)
	if err != nil {
		return rejected(ReasonUnsupportedMethod)
	}

	policyResult, err := p.policy.Evaluate(ctx, profile, recomputedIntent, method, domainHost)
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrStepUpRequired):
			return rejected(ReasonPolicyRequiresWebAuthn)
		case errors.Is(err, policy.ErrVelocityExceeded):
			return rejected(ReasonVelocityExceeded)
		case errors.Is(err, policy.ErrDNSAttestationFailed):
			return rejected(ReasonDNSAttestationFailed)
		default:
			return rejected(ReasonServerError)
		}
	}

	if reason := p.verifyFactor(ctx, profile, req, method, domainOrigin, domainHost); reason != "" {
		return rejected(reason)
	}

	p.logger.Info("attempt verified",
		logging.Merchant(profile.ID),
		slog.String("method", string(method)),
		slog.String("nonceHash", req.VisualNonceHash))

	return VerifyResponse{
		Verified: true,
		Method:   string(method),
		Policy:   &policyResult,
		Proof:    &ProofReceipt{VisualNonceHash: req.VisualNonceHash},
	}
}

func (p *Pipeline) verifyFactor(ctx context.Context, profile *merchant.Profile, req *VerifyRequest, method defs.Method, domainOrigin, domainHost string) string {
	switch method {
	case defs.MethodWebAuthn:
		err := factors.VerifyAssertion(profile, req.WebAuthn, domainOrigin, domainHost,
			req.MerchantID, req.Timestamp, req.IntentHash, req.VisualNonceHash)
		return webauthnReason(err)

	case defs.MethodOTP:
		if req.OTP == nil || req.OTP.Code == "" {
			return ReasonOTPInvalidOrRateLimited
		}
		if err := p.otp.Verify(ctx, profile, req.OTP.Code); err != nil {
			return ReasonOTPInvalidOrRateLimited
		}
		return ""

	case defs.MethodDevice:
		err := factors.VerifyDeviceProof(profile, req.Device, req.UAHints, req.IntentHash)
		switch {
		case err == nil:
			return ""
		case errors.Is(err, factors.ErrDeviceProofInvalid):
			return ReasonDeviceProofInvalid
		default:
			return ReasonDeviceHashMismatch
		}

	default:
		return ReasonUnsupportedMethod
	}
}

func checkTransportHeaders(profile *merchant.Profile, hdrs RequestHeaders, domainOrigin string) string {
	if merchant.NormalizeOrigin(hdrs.Origin) != domainOrigin {
		return ReasonOriginMismatch
	}

	if hdrs.Referer != "" {
		refererURL, err := url.Parse(hdrs.Referer)
		if err != nil || refererURL.Scheme == "" || refererURL.Host == "" {
			return ReasonInvalidReferer
		}
		if refererURL.Scheme+"://"+refererURL.Host != domainOrigin {
			return ReasonRefererMismatch
		}
	}

	if hdrs.ForwardedHost != "" && !lo.Contains(profile.AllowedHosts, hdrs.ForwardedHost) {
		return ReasonForwardedHostMismatch
	}

	if hdrs.SecFetchSite != "" &&
		!lo.Contains([]string{"same-origin", "same-site", "none"}, hdrs.SecFetchSite) {
		return ReasonFetchMetadataViolation
	}

	return ""
}

func missingFields(req *VerifyRequest) bool {
	// A negative amount can carry a self-consistent hash, so the client-side
	// normalization is not enough; the server rejects it outright.
	return req.Domain == "" || req.Timestamp == 0 || req.IntentHash == "" ||
		req.VisualNonce == "" || req.VisualNonceHash == "" || req.VisualNonceSig == "" ||
		req.Method == "" || req.Intent.Currency == "" || req.Intent.Amount < 0
}

func nonceReason(err error) string {
	switch {
	case errors.Is(err, nonce.ErrNonceMismatch):
		return ReasonVisualNonceMismatch
	case errors.Is(err, nonce.ErrNonceHashMismatch):
		return ReasonVisualNonceHashMismatch
	default:
		return ReasonVisualNonceSigInvalid
	}
}

func webauthnReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, factors.ErrAssertionMissing):
		return ReasonWebAuthnMissing
	case errors.Is(err, factors.ErrAssertionTypeMismatch):
		return ReasonWebAuthnTypeMismatch
	case errors.Is(err, factors.ErrAssertionOriginMismatch):
		return ReasonWebAuthnOriginMismatch
	case errors.Is(err, factors.ErrChallengeMismatch):
		return ReasonWebAuthnChallengeMismatch
	case errors.Is(err, factors.ErrRelyingPartyMismatch):
		return ReasonWebAuthnRPIDMismatch
	case errors.Is(err, factors.ErrAuthenticatorFlagsInvalid):
		return ReasonWebAuthnFlagsInvalid
	case errors.Is(err, factors.ErrAssertionSignatureInvalid):
		return ReasonWebAuthnSignatureInvalid
	default:
		return ReasonWebAuthnMalformed
	}
}

func parseDomain(domain string) (origin, host string, ok bool) {
	parsed, err := url.Parse(strings.TrimSpace(domain))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", "", false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", "", false
	}

	return parsed.Scheme + "://" + parsed.Host, parsed.Hostname(), true
}

func rejected(reason string) VerifyResponse {
	return VerifyResponse{Verified: false, Reason: reason}
}
