// Package verification implements the server-side verification pipeline: the
// /nonce and /verify operations, the ordered gate sequence, and the verdict
// event stream consumed by external reporting.
package verification

import (
	"github.com/checkproof/go-checkout-attest/pkg/factors"
	"github.com/checkproof/go-checkout-attest/pkg/intent"
	"github.com/checkproof/go-checkout-attest/pkg/policy"
)

// MaxPayloadBytes bounds the /verify request body.
const MaxPayloadBytes = 10 * 1024

// Reason codes are part of the wire contract and must be preserved verbatim.
const (
	ReasonInvalidRequest            = "invalid_request"
	ReasonMissingFields             = "missing_fields"
	ReasonStaleTimestamp            = "stale_ts"
	ReasonInvalidDomain             = "invalid_domain"
	ReasonUnknownMerchant           = "unknown_merchant"
	ReasonMerchantMismatch          = "merchant_mismatch"
	ReasonDomainMismatch            = "domain_mismatch"
	ReasonOriginMismatch            = "origin_mismatch"
	ReasonInvalidReferer            = "invalid_referer"
	ReasonRefererMismatch           = "referer_mismatch"
	ReasonForwardedHostMismatch     = "forwarded_host_mismatch"
	ReasonFetchMetadataViolation    = "fetch_metadata_violation"
	ReasonDNSAttestationFailed      = "dns_attestation_failed"
	ReasonIntentMismatch            = "intent_mismatch"
	ReasonNonceReplay               = "nonce_replay"
	ReasonVisualNonceMismatch       = "visual_nonce_mismatch"
	ReasonVisualNonceHashMismatch   = "visual_nonce_hash_mismatch"
	ReasonVisualNonceSigInvalid     = "visual_nonce_signature_invalid"
	ReasonReplay                    = "replay"
	ReasonPolicyRequiresWebAuthn    = "policy_requires_webauthn"
	ReasonVelocityExceeded          = "velocity_exceeded"
	ReasonOTPInvalidOrRateLimited   = "otp_invalid_or_rate_limited"
	ReasonWebAuthnMissing           = "webauthn_missing"
	ReasonWebAuthnMalformed         = "webauthn_malformed"
	ReasonWebAuthnTypeMismatch      = "webauthn_type_mismatch"
	ReasonWebAuthnOriginMismatch    = "webauthn_origin_mismatch"
	ReasonWebAuthnChallengeMismatch = "webauthn_challenge_mismatch"
	ReasonWebAuthnRPIDMismatch      = "webauthn_rpid_mismatch"
	ReasonWebAuthnFlagsInvalid      = "webauthn_flags_invalid"
	ReasonWebAuthnSignatureInvalid  = "webauthn_signature_invalid"
	ReasonDeviceHashMismatch        = "device_hash_mismatch"
	ReasonDeviceProofInvalid        = "device_proof_invalid"
	ReasonUnsupportedMethod         = "unsupported_method"
	ReasonServerError               = "server_error"
)

// NonceRequest is the POST /nonce body.
type NonceRequest struct {
	MerchantID string `json:"merchantId,omitempty"`
	Domain     string `json:"domain"`
	Timestamp  int64  `json:"ts"`
	IntentHash string `json:"intentHash"`
}

// NonceResponse is the POST /nonce success body.
type NonceResponse struct {
	VisualNonceSig string `json:"visualNonceSig"`
}

// ErrorResponse is the POST /nonce failure body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// OTPProof carries the submitted one-time code.
type OTPProof struct {
	Code string `json:"code"`
}

// ConsentState records what the user agreed to during the fallback chain.
type ConsentState struct {
	Granted bool   `json:"granted"`
	Method  string `json:"method,omitempty"`
}

// VerifyRequest is the POST /verify body: the full verification attempt. It is
// produced once per client flow and never mutated; the pipeline either accepts
// or rejects it, never re-evaluates.
type VerifyRequest struct {
	MerchantID      string               `json:"merchantId,omitempty"`
	Domain          string               `json:"domain"`
	Timestamp       int64                `json:"ts"`
	Intent          intent.PaymentIntent `json:"intent"`
	IntentHash      string               `json:"intentHash"`
	VisualNonce     string               `json:"visualNonce"`
	VisualNonceHash string               `json:"visualNonceHash"`
	VisualNonceSig  string               `json:"visualNonceSig"`
	Method          string               `json:"method"`

	WebAuthn *factors.AssertionProof `json:"webauthn,omitempty"`
	OTP      *OTPProof               `json:"otp,omitempty"`
	Device   *factors.DeviceProof    `json:"device,omitempty"`

	Consent ConsentState       `json:"consent"`
	UAHints factors.ClientHints `json:"uaHints"`
}

// RequestHeaders are the transport-level signals the gate sequence inspects.
// The handler extracts them so the pipeline stays independent of net/http.
type RequestHeaders struct {
	Origin        string
	Referer       string
	ForwardedHost string
	SecFetchSite  string
}

// ProofReceipt echoes the consumed nonce hash back to the caller.
type ProofReceipt struct {
	VisualNonceHash string `json:"visualNonceHash"`
}

// VerifyResponse is the POST /verify body for business outcomes (HTTP 200).
type VerifyResponse struct {
	Verified bool           `json:"verified"`
	Method   string         `json:"method,omitempty"`
	Policy   *policy.Result `json:"policy,omitempty"`
	Proof    *ProofReceipt  `json:"proof,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}
