// Package client implements the checkout-side attestation orchestrator: it
// derives the domain-and-intent-bound nonce, walks the factor fallback chain in
// fixed priority, assembles the proof payload and submits it for verification.
package client

import (
	"context"
	"errors"

	"github.com/checkproof/go-checkout-attest/pkg/defs"
	"github.com/checkproof/go-checkout-attest/pkg/factors"
)

// ErrPromptCancelled must be returned by a CodePrompter when the user explicitly
// dismissed the prompt. It is the one failure that aborts the whole chain instead
// of falling through to the next factor.
var ErrPromptCancelled = errors.New("user cancelled the code prompt")

// AssertionRequest carries everything a platform authenticator needs to produce
// an assertion bound to this attempt.
type AssertionRequest struct {
	Challenge string
	RPID      string
	Origin    string
}

// PlatformAuthenticator produces WebAuthn assertions. Implementations bridge to
// the platform credential API of the embedding surface.
type PlatformAuthenticator interface {
	GetAssertion(ctx context.Context, req AssertionRequest) (*factors.AssertionProof, error)
}

// CodePrompter collects a one-time code from the user. Returning
// ErrPromptCancelled aborts the chain; any other error falls through.
type CodePrompter interface {
	PromptCode(ctx context.Context) (string, error)
}

// DeviceIdentity reports the environment hints the device fingerprint is
// derived from.
type DeviceIdentity interface {
	Hints(ctx context.Context) (factors.ClientHints, error)
}

// ConsentFunc is invoked after a soft factor failure, before falling through to
// the next method. Returning false (or an error) aborts the chain with
// user_declined_consent.
type ConsentFunc func(ctx context.Context, failed, next defs.Method) (bool, error)

// NonceRenderer receives the derived visual nonce so the page can render it as a
// side channel. Optional; rendering failures are not part of the protocol.
type NonceRenderer interface {
	RenderNonce(nonceHex string)
}
