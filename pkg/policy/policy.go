// Package policy evaluates merchant risk policy for a verification attempt:
// step-up factor requirements, per-merchant velocity, and the DNS attestation
// allowlist. DNS attestation is a configured policy toggle, not a live lookup.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/defs"
	"github.com/checkproof/go-checkout-attest/pkg/guard"
	"github.com/checkproof/go-checkout-attest/pkg/intent"
	"github.com/checkproof/go-checkout-attest/pkg/merchant"
)

var (
	// ErrStepUpRequired is returned when the amount crosses the step-up threshold
	// but the chosen method is not the strongest factor.
	ErrStepUpRequired = errors.New("amount requires the platform authenticator factor")

	// ErrVelocityExceeded is returned when the merchant exceeded its attempt budget
	// for the current window.
	ErrVelocityExceeded = errors.New("merchant velocity limit exceeded")

	// ErrDNSAttestationFailed is returned when the claimed attestation value is not
	// in the merchant's configured set.
	ErrDNSAttestationFailed = errors.New("claimed dns attestation value is not configured for merchant")
)

// Result reports which policy rules applied to an accepted attempt.
type Result struct {
	StepUpApplied bool `json:"stepUpApplied"`
}

// Engine applies merchant risk policy.
type Engine struct {
	limiter *guard.RateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates a policy engine backed by the given rate limiter.
func NewEngine(limiter *guard.RateLimiter, logger *slog.Logger) *Engine {
	return &Engine{
		limiter: limiter,
		logger:  logging.Child(logger, "risk-policy"),
		now:     time.Now,
	}
}

// Evaluate applies step-up, velocity and DNS attestation policy, in that order.
func (e *Engine) Evaluate(ctx context.Context, profile *merchant.Profile, paymentIntent intent.PaymentIntent, method defs.Method, dnsClaim string) (Result, error) {
	result := Result{}

	if paymentIntent.Amount >= profile.StepUpAmount && profile.StepUpAmount > 0 {
		result.StepUpApplied = true
		if method != defs.MethodWebAuthn {
			return result, ErrStepUpRequired
		}
	}

	// Hand-built profiles may skip the config defaults; a zero window would
	// divide by zero below.
	window := profile.Velocity.Window
	if window <= 0 {
		window = merchant.DefaultVelocityWindowSeconds * time.Second
	}

	windowIndex := e.now().Unix() / int64(window.Seconds())
	velocityKey := fmt.Sprintf("velocity:%s:%d", profile.ID, windowIndex)
	if !e.limiter.Allow(ctx, velocityKey, window, profile.Velocity.MaxAttempts) {
		e.logger.Warn("velocity limit exceeded", logging.Merchant(profile.ID))
		return result, ErrVelocityExceeded
	}

	if profile.RequireDNSAttestation {
		if dnsClaim == "" || !lo.Contains(profile.DNSAttestation, dnsClaim) {
			return result, ErrDNSAttestationFailed
		}
	}

	return result, nil
}
