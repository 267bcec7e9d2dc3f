package factors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/guard"
	"github.com/checkproof/go-checkout-attest/pkg/merchant"
)

// One-time code parameters: 30s step, one step of drift either way, 6 digits.
const (
	otpPeriod = 30
	otpSkew   = 1
)

// OTP attempt limits per merchant. Both gates apply before the code comparison.
const (
	OTPMaxPerMinute int64 = 5
	OTPMaxPerHour   int64 = 20
)

// ErrOTPInvalidOrRateLimited deliberately does not distinguish a wrong code from an
// exhausted attempt budget; a distinct answer would hand an attacker an oracle.
var ErrOTPInvalidOrRateLimited = errors.New("one-time code invalid or rate limited")

// ErrOTPNotConfigured is returned when the merchant has no shared OTP secret.
var ErrOTPNotConfigured = errors.New("merchant has no otp secret configured")

// OTPVerifier validates time-step codes against the merchant's shared secret.
type OTPVerifier struct {
	limiter *guard.RateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewOTPVerifier creates a verifier gated by the given rate limiter.
func NewOTPVerifier(limiter *guard.RateLimiter, logger *slog.Logger) *OTPVerifier {
	return &OTPVerifier{
		limiter: limiter,
		logger:  logging.Child(logger, "otp-verifier"),
		now:     time.Now,
	}
}

// Verify checks the per-minute and per-hour budgets, then compares the code.
func (v *OTPVerifier) Verify(ctx context.Context, profile *merchant.Profile, code string) error {
	if profile.OTPSecret == "" {
		return ErrOTPNotConfigured
	}

	now := v.now()
	minuteKey := fmt.Sprintf("otp:%s:m:%d", profile.ID, now.Unix()/60)
	hourKey := fmt.Sprintf("otp:%s:h:%d", profile.ID, now.Unix()/3600)

	if !v.limiter.Allow(ctx, minuteKey, time.Minute, OTPMaxPerMinute) ||
		!v.limiter.Allow(ctx, hourKey, time.Hour, OTPMaxPerHour) {
		v.logger.Warn("otp attempt budget exhausted", logging.Merchant(profile.ID))
		return ErrOTPInvalidOrRateLimited
	}

	valid, err := totp.ValidateCustom(code, profile.OTPSecret, now, totpOpts())
	if err != nil || !valid {
		return ErrOTPInvalidOrRateLimited
	}

	return nil
}

// GenerateCode produces the current code for a secret. Shared with the client
// orchestrator and tests.
func GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totpOpts())
}

func totpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    otpPeriod,
		Skew:      otpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}
