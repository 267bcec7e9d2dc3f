package verification

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/checkproof/go-checkout-attest/internal/logging"
)

// VerificationEvent is the auditable record of one verdict. Persistent storage,
// fraud alerting and the reporting dashboard consume these through an EventSink;
// the pipeline itself never retries or re-evaluates an outcome.
type VerificationEvent struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	MerchantID string    `json:"merchantId"`
	Domain     string    `json:"domain"`
	Method     string    `json:"method"`
	Verified   bool      `json:"verified"`
	Reason     string    `json:"reason,omitempty"`
	NonceHash  string    `json:"nonceHash,omitempty"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
}

// EventSink receives every verification verdict. Implementations must not block
// the request path for long; persistence belongs to the collaborator.
type EventSink interface {
	Record(ctx context.Context, event VerificationEvent)
}

// SlogSink logs events through slog. It is the default sink when no external
// collaborator is wired in.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging at info level.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logging.Child(logger, "verification-events")}
}

// Record implements EventSink.
func (s *SlogSink) Record(_ context.Context, event VerificationEvent) {
	s.logger.Info("verification verdict",
		slog.String("id", event.ID),
		logging.Merchant(event.MerchantID),
		slog.String("domain", event.Domain),
		slog.String("method", event.Method),
		slog.Bool("verified", event.Verified),
		logging.Reason(event.Reason),
	)
}

func newEvent(merchantID, domain, method string, verified bool, reason, nonceHash string, amount float64, currency string) VerificationEvent {
	return VerificationEvent{
		ID:         uuid.NewString(),
		Time:       time.Now().UTC(),
		MerchantID: merchantID,
		Domain:     domain,
		Method:     method,
		Verified:   verified,
		Reason:     reason,
		NonceHash:  nonceHash,
		Amount:     amount,
		Currency:   currency,
	}
}
