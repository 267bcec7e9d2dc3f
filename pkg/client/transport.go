package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/constants"
	"github.com/checkproof/go-checkout-attest/pkg/verification"
)

// DefaultRequestTimeout is the fetch abort guard for both endpoints.
const DefaultRequestTimeout = 15 * time.Second

// ServerRejection is a /nonce business rejection surfaced to the caller.
type ServerRejection struct {
	Code    string
	Message string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("server rejected request: %s (%s)", e.Code, e.Message)
}

// APIClient talks to the verification service.
type APIClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewAPIClient creates a client for the service at baseURL.
func NewAPIClient(baseURL string, timeout time.Duration, logger *slog.Logger) *APIClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &APIClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		logger: logging.Child(logger, "attestation-client"),
	}
}

// RequestNonce asks the service to issue and sign the visual nonce.
func (c *APIClient) RequestNonce(ctx context.Context, req *verification.NonceRequest) (*verification.NonceResponse, error) {
	var result verification.NonceResponse
	var errBody verification.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&errBody).
		Post(constants.NoncePath)
	if err != nil {
		return nil, fmt.Errorf("nonce request failed: %w", err)
	}

	if !resp.IsSuccess() {
		c.logger.Debug("nonce request rejected",
			slog.Int("status", resp.StatusCode()), logging.Reason(errBody.Error))
		return nil, &ServerRejection{Code: errBody.Error, Message: errBody.Message}
	}

	return &result, nil
}

// SubmitProof submits the assembled attempt. Business verdicts, accepted or not,
// come back as a response; only transport and server failures are errors.
func (c *APIClient) SubmitProof(ctx context.Context, req *verification.VerifyRequest, origin string) (*verification.VerifyResponse, error) {
	var result verification.VerifyResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(constants.HeaderOrigin, origin).
		SetBody(req).
		SetResult(&result).
		Post(constants.VerifyPath)
	if err != nil {
		return nil, fmt.Errorf("proof submission failed: %w", err)
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("proof submission returned status %d", resp.StatusCode())
	}

	return &result, nil
}
