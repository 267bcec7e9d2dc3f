package verification

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/constants"
)

// Handlers exposes the pipeline over HTTP.
type Handlers struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewHandlers creates the HTTP layer for a pipeline.
func NewHandlers(pipeline *Pipeline, logger *slog.Logger) *Handlers {
	return &Handlers{
		pipeline: pipeline,
		logger:   logging.Child(logger, "verification-http"),
	}
}

// Router builds the service router.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(constants.NoncePath, h.HandleNonce).Methods(http.MethodPost)
	r.HandleFunc(constants.VerifyPath, h.HandleVerify).Methods(http.MethodPost)
	r.HandleFunc(constants.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintln(w, "OK"); err != nil {
			h.logger.Warn("health write failed", logging.Error(err))
		}
	}).Methods(http.MethodGet)

	return r
}

// HandleNonce serves POST /nonce.
func (h *Handlers) HandleNonce(w http.ResponseWriter, r *http.Request) {
	defer h.recoverToNonceError(w)

	var req NonceRequest
	if !h.decodePayload(w, r, &req, func(w http.ResponseWriter, status int) {
		respondJSON(w, status, ErrorResponse{Error: ReasonInvalidRequest, Message: "request body is not valid JSON"})
	}) {
		return
	}

	response, nonceErr := h.pipeline.IssueNonce(r.Context(), &req)
	if nonceErr != nil {
		status := http.StatusBadRequest
		if nonceErr.Code == ReasonServerError {
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, ErrorResponse{Error: nonceErr.Code, Message: nonceErr.Message})
		return
	}

	respondJSON(w, http.StatusOK, response)
}

// HandleVerify serves POST /verify. Business rejections are HTTP 200 with
// verified:false; only malformed, oversized or internal failures get other codes.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	defer h.recoverToVerifyError(w)

	var req VerifyRequest
	if !h.decodePayload(w, r, &req, func(w http.ResponseWriter, status int) {
		respondJSON(w, status, VerifyResponse{Verified: false, Reason: ReasonInvalidRequest})
	}) {
		return
	}

	response := h.pipeline.VerifyAttempt(r.Context(), &req, RequestHeaders{
		Origin:        r.Header.Get(constants.HeaderOrigin),
		Referer:       r.Header.Get(constants.HeaderReferer),
		ForwardedHost: r.Header.Get(constants.HeaderForwardedHost),
		SecFetchSite:  r.Header.Get(constants.HeaderSecFetchSite),
	})

	respondJSON(w, http.StatusOK, response)
}

// decodePayload reads a size-limited JSON body. On failure it responds through
// onError with 413 for oversized bodies and 400 otherwise, and returns false.
func (h *Handlers) decodePayload(w http.ResponseWriter, r *http.Request, target any, onError func(http.ResponseWriter, int)) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxPayloadBytes)

	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			onError(w, http.StatusRequestEntityTooLarge)
			return false
		}

		onError(w, http.StatusBadRequest)
		return false
	}

	return true
}

func (h *Handlers) recoverToNonceError(w http.ResponseWriter) {
	if rec := recover(); rec != nil {
		h.logger.Error("panic during nonce issuance", slog.Any("panic", rec))
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: ReasonServerError, Message: "internal error"})
	}
}

func (h *Handlers) recoverToVerifyError(w http.ResponseWriter) {
	if rec := recover(); rec != nil {
		h.logger.Error("panic during verification", slog.Any("panic", rec))
		respondJSON(w, http.StatusInternalServerError, VerifyResponse{Verified: false, Reason: ReasonServerError})
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
