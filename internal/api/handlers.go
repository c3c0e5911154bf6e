/**
 * @description
 * This file contains the HTTP handlers for the transaction-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the transaction
 * workflow, and writing the HTTP response. They act as the bridge between the web
 * layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/stepup, internal/enrich: Workflow, step-up errors and request context.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/app"
	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/internal/enrich"
	"github.com/ankitkr9911/Cipherstorm/internal/stepup"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 20

// TransactionService is the workflow surface the handlers depend on.
type TransactionService interface {
	ResolveInternalUserID(ctx context.Context, clerkUserID string) (string, error)
	Submit(ctx context.Context, userID uuid.UUID, req domain.TransactionRequest, rc enrich.RequestContext) (*domain.Outcome, error)
	ConfirmChallenge(ctx context.Context, userID uuid.UUID, code string) (*domain.Transaction, error)
	ResendChallenge(ctx context.Context, userID uuid.UUID) (*domain.Challenge, error)
	CancelChallenge(ctx context.Context, userID uuid.UUID) error
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error)
	GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, userID, transactionID uuid.UUID) error
}

// TransactionHandlers holds the application service that handlers will use.
type TransactionHandlers struct {
	service TransactionService
}

// NewTransactionHandlers creates a new instance of TransactionHandlers.
func NewTransactionHandlers(service TransactionService) *TransactionHandlers {
	return &TransactionHandlers{service: service}
}

type committedResponse struct {
	Status      string              `json:"status"`
	Transaction *domain.Transaction `json:"transaction"`
}

type challengeResponse struct {
	Status         string         `json:"status"`
	TransactionID  string         `json:"transaction_id"`
	Message        string         `json:"message"`
	FraudDetails   map[string]any `json:"fraud_details,omitempty"`
	OTPSent        bool           `json:"otp_sent"`
	DeliveryFailed bool           `json:"delivery_failed"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

// SubmitTransactionHandler scores a transfer and either commits it or opens a step-up challenge.
func (h *TransactionHandlers) SubmitTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r, "submit")
	if !ok {
		return
	}

	var req domain.TransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=submit outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome, err := h.service.Submit(r.Context(), userID, req, enrich.FromRequest(r, time.Now()))
	if err != nil {
		h.writeWorkflowError(w, "submit", userID, err)
		return
	}

	switch outcome.Kind {
	case domain.OutcomeCommitted:
		log.Printf("level=info component=api endpoint=submit outcome=committed user_id=%s transaction_id=%s", userID, outcome.Transaction.ID)
		h.writeJSON(w, http.StatusCreated, committedResponse{Status: "committed", Transaction: outcome.Transaction})
	default:
		delivered := outcome.DeliveryErr == nil
		message := "Verification code sent. Confirm the code to complete this transaction."
		if !delivered {
			message = "Verification code could not be delivered. Request a new code to continue."
		}
		resp := challengeResponse{
			Status:         "challenge_required",
			Message:        message,
			OTPSent:        delivered,
			DeliveryFailed: !delivered,
		}
		if outcome.Pending != nil {
			resp.TransactionID = outcome.Pending.Transaction.ID.String()
		}
		if outcome.Verdict != nil {
			resp.FraudDetails = outcome.Verdict.Details
		}
		log.Printf("level=info component=api endpoint=submit outcome=challenge_required user_id=%s delivery_failed=%t", userID, !delivered)
		h.writeJSON(w, http.StatusAccepted, resp)
	}
}

// VerifyChallengeHandler commits the withheld transaction once the code matches.
func (h *TransactionHandlers) VerifyChallengeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r, "verify")
	if !ok {
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		h.writeError(w, http.StatusBadRequest, "Verification code is required")
		return
	}

	tx, err := h.service.ConfirmChallenge(r.Context(), userID, req.Code)
	if err != nil {
		h.writeWorkflowError(w, "verify", userID, err)
		return
	}

	log.Printf("level=info component=api endpoint=verify outcome=committed user_id=%s transaction_id=%s", userID, tx.ID)
	h.writeJSON(w, http.StatusCreated, committedResponse{Status: "committed", Transaction: tx})
}

// ResendChallengeHandler delivers a fresh code for the caller's open challenge.
func (h *TransactionHandlers) ResendChallengeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r, "resend")
	if !ok {
		return
	}

	challenge, err := h.service.ResendChallenge(r.Context(), userID)
	if err != nil {
		if errors.Is(err, stepup.ErrDeliveryFailed) {
			log.Printf("level=warn component=api endpoint=resend outcome=delivery_failed user_id=%s err=%v", userID, err)
			h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"status":          "delivery_failed",
				"otp_sent":        false,
				"delivery_failed": true,
			})
			return
		}
		h.writeWorkflowError(w, "resend", userID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "otp_sent",
		"otp_sent":   true,
		"expires_at": challenge.ExpiresAt,
	})
}

// CancelChallengeHandler abandons the caller's open challenge.
func (h *TransactionHandlers) CancelChallengeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r, "cancel")
	if !ok {
		return
	}
	if err := h.service.CancelChallenge(r.Context(), userID); err != nil {
		h.writeWorkflowError(w, "cancel", userID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTransactionsHandler returns the caller's transaction history, newest first.
func (h *TransactionHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r, "list")
	if !ok {
		return
	}

	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), app.DefaultHistoryLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	transactions, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeWorkflowError(w, "list", userID, err)
		return
	}
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

// GetTransactionByIDHandler handles requests to fetch an individual transaction by UUID.
func (h *TransactionHandlers) GetTransactionByIDHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r, "get_transaction_by_id")
	if !ok {
		return
	}
	transactionID, ok := h.transactionIDParam(w, r)
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, transactionID)
	if err != nil {
		h.writeWorkflowError(w, "get_transaction_by_id", userID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// DeleteTransactionHandler removes one of the caller's transactions.
func (h *TransactionHandlers) DeleteTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r, "delete_transaction")
	if !ok {
		return
	}
	transactionID, ok := h.transactionIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteTransaction(r.Context(), userID, transactionID); err != nil {
		h.writeWorkflowError(w, "delete_transaction", userID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveUserID converts the authenticated Clerk subject into the internal UUID.
func (h *TransactionHandlers) resolveUserID(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}

	internalIDStr, err := h.service.ResolveInternalUserID(r.Context(), clerkUserID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=user_resolution_failed clerk_user_id=%s err=%v", endpoint, clerkUserID, err)
		h.writeError(w, http.StatusBadRequest, "User not found")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(internalIDStr)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_user_id internal_user_id=%s", endpoint, internalIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *TransactionHandlers) transactionIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "Transaction ID is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return uuid.Nil, false
	}
	return id, true
}

// writeWorkflowError maps workflow and step-up errors onto HTTP statuses.
func (h *TransactionHandlers) writeWorkflowError(w http.ResponseWriter, endpoint string, userID uuid.UUID, err error) {
	var rateLimited *app.RateLimitError
	var invalidCode *stepup.InvalidCodeError

	switch {
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please wait and try again.")
	case errors.Is(err, app.ErrInvalidTransaction):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrProfileNotFound):
		h.writeError(w, http.StatusNotFound, "User profile not found")
	case errors.Is(err, app.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, app.ErrScorerUnavailable):
		log.Printf("level=error component=api endpoint=%s outcome=failed reason=scorer_unavailable user_id=%s err=%v", endpoint, userID, err)
		h.writeError(w, http.StatusServiceUnavailable, "Fraud check is temporarily unavailable. Please try again.")
	case errors.As(err, &invalidCode):
		h.writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":              "Invalid verification code",
			"attempts_remaining": invalidCode.Remaining,
		})
	case errors.Is(err, stepup.ErrChallengeInvalid):
		h.writeError(w, http.StatusUnauthorized, "Invalid verification code")
	case errors.Is(err, stepup.ErrChallengeExpired):
		h.writeError(w, http.StatusGone, "Verification code expired. Please submit the transaction again.")
	case errors.Is(err, stepup.ErrMaxAttemptsExceeded):
		h.writeError(w, http.StatusLocked, "Too many incorrect attempts. Please submit the transaction again.")
	case errors.Is(err, stepup.ErrChallengeAbsent):
		h.writeError(w, http.StatusBadRequest, "No pending verification")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed user_id=%s err=%v", endpoint, userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func parseOptionalInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer")
	}
	return v, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *TransactionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransactionHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
