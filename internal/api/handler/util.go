package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tapcoin/wallet/internal/api/middleware"
	"github.com/tapcoin/wallet/internal/api/problem"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/service"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes a problem document. problemType may be a slug or an absolute URI.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, "", message)
}

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return false
	}
	if dec.More() {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Request body must be a single JSON object")
		return false
	}
	return true
}

func requestActor(r *http.Request) (uuid.UUID, bool) {
	return middleware.UserIDFromContext(r.Context())
}

// parseCoinField reads a coin amount given as a JSON string ("0.00001") or number.
// Malformed amounts are reported as InvalidAmount.
func parseCoinField(raw json.RawMessage) (int64, error) {
	text := string(bytes.TrimSpace(raw))
	if text == "" || text == "null" {
		return 0, fmt.Errorf("%w: amount is required", models.ErrInvalidAmount)
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	micros, err := domain.ParseCoins(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrInvalidAmount, err)
	}
	return micros, nil
}

func parseUserID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}

// respondServiceError maps domain errors to problem responses.
func respondServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, domain.ErrAmountFormat),
		errors.Is(err, domain.ErrAmountPrecision),
		errors.Is(err, domain.ErrAmountRange):
		RespondError(w, r, http.StatusBadRequest, "wallet/invalid-amount", err.Error())
	case errors.Is(err, models.ErrSameAccount):
		RespondError(w, r, http.StatusBadRequest, "wallet/same-account", err.Error())
	case errors.Is(err, models.ErrInsufficientBalance):
		RespondError(w, r, http.StatusConflict, "wallet/insufficient-balance", "Insufficient balance")
	case errors.Is(err, models.ErrAccountNotFound):
		RespondError(w, r, http.StatusNotFound, "account/not-found", "Account not found")
	case errors.Is(err, models.ErrAlreadyExists):
		RespondError(w, r, http.StatusConflict, "account/already-exists", "Account already exists")
	case errors.Is(err, models.ErrUnauthorized):
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-credentials", "Invalid credentials")
	case errors.Is(err, service.ErrInvalidUsername), errors.Is(err, service.ErrWeakPassword):
		RespondError(w, r, http.StatusBadRequest, "account/invalid-credentials-format", err.Error())
	case errors.Is(err, models.ErrConsistencyFailure):
		zap.L().Error(op+" failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "wallet/consistency-failure", "The operation outcome could not be confirmed")
	case errors.Is(err, models.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		zap.L().Warn(op+" unavailable", zap.Error(err))
		RespondError(w, r, http.StatusServiceUnavailable, "storage/unavailable", "Temporarily unavailable, retry later")
	default:
		zap.L().Error(op+" failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected server error")
	}
}
