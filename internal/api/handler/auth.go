package handler

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/tapcoin/wallet/internal/auth"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/service"
	"go.uber.org/zap"
)

// AuthHandler registers users and exchanges credentials for session tokens.
type AuthHandler struct {
	accounts *service.AccountService
	tokens   *auth.Tokens
	telegram *auth.TelegramVerifier
}

// NewAuthHandler builds the handler. A nil telegram verifier disables Telegram login.
func NewAuthHandler(accounts *service.AccountService, tokens *auth.Tokens, telegram *auth.TelegramVerifier) *AuthHandler {
	return &AuthHandler{accounts: accounts, tokens: tokens, telegram: telegram}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance string    `json:"balance"`
	Token   string    `json:"token"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acc, err := h.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		respondServiceError(w, r, "register", err)
		return
	}
	zap.L().Info("account registered", zap.String("user_id", acc.ID.String()))
	RespondJSON(w, http.StatusCreated, map[string]uuid.UUID{"user_id": acc.ID})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acc, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondServiceError(w, r, "login", err)
		return
	}
	h.respondSession(w, r, acc)
}

// Telegram verifies Telegram WebApp init data and signs the user in, creating the
// wallet on first use.
func (h *AuthHandler) Telegram(w http.ResponseWriter, r *http.Request) {
	if h.telegram == nil {
		RespondError(w, r, http.StatusNotFound, "auth/telegram-disabled", "Telegram login is not configured")
		return
	}
	var req struct {
		InitData string `json:"init_data"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.telegram.Verify(req.InitData)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrTelegramMalformed) {
			status = http.StatusBadRequest
		}
		RespondError(w, r, status, "auth/invalid-telegram-data", err.Error())
		return
	}

	acc, err := h.accounts.LoginTelegram(r.Context(), *user)
	if err != nil {
		respondServiceError(w, r, "telegram login", err)
		return
	}
	h.respondSession(w, r, acc)
}

func (h *AuthHandler) respondSession(w http.ResponseWriter, r *http.Request, acc *models.Account) {
	token, err := h.tokens.Issue(acc.ID)
	if err != nil {
		zap.L().Error("sign session token failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "auth/token-signing-failed", "Failed to sign token")
		return
	}
	RespondJSON(w, http.StatusOK, sessionResponse{
		UserID:  acc.ID,
		Balance: domain.FormatCoins(acc.Balance),
		Token:   token,
	})
}
