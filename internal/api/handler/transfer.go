package handler

import (
	"encoding/json"
	"net/http"

	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/service"
)

// WalletHandler serves tap credits and user-to-user transfers.
type WalletHandler struct {
	engine       *service.Engine
	tapMaxAmount int64
}

// NewWalletHandler builds the handler. A single tap credit may not exceed tapMaxAmount
// micro-coins.
func NewWalletHandler(engine *service.Engine, tapMaxAmount int64) *WalletHandler {
	return &WalletHandler{engine: engine, tapMaxAmount: tapMaxAmount}
}

type creditRequest struct {
	UserID string          `json:"user_id"`
	Amount json.RawMessage `json:"amount"`
}

type transferRequest struct {
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	Amount     json.RawMessage `json:"amount"`
}

func (h *WalletHandler) Credit(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requestActor(r)
	if !ok {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req creditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid user_id")
		return
	}
	if userID != actorID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "cannot credit another user")
		return
	}
	amount, err := parseCoinField(req.Amount)
	if err != nil {
		respondServiceError(w, r, "credit", err)
		return
	}
	if amount > h.tapMaxAmount {
		RespondError(w, r, http.StatusBadRequest, "wallet/invalid-amount", "amount exceeds the per-tap limit of "+domain.FormatCoins(h.tapMaxAmount))
		return
	}

	balance, err := h.engine.Credit(r.Context(), userID, amount)
	if err != nil {
		respondServiceError(w, r, "credit", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"balance": domain.FormatCoins(balance)})
}

func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requestActor(r)
	if !ok {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fromID, err := parseUserID(req.FromUserID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid from_user_id")
		return
	}
	toID, err := parseUserID(req.ToUserID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid to_user_id")
		return
	}
	if fromID != actorID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "cannot transfer from another user's wallet")
		return
	}
	amount, err := parseCoinField(req.Amount)
	if err != nil {
		respondServiceError(w, r, "transfer", err)
		return
	}

	res, err := h.engine.Transfer(r.Context(), models.TransferRequest{From: fromID, To: toID, Amount: amount})
	if err != nil {
		respondServiceError(w, r, "transfer", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{
		"from_balance": domain.FormatCoins(res.FromBalance),
		"to_balance":   domain.FormatCoins(res.ToBalance),
	})
}
