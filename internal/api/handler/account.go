package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/service"
)

type AccountHandler struct {
	svc *service.AccountService
}

func NewAccountHandler(svc *service.AccountService) *AccountHandler {
	return &AccountHandler{svc: svc}
}

// GetAccount returns the caller's own wallet.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requestActor(r)
	if !ok {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	accountID, err := parseUserID(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid account ID")
		return
	}
	if accountID != actorID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return
	}

	acc, err := h.svc.GetAccount(r.Context(), accountID)
	if err != nil {
		respondServiceError(w, r, "get account", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{
		"user_id":  acc.ID.String(),
		"username": acc.Username,
		"balance":  domain.FormatCoins(acc.Balance),
	})
}
