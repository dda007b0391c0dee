package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/commonfund/internal/auth"
	"github.com/dukerupert/commonfund/internal/deposit"
)

type DepositHandler struct {
	reconciler *deposit.Reconciler
	logger     *slog.Logger
}

func NewDepositHandler(rc *deposit.Reconciler, logger *slog.Logger) *DepositHandler {
	return &DepositHandler{reconciler: rc, logger: logger}
}

func (h *DepositHandler) ListUnrouted(w http.ResponseWriter, r *http.Request) {
	records, err := h.reconciler.ListUnrouted(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, records)
}

func (h *DepositHandler) Route(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletID string `json:"wallet_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if req.WalletID == "" {
		writeError(w, http.StatusBadRequest, "wallet_id is required")
		return
	}

	t, err := h.reconciler.Route(r.Context(), r.PathValue("recordID"), req.WalletID, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, t)
}
