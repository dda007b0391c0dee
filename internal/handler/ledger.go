package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/commonfund/internal/auth"
	"github.com/dukerupert/commonfund/internal/fund"
	"github.com/dukerupert/commonfund/internal/model"
)

type LedgerHandler struct {
	svc    *fund.Service
	logger *slog.Logger
}

func NewLedgerHandler(svc *fund.Service, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	page, err := h.svc.GetTransactionHistory(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), fund.HistoryQuery{
		Limit:  limit,
		Offset: offset,
		Type:   model.TransactionType(r.URL.Query().Get("type")),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.svc.GetWalletBalance(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, bal)
}

func (h *LedgerHandler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.VerifyBalance(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (h *LedgerHandler) ManualDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	t, err := h.svc.RecordManualDeposit(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), req.Amount, req.Description)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, t)
}
