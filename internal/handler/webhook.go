package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/commonfund/internal/deposit"
	"github.com/dukerupert/commonfund/internal/fund"
	"github.com/dukerupert/commonfund/internal/middleware"
)

type WebhookHandler struct {
	reconciler *deposit.Reconciler
	logger     *slog.Logger
}

func NewWebhookHandler(rc *deposit.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: rc, logger: logger}
}

// HandleBankTransfer answers 201 when a credit was applied and 200 when there
// was nothing to do. A 500 tells the gateway to retry.
func (h *WebhookHandler) HandleBankTransfer(w http.ResponseWriter, r *http.Request) {
	if !h.reconciler.Authorize(r.Header.Get("Authorization")) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var p deposit.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.reconciler.Handle(r.Context(), p)
	if err != nil {
		if errors.Is(err, fund.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("webhook processing failed", "request_id", middleware.RequestID(r.Context()), "external_id", p.ID, "reference_code", p.ReferenceCode, "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	status := http.StatusOK
	if res.Outcome == deposit.OutcomeProcessed {
		status = http.StatusCreated
	}
	writeData(w, status, res)
}
