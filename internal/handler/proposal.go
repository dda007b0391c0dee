package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/commonfund/internal/auth"
	"github.com/dukerupert/commonfund/internal/fund"
	"github.com/dukerupert/commonfund/internal/model"
)

type ProposalHandler struct {
	svc    *fund.Service
	logger *slog.Logger
}

func NewProposalHandler(svc *fund.Service, logger *slog.Logger) *ProposalHandler {
	return &ProposalHandler{svc: svc, logger: logger}
}

func (h *ProposalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      int64  `json:"amount"`
		Recipient   string `json:"recipient"`
		Description string `json:"description"`
		Category    string `json:"category"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	p, err := h.svc.ProposeTransaction(r.Context(), fund.ProposeInput{
		WalletID:    r.PathValue("id"),
		ProposedBy:  auth.UserID(r.Context()),
		Amount:      req.Amount,
		Recipient:   req.Recipient,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, p)
}

func (h *ProposalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.ProposalStatus(r.URL.Query().Get("status"))
	proposals, err := h.svc.GetProposals(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), status)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, proposals)
}

func (h *ProposalHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProposal(r.Context(), r.PathValue("id"), r.PathValue("proposalID"), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *ProposalHandler) Vote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vote   model.VoteType `json:"vote"`
		Reason *string        `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.svc.VoteOnProposal(r.Context(), fund.VoteInput{
		WalletID:   r.PathValue("id"),
		ProposalID: r.PathValue("proposalID"),
		VoterID:    auth.UserID(r.Context()),
		Vote:       req.Vote,
		Reason:     req.Reason,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *ProposalHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes *string `json:"notes"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.svc.ExecuteTransaction(r.Context(), fund.ExecuteInput{
		WalletID:   r.PathValue("id"),
		ProposalID: r.PathValue("proposalID"),
		ExecutedBy: auth.UserID(r.Context()),
		Notes:      req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, result)
}
