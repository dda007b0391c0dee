package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/commonfund/internal/auth"
	"github.com/dukerupert/commonfund/internal/fund"
	"github.com/dukerupert/commonfund/internal/model"
)

type WalletHandler struct {
	svc    *fund.Service
	logger *slog.Logger
}

func NewWalletHandler(svc *fund.Service, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{svc: svc, logger: logger}
}

func (h *WalletHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string             `json:"name"`
		Description string             `json:"description"`
		Kind        model.WalletKind   `json:"kind"`
		Settings    fund.SettingsInput `json:"settings"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	id, _ := auth.FromContext(r.Context())
	wallet, err := h.svc.CreateWallet(r.Context(), fund.CreateWalletInput{
		Name:         req.Name,
		Description:  req.Description,
		Kind:         req.Kind,
		CreatedBy:    id.UserID,
		CreatorEmail: id.Email,
		Settings:     req.Settings,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, wallet)
}

func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.svc.ListWallets(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, wallets)
}

func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.svc.GetWallet(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, wallet)
}

func (h *WalletHandler) Members(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.GetWalletMembers(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, members)
}

func (h *WalletHandler) UpdateMemberStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.MemberStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	member, err := h.svc.UpdateMemberStatus(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), r.PathValue("userID"), req.Status)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, member)
}

func (h *WalletHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string     `json:"email"`
		PhoneNumber *string    `json:"phone_number"`
		Role        model.Role `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	inv, err := h.svc.InviteMember(r.Context(), fund.InviteInput{
		WalletID:    r.PathValue("id"),
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		InvitedBy:   auth.UserID(r.Context()),
		Role:        req.Role,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, inv)
}

func (h *WalletHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	id, _ := auth.FromContext(r.Context())
	member, err := h.svc.AcceptInvitation(r.Context(), req.Token, id.UserID, id.Email)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, member)
}
