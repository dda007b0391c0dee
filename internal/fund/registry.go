package fund

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/dukerupert/commonfund/internal/model"
	"github.com/dukerupert/commonfund/internal/store"
)

var phoneRegexp = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// SettingsInput carries optional wallet settings; nil fields take defaults.
type SettingsInput struct {
	RequiresApproval *bool    `json:"requires_approval"`
	VotingThreshold  *float64 `json:"voting_threshold"`
}

type CreateWalletInput struct {
	Name         string
	Description  string
	Kind         model.WalletKind
	CreatedBy    string
	CreatorEmail string
	Settings     SettingsInput
}

// CreateWallet creates a wallet and enrolls its creator as an active admin.
func (s *Service) CreateWallet(ctx context.Context, in CreateWalletInput) (*model.Wallet, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, validationf("name is required")
	}
	if in.CreatedBy == "" {
		return nil, validationf("creator is required")
	}
	if in.Kind == "" {
		in.Kind = model.KindCommunity
	}
	if !in.Kind.Valid() {
		return nil, validationf("kind must be family or community")
	}

	settings := model.WalletSettings{RequiresApproval: true, VotingThreshold: s.cfg.DefaultThreshold}
	if in.Settings.RequiresApproval != nil {
		settings.RequiresApproval = *in.Settings.RequiresApproval
	}
	if in.Settings.VotingThreshold != nil {
		settings.VotingThreshold = *in.Settings.VotingThreshold
	}
	if settings.VotingThreshold <= 0 || settings.VotingThreshold > 1 {
		return nil, validationf("voting_threshold must be in (0, 1]")
	}

	now := s.now()
	w := &model.Wallet{
		ID:          newID(),
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		Kind:        in.Kind,
		CreatedBy:   in.CreatedBy,
		Settings:    settings,
		Currency:    s.cfg.Currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	admin := &model.Member{
		ID:        newID(),
		WalletID:  w.ID,
		UserID:    in.CreatedBy,
		Email:     strings.TrimSpace(in.CreatorEmail),
		Role:      model.RoleAdmin,
		Status:    model.MemberActive,
		JoinedAt:  &now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		wallets := s.wallets.WithTx(tx)
		if err := wallets.Create(ctx, w); err != nil {
			return err
		}
		if err := s.members.WithTx(tx).Add(ctx, admin); err != nil {
			return err
		}
		return wallets.RefreshMemberCount(ctx, w.ID, now)
	})
	if err != nil {
		return nil, err
	}

	w.MemberCount = 1
	s.publish(Event{WalletID: w.ID, Entity: "wallet", Action: "created", ID: w.ID,
		Extra: map[string]any{"user_id": w.CreatedBy}})
	s.logger.Info("wallet created", "wallet_id", w.ID, "kind", w.Kind, "created_by", w.CreatedBy)
	return w, nil
}

// GetWallet returns a wallet visible to the caller.
func (s *Service) GetWallet(ctx context.Context, walletID, callerID string) (*model.Wallet, error) {
	w, _, err := s.authorizeWallet(ctx, walletID, callerID)
	return w, err
}

func (s *Service) ListWallets(ctx context.Context, userID string) ([]model.Wallet, error) {
	wallets, err := s.wallets.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallets == nil {
		wallets = []model.Wallet{}
	}
	return wallets, nil
}

type InviteInput struct {
	WalletID    string
	Email       string
	PhoneNumber *string
	InvitedBy   string
	Role        model.Role
}

// InviteMember issues a single-use invitation and dispatches it by email.
func (s *Service) InviteMember(ctx context.Context, in InviteInput) (*model.Invitation, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if in.PhoneNumber != nil {
		phone := strings.TrimSpace(*in.PhoneNumber)
		if phone == "" {
			in.PhoneNumber = nil
		} else if !phoneRegexp.MatchString(phone) {
			return nil, validationf("phone number %q is malformed", phone)
		} else {
			in.PhoneNumber = &phone
		}
	}
	if in.Role == "" {
		in.Role = model.RoleMember
	}
	if !in.Role.Valid() {
		return nil, validationf("role must be admin, member or viewer")
	}

	wallet, _, err := s.authorizeWallet(ctx, in.WalletID, in.InvitedBy, model.RoleAdmin)
	if err != nil {
		return nil, err
	}

	unlock := s.lockWallet(in.WalletID)
	defer unlock()

	now := s.now()
	existing, err := s.members.GetActiveByEmail(ctx, in.WalletID, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, conflictf("%s is already an active member", email)
	}
	pending, err := s.invitations.GetPendingByEmail(ctx, in.WalletID, email, now)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, conflictf("%s already has a pending invitation", email)
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	inv := &model.Invitation{
		ID:          newID(),
		Token:       token,
		WalletID:    in.WalletID,
		Email:       email,
		PhoneNumber: in.PhoneNumber,
		Role:        in.Role,
		InvitedBy:   in.InvitedBy,
		Status:      model.InvitationPending,
		ExpiresAt:   now.Add(s.cfg.InvitationTTL),
		CreatedAt:   now,
	}
	if err := s.invitations.Create(ctx, inv); err != nil {
		return nil, err
	}

	if s.sender != nil {
		if err := s.sender.SendInvitation(email, token, wallet.Name); err != nil {
			s.logger.Warn("send invitation", "wallet_id", in.WalletID, "email", email, "error", err)
		}
	}

	s.logger.Info("member invited", "wallet_id", in.WalletID, "invitation_id", inv.ID, "role", inv.Role)
	return inv, nil
}

// AcceptInvitation consumes the invitation token and activates the caller's
// membership.
func (s *Service) AcceptInvitation(ctx context.Context, token, userID, email string) (*model.Member, error) {
	token = strings.TrimSpace(token)
	if token == "" || userID == "" {
		return nil, newError(ErrInvalidToken, "invitation token is required")
	}

	inv, err := s.invitations.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv == nil || inv.Status != model.InvitationPending {
		return nil, newError(ErrInvalidToken, "invitation is invalid or already used")
	}
	now := s.now()
	if !now.Before(inv.ExpiresAt) {
		if _, err := s.invitations.ExpireStale(ctx, now); err != nil {
			s.logger.Error("expire invitations", "error", err)
		}
		return nil, newError(ErrInvalidToken, "invitation has expired")
	}
	if email != "" && !strings.EqualFold(strings.TrimSpace(email), inv.Email) {
		return nil, forbiddenf("invitation was issued to a different email")
	}

	unlock := s.lockWallet(inv.WalletID)
	defer unlock()

	var member *model.Member
	err = store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		invitations := s.invitations.WithTx(tx)
		members := s.members.WithTx(tx)

		existing, err := members.Get(ctx, inv.WalletID, userID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == model.MemberActive {
			return conflictf("already an active member of this wallet")
		}

		ok, err := invitations.MarkAccepted(ctx, inv.ID, userID, now)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrInvalidToken, "invitation is invalid or already used")
		}

		if existing != nil {
			if err := members.Activate(ctx, inv.WalletID, userID, inv.Role, inv.Email, inv.InvitedBy, now); err != nil {
				return err
			}
		} else {
			invitedBy := inv.InvitedBy
			if err := members.Add(ctx, &model.Member{
				ID:        newID(),
				WalletID:  inv.WalletID,
				UserID:    userID,
				Email:     inv.Email,
				Role:      inv.Role,
				Status:    model.MemberActive,
				InvitedBy: &invitedBy,
				JoinedAt:  &now,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := s.wallets.WithTx(tx).RefreshMemberCount(ctx, inv.WalletID, now); err != nil {
			return err
		}
		member, err = members.Get(ctx, inv.WalletID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(Event{WalletID: inv.WalletID, Entity: "member", Action: "joined", ID: member.ID,
		Extra: map[string]any{"user_id": userID}})
	s.logger.Info("invitation accepted", "wallet_id", inv.WalletID, "user_id", userID)
	return member, nil
}

// GetWalletMembers lists the wallet's members for an active member caller.
func (s *Service) GetWalletMembers(ctx context.Context, walletID, callerID string) ([]model.Member, error) {
	if _, err := s.Authorize(ctx, walletID, callerID); err != nil {
		return nil, err
	}
	members, err := s.members.List(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []model.Member{}
	}
	return members, nil
}

// UpdateMemberStatus lets an admin suspend or reinstate a member.
func (s *Service) UpdateMemberStatus(ctx context.Context, walletID, adminID, userID string, status model.MemberStatus) (*model.Member, error) {
	if status != model.MemberActive && status != model.MemberSuspended {
		return nil, validationf("status must be active or suspended")
	}
	if _, err := s.Authorize(ctx, walletID, adminID, model.RoleAdmin); err != nil {
		return nil, err
	}

	unlock := s.lockWallet(walletID)
	defer unlock()

	var updated *model.Member
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		members := s.members.WithTx(tx)
		target, err := members.Get(ctx, walletID, userID)
		if err != nil {
			return err
		}
		if target == nil {
			return notFoundf("member %s not found", userID)
		}
		if target.Status == model.MemberInvited {
			return conflictf("member has not joined yet")
		}
		if status == model.MemberSuspended && target.Role == model.RoleAdmin && target.Status == model.MemberActive {
			admins, err := members.CountActiveAdmins(ctx, walletID)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return conflictf("cannot suspend the last active admin")
			}
		}
		now := s.now()
		if err := members.UpdateStatus(ctx, walletID, userID, status, now); err != nil {
			return err
		}
		if err := s.wallets.WithTx(tx).RefreshMemberCount(ctx, walletID, now); err != nil {
			return err
		}
		updated, err = members.Get(ctx, walletID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(Event{WalletID: walletID, Entity: "member", Action: string(status), ID: updated.ID,
		Extra: map[string]any{"user_id": userID}})
	return updated, nil
}

// ExpireInvitations flips stale pending invitations to expired.
func (s *Service) ExpireInvitations(ctx context.Context) (int64, error) {
	return s.invitations.ExpireStale(ctx, s.now())
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", validationf("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationf("email %q is malformed", raw)
	}
	return email, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
