package fund

import (
	"context"
	"database/sql"
	"strings"

	"github.com/dukerupert/commonfund/internal/model"
	"github.com/dukerupert/commonfund/internal/store"
)

type ProposeInput struct {
	WalletID    string
	ProposedBy  string
	Amount      int64
	Recipient   string
	Description string
	Category    string
}

// ProposeTransaction opens a spending proposal. Wallets that do not require
// approval get proposals that are approved on creation.
func (s *Service) ProposeTransaction(ctx context.Context, in ProposeInput) (*model.Proposal, error) {
	if in.Amount <= 0 {
		return nil, validationf("amount must be positive")
	}
	in.Recipient = strings.TrimSpace(in.Recipient)
	if in.Recipient == "" {
		return nil, validationf("recipient is required")
	}

	wallet, _, err := s.authorizeWallet(ctx, in.WalletID, in.ProposedBy, model.RoleAdmin, model.RoleMember)
	if err != nil {
		return nil, err
	}

	now := s.now()
	status := model.ProposalVoting
	if !wallet.Settings.RequiresApproval {
		status = model.ProposalApproved
	}
	p := &model.Proposal{
		ID:             newID(),
		WalletID:       in.WalletID,
		ProposedBy:     in.ProposedBy,
		Amount:         in.Amount,
		Recipient:      in.Recipient,
		Description:    strings.TrimSpace(in.Description),
		Category:       strings.TrimSpace(in.Category),
		Status:         status,
		VotingDeadline: now.Add(s.cfg.VotingWindow),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.proposals.Create(ctx, p); err != nil {
		return nil, err
	}

	s.publish(Event{WalletID: p.WalletID, Entity: "proposal", Action: "created", ID: p.ID})
	s.logger.Info("proposal created", "wallet_id", p.WalletID, "proposal_id", p.ID, "amount", p.Amount, "status", p.Status)
	return p, nil
}

type VoteInput struct {
	WalletID   string
	ProposalID string
	VoterID    string
	Vote       model.VoteType
	Reason     *string
}

type VoteResult struct {
	ProposalStatus model.ProposalStatus `json:"proposal_status"`
	IsApproved     bool                 `json:"is_approved"`
	Tally          model.Tally          `json:"tally"`
}

// VoteOnProposal records the caller's ballot, replacing any earlier one, and
// moves the proposal to approved or rejected once the outcome is decided.
func (s *Service) VoteOnProposal(ctx context.Context, in VoteInput) (*VoteResult, error) {
	if !in.Vote.Valid() {
		return nil, validationf("vote must be approve, reject or abstain")
	}
	if in.Reason != nil {
		reason := strings.TrimSpace(*in.Reason)
		if reason == "" {
			in.Reason = nil
		} else {
			in.Reason = &reason
		}
	}
	if _, err := s.Authorize(ctx, in.WalletID, in.VoterID, model.RoleAdmin, model.RoleMember); err != nil {
		return nil, err
	}

	unlock := s.lockWallet(in.WalletID)
	defer unlock()

	p, err := s.loadProposal(ctx, in.WalletID, in.ProposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.ProposalVoting {
		return nil, conflictf("proposal is %s and no longer accepts votes", p.Status)
	}

	var result VoteResult
	err = store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		proposals := s.proposals.WithTx(tx)
		now := s.now()
		if err := proposals.UpsertVote(ctx, &model.Vote{
			ID:         newID(),
			ProposalID: p.ID,
			VoterID:    in.VoterID,
			VoteType:   in.Vote,
			Reason:     in.Reason,
			VotedAt:    now,
		}); err != nil {
			return err
		}
		status, tally, err := s.decide(ctx, tx, p)
		if err != nil {
			return err
		}
		result = VoteResult{ProposalStatus: status, IsApproved: status == model.ProposalApproved, Tally: tally}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(Event{WalletID: p.WalletID, Entity: "proposal", Action: "voted", ID: p.ID,
		Extra: map[string]any{"status": result.ProposalStatus}})
	if result.ProposalStatus != model.ProposalVoting {
		s.logger.Info("proposal decided", "wallet_id", p.WalletID, "proposal_id", p.ID, "status", result.ProposalStatus,
			"approve", result.Tally.Approve, "reject", result.Tally.Reject, "required", result.Tally.Required)
	}
	return &result, nil
}

// GetProposals lists the wallet's proposals newest first.
func (s *Service) GetProposals(ctx context.Context, walletID, callerID string, status model.ProposalStatus) ([]model.Proposal, error) {
	if status != "" && !status.Valid() {
		return nil, validationf("unknown proposal status %q", status)
	}
	if _, err := s.Authorize(ctx, walletID, callerID); err != nil {
		return nil, err
	}

	if err := s.expireWallet(ctx, walletID); err != nil {
		return nil, err
	}

	proposals, err := s.proposals.List(ctx, walletID, status)
	if err != nil {
		return nil, err
	}
	if proposals == nil {
		proposals = []model.Proposal{}
	}
	return proposals, nil
}

// GetProposal returns one proposal with its ballots and current tally.
func (s *Service) GetProposal(ctx context.Context, walletID, proposalID, callerID string) (*model.Proposal, error) {
	if _, err := s.Authorize(ctx, walletID, callerID); err != nil {
		return nil, err
	}

	unlock := s.lockWallet(walletID)
	p, err := s.loadProposal(ctx, walletID, proposalID)
	unlock()
	if err != nil {
		return nil, err
	}

	votes, err := s.proposals.ListVotes(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Votes = votes
	tally, err := s.tallyWith(ctx, s.wallets, s.members, s.proposals, p.WalletID, p.ID)
	if err != nil {
		return nil, err
	}
	p.Tally = &tally
	return p, nil
}

// SweepExpired closes every voting proposal whose deadline has passed. It
// applies the same rule as the lazy check run on access.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.proposals.ListExpiredVoting(ctx, s.now())
	if err != nil {
		return 0, err
	}
	closed := 0
	for i := range expired {
		p := &expired[i]
		unlock := s.lockWallet(p.WalletID)
		changed, err := s.expireLocked(ctx, p)
		unlock()
		if err != nil {
			return closed, err
		}
		if changed {
			closed++
		}
	}
	return closed, nil
}

// loadProposal fetches a proposal and settles it if its deadline has passed.
// The caller must hold the wallet lock.
func (s *Service) loadProposal(ctx context.Context, walletID, proposalID string) (*model.Proposal, error) {
	p, err := s.proposals.GetByID(ctx, walletID, proposalID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFoundf("proposal %s not found", proposalID)
	}
	if _, err := s.expireLocked(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) expireWallet(ctx context.Context, walletID string) error {
	unlock := s.lockWallet(walletID)
	defer unlock()

	voting, err := s.proposals.List(ctx, walletID, model.ProposalVoting)
	if err != nil {
		return err
	}
	for i := range voting {
		if _, err := s.expireLocked(ctx, &voting[i]); err != nil {
			return err
		}
	}
	return nil
}

// expireLocked settles p when it is still voting past its deadline and
// updates p.Status in place.
func (s *Service) expireLocked(ctx context.Context, p *model.Proposal) (bool, error) {
	if p.Status != model.ProposalVoting || s.now().Before(p.VotingDeadline) {
		return false, nil
	}
	var status model.ProposalStatus
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		status, _, err = s.decide(ctx, tx, p)
		return err
	})
	if err != nil {
		return false, err
	}
	if status == p.Status {
		return false, nil
	}
	p.Status = status
	s.publish(Event{WalletID: p.WalletID, Entity: "proposal", Action: "expired", ID: p.ID,
		Extra: map[string]any{"status": status}})
	s.logger.Info("proposal deadline passed", "wallet_id", p.WalletID, "proposal_id", p.ID, "status", status)
	return true, nil
}

// decide tallies p inside tx and persists the resulting transition, if any.
func (s *Service) decide(ctx context.Context, tx *sql.Tx, p *model.Proposal) (model.ProposalStatus, model.Tally, error) {
	tally, err := s.tallyTx(ctx, tx, p.WalletID, p.ID)
	if err != nil {
		return "", tally, err
	}
	status := Decide(tally, p.VotingDeadline, s.now())
	if status == model.ProposalVoting {
		return status, tally, nil
	}
	ok, err := s.proposals.WithTx(tx).UpdateStatus(ctx, p.ID, model.ProposalVoting, status, s.now())
	if err != nil {
		return "", tally, err
	}
	if !ok {
		return "", tally, conflictf("proposal %s changed concurrently", p.ID)
	}
	return status, tally, nil
}

func (s *Service) tallyTx(ctx context.Context, tx *sql.Tx, walletID, proposalID string) (model.Tally, error) {
	return s.tallyWith(ctx, s.wallets.WithTx(tx), s.members.WithTx(tx), s.proposals.WithTx(tx), walletID, proposalID)
}

func (s *Service) tallyWith(ctx context.Context, wallets *store.WalletStore, members *store.MemberStore, proposals *store.ProposalStore, walletID, proposalID string) (model.Tally, error) {
	wallet, err := wallets.GetByID(ctx, walletID)
	if err != nil {
		return model.Tally{}, err
	}
	if wallet == nil {
		return model.Tally{}, notFoundf("wallet %s not found", walletID)
	}
	active, err := members.CountActive(ctx, walletID)
	if err != nil {
		return model.Tally{}, err
	}
	t, err := proposals.CountVotes(ctx, walletID, proposalID)
	if err != nil {
		return t, err
	}
	t.ActiveMembers = active
	t.Required = RequiredVotes(active, wallet.Settings.VotingThreshold)
	return t, nil
}
