package fund

import (
	"context"
	"database/sql"
	"strings"

	"github.com/dukerupert/commonfund/internal/model"
	"github.com/dukerupert/commonfund/internal/store"
)

type ExecuteInput struct {
	WalletID   string
	ProposalID string
	ExecutedBy string
	Notes      *string
}

type ExecuteResult struct {
	TransactionID string          `json:"transaction_id"`
	Proposal      *model.Proposal `json:"proposal"`
}

// ExecuteTransaction settles an approved proposal: one proposal_payment debit
// is written and the proposal is completed. Executing a completed proposal
// again returns the original transaction.
func (s *Service) ExecuteTransaction(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	if in.Notes != nil {
		notes := strings.TrimSpace(*in.Notes)
		if notes == "" {
			in.Notes = nil
		} else {
			in.Notes = &notes
		}
	}
	if _, err := s.Authorize(ctx, in.WalletID, in.ExecutedBy, model.RoleAdmin); err != nil {
		return nil, err
	}

	unlock := s.lockWallet(in.WalletID)
	defer unlock()

	p, err := s.loadProposal(ctx, in.WalletID, in.ProposalID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case model.ProposalCompleted:
		if p.TransactionID == nil {
			return nil, conflictf("proposal %s completed without a transaction", p.ID)
		}
		return &ExecuteResult{TransactionID: *p.TransactionID, Proposal: p}, nil
	case model.ProposalApproved:
	default:
		return nil, conflictf("proposal is %s, only approved proposals can be executed", p.Status)
	}

	now := s.now()
	t := &model.Transaction{
		ID:           newID(),
		WalletID:     p.WalletID,
		Type:         model.TxProposalPayment,
		Direction:    model.Debit,
		Amount:       p.Amount,
		Counterparty: p.Recipient,
		Description:  p.Description,
		ProposalID:   &p.ID,
		Status:       model.TxCompleted,
		CreatedBy:    in.ExecutedBy,
		CreatedAt:    now,
	}

	err = store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		wallet, err := s.wallets.WithTx(tx).GetByID(ctx, p.WalletID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return notFoundf("wallet %s not found", p.WalletID)
		}
		if wallet.Balance < p.Amount {
			return newError(ErrInsufficientFunds, "wallet balance %d is lower than proposal amount %d", wallet.Balance, p.Amount)
		}
		t.Currency = wallet.Currency

		if err := s.apply(ctx, tx, t); err != nil {
			return err
		}
		ok, err := s.proposals.WithTx(tx).MarkCompleted(ctx, p.ID, in.ExecutedBy, t.ID, in.Notes, now)
		if err != nil {
			return err
		}
		if !ok {
			return conflictf("proposal %s is no longer approved", p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	completed, err := s.proposals.GetByID(ctx, p.WalletID, p.ID)
	if err != nil {
		return nil, err
	}

	s.publish(Event{WalletID: p.WalletID, Entity: "proposal", Action: "executed", ID: p.ID,
		Extra: map[string]any{"transaction_id": t.ID}})
	s.logger.Info("proposal executed", "wallet_id", p.WalletID, "proposal_id", p.ID, "transaction_id", t.ID, "amount", t.Amount)
	return &ExecuteResult{TransactionID: t.ID, Proposal: completed}, nil
}
