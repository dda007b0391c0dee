package fund

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dukerupert/commonfund/internal/model"
	"github.com/dukerupert/commonfund/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// CreditRequest describes money arriving in a wallet.
type CreditRequest struct {
	WalletID     string
	Amount       int64
	Type         model.TransactionType
	Description  string
	Counterparty string
	ExternalRef  *string
	Reference    *string
	CreatedBy    string
}

// Guard runs inside the credit's database transaction before the ledger row is
// written. Returning an error rolls the whole credit back.
type Guard func(ctx context.Context, tx *sql.Tx, t *model.Transaction) error

// Credit appends a completed credit to the ledger and raises the cached
// balance in the same database transaction.
func (s *Service) Credit(ctx context.Context, req CreditRequest, guard Guard) (*model.Transaction, error) {
	if req.Amount <= 0 {
		return nil, validationf("amount must be positive")
	}
	if req.Type == "" {
		req.Type = model.TxDeposit
	}
	if !req.Type.Valid() {
		return nil, validationf("unknown transaction type %q", req.Type)
	}

	t := &model.Transaction{
		ID:           newID(),
		WalletID:     req.WalletID,
		Type:         req.Type,
		Direction:    model.Credit,
		Amount:       req.Amount,
		Counterparty: req.Counterparty,
		Description:  strings.TrimSpace(req.Description),
		ExternalRef:  req.ExternalRef,
		Reference:    req.Reference,
		Status:       model.TxCompleted,
		CreatedBy:    req.CreatedBy,
	}

	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		wallet, err := s.wallets.WithTx(tx).GetByID(ctx, req.WalletID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return notFoundf("wallet %s not found", req.WalletID)
		}
		t.Currency = wallet.Currency
		t.CreatedAt = s.now()

		if guard != nil {
			if err := guard(ctx, tx, t); err != nil {
				return err
			}
		}
		return s.apply(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}

	s.publish(Event{WalletID: t.WalletID, Entity: "transaction", Action: "credited", ID: t.ID,
		Extra: map[string]any{"amount": t.Amount}})
	s.logger.Info("wallet credited", "wallet_id", t.WalletID, "transaction_id", t.ID, "type", t.Type, "amount", t.Amount)
	return t, nil
}

// apply writes t and moves the cached balance by its delta. A debit larger
// than the balance fails with ErrInsufficientFunds.
func (s *Service) apply(ctx context.Context, tx *sql.Tx, t *model.Transaction) error {
	if err := s.ledger.WithTx(tx).Insert(ctx, t); err != nil {
		return err
	}
	if t.Status != model.TxCompleted {
		return nil
	}
	_, err := s.wallets.WithTx(tx).AdjustBalance(ctx, t.WalletID, t.Delta(), t.CreatedAt)
	if errors.Is(err, store.ErrBalanceConflict) {
		return newError(ErrInsufficientFunds, "wallet balance is lower than %d", t.Amount)
	}
	return err
}

// RecordManualDeposit lets an admin record money received outside the bank
// gateway.
func (s *Service) RecordManualDeposit(ctx context.Context, walletID, adminID string, amount int64, description string) (*model.Transaction, error) {
	if amount <= 0 {
		return nil, validationf("amount must be positive")
	}
	if _, err := s.Authorize(ctx, walletID, adminID, model.RoleAdmin); err != nil {
		return nil, err
	}
	return s.Credit(ctx, CreditRequest{
		WalletID:     walletID,
		Amount:       amount,
		Type:         model.TxDeposit,
		Description:  description,
		Counterparty: "manual",
		CreatedBy:    adminID,
	}, nil)
}

type HistoryQuery struct {
	Limit  int
	Offset int
	Type   model.TransactionType
}

// GetTransactionHistory pages through the wallet's ledger newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, walletID, callerID string, q HistoryQuery) (*model.TransactionPage, error) {
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	if q.Offset < 0 {
		return nil, validationf("offset must not be negative")
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, validationf("unknown transaction type %q", q.Type)
	}
	if _, err := s.Authorize(ctx, walletID, callerID); err != nil {
		return nil, err
	}

	txs, err := s.ledger.List(ctx, walletID, q.Type, q.Limit+1, q.Offset)
	if err != nil {
		return nil, err
	}
	page := &model.TransactionPage{Limit: q.Limit, Offset: q.Offset}
	if len(txs) > q.Limit {
		page.HasMore = true
		txs = txs[:q.Limit]
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	page.Transactions = txs
	return page, nil
}

// GetWalletBalance reports the cached balance alongside the amount committed
// to proposals that may still be executed.
func (s *Service) GetWalletBalance(ctx context.Context, walletID, callerID string) (*model.WalletBalance, error) {
	wallet, _, err := s.authorizeWallet(ctx, walletID, callerID)
	if err != nil {
		return nil, err
	}
	if err := s.expireWallet(ctx, walletID); err != nil {
		return nil, err
	}
	pending, err := s.proposals.PendingAmount(ctx, walletID)
	if err != nil {
		return nil, err
	}
	count, err := s.ledger.Count(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &model.WalletBalance{
		WalletID:          walletID,
		Balance:           wallet.Balance,
		PendingAmount:     pending,
		TotalTransactions: count,
		Currency:          wallet.Currency,
	}, nil
}

type BalanceReport struct {
	WalletID string `json:"wallet_id"`
	Cached   int64  `json:"cached"`
	Ledger   int64  `json:"ledger"`
	Drift    int64  `json:"drift"`
}

// VerifyBalance recomputes the balance from completed ledger rows and compares
// it with the cached value.
func (s *Service) VerifyBalance(ctx context.Context, walletID, callerID string) (*BalanceReport, error) {
	if _, err := s.Authorize(ctx, walletID, callerID, model.RoleAdmin); err != nil {
		return nil, err
	}

	unlock := s.lockWallet(walletID)
	defer unlock()

	wallet, err := s.requireWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	sum, err := s.ledger.SumCompleted(ctx, walletID)
	if err != nil {
		return nil, err
	}
	report := &BalanceReport{WalletID: walletID, Cached: wallet.Balance, Ledger: sum, Drift: wallet.Balance - sum}
	if report.Drift != 0 {
		s.logger.Error("balance drift", "wallet_id", walletID, "cached", report.Cached, "ledger", report.Ledger)
	}
	return report, nil
}
