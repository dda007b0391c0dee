package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/commonfund/internal/model"
)

type WalletStore struct {
	db dbtx
}

func NewWalletStore(db *sql.DB) *WalletStore {
	return &WalletStore{db: db}
}

// WithTx returns a copy of the store bound to tx.
func (s *WalletStore) WithTx(tx *sql.Tx) *WalletStore {
	return &WalletStore{db: tx}
}

func scanWallet(sc scanner) (*model.Wallet, error) {
	var w model.Wallet
	var requiresApproval int
	err := sc.Scan(
		&w.ID, &w.Name, &w.Description, &w.Kind, &w.CreatedBy,
		&requiresApproval, &w.Settings.VotingThreshold,
		&w.Balance, &w.Currency, &w.MemberCount, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Settings.RequiresApproval = requiresApproval != 0
	return &w, nil
}

const walletCols = `id, name, description, kind, created_by, requires_approval, voting_threshold, balance, currency, member_count, created_at, updated_at`

func (s *WalletStore) Create(ctx context.Context, w *model.Wallet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (id, name, description, kind, created_by, requires_approval, voting_threshold, balance, currency, member_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?)`,
		w.ID, w.Name, w.Description, w.Kind, w.CreatedBy,
		boolToInt(w.Settings.RequiresApproval), w.Settings.VotingThreshold,
		w.Currency, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (s *WalletStore) GetByID(ctx context.Context, id string) (*model.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ListForUser returns the wallets in which the user holds an active or
// suspended membership, ordered by name.
func (s *WalletStore) ListForUser(ctx context.Context, userID string) ([]model.Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.id, w.name, w.description, w.kind, w.created_by, w.requires_approval, w.voting_threshold,
		        w.balance, w.currency, w.member_count, w.created_at, w.updated_at
		 FROM wallets w
		 JOIN wallet_members m ON m.wallet_id = w.id
		 WHERE m.user_id = ? AND m.status != 'invited'
		 ORDER BY w.name ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list wallets for user: %w", err)
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// AdjustBalance applies delta to the cached balance. A debit that would take
// the balance below zero matches no row and returns ErrBalanceConflict.
func (s *WalletStore) AdjustBalance(ctx context.Context, id string, delta int64, now time.Time) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE wallets SET balance = balance + ?, updated_at = ?
		 WHERE id = ? AND balance + ? >= 0
		 RETURNING balance`,
		delta, now, id, delta,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrBalanceConflict
	}
	if err != nil {
		return 0, fmt.Errorf("adjust balance: %w", err)
	}
	return balance, nil
}

// RefreshMemberCount recomputes the cached count of active members.
func (s *WalletStore) RefreshMemberCount(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET
		   member_count = (SELECT COUNT(*) FROM wallet_members WHERE wallet_id = ? AND status = 'active'),
		   updated_at = ?
		 WHERE id = ?`,
		id, now, id,
	)
	if err != nil {
		return fmt.Errorf("refresh member count: %w", err)
	}
	return nil
}
