package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/commonfund/internal/model"
)

// LedgerStore persists the append-only transaction log. Rows are never
// updated; balance bookkeeping lives in WalletStore.AdjustBalance.
type LedgerStore struct {
	db dbtx
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) WithTx(tx *sql.Tx) *LedgerStore {
	return &LedgerStore{db: tx}
}

func scanTransaction(sc scanner) (*model.Transaction, error) {
	var t model.Transaction
	var proposalID, externalRef, reference sql.NullString
	err := sc.Scan(
		&t.ID, &t.WalletID, &t.Type, &t.Direction, &t.Amount, &t.Currency, &t.Counterparty,
		&t.Description, &proposalID, &externalRef, &reference, &t.Status, &t.CreatedBy, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ProposalID = stringPtr(proposalID)
	t.ExternalRef = stringPtr(externalRef)
	t.Reference = stringPtr(reference)
	return &t, nil
}

const transactionCols = `id, wallet_id, type, direction, amount, currency, counterparty, description, proposal_id, external_ref, reference, status, created_by, created_at`

func (s *LedgerStore) Insert(ctx context.Context, t *model.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, wallet_id, type, direction, amount, currency, counterparty, description, proposal_id, external_ref, reference, status, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WalletID, t.Type, t.Direction, t.Amount, t.Currency, t.Counterparty, t.Description,
		nullString(t.ProposalID), nullString(t.ExternalRef), nullString(t.Reference),
		t.Status, t.CreatedBy, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// List returns up to limit transactions newest first, optionally filtered by type.
func (s *LedgerStore) List(ctx context.Context, walletID string, txType model.TransactionType, limit, offset int) ([]model.Transaction, error) {
	query := `SELECT ` + transactionCols + ` FROM transactions WHERE wallet_id = ?`
	args := []any{walletID}
	if txType != "" {
		query += ` AND type = ?`
		args = append(args, txType)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func (s *LedgerStore) Count(ctx context.Context, walletID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE wallet_id = ?`, walletID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// SumCompleted returns Σ credits − Σ debits over completed transactions.
func (s *LedgerStore) SumCompleted(ctx context.Context, walletID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END), 0)
		 FROM transactions WHERE wallet_id = ? AND status = 'completed'`,
		walletID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return total, nil
}
