package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/commonfund/internal/model"
)

// DepositStore keeps one record per distinct webhook notification.
type DepositStore struct {
	db dbtx
}

func NewDepositStore(db *sql.DB) *DepositStore {
	return &DepositStore{db: db}
}

func (s *DepositStore) WithTx(tx *sql.Tx) *DepositStore {
	return &DepositStore{db: tx}
}

func scanDeposit(sc scanner) (*model.WebhookDeposit, error) {
	var d model.WebhookDeposit
	var kind, walletID, txID, errMsg sql.NullString
	err := sc.Scan(
		&d.ID, &d.DedupKey, &d.ExternalID, &d.Gateway, &d.AccountNumber, &d.TransactionDate,
		&d.Content, &d.ReferenceCode, &d.TransferType, &d.Amount, &kind, &walletID, &txID,
		&d.Outcome, &errMsg, &d.Attempts, &d.ProcessedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if kind.Valid {
		k := model.WalletKind(kind.String)
		d.WalletKind = &k
	}
	d.WalletID = stringPtr(walletID)
	d.TransactionID = stringPtr(txID)
	d.ErrorMessage = stringPtr(errMsg)
	return &d, nil
}

const depositCols = `id, dedup_key, external_id, gateway, account_number, transaction_date, content, reference_code, transfer_type, amount, wallet_kind, wallet_id, transaction_id, outcome, error_message, attempts, processed_at, created_at`

func kindValue(k *model.WalletKind) sql.NullString {
	if k == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*k), Valid: true}
}

// Claim writes the record for d.DedupKey with d's outcome. It is the
// compare-and-set guarding credit application: it reports true when no record
// existed or the existing one had failed, and false when the notification was
// already processed or parked as unrouted. For unrouted records
// d.ErrorMessage carries the routing reason.
func (s *DepositStore) Claim(ctx context.Context, d *model.WebhookDeposit) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deposits (`+depositCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (dedup_key) DO UPDATE SET
		   wallet_kind = excluded.wallet_kind,
		   wallet_id = excluded.wallet_id,
		   transaction_id = excluded.transaction_id,
		   outcome = excluded.outcome,
		   error_message = excluded.error_message,
		   attempts = webhook_deposits.attempts + 1,
		   processed_at = excluded.processed_at
		 WHERE webhook_deposits.outcome = 'failed'`,
		d.ID, d.DedupKey, d.ExternalID, d.Gateway, d.AccountNumber, d.TransactionDate,
		d.Content, d.ReferenceCode, d.TransferType, d.Amount, kindValue(d.WalletKind),
		nullString(d.WalletID), nullString(d.TransactionID), d.Outcome, nullString(d.ErrorMessage),
		d.ProcessedAt, d.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim deposit: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// RecordFailure stores a failed attempt so the next delivery retries it.
// Records that were meanwhile processed are left untouched.
func (s *DepositStore) RecordFailure(ctx context.Context, d *model.WebhookDeposit, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deposits (`+depositCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 'failed', ?, 1, ?, ?)
		 ON CONFLICT (dedup_key) DO UPDATE SET
		   error_message = excluded.error_message,
		   attempts = webhook_deposits.attempts + 1,
		   processed_at = excluded.processed_at
		 WHERE webhook_deposits.outcome = 'failed'`,
		d.ID, d.DedupKey, d.ExternalID, d.Gateway, d.AccountNumber, d.TransactionDate,
		d.Content, d.ReferenceCode, d.TransferType, d.Amount, kindValue(d.WalletKind),
		nullString(d.WalletID), errMsg, d.ProcessedAt, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record deposit failure: %w", err)
	}
	return nil
}

func (s *DepositStore) GetByKey(ctx context.Context, dedupKey string) (*model.WebhookDeposit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+depositCols+` FROM webhook_deposits WHERE dedup_key = ?`, dedupKey)
	d, err := scanDeposit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit by key: %w", err)
	}
	return d, nil
}

func (s *DepositStore) GetByID(ctx context.Context, id string) (*model.WebhookDeposit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+depositCols+` FROM webhook_deposits WHERE id = ?`, id)
	d, err := scanDeposit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

// ListByOutcome returns records with the given outcome, oldest first.
func (s *DepositStore) ListByOutcome(ctx context.Context, outcome model.DepositOutcome) ([]model.WebhookDeposit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+depositCols+` FROM webhook_deposits WHERE outcome = ? ORDER BY created_at ASC, rowid ASC`,
		outcome,
	)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()
	return collectDeposits(rows)
}

// MarkRouted assigns an unrouted record to a wallet. It reports false if the
// record is no longer unrouted.
func (s *DepositStore) MarkRouted(ctx context.Context, id string, kind model.WalletKind, walletID, transactionID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deposits SET outcome = 'processed', wallet_kind = ?, wallet_id = ?, transaction_id = ?, error_message = NULL, processed_at = ?
		 WHERE id = ? AND outcome = 'unrouted'`,
		kind, walletID, transactionID, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark deposit routed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListProcessedBefore returns processed records older than cutoff.
func (s *DepositStore) ListProcessedBefore(ctx context.Context, cutoff time.Time) ([]model.WebhookDeposit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+depositCols+` FROM webhook_deposits WHERE outcome = 'processed' AND processed_at < ? ORDER BY processed_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list prunable deposits: %w", err)
	}
	defer rows.Close()
	return collectDeposits(rows)
}

func (s *DepositStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deposits WHERE outcome = 'processed' AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete deposits: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}

func collectDeposits(rows *sql.Rows) ([]model.WebhookDeposit, error) {
	var deposits []model.WebhookDeposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}
