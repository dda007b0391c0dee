package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/commonfund/internal/model"
)

type InvitationStore struct {
	db dbtx
}

func NewInvitationStore(db *sql.DB) *InvitationStore {
	return &InvitationStore{db: db}
}

func (s *InvitationStore) WithTx(tx *sql.Tx) *InvitationStore {
	return &InvitationStore{db: tx}
}

func scanInvitation(sc scanner) (*model.Invitation, error) {
	var inv model.Invitation
	var phone, acceptedBy sql.NullString
	var acceptedAt sql.NullTime
	err := sc.Scan(
		&inv.ID, &inv.Token, &inv.WalletID, &inv.Email, &phone, &inv.Role, &inv.InvitedBy,
		&inv.Status, &inv.ExpiresAt, &acceptedBy, &acceptedAt, &inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.PhoneNumber = stringPtr(phone)
	inv.AcceptedBy = stringPtr(acceptedBy)
	inv.AcceptedAt = timePtr(acceptedAt)
	return &inv, nil
}

const invitationCols = `id, token, wallet_id, email, phone_number, role, invited_by, status, expires_at, accepted_by, accepted_at, created_at`

func (s *InvitationStore) Create(ctx context.Context, inv *model.Invitation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations (id, token, wallet_id, email, phone_number, role, invited_by, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Token, inv.WalletID, inv.Email, nullString(inv.PhoneNumber), inv.Role,
		inv.InvitedBy, inv.Status, inv.ExpiresAt, inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (s *InvitationStore) GetByToken(ctx context.Context, token string) (*model.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invitationCols+` FROM invitations WHERE token = ?`, token)
	inv, err := scanInvitation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invitation by token: %w", err)
	}
	return inv, nil
}

// GetPendingByEmail returns an unexpired pending invitation for the email.
func (s *InvitationStore) GetPendingByEmail(ctx context.Context, walletID, email string, now time.Time) (*model.Invitation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invitationCols+` FROM invitations
		 WHERE wallet_id = ? AND email = ? COLLATE NOCASE AND status = 'pending' AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		walletID, email, now,
	)
	inv, err := scanInvitation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending invitation: %w", err)
	}
	return inv, nil
}

// MarkAccepted consumes a pending invitation. It reports false when the
// invitation was already consumed or expired, so only one caller wins.
func (s *InvitationStore) MarkAccepted(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET status = 'accepted', accepted_by = ?, accepted_at = ?
		 WHERE id = ? AND status = 'pending' AND expires_at > ?`,
		userID, now, id, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark invitation accepted: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ExpireStale flips pending invitations past their expiry to expired.
func (s *InvitationStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET status = 'expired' WHERE status = 'pending' AND expires_at <= ?`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire invitations: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
