package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/commonfund/internal/model"
)

type MemberStore struct {
	db dbtx
}

func NewMemberStore(db *sql.DB) *MemberStore {
	return &MemberStore{db: db}
}

func (s *MemberStore) WithTx(tx *sql.Tx) *MemberStore {
	return &MemberStore{db: tx}
}

func scanMember(sc scanner) (*model.Member, error) {
	var m model.Member
	var invitedBy sql.NullString
	var joinedAt sql.NullTime
	err := sc.Scan(
		&m.ID, &m.WalletID, &m.UserID, &m.Email, &m.Role, &m.Status,
		&invitedBy, &joinedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.InvitedBy = stringPtr(invitedBy)
	m.JoinedAt = timePtr(joinedAt)
	return &m, nil
}

const memberCols = `id, wallet_id, user_id, email, role, status, invited_by, joined_at, created_at, updated_at`

func (s *MemberStore) Add(ctx context.Context, m *model.Member) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallet_members (id, wallet_id, user_id, email, role, status, invited_by, joined_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WalletID, m.UserID, m.Email, m.Role, m.Status,
		nullString(m.InvitedBy), nullTimeValue(m.JoinedAt), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *MemberStore) Get(ctx context.Context, walletID, userID string) (*model.Member, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memberCols+` FROM wallet_members WHERE wallet_id = ? AND user_id = ?`,
		walletID, userID,
	)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// GetActiveByEmail returns the active member of the wallet with the given
// email, if any.
func (s *MemberStore) GetActiveByEmail(ctx context.Context, walletID, email string) (*model.Member, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memberCols+` FROM wallet_members WHERE wallet_id = ? AND email = ? COLLATE NOCASE AND status = 'active'`,
		walletID, email,
	)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member by email: %w", err)
	}
	return m, nil
}

func (s *MemberStore) List(ctx context.Context, walletID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberCols+` FROM wallet_members WHERE wallet_id = ? ORDER BY created_at ASC, rowid ASC`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (s *MemberStore) CountActive(ctx context.Context, walletID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_members WHERE wallet_id = ? AND status = 'active'`,
		walletID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active members: %w", err)
	}
	return n, nil
}

func (s *MemberStore) CountActiveAdmins(ctx context.Context, walletID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_members WHERE wallet_id = ? AND status = 'active' AND role = 'admin'`,
		walletID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active admins: %w", err)
	}
	return n, nil
}

// Activate sets an existing membership to active with the given role. It is
// used when a previously suspended or invited user accepts a new invitation.
func (s *MemberStore) Activate(ctx context.Context, walletID, userID string, role model.Role, email string, invitedBy string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wallet_members SET role = ?, status = 'active', email = ?, invited_by = ?, joined_at = ?, updated_at = ?
		 WHERE wallet_id = ? AND user_id = ?`,
		role, email, invitedBy, now, now, walletID, userID,
	)
	if err != nil {
		return fmt.Errorf("activate member: %w", err)
	}
	return nil
}

func (s *MemberStore) UpdateStatus(ctx context.Context, walletID, userID string, status model.MemberStatus, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wallet_members SET status = ?, updated_at = ? WHERE wallet_id = ? AND user_id = ?`,
		status, now, walletID, userID,
	)
	if err != nil {
		return fmt.Errorf("update member status: %w", err)
	}
	return nil
}
