package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/commonfund/internal/model"
)

type ProposalStore struct {
	db dbtx
}

func NewProposalStore(db *sql.DB) *ProposalStore {
	return &ProposalStore{db: db}
}

func (s *ProposalStore) WithTx(tx *sql.Tx) *ProposalStore {
	return &ProposalStore{db: tx}
}

func scanProposal(sc scanner) (*model.Proposal, error) {
	var p model.Proposal
	var executedBy, notes, txID sql.NullString
	var executedAt sql.NullTime
	err := sc.Scan(
		&p.ID, &p.WalletID, &p.ProposedBy, &p.Amount, &p.Recipient, &p.Description, &p.Category,
		&p.Status, &p.VotingDeadline, &executedBy, &executedAt, &notes, &txID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ExecutedBy = stringPtr(executedBy)
	p.ExecutedAt = timePtr(executedAt)
	p.ExecutionNotes = stringPtr(notes)
	p.TransactionID = stringPtr(txID)
	return &p, nil
}

const proposalCols = `id, wallet_id, proposed_by, amount, recipient, description, category, status, voting_deadline, executed_by, executed_at, execution_notes, transaction_id, created_at, updated_at`

func (s *ProposalStore) Create(ctx context.Context, p *model.Proposal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, wallet_id, proposed_by, amount, recipient, description, category, status, voting_deadline, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WalletID, p.ProposedBy, p.Amount, p.Recipient, p.Description, p.Category,
		p.Status, p.VotingDeadline, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// GetByID returns the proposal only if it belongs to walletID.
func (s *ProposalStore) GetByID(ctx context.Context, walletID, id string) (*model.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalCols+` FROM proposals WHERE id = ? AND wallet_id = ?`,
		id, walletID,
	)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

// List returns proposals newest first, optionally filtered by status.
func (s *ProposalStore) List(ctx context.Context, walletID string, status model.ProposalStatus) ([]model.Proposal, error) {
	query := `SELECT ` + proposalCols + ` FROM proposals WHERE wallet_id = ?`
	args := []any{walletID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// ListExpiredVoting returns proposals still in voting whose deadline has passed.
func (s *ProposalStore) ListExpiredVoting(ctx context.Context, now time.Time) ([]model.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalCols+` FROM proposals WHERE status = 'voting' AND voting_deadline <= ? ORDER BY voting_deadline ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired proposals: %w", err)
	}
	defer rows.Close()

	var proposals []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// UpdateStatus moves a proposal from one status to another. It reports false
// if the proposal was no longer in the expected status.
func (s *ProposalStore) UpdateStatus(ctx context.Context, id string, from, to model.ProposalStatus, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update proposal status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkCompleted records settlement of an approved proposal.
func (s *ProposalStore) MarkCompleted(ctx context.Context, id, executedBy, transactionID string, notes *string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = 'completed', executed_by = ?, executed_at = ?, execution_notes = ?, transaction_id = ?, updated_at = ?
		 WHERE id = ? AND status = 'approved'`,
		executedBy, now, nullString(notes), transactionID, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark proposal completed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// PendingAmount sums the amounts of proposals that may still be executed.
func (s *ProposalStore) PendingAmount(ctx context.Context, walletID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM proposals WHERE wallet_id = ? AND status IN ('pending', 'voting', 'approved')`,
		walletID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum pending amount: %w", err)
	}
	return total, nil
}

// --- Votes ---

func scanVote(sc scanner) (*model.Vote, error) {
	var v model.Vote
	var reason sql.NullString
	if err := sc.Scan(&v.ID, &v.ProposalID, &v.VoterID, &v.VoteType, &reason, &v.VotedAt); err != nil {
		return nil, err
	}
	v.Reason = stringPtr(reason)
	return &v, nil
}

const voteCols = `id, proposal_id, voter_id, vote_type, reason, voted_at`

// UpsertVote records the voter's ballot, replacing any earlier one.
func (s *ProposalStore) UpsertVote(ctx context.Context, v *model.Vote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (id, proposal_id, voter_id, vote_type, reason, voted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (proposal_id, voter_id) DO UPDATE SET
		   vote_type = excluded.vote_type,
		   reason = excluded.reason,
		   voted_at = excluded.voted_at`,
		v.ID, v.ProposalID, v.VoterID, v.VoteType, nullString(v.Reason), v.VotedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func (s *ProposalStore) ListVotes(ctx context.Context, proposalID string) ([]model.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voteCols+` FROM votes WHERE proposal_id = ? ORDER BY voted_at ASC, rowid ASC`,
		proposalID,
	)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []model.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, *v)
	}
	return votes, rows.Err()
}

// CountVotes tallies ballots cast by members who are currently active in
// the proposal's wallet. Votes of suspended members are kept but not counted.
func (s *ProposalStore) CountVotes(ctx context.Context, walletID, proposalID string) (model.Tally, error) {
	var t model.Tally
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN v.vote_type = 'approve' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN v.vote_type = 'reject' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN v.vote_type = 'abstain' THEN 1 ELSE 0 END), 0)
		 FROM votes v
		 JOIN wallet_members m ON m.wallet_id = ? AND m.user_id = v.voter_id AND m.status = 'active'
		 WHERE v.proposal_id = ?`,
		walletID, proposalID,
	).Scan(&t.Approve, &t.Reject, &t.Abstain)
	if err != nil {
		return t, fmt.Errorf("count votes: %w", err)
	}
	return t, nil
}
