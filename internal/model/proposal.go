package model

import "time"

type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalVoting    ProposalStatus = "voting"
	ProposalApproved  ProposalStatus = "approved"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalExecuted  ProposalStatus = "executed"
	ProposalCompleted ProposalStatus = "completed"
)

func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalPending, ProposalVoting, ProposalApproved, ProposalRejected, ProposalExecuted, ProposalCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further vote or execution may change the proposal.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalRejected || s == ProposalCompleted
}

type VoteType string

const (
	VoteApprove VoteType = "approve"
	VoteReject  VoteType = "reject"
	VoteAbstain VoteType = "abstain"
)

func (v VoteType) Valid() bool {
	return v == VoteApprove || v == VoteReject || v == VoteAbstain
}

type Proposal struct {
	ID             string         `json:"id"`
	WalletID       string         `json:"wallet_id"`
	ProposedBy     string         `json:"proposed_by"`
	Amount         int64          `json:"amount"`
	Recipient      string         `json:"recipient"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Status         ProposalStatus `json:"status"`
	VotingDeadline time.Time      `json:"voting_deadline"`
	ExecutedBy     *string        `json:"executed_by,omitempty"`
	ExecutedAt     *time.Time     `json:"executed_at,omitempty"`
	ExecutionNotes *string        `json:"execution_notes,omitempty"`
	TransactionID  *string        `json:"transaction_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Votes          []Vote         `json:"votes,omitempty"`
	Tally          *Tally         `json:"tally,omitempty"`
}

type Vote struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	VoterID    string    `json:"voter_id"`
	VoteType   VoteType  `json:"vote_type"`
	Reason     *string   `json:"reason,omitempty"`
	VotedAt    time.Time `json:"voted_at"`
}

// Tally counts the votes of currently active members on one proposal.
type Tally struct {
	Approve       int `json:"approve"`
	Reject        int `json:"reject"`
	Abstain       int `json:"abstain"`
	ActiveMembers int `json:"active_members"`
	Required      int `json:"required"`
}
