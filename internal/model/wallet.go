package model

import "time"

type WalletKind string

const (
	KindFamily    WalletKind = "family"
	KindCommunity WalletKind = "community"
)

func (k WalletKind) Valid() bool {
	return k == KindFamily || k == KindCommunity
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

type MemberStatus string

const (
	MemberInvited   MemberStatus = "invited"
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
)

func (s MemberStatus) Valid() bool {
	switch s {
	case MemberInvited, MemberActive, MemberSuspended:
		return true
	}
	return false
}

type WalletSettings struct {
	RequiresApproval bool    `json:"requires_approval"`
	VotingThreshold  float64 `json:"voting_threshold"`
}

type Wallet struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Kind        WalletKind     `json:"kind"`
	CreatedBy   string         `json:"created_by"`
	Settings    WalletSettings `json:"settings"`
	Balance     int64          `json:"balance"`
	Currency    string         `json:"currency"`
	MemberCount int            `json:"member_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type Member struct {
	ID        string       `json:"id"`
	WalletID  string       `json:"wallet_id"`
	UserID    string       `json:"user_id"`
	Email     string       `json:"email"`
	Role      Role         `json:"role"`
	Status    MemberStatus `json:"status"`
	InvitedBy *string      `json:"invited_by,omitempty"`
	JoinedAt  *time.Time   `json:"joined_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CanPropose reports whether the member may create proposals and vote.
func (m *Member) CanPropose() bool {
	return m.Status == MemberActive && (m.Role == RoleAdmin || m.Role == RoleMember)
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
)

type Invitation struct {
	ID          string           `json:"id"`
	Token       string           `json:"-"`
	WalletID    string           `json:"wallet_id"`
	Email       string           `json:"email"`
	PhoneNumber *string          `json:"phone_number,omitempty"`
	Role        Role             `json:"role"`
	InvitedBy   string           `json:"invited_by"`
	Status      InvitationStatus `json:"status"`
	ExpiresAt   time.Time        `json:"expires_at"`
	AcceptedBy  *string          `json:"accepted_by,omitempty"`
	AcceptedAt  *time.Time       `json:"accepted_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
