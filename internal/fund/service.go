// Package fund implements the shared-wallet domain: membership, proposal
// voting, settlement and the transaction ledger.
package fund

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/commonfund/internal/model"
	"github.com/dukerupert/commonfund/internal/store"
)

// Config holds wallet-level defaults.
type Config struct {
	VotingWindow     time.Duration
	InvitationTTL    time.Duration
	DefaultThreshold float64
	Currency         string
}

func (c *Config) applyDefaults() {
	if c.VotingWindow <= 0 {
		c.VotingWindow = 7 * 24 * time.Hour
	}
	if c.InvitationTTL <= 0 {
		c.InvitationTTL = 7 * 24 * time.Hour
	}
	if c.DefaultThreshold <= 0 || c.DefaultThreshold > 1 {
		c.DefaultThreshold = 0.5
	}
	if c.Currency == "" {
		c.Currency = "VND"
	}
}

// InvitationSender delivers invitation tokens. Delivery is best effort.
type InvitationSender interface {
	SendInvitation(toEmail, token, walletName string) error
}

// Event describes a change to a wallet that live clients may want to see.
type Event struct {
	WalletID string
	Entity   string
	Action   string
	ID       string
	Extra    map[string]any
}

// Publisher fans wallet events out to connected clients.
type Publisher interface {
	Publish(Event)
}

type Option func(*Service)

func WithInvitationSender(sender InvitationSender) Option {
	return func(s *Service) { s.sender = sender }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	db          *sql.DB
	wallets     *store.WalletStore
	members     *store.MemberStore
	invitations *store.InvitationStore
	proposals   *store.ProposalStore
	ledger      *store.LedgerStore

	cfg       Config
	locks     *keyedMutex
	sender    InvitationSender
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(db *sql.DB, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		db:          db,
		wallets:     store.NewWalletStore(db),
		members:     store.NewMemberStore(db),
		invitations: store.NewInvitationStore(db),
		proposals:   store.NewProposalStore(db),
		ledger:      store.NewLedgerStore(db),
		cfg:         cfg,
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) publish(e Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// lockWallet serializes read-modify-write work on one wallet.
func (s *Service) lockWallet(walletID string) func() {
	return s.locks.Lock("wallet:" + walletID)
}

// requireWallet loads a wallet or returns ErrNotFound.
func (s *Service) requireWallet(ctx context.Context, walletID string) (*model.Wallet, error) {
	w, err := s.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, notFoundf("wallet %s not found", walletID)
	}
	return w, nil
}

// Authorize resolves userID to an active member of the wallet holding one of
// roles. With no roles, any active member passes.
func (s *Service) Authorize(ctx context.Context, walletID, userID string, roles ...model.Role) (*model.Member, error) {
	_, m, err := s.authorizeWallet(ctx, walletID, userID, roles...)
	return m, err
}

// authorizeWallet is Authorize that also returns the wallet it loaded.
func (s *Service) authorizeWallet(ctx context.Context, walletID, userID string, roles ...model.Role) (*model.Wallet, *model.Member, error) {
	w, err := s.requireWallet(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.members.Get(ctx, walletID, userID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil || m.Status != model.MemberActive {
		return nil, nil, forbiddenf("not an active member of this wallet")
	}
	if len(roles) == 0 {
		return w, m, nil
	}
	for _, r := range roles {
		if m.Role == r {
			return w, m, nil
		}
	}
	return nil, nil, forbiddenf("role %s may not perform this action", m.Role)
}
