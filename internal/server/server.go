package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/commonfund/internal/deposit"
	"github.com/dukerupert/commonfund/internal/email"
	"github.com/dukerupert/commonfund/internal/fund"
	"github.com/dukerupert/commonfund/internal/handler"
	"github.com/dukerupert/commonfund/internal/middleware"
	ws "github.com/dukerupert/commonfund/internal/websocket"
)

type Config struct {
	JWTSecret      string
	Fund           fund.Config
	Webhook        deposit.Config
	EmailClient    *email.Client
	Archiver       deposit.Archiver
	OriginPatterns []string
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	fund        *fund.Service
	reconciler  *deposit.Reconciler
	walletH     *handler.WalletHandler
	proposalH   *handler.ProposalHandler
	ledgerH     *handler.LedgerHandler
	webhookH    *handler.WebhookHandler
	depositH    *handler.DepositHandler
	rateLimiter *middleware.RateLimiter
	cfg         Config
	logger      *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	opts := []fund.Option{fund.WithPublisher(hub)}
	if cfg.EmailClient != nil && cfg.EmailClient.Configured() {
		opts = append(opts, fund.WithInvitationSender(cfg.EmailClient))
	}
	svc := fund.NewService(db, cfg.Fund, logger.With("component", "fund"), opts...)

	var rcOpts []deposit.Option
	if cfg.Archiver != nil {
		rcOpts = append(rcOpts, deposit.WithArchiver(cfg.Archiver))
	}
	rc := deposit.NewReconciler(db, svc, cfg.Webhook, logger.With("component", "deposit"), rcOpts...)

	return &Server{
		db:          db,
		hub:         hub,
		fund:        svc,
		reconciler:  rc,
		walletH:     handler.NewWalletHandler(svc, logger.With("component", "wallet")),
		proposalH:   handler.NewProposalHandler(svc, logger.With("component", "proposal")),
		ledgerH:     handler.NewLedgerHandler(svc, logger.With("component", "ledger")),
		webhookH:    handler.NewWebhookHandler(rc, logger.With("component", "webhook")),
		depositH:    handler.NewDepositHandler(rc, logger.With("component", "deposit")),
		rateLimiter: middleware.NewRateLimiter(),
		cfg:         cfg,
		logger:      logger,
	}
}

// Fund returns the wallet service for background tasks.
func (s *Server) Fund() *fund.Service {
	return s.fund
}

// Reconciler returns the deposit reconciler for background tasks.
func (s *Server) Reconciler() *deposit.Reconciler {
	return s.reconciler
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.HandleFunc("POST /webhooks/bank", s.webhookH.HandleBankTransfer)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireIdentity([]byte(s.cfg.JWTSecret))
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc, limit int) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.IdentityOrIP, limit, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Wallets and membership
	mux.HandleFunc("POST /api/wallets", s.walletH.Create)
	mux.HandleFunc("GET /api/wallets", s.walletH.List)
	mux.HandleFunc("GET /api/wallets/{id}", s.walletH.Get)
	mux.HandleFunc("GET /api/wallets/{id}/members", s.walletH.Members)
	mux.HandleFunc("PUT /api/wallets/{id}/members/{userID}/status", s.walletH.UpdateMemberStatus)
	mux.HandleFunc("POST /api/wallets/{id}/invitations", s.rateLimitedHandler(s.walletH.Invite, 20))
	mux.HandleFunc("POST /api/invitations/accept", s.rateLimitedHandler(s.walletH.AcceptInvitation, 10))

	// Proposals
	mux.HandleFunc("POST /api/wallets/{id}/proposals", s.proposalH.Create)
	mux.HandleFunc("GET /api/wallets/{id}/proposals", s.proposalH.List)
	mux.HandleFunc("GET /api/wallets/{id}/proposals/{proposalID}", s.proposalH.Get)
	mux.HandleFunc("POST /api/wallets/{id}/proposals/{proposalID}/votes", s.proposalH.Vote)
	mux.HandleFunc("POST /api/wallets/{id}/proposals/{proposalID}/execute", s.proposalH.Execute)

	// Ledger
	mux.HandleFunc("GET /api/wallets/{id}/transactions", s.ledgerH.History)
	mux.HandleFunc("GET /api/wallets/{id}/balance", s.ledgerH.Balance)
	mux.HandleFunc("GET /api/wallets/{id}/balance/verify", s.ledgerH.VerifyBalance)
	mux.HandleFunc("POST /api/wallets/{id}/deposits", s.ledgerH.ManualDeposit)

	// Unrouted bank deposits
	mux.HandleFunc("GET /api/deposits/unrouted", s.depositH.ListUnrouted)
	mux.HandleFunc("POST /api/deposits/{recordID}/route", s.depositH.Route)

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.fund, s.cfg.OriginPatterns, s.logger.With("component", "websocket")))
}
