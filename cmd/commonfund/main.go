package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/commonfund/internal/archive"
	"github.com/dukerupert/commonfund/internal/auth"
	"github.com/dukerupert/commonfund/internal/config"
	"github.com/dukerupert/commonfund/internal/database"
	"github.com/dukerupert/commonfund/internal/deposit"
	"github.com/dukerupert/commonfund/internal/email"
	"github.com/dukerupert/commonfund/internal/logging"
	"github.com/dukerupert/commonfund/internal/server"
)

const cleanupInterval = 15 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		err = serve(cfg, logger)
	case "decrypt-archive":
		err = decryptArchive(cfg, os.Args[2:])
	case "issue-token":
		err = issueToken(cfg, os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q (want serve, decrypt-archive or issue-token)", cmd)
	}
	if err != nil {
		slog.Error("commonfund failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func serve(cfg config.Config, logger *slog.Logger) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("COMMONFUND_JWT_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		slog.Warn("COMMONFUND_WEBHOOK_SECRET not set; bank webhook accepts unauthenticated requests")
	}
	if len(cfg.OperatorIDs) == 0 {
		slog.Warn("COMMONFUND_OPERATOR_IDS not set; untagged deposits cannot be routed")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	srvCfg := server.Config{
		JWTSecret:   cfg.JWTSecret,
		Fund:        cfg.Fund,
		Webhook:     deposit.Config{Secret: cfg.WebhookSecret, Retention: cfg.WebhookRetention, Operators: cfg.OperatorIDs},
		EmailClient: email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL),
	}
	// New returns a nil *Store when S3 is not configured; keep the interface nil too.
	if store := archive.New(cfg.S3, cfg.ArchivePassphrase, logger.With("component", "archive")); store != nil {
		srvCfg.Archiver = store
	}

	srv := server.New(db, srvCfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCleanup(cleanupCtx, srv)
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("commonfund starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	}

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runCleanup(ctx context.Context, srv *server.Server) {
	if n, err := srv.Fund().SweepExpired(ctx); err != nil {
		slog.Error("sweep expired proposals", "error", err)
	} else if n > 0 {
		slog.Info("expired proposals decided", "count", n)
	}
	if n, err := srv.Fund().ExpireInvitations(ctx); err != nil {
		slog.Error("expire invitations", "error", err)
	} else if n > 0 {
		slog.Info("expired invitations", "count", n)
	}
	if _, err := srv.Reconciler().Prune(ctx); err != nil {
		slog.Error("prune webhook deposits", "error", err)
	}
	if n := srv.RateLimiter().Cleanup(); n > 0 {
		slog.Debug("rate limiter windows dropped", "count", n)
	}
}

// decryptArchive writes the JSON lines of an encrypted archive object to stdout.
func decryptArchive(cfg config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: commonfund decrypt-archive <file.jsonl.enc>")
	}
	if cfg.ArchivePassphrase == "" {
		return fmt.Errorf("COMMONFUND_ARCHIVE_PASSPHRASE is required")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	plain, err := archive.Open(data, cfg.ArchivePassphrase)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(plain)
	return err
}

// issueToken prints a bearer token for local testing and operator scripts.
func issueToken(cfg config.Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: commonfund issue-token <user-id> <email>")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("COMMONFUND_JWT_SECRET is required")
	}
	tok, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Identity{UserID: args[0], Email: args[1]}, 24*time.Hour, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
