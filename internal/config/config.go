// Package config reads service settings from COMMONFUND_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/commonfund/internal/archive"
	"github.com/dukerupert/commonfund/internal/fund"
)

const prefix = "COMMONFUND_"

type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string
	BaseURL   string

	Fund fund.Config

	WebhookSecret    string
	WebhookRetention time.Duration
	// OperatorIDs may review and route every unrouted deposit.
	OperatorIDs []string

	JWTSecret string

	PostmarkToken string
	FromEmail     string

	S3                archive.S3Config
	ArchivePassphrase string
}

// Load applies a .env file from the working directory when one exists, then
// reads the environment. A missing .env file is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment without touching .env files.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:      getEnv("PORT", "8080"),
		DBPath:    getEnv("DB_PATH", "commonfund.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		OperatorIDs:   getList("OPERATOR_IDS"),
		JWTSecret:     getEnv("JWT_SECRET", ""),

		PostmarkToken: getEnv("POSTMARK_TOKEN", ""),
		FromEmail:     getEnv("FROM_EMAIL", ""),

		S3: archive.S3Config{
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			Bucket:    getEnv("S3_BUCKET", ""),
			Region:    getEnv("S3_REGION", "us-east-1"),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
			Prefix:    getEnv("S3_PREFIX", "webhook-archive/"),
		},
		ArchivePassphrase: getEnv("ARCHIVE_PASSPHRASE", ""),
	}
	cfg.BaseURL = getEnv("BASE_URL", "http://localhost:"+cfg.Port)
	cfg.Fund.Currency = getEnv("CURRENCY", "VND")

	var err error
	if cfg.Fund.VotingWindow, err = getDuration("VOTING_WINDOW", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.Fund.InvitationTTL, err = getDuration("INVITATION_TTL", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.WebhookRetention, err = getDuration("WEBHOOK_RETENTION", 90*24*time.Hour); err != nil {
		return Config{}, err
	}

	threshold := getEnv("DEFAULT_THRESHOLD", "0.5")
	cfg.Fund.DefaultThreshold, err = strconv.ParseFloat(threshold, 64)
	if err != nil {
		return Config{}, fmt.Errorf("parse %sDEFAULT_THRESHOLD: %w", prefix, err)
	}
	if cfg.Fund.DefaultThreshold <= 0 || cfg.Fund.DefaultThreshold > 1 {
		return Config{}, fmt.Errorf("%sDEFAULT_THRESHOLD must be in (0, 1], got %v", prefix, cfg.Fund.DefaultThreshold)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s%s: %w", prefix, key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s%s must be positive, got %s", prefix, key, v)
	}
	return d, nil
}

// getList splits a comma-separated variable, dropping empty items.
func getList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
