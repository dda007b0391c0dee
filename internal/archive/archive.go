// Package archive writes pruned webhook deposit records to S3-compatible
// storage as JSON lines, optionally encrypted with a passphrase.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/commonfund/internal/model"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Enabled reports whether enough is configured to upload.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Store struct {
	client     s3Client
	bucket     string
	prefix     string
	passphrase string
	logger     *slog.Logger
}

// New returns a Store for cfg, or nil when archiving is not configured.
func New(cfg S3Config, passphrase string, logger *slog.Logger) *Store {
	if !cfg.Enabled() {
		return nil
	}
	return &Store{
		client:     newS3Client(cfg),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		passphrase: passphrase,
		logger:     logger,
	}
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Archive uploads records as one object named name under the configured
// prefix. With a passphrase the body is sealed and ".enc" is appended.
func (s *Store) Archive(ctx context.Context, name string, records []model.WebhookDeposit) error {
	body, err := encodeLines(records)
	if err != nil {
		return err
	}

	key := path.Join(s.prefix, name)
	contentType := "application/x-ndjson"
	if s.passphrase != "" {
		body, err = Seal(body, s.passphrase)
		if err != nil {
			return err
		}
		key += ".enc"
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}

	s.logger.Info("archived webhook deposits", "key", key, "records", len(records), "bytes", len(body))
	return nil
}

func encodeLines(records []model.WebhookDeposit) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", records[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}
