// Package artifacts keeps a copy of every built archive in an S3-compatible
// bucket so a run's exact bytes can be inspected or redeployed by hand.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

// Config holds the bucket connection settings.
type Config struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Prefix    string // key prefix, default "runs"
}

// Validate checks that the required fields are set.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("artifacts endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("artifacts bucket is required")
	}
	return nil
}

// MinioSink uploads artifacts with minio-go.
type MinioSink struct {
	client *minio.Client
	config Config
	logger *slog.Logger
}

// NewMinioSink connects to the bucket endpoint. It does not touch the network.
func NewMinioSink(cfg Config, logger *slog.Logger) (*MinioSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "runs"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinioSink{
		client: client,
		config: cfg,
		logger: logger.With("component", "artifact_sink"),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.config.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.config.Bucket, minio.MakeBucketOptions{Region: s.config.Region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.config.Bucket, err)
	}
	s.logger.Info("artifact bucket created", "bucket", s.config.Bucket)
	return nil
}

// Put uploads art under <prefix>/<run-id>/<unit>/<sha256>.zip and returns the key.
func (s *MinioSink) Put(ctx context.Context, runID string, art *domain.Artifact) (string, error) {
	key := Key(s.config.Prefix, runID, art)
	_, err := s.client.PutObject(ctx, s.config.Bucket, key, bytes.NewReader(art.Bytes), int64(len(art.Bytes)), minio.PutObjectOptions{
		ContentType: "application/zip",
		UserMetadata: map[string]string{
			"unit":   art.Unit,
			"sha256": art.SHA256,
			"run-id": runID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// Key returns the object key for an artifact.
func Key(prefix, runID string, art *domain.Artifact) string {
	return path.Join(prefix, runID, art.Unit, art.SHA256+".zip")
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
