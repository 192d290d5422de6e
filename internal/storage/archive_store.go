package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lockstep/api/internal/config"
	"lockstep/api/internal/models"
)

// ArchiveStore exports aged security events to object storage so the
// audit trail outlives the database retention window.
type ArchiveStore struct {
	client *minio.Client
	cfg    config.ArchiveConfig
}

func NewArchiveStore(cfg config.ArchiveConfig) (*ArchiveStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ArchiveStore{
		client: client,
		cfg:    cfg,
	}, nil
}

func (s *ArchiveStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
		}
	}
	return nil
}

// WriteBatch stores one JSON object per export run, keyed by date and
// batch timestamp.
func (s *ArchiveStore) WriteBatch(ctx context.Context, batchAt time.Time, events []models.SecurityEvent) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal archive batch: %w", err)
	}

	key := fmt.Sprintf("security-events/%s/%d.json", batchAt.UTC().Format("2006-01-02"), batchAt.UnixNano())

	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put archive object: %w", err)
	}
	return key, nil
}
