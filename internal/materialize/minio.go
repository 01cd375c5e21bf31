package materialize

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	xerrors "atelier/internal/errors"
	"atelier/internal/logging"
	"atelier/internal/provider"
	"atelier/internal/task"
)

// MinioConfig points at an S3-compatible object store.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

var _ task.Materializer = (*MinioMaterializer)(nil)

// MinioMaterializer streams provider artifacts into a bucket and signs
// storage keys into short-lived GET URLs.
type MinioMaterializer struct {
	client *minio.Client
	bucket string
	http   *http.Client
	logger logging.Logger
}

// NewMinio connects to the object store and ensures the bucket exists.
func NewMinio(ctx context.Context, cfg MinioConfig, logger logging.Logger) (*MinioMaterializer, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioMaterializer{
		client: client,
		bucket: cfg.Bucket,
		http:   &http.Client{},
		logger: logging.OrNop(logger),
	}, nil
}

// Restore streams the provider artifact into the bucket without buffering
// it in memory; video results run to hundreds of megabytes. Transient
// download or store failures retry the whole fetch, since a half-consumed
// stream cannot be resumed.
func (m *MinioMaterializer) Restore(ctx context.Context, scope task.Scope, item provider.ResultItem) (task.ResultItem, error) {
	retryCfg := xerrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	return xerrors.RetryWithResult(ctx, retryCfg, func(ctx context.Context) (task.ResultItem, error) {
		body, size, contentType, err := fetch(ctx, m.http, item.URL)
		if err != nil {
			return task.ResultItem{}, err
		}
		defer body.Close()

		key := objectKey(scope, item)
		opts := minio.PutObjectOptions{ContentType: contentType}
		if _, err := m.client.PutObject(ctx, m.bucket, key, body, size, opts); err != nil {
			return task.ResultItem{}, xerrors.NewTransient(err, fmt.Sprintf("store artifact %s failed", key))
		}

		m.logger.Info("materialized %s/%s from %s", m.bucket, key, item.Kind)
		return task.ResultItem{StorageKey: key, Kind: item.Kind}, nil
	})
}

// SignURL issues a presigned GET for a stored artifact.
func (m *MinioMaterializer) SignURL(ctx context.Context, storageKey string, ttl time.Duration) (string, error) {
	signed, err := m.client.PresignedGetObject(ctx, m.bucket, storageKey, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", storageKey, err)
	}
	return signed.String(), nil
}
