// Package publish uploads finished deployable packages to an S3 compatible
// object store.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"axbuild/internal/config"
)

// ObjectStore is the part of an object store the publisher needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutFile(ctx context.Context, bucket, key, file string) error
}

// S3Store implements ObjectStore with the minio-go SDK.
type S3Store struct {
	client *minio.Client
	region string
}

// NewS3Store creates a client for the configured endpoint. The endpoint may
// be a bare host:port or a URL; an https scheme forces TLS.
func NewS3Store(cfg config.Publish) (*S3Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("publish endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("publish credentials are required")
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &S3Store{client: client, region: cfg.Region}, nil
}

func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region})
}

func (s *S3Store) PutFile(ctx context.Context, bucket, key, file string) error {
	_, err := s.client.FPutObject(ctx, bucket, key, file, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	return err
}

// Publisher uploads files below a key prefix of one bucket. A nil
// *Publisher publishes nothing.
type Publisher struct {
	Store  ObjectStore
	Bucket string
	Prefix string
}

// New returns nil when publishing is not configured.
func New(cfg config.Publish) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, errors.New("publish bucket is required")
	}
	store, err := NewS3Store(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{Store: store, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

// ObjectKey joins prefix and the base name of file with forward slashes.
func ObjectKey(prefix, file string) string {
	name := filepath.Base(file)
	prefix = strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Publish uploads files and returns their object keys in order.
func (p *Publisher) Publish(ctx context.Context, files ...string) ([]string, error) {
	if p == nil || len(files) == 0 {
		return nil, nil
	}
	logger := lagerctx.FromContext(ctx).Session("publish", lager.Data{"bucket": p.Bucket})

	if err := p.Store.EnsureBucket(ctx, p.Bucket); err != nil {
		logger.Error("failed-to-ensure-bucket", err)
		return nil, fmt.Errorf("ensure bucket %s: %w", p.Bucket, err)
	}

	keys := make([]string, 0, len(files))
	for _, f := range files {
		key := ObjectKey(p.Prefix, f)
		if err := p.Store.PutFile(ctx, p.Bucket, key, f); err != nil {
			logger.Error("failed-to-upload", err, lager.Data{"file": f, "key": key})
			return keys, fmt.Errorf("upload %s: %w", f, err)
		}
		logger.Info("uploaded", lager.Data{"file": f, "key": key})
		keys = append(keys, key)
	}
	return keys, nil
}
