// Package minio implements the artifact store port with a MinIO (S3) bucket.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Strob0t/storepilot/internal/config"
	"github.com/Strob0t/storepilot/internal/domain"
)

const refScheme = "s3://"

// Store implements artifact.Store.
type Store struct {
	client *minio.Client
	bucket string
}

// New creates a MinIO-backed artifact store.
func New(cfg config.ObjectStore) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio: bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio: create client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the configured bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("minio: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("minio: make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads data under key and returns its s3:// reference.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("minio: put %s: %w", key, err)
	}
	return Ref(s.bucket, key), nil
}

// Get downloads the object behind ref.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio: get %s: %w", ref, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("artifact %s: %w", ref, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("minio: read %s: %w", ref, err)
	}
	return data, nil
}

// Ref formats an object reference.
func Ref(bucket, key string) string {
	return refScheme + bucket + "/" + key
}

// ParseRef splits an s3://bucket/key reference.
func ParseRef(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, refScheme)
	if !ok {
		return "", "", fmt.Errorf("invalid artifact ref %q: %w", ref, domain.ErrValidation)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid artifact ref %q: %w", ref, domain.ErrValidation)
	}
	return bucket, key, nil
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
