package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// S3Config describes the destination bucket.
type S3Config struct {
	// EndpointURL is a full URL such as http://localhost:4566. Empty means AWS.
	EndpointURL     string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// objectPutter is the slice of *minio.Client S3Storage uses.
type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Storage writes one object per key into a bucket. PutObject replaces
// existing objects, which is what makes re-runs idempotent.
type S3Storage struct {
	client objectPutter
	bucket string
}

// NewS3Storage connects to the configured endpoint.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket")
	}

	endpoint, secure, err := parseEndpoint(cfg.EndpointURL)
	if err != nil {
		return nil, err
	}

	creds := credentials.NewEnvAWS()
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	opts := &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	}
	if endpoint != defaultS3Endpoint {
		// Local S3 emulators rarely support virtual-host addressing.
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &S3Storage{client: client, bucket: cfg.Bucket}, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultS3Endpoint, true, nil
	}
	if !strings.Contains(raw, "://") {
		return raw, true, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse S3 endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("S3 endpoint %q has no host", raw)
	}
	return u.Host, u.Scheme == "https", nil
}

// Store uploads body to bucket/key.
func (s *S3Storage) Store(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/csv",
		UserMetadata: map[string]string{
			"schema-version": SchemaVersion,
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return unavailable("put s3://"+s.bucket, key, err)
	}
	return nil
}

// Close is a no-op; the minio client holds no resources that need release.
func (s *S3Storage) Close() error { return nil }
