package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// amazonEndpoint is used when no explicit endpoint is configured, the
// "amazon-s3" backend.
const amazonEndpoint = "s3.amazonaws.com"

// S3 talks to any S3-compatible object store. It backs both the "minio"
// backend (explicit endpoint) and the "amazon-s3" backend.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// S3Config carries the keys of the minio / amazon-s3 config sections. URL is
// the bucket locator in s3://bucket/prefix form; Endpoint may be empty for
// Amazon.
type S3Config struct {
	URL       string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3 connects and verifies that the bucket exists and the credentials
// work. Both checks run before any batch so a misconfiguration fails fast.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	bucket, prefix, err := parseBucketURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	secure := true
	if endpoint == "" {
		endpoint = amazonEndpoint
	} else {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			secure = u.Scheme == "https"
			endpoint = u.Host
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		if isCredentialError(err) {
			return nil, fmt.Errorf("bucket %s: %w", bucket, ErrCredential)
		}
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s: %w", bucket, ErrBucketMissing)
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3) Upload(ctx context.Context, localPath, objectPath string) error {
	if _, err := s.client.FPutObject(ctx, s.bucket, s.object(objectPath), localPath, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("put %s: %w", objectPath, err)
	}
	return nil
}

func (s *S3) Download(ctx context.Context, objectPath, localPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, s.object(objectPath), localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("get %s: %w", objectPath, err)
	}
	return nil
}

func (s *S3) object(objectPath string) string {
	if s.prefix == "" {
		return objectPath
	}
	return s.prefix + "/" + objectPath
}

// parseBucketURL splits s3://bucket/prefix. A bare bucket name is accepted.
func parseBucketURL(raw string) (bucket, prefix string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("bucket url missing: %w", ErrBucketMissing)
	}
	trimmed := strings.TrimPrefix(raw, "s3://")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("bucket url %q: %w", raw, ErrBucketMissing)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

func isCredentialError(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return true
		}
	}
	return false
}
