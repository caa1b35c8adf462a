// Package objectstore configures S3-compatible storage (AWS S3, MinIO) for
// lake data files and for reading source batches.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultRegion = "us-east-1"

// S3Config holds configuration for S3-compatible storage.
type S3Config struct {
	AccessKeyID     string // empty to use the default credential chain (IRSA)
	SecretAccessKey string
	Endpoint        string // e.g. "http://localhost:9000" for MinIO, empty for AWS
	Region          string
	UseSSL          bool
	URLStyle        string // "path" or "virtual"
}

// IsMinIO reports whether the config points at a non-AWS endpoint.
func (c *S3Config) IsMinIO() bool {
	return c.Endpoint != "" && !strings.Contains(c.Endpoint, "amazonaws.com")
}

// LoadS3ConfigFromEnv loads S3 configuration from environment variables.
//
// Environment variables:
//   - S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID
//   - S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY
//   - S3_ENDPOINT or AWS_ENDPOINT_URL (for MinIO: "http://localhost:9000")
//   - S3_REGION or AWS_REGION (defaults to "us-east-1")
//   - S3_USE_SSL ("true"/"false", defaults to false for MinIO and true for AWS)
//   - S3_URL_STYLE ("path" or "virtual", defaults to "path")
//
// Leave both keys unset to use IAM role credentials. It returns nil if no
// credentials are configured.
func LoadS3ConfigFromEnv() (*S3Config, error) {
	accessKeyID := getenv("S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	secretAccessKey := getenv("S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")

	switch {
	case accessKeyID == "" && secretAccessKey == "":
		return nil, nil
	case accessKeyID == "":
		return nil, fmt.Errorf("S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is set but S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is missing")
	case secretAccessKey == "":
		return nil, fmt.Errorf("S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is set but S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is missing (for IRSA, leave both unset)")
	}

	cfg := &S3Config{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Endpoint:        getenv("S3_ENDPOINT", "AWS_ENDPOINT_URL"),
		Region:          regionFromEnv(),
		URLStyle:        "path",
	}
	cfg.UseSSL = !cfg.IsMinIO()
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		cfg.UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("S3_URL_STYLE"); v != "" {
		cfg.URLStyle = v
	}
	return cfg, nil
}

// ConfigForURI returns the S3 config for an s3:// URI, or nil for any other
// scheme. MinIO endpoints require explicit credentials, and buckets on a
// localhost MinIO are created when missing.
func ConfigForURI(ctx context.Context, log *slog.Logger, uri string) (*S3Config, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return nil, nil
	}

	cfg, err := LoadS3ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}
	if cfg == nil {
		cfg = &S3Config{Region: regionFromEnv(), UseSSL: true, URLStyle: "path"}
	}

	if cfg.IsMinIO() && (cfg.AccessKeyID == "" || cfg.SecretAccessKey == "") {
		return nil, fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set (endpoint: %s)", cfg.Endpoint)
	}

	if err := EnsureMinIOBucket(ctx, log, uri, cfg); err != nil {
		return nil, fmt.Errorf("failed to ensure MinIO bucket exists: %w", err)
	}
	return cfg, nil
}

// NewClient creates an S3 client for cfg.
func NewClient(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				if cfg.UseSSL {
					endpoint = "https://" + endpoint
				} else {
					endpoint = "http://" + endpoint
				}
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.URLStyle != "virtual"
	}), nil
}

// EnsureMinIOBucket creates the bucket of uri if cfg points at a localhost
// MinIO and the bucket does not exist.
func EnsureMinIOBucket(ctx context.Context, log *slog.Logger, uri string, cfg *S3Config) error {
	if cfg.Endpoint == "" {
		return nil
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	if !strings.HasPrefix(endpoint, "localhost") && !strings.HasPrefix(endpoint, "127.0.0.1") && !strings.Contains(endpoint, "host.docker.internal") {
		return nil
	}
	bucket, _, err := ParseURI(uri)
	if err != nil {
		return nil
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set")
	}

	client, err := NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	log.Info("objectstore: creating MinIO bucket", "bucket", bucket, "endpoint", cfg.Endpoint)
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// ParseURI splits s3://bucket/key into bucket and key.
func ParseURI(uri string) (string, string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3:// URI %q: %w", uri, err)
	}
	if parsed.Scheme != "s3" || parsed.Host == "" {
		return "", "", fmt.Errorf("invalid s3:// URI %q: expected s3://bucket/key", uri)
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
}

// Open streams the object at an s3:// URI.
func Open(ctx context.Context, client *s3.Client, uri string) (io.ReadCloser, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("invalid s3:// URI %q: missing object key", uri)
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", uri, err)
	}
	return out.Body, nil
}

func regionFromEnv() string {
	if region := getenv("S3_REGION", "AWS_REGION"); region != "" {
		return region
	}
	return defaultRegion
}

func getenv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
