package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for the S3 signer.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// S3Signer presigns GetObject requests.
type S3Signer struct {
	bucket  string
	presign *s3.PresignClient
}

// NewS3Signer creates a signer using the AWS SDK default credential chain
// (env vars, shared config, IAM role).
func NewS3Signer(ctx context.Context, cfg S3Config) (*S3Signer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3SignerFromClient(s3.NewFromConfig(awsConfig, s3Opts...), cfg.Bucket), nil
}

// NewS3SignerFromClient wraps an existing S3 client.
func NewS3SignerFromClient(client *s3.Client, bucket string) *S3Signer {
	return &S3Signer{
		bucket:  bucket,
		presign: s3.NewPresignClient(client),
	}
}

// Sign implements Signer.
func (s *S3Signer) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", s.bucket, key, err)
	}
	return req.URL, nil
}

// Verify S3Signer implements Signer.
var _ Signer = (*S3Signer)(nil)
