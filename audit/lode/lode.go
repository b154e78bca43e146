// Package lode implements an audit sink that appends records to a Lode
// dataset, Hive-partitioned by day and bundle_id.
package lode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"

	"github.com/pithecene-io/kitpack/audit"
)

// DefaultDataset is the default dataset id.
const DefaultDataset = "kitpack_audit"

// RecordKindAudit tags every stored record.
const RecordKindAudit = "audit"

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"day", "bundle_id"}

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom endpoint for S3-compatible providers.
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// Sink writes audit records to a Lode dataset. One record per snapshot.
type Sink struct {
	mu      sync.Mutex
	dataset lode.Dataset
}

// NewDataset opens the audit dataset over factory with the sink's layout
// and codec. Use it to read back what a Sink wrote.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// New creates a sink with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func New(dataset string, factory lode.StoreFactory) (*Sink, error) {
	ds, err := NewDataset(dataset, factory)
	if err != nil {
		return nil, fmt.Errorf("lode sink: create dataset: %w", err)
	}
	return &Sink{dataset: ds}, nil
}

// NewFS creates a sink with filesystem storage rooted at root.
func NewFS(dataset, root string) (*Sink, error) {
	if root == "" {
		return nil, errors.New("lode sink requires a root directory")
	}
	return New(dataset, lode.NewFSFactory(root))
}

// NewS3 creates a sink with S3 storage.
// Uses AWS SDK default credential chain (env vars, shared config, IAM role).
func NewS3(ctx context.Context, dataset string, s3cfg S3Config) (*Sink, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, config.WithRegion(s3cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		endpoint := s3cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if s3cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	factory := func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
		})
	}
	return New(dataset, factory)
}

// Publish appends the record.
func (s *Sink) Publish(ctx context.Context, rec *audit.Record) error {
	day := rec.Day()
	if day == "" {
		return fmt.Errorf("lode sink: invalid timestamp %q", rec.Timestamp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.dataset.Write(ctx, []any{toRecordMap(rec, day)}, lode.Metadata{}); err != nil {
		return fmt.Errorf("lode sink: write: %w", err)
	}
	return nil
}

// Close releases sink resources.
func (s *Sink) Close() error {
	return nil
}

func toRecordMap(rec *audit.Record, day string) map[string]any {
	return map[string]any{
		"record_kind":      RecordKindAudit,
		"contract_version": rec.ContractVersion,
		"event_type":       rec.EventType,
		"request_id":       rec.RequestID,
		"bundle_id":        rec.BundleID, // partition key
		"subject":          rec.Subject,
		"client":           rec.Client,
		"asset_count":      rec.AssetCount,
		"failed_count":     rec.FailedCount,
		"bytes_written":    rec.BytesWritten,
		"duration_ms":      rec.DurationMs,
		"ts":               rec.Timestamp,
		"day":              day, // partition key
	}
}

var _ audit.Sink = (*Sink)(nil)
