// Package redis implements a Redis pub/sub audit sink.
//
// Publishes audit records to a configurable Redis channel, encoded as JSON
// or MessagePack. Retries with exponential backoff on connection errors.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/kitpack/audit"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "kitpack:kit_downloaded"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Codec names.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Config configures the Redis sink.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: kitpack:kit_downloaded).
	Channel string
	// Codec is json or msgpack (default json).
	Codec string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Sink publishes audit records via Redis PUBLISH.
type Sink struct {
	config Config
	client *goredis.Client
	encode func(*audit.Record) ([]byte, error)
}

// New creates a Redis sink from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis sink requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis sink: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	var encode func(*audit.Record) ([]byte, error)
	switch cfg.Codec {
	case "", CodecJSON:
		cfg.Codec = CodecJSON
		encode = func(r *audit.Record) ([]byte, error) { return json.Marshal(r) }
	case CodecMsgpack:
		encode = func(r *audit.Record) ([]byte, error) { return msgpack.Marshal(r) }
	default:
		return nil, fmt.Errorf("redis sink: unknown codec %q (must be json or msgpack)", cfg.Codec)
	}

	return &Sink{
		config: cfg,
		client: goredis.NewClient(opts),
		encode: encode,
	}, nil
}

// Publish sends the encoded record to the configured channel.
// Retries with exponential backoff on failures.
func (s *Sink) Publish(ctx context.Context, rec *audit.Record) error {
	body, err := s.encode(rec)
	if err != nil {
		return fmt.Errorf("redis: encode record: %w", err)
	}

	var lastErr error
	attempts := 1 + s.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		lastErr = s.client.Publish(publishCtx, s.config.Channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// Close releases sink resources.
func (s *Sink) Close() error {
	return s.client.Close()
}

var _ audit.Sink = (*Sink)(nil)
