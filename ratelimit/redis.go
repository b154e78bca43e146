package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces limiter keys.
const DefaultKeyPrefix = "kitpack:ratelimit:"

// RedisConfig configures the Redis limiter.
type RedisConfig struct {
	Config
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// KeyPrefix namespaces keys (default kitpack:ratelimit:).
	KeyPrefix string
	// Timeout bounds each Allow round trip (default 500ms).
	Timeout time.Duration
}

// Redis is a fixed-window limiter shared across processes: INCR on a
// per-key counter that expires with the window.
type Redis struct {
	config RedisConfig
	client *goredis.Client
	clk    func() time.Time
}

// NewRedis creates a Redis limiter from the given config.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis rate limiter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis rate limiter: invalid URL: %w", err)
	}
	return newRedis(cfg, goredis.NewClient(opts)), nil
}

func newRedis(cfg RedisConfig, client *goredis.Client) *Redis {
	cfg.Config = cfg.withDefaults()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &Redis{config: cfg, client: client, clk: time.Now}
}

// Allow counts one request for key. Errors are returned as is; the gateway
// decides whether to fail open.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	k := r.config.KeyPrefix + key
	var incr *goredis.IntCmd
	var pttl *goredis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		pttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limiter: %w", err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		// New counter (or one that lost its expiry): start the window now.
		if err := r.client.PExpire(ctx, k, r.config.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis rate limiter: set expiry: %w", err)
		}
		ttl = r.config.Window
	}

	return decide(incr.Val(), r.config.Limit, r.clk().Add(ttl)), nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Limiter = (*Redis)(nil)
