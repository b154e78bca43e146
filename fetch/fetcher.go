// Package fetch retrieves asset bytes over HTTP with a per-attempt deadline
// and bounded retry with exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/kitpack/iox"
	"github.com/pithecene-io/kitpack/log"
	"github.com/pithecene-io/kitpack/metrics"
	"github.com/pithecene-io/kitpack/types"
)

// Defaults for Config fields left zero.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultBaseBackoff   = time.Second
	DefaultMaxAssetBytes = 256 << 20
	DefaultUserAgent     = "kitpack/" + types.Version

	// MaxRetriesLimit is the largest accepted retry budget.
	MaxRetriesLimit = 10
	// MaxBackoff caps a single backoff wait.
	MaxBackoff = time.Minute
)

// ErrTimeout marks an attempt that exceeded its deadline.
var ErrTimeout = errors.New("timed out")

// ErrTooLarge marks a payload above Config.MaxAssetBytes.
var ErrTooLarge = errors.New("asset exceeds size limit")

// Resolver turns an asset locator into a fetchable URL.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

// Sleeper waits for d or until ctx is done. Injected so tests can use a fake clock.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config configures the fetcher.
type Config struct {
	// Timeout is the wall-clock deadline of a single attempt (default 30s).
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first (default 3, at
	// most MaxRetriesLimit). Zero is replaced by the default; use NoRetries
	// to disable retrying.
	MaxRetries int
	// BaseBackoff is the delay before the first retry; it doubles per attempt (default 1s).
	BaseBackoff time.Duration
	// MaxAssetBytes bounds a single payload (default 256 MiB).
	MaxAssetBytes int64
	// UserAgent is sent on every request.
	UserAgent string
}

// NoRetries disables retrying when assigned to Config.MaxRetries.
const NoRetries = -1

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// terminalError stops the retry loop immediately.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Fetcher implements fetch-with-retry for one asset at a time.
// Safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	resolver  Resolver
	config    Config
	sleep     Sleeper
	collector *metrics.Collector
	logger    *log.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithSleeper replaces the real-time backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(f *Fetcher) { f.sleep = s }
}

// WithCollector records attempts and outcomes.
func WithCollector(c *metrics.Collector) Option {
	return func(f *Fetcher) { f.collector = c }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher.
func New(resolver Resolver, cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	case cfg.MaxRetries > MaxRetriesLimit:
		cfg.MaxRetries = MaxRetriesLimit
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxAssetBytes <= 0 {
		cfg.MaxAssetBytes = DefaultMaxAssetBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	f := &Fetcher{
		client:   &http.Client{},
		resolver: resolver,
		config:   cfg,
		sleep:    sleepContext,
		logger:   log.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MaxRetries returns the effective retry budget.
func (f *Fetcher) MaxRetries() int { return f.config.MaxRetries }

// Backoff returns the delay before retry number attempt+1: 2^attempt × base,
// capped at MaxBackoff.
func Backoff(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	return min(d, MaxBackoff)
}

// Fetch retrieves one asset. It always returns a terminal outcome: either the
// payload or an error string. A failure on the last permitted attempt is
// returned as is, without a further backoff wait.
func (f *Fetcher) Fetch(ctx context.Context, ref types.AssetRef) types.FetchOutcome {
	for attempt := 0; ; attempt++ {
		f.collector.IncFetchAttempt(attempt > 0)

		data, err := f.attempt(ctx, ref)
		if err == nil {
			f.collector.IncAssetFetched()
			return types.FetchOutcome{
				Asset:    ref,
				Filename: Filename(ref, data),
				Data:     data,
				Attempts: attempt + 1,
			}
		}

		var term *terminalError
		if ctx.Err() != nil || errors.As(err, &term) || attempt >= f.config.MaxRetries {
			return f.failed(ref, err, attempt+1)
		}

		delay := Backoff(attempt, f.config.BaseBackoff)
		f.logger.Warn("asset fetch attempt failed, retrying", map[string]any{
			"asset_id": ref.ID,
			"attempt":  attempt + 1,
			"error":    err.Error(),
			"backoff":  delay.String(),
		})
		if err := f.sleep(ctx, delay); err != nil {
			return f.failed(ref, fmt.Errorf("canceled during backoff: %w", err), attempt+1)
		}
	}
}

func (f *Fetcher) failed(ref types.AssetRef, err error, attempts int) types.FetchOutcome {
	f.collector.IncAssetFailed()
	f.logger.Error("asset fetch failed", map[string]any{
		"asset_id": ref.ID,
		"attempts": attempts,
		"error":    err.Error(),
	})
	return types.FetchOutcome{
		Asset:    ref,
		Error:    err.Error(),
		Attempts: attempts,
	}
}

// attempt performs one resolve + GET under the per-attempt deadline.
func (f *Fetcher) attempt(ctx context.Context, ref types.AssetRef) ([]byte, error) {
	target, err := f.resolver.Resolve(ctx, ref.Locator)
	if err != nil {
		return nil, &terminalError{err: fmt.Errorf("resolve locator: %w", err)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, &terminalError{err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classify(ctx, attemptCtx, fmt.Errorf("request failed: %w", err))
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little to allow connection reuse
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxAssetBytes+1))
	if err != nil {
		return nil, f.classify(ctx, attemptCtx, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > f.config.MaxAssetBytes {
		return nil, &terminalError{err: fmt.Errorf("%w of %d bytes", ErrTooLarge, f.config.MaxAssetBytes)}
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// classify rewrites per-attempt deadline errors into ErrTimeout. Parent
// cancellation is left untouched so the caller stops retrying.
func (f *Fetcher) classify(parent, attemptCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, f.config.Timeout)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
