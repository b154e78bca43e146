// Package webhook implements an HTTP POST audit sink.
//
// Publishes kit download records as JSON to a configurable URL.
// Retries with exponential backoff on transient failures. Every attempt for
// one record carries the same Idempotency-Key so the receiver can drop
// duplicates left by a retry after a lost response.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/kitpack/audit"
	"github.com/pithecene-io/kitpack/iox"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// IdempotencyHeader carries the record's request id on every attempt.
const IdempotencyHeader = "Idempotency-Key"

// Config configures the webhook sink.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Sink publishes audit records via HTTP POST.
type Sink struct {
	config  Config
	client  *http.Client
	backoff func(attempt int) time.Duration
}

// New creates a webhook sink from the given config.
// Returns an error if the URL is empty.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook sink requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Sink{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		backoff: defaultBackoff,
	}, nil
}

// defaultBackoff is 500ms doubled per retry.
func defaultBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
}

// Publish sends the record as a JSON POST request.
// Retries with exponential backoff on 5xx responses and network errors.
// 4xx responses are non-retriable and fail immediately.
func (s *Sink) Publish(ctx context.Context, rec *audit.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: marshal record: %w", err)
	}

	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + s.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("webhook: context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook: context canceled during backoff: %w", ctx.Err())
			case <-time.After(s.backoff(i)):
			}
		}

		lastErr = s.doRequest(ctx, rec.RequestID, body)
		if lastErr == nil {
			return nil
		}

		// 4xx errors are non-retriable: the receiver rejected the record
		// itself, and resending the same body will not change that.
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return fmt.Errorf("webhook: non-retriable error: %w", lastErr)
		}
	}

	return fmt.Errorf("webhook: failed after %d attempts: %w", attempts, lastErr)
}

// StatusError is returned for non-2xx HTTP responses.
// Wrapping the status code allows callers to distinguish retriable (5xx)
// from non-retriable (4xx) failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// doRequest performs a single HTTP POST and returns nil on 2xx.
func (s *Sink) doRequest(ctx context.Context, requestID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}
	if requestID != "" {
		req.Header.Set(IdempotencyHeader, requestID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases sink resources.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Verify Sink implements the audit sink interface.
var _ audit.Sink = (*Sink)(nil)
