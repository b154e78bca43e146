package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/kitpack/audit"
	"github.com/pithecene-io/kitpack/iox"
)

func testRecord() *audit.Record {
	return &audit.Record{
		ContractVersion: "0.3.0",
		EventType:       audit.EventKitDownloaded,
		RequestID:       "req-001",
		BundleID:        "g1",
		Subject:         "12 Oak Lane",
		Client:          "203.0.113.7",
		AssetCount:      2,
		FailedCount:     1,
		BytesWritten:    4096,
		DurationMs:      1500,
		Timestamp:       "2026-02-07T12:00:00Z",
	}
}

func newTestSink(t *testing.T, cfg Config) *Sink {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.backoff = func(int) time.Duration { return time.Millisecond }
	t.Cleanup(func() { iox.DiscardClose(s) })
	return s
}

func TestPublish_Success(t *testing.T) {
	var received audit.Record
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := newTestSink(t, Config{URL: ts.URL, Retries: 0})
	if err := s.Publish(t.Context(), testRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if received.RequestID != "req-001" {
		t.Errorf("expected req-001, got %s", received.RequestID)
	}
	if received.EventType != audit.EventKitDownloaded {
		t.Errorf("expected %s, got %s", audit.EventKitDownloaded, received.EventType)
	}
	if received.AssetCount != 2 || received.FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", received.AssetCount, received.FailedCount)
	}
}

func TestPublish_CustomHeaders(t *testing.T) {
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := newTestSink(t, Config{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
	})
	if err := s.Publish(t.Context(), testRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if authHeader != "Bearer test-token" {
		t.Errorf("expected Bearer test-token, got %s", authHeader)
	}
}

func TestPublish_IdempotencyKeyStableAcrossRetries(t *testing.T) {
	var attempts atomic.Int32
	keys := make(chan string, 3)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get(IdempotencyHeader)
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := newTestSink(t, Config{URL: ts.URL, Retries: 3})
	if err := s.Publish(t.Context(), testRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	close(keys)
	for key := range keys {
		if key != "req-001" {
			t.Errorf("%s = %q, want req-001", IdempotencyHeader, key)
		}
	}
}

func TestPublish_RetriesOnFailure(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := newTestSink(t, Config{URL: ts.URL, Retries: 3})
	if err := s.Publish(t.Context(), testRecord()); err != nil {
		t.Fatalf("publish should succeed after retries: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	s := newTestSink(t, Config{URL: ts.URL, Retries: 2})
	err := s.Publish(t.Context(), testRecord())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// 1 initial + 2 retries
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestPublish_4xxNotRetried(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	s := newTestSink(t, Config{URL: ts.URL, Retries: 3})
	err := s.Publish(t.Context(), testRecord())

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected StatusError 422, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	s := newTestSink(t, Config{URL: ts.URL, Retries: 5})
	s.backoff = func(int) time.Duration { return time.Hour }

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if err := s.Publish(ctx, testRecord()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://x", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}
	s, err := New(Config{URL: "http://x"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.config.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", s.config.Timeout, DefaultTimeout)
	}
	if got := defaultBackoff(2); got != time.Second {
		t.Errorf("defaultBackoff(2) = %v, want 1s", got)
	}
}
