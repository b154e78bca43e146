package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/pithecene-io/kitpack/audit"
	"github.com/pithecene-io/kitpack/catalog"
	"github.com/pithecene-io/kitpack/fetch"
	"github.com/pithecene-io/kitpack/metrics"
	"github.com/pithecene-io/kitpack/pack"
	"github.com/pithecene-io/kitpack/ratelimit"
	"github.com/pithecene-io/kitpack/scheduler"
	"github.com/pithecene-io/kitpack/types"
)

const ownerToken = "tok-owner"

func testCatalog(t *testing.T, locatorBase string) *catalog.MemoryStore {
	t.Helper()
	store := catalog.NewMemoryStore()
	snap := &catalog.Snapshot{
		Bundles: []catalog.BundleRecord{{
			ID: "g1", OwnerID: "u1", Subject: "12 Oak Lane, Unit #4",
			Assets: []catalog.AssetRecord{
				{ID: "a1", DisplayName: "Instagram Square", TypeTag: "instagram_post", Locator: locatorBase + "/a1", Status: types.AssetStatusReady},
				{ID: "a2", DisplayName: "Email Header", TypeTag: "email_banner", Locator: locatorBase + "/a2", Status: types.AssetStatusReady},
				{ID: "a3", DisplayName: "Brochure", TypeTag: "brochure", Locator: locatorBase + "/a3", Status: types.AssetStatusReady},
				{ID: "p1", DisplayName: "Pending", TypeTag: "flyer", Locator: locatorBase + "/p1", Status: types.AssetStatusPending},
			},
		}},
		Sessions: []catalog.Session{
			{Token: ownerToken, OwnerID: "u1"},
			{Token: "tok-other", OwnerID: "u2"},
		},
	}
	if err := store.Import(t.Context(), snap); err != nil {
		t.Fatalf("Import: %v", err)
	}
	return store
}

type fakeRunner struct {
	calls atomic.Int32
	run   func(ctx context.Context, refs []types.AssetRef, w io.Writer, flush func()) (*types.RunStats, error)
}

func (f *fakeRunner) Run(ctx context.Context, _ types.Bundle, refs []types.AssetRef, w io.Writer, flush func()) (*types.RunStats, error) {
	f.calls.Add(1)
	if f.run != nil {
		return f.run(ctx, refs, w, flush)
	}
	_, _ = w.Write([]byte("PK"))
	return &types.RunStats{Requested: len(refs), SuccessCount: len(refs)}, nil
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (a *fakeAuditor) Emit(rec *audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *fakeAuditor) all() []*audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*audit.Record(nil), a.records...)
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func newHandler(t *testing.T, deps Deps) *Handler {
	t.Helper()
	if deps.Catalog == nil {
		store := testCatalog(t, "https://cdn.example.com")
		deps.Catalog = store
		if deps.Authorizer == nil {
			deps.Authorizer = NewSessionAuthorizer(store, "")
		}
	}
	if deps.Runner == nil {
		deps.Runner = &fakeRunner{}
	}
	return New(Config{}, deps)
}

func newDownloadRequest(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, DownloadPath, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.9:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return body["error"]
}

func ids(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%q", fmt.Sprintf("a%d", i+1))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestDownload_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty body", "", "empty"},
		{"malformed", "{", "invalid JSON"},
		{"missing gallery", `{"assetIds":["a1"]}`, "galleryId is required"},
		{"blank gallery", `{"galleryId":"  ","assetIds":["a1"]}`, "galleryId is required"},
		{"missing assets", `{"galleryId":"g1"}`, "no assets"},
		{"empty assets", `{"galleryId":"g1","assetIds":[]}`, "no assets"},
		{"51 assets", `{"galleryId":"g1","assetIds":` + ids(51) + `}`, "exceeds 50"},
		{"blank asset id", `{"galleryId":"g1","assetIds":["a1"," "]}`, "assetIds[1] is blank"},
		{"oversized", `{"galleryId":"g1","assetIds":["` + strings.Repeat("x", DefaultMaxBodyBytes) + `"]}`, "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			collector := metrics.NewCollector()
			h := newHandler(t, Deps{Runner: runner, Collector: collector})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, newDownloadRequest(tt.body, ownerToken))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if msg := decodeError(t, rec); !strings.Contains(msg, tt.want) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.want)
			}
			if runner.calls.Load() != 0 {
				t.Error("runner must not be called for invalid requests")
			}
			if got := collector.Snapshot().RequestsRejected[string(StageValidating)]; got != 1 {
				t.Errorf("validating rejections = %d, want 1", got)
			}
		})
	}
}

func TestDownload_FiftyOneIDsNeverFetch(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("x"))
	}))
	defer upstream.Close()

	f := fetch.New(passthrough{}, fetch.Config{})
	h := newHandler(t, Deps{Runner: pack.New(scheduler.New(5, f.Fetch, nil))})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newDownloadRequest(`{"galleryId":"g1","assetIds":`+ids(51)+`}`, ownerToken))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("observed %d upstream calls, want 0", n)
	}
}

func TestDownload_RateLimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewMemory(ratelimit.Config{Limit: 1, Window: time.Minute}, func() time.Time { return now })
	runner := &fakeRunner{}
	collector := metrics.NewCollector()
	h := newHandler(t, Deps{Runner: runner, Limiter: limiter, Collector: collector})
	h.now = func() time.Time { return now }

	body := `{"galleryId":"g1","assetIds":["a1"]}`
	first := httptest.NewRecorder()
	h.ServeHTTP(first, newDownloadRequest(body, ownerToken))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("first X-RateLimit-Remaining = %q, want 0", got)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, newDownloadRequest(body, ownerToken))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", second.Code)
	}
	hdr := second.Header()
	if hdr.Get("X-RateLimit-Limit") != "1" || hdr.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("quota headers = %q/%q", hdr.Get("X-RateLimit-Limit"), hdr.Get("X-RateLimit-Remaining"))
	}
	if want := strconv.FormatInt(now.Add(time.Minute).Unix(), 10); hdr.Get("X-RateLimit-Reset") != want {
		t.Errorf("X-RateLimit-Reset = %q, want %q", hdr.Get("X-RateLimit-Reset"), want)
	}
	if hdr.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", hdr.Get("Retry-After"))
	}
	if runner.calls.Load() != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls.Load())
	}
	if s := collector.Snapshot(); s.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", s.RateLimited)
	}
}

func TestDownload_LimiterErrorFailsOpen(t *testing.T) {
	h := newHandler(t, Deps{Limiter: errLimiter{}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newDownloadRequest(`{"galleryId":"g1","assetIds":["a1"]}`, ownerToken))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestDownload_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		token  string
		status int
	}{
		{"no session", `{"galleryId":"g1","assetIds":["a1"]}`, "", http.StatusForbidden},
		{"unknown session", `{"galleryId":"g1","assetIds":["a1"]}`, "tok-nope", http.StatusForbidden},
		{"not owner", `{"galleryId":"g1","assetIds":["a1"]}`, "tok-other", http.StatusForbidden},
		{"missing bundle", `{"galleryId":"g9","assetIds":["a1"]}`, ownerToken, http.StatusNotFound},
		{"no matching assets", `{"galleryId":"g1","assetIds":["zz"]}`, ownerToken, http.StatusNotFound},
		{"only pending assets", `{"galleryId":"g1","assetIds":["p1"]}`, ownerToken, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			h := newHandler(t, Deps{Runner: runner})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, newDownloadRequest(tt.body, tt.token))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if decodeError(t, rec) == "" {
				t.Error("expected error message")
			}
			if runner.calls.Load() != 0 {
				t.Error("no asset may be touched before authorization and resolution pass")
			}
		})
	}
}

// Without a valid session an existing and a missing bundle are rejected
// identically.
func TestDownload_UnauthenticatedCannotProbeBundles(t *testing.T) {
	for _, token := range []string{"", "tok-nope"} {
		h := newHandler(t, Deps{})

		existing := httptest.NewRecorder()
		h.ServeHTTP(existing, newDownloadRequest(`{"galleryId":"g1","assetIds":["a1"]}`, token))
		missing := httptest.NewRecorder()
		h.ServeHTTP(missing, newDownloadRequest(`{"galleryId":"nope","assetIds":["a1"]}`, token))

		if existing.Code != http.StatusForbidden || missing.Code != http.StatusForbidden {
			t.Fatalf("token %q: status existing=%d missing=%d, want 403 for both", token, existing.Code, missing.Code)
		}
		if a, b := decodeError(t, existing), decodeError(t, missing); a != b {
			t.Errorf("token %q: error bodies differ: %q vs %q", token, a, b)
		}
	}
}

func TestDownload_SessionCookie(t *testing.T) {
	h := newHandler(t, Deps{})
	req := newDownloadRequest(`{"galleryId":"g1","assetIds":["a1"]}`, "")
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: ownerToken})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestDownload_SuccessHeadersAndAudit(t *testing.T) {
	var gotRefs []types.AssetRef
	runner := &fakeRunner{run: func(_ context.Context, refs []types.AssetRef, w io.Writer, flush func()) (*types.RunStats, error) {
		gotRefs = refs
		_, _ = w.Write([]byte("PK\x03\x04"))
		flush()
		stats := &types.RunStats{Requested: len(refs), BytesWritten: 4}
		for _, r := range refs {
			stats.RecordSuccess(r, r.DisplayName)
		}
		return stats, nil
	}}
	auditor := &fakeAuditor{}
	h := newHandler(t, Deps{Runner: runner, Auditor: auditor})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newDownloadRequest(`{"galleryId":"g1","assetIds":["a3","a1","a3","p1"]}`, ownerToken))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	hdr := rec.Header()
	checks := map[string]string{
		"Content-Type":        "application/zip",
		"Content-Disposition": `attachment; filename="12-oak-lane-unit-4-marketing-kit.zip"`,
		"Transfer-Encoding":   "chunked",
		"Cache-Control":       "no-cache",
	}
	for k, want := range checks {
		if got := hdr.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if hdr.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if !rec.Flushed {
		t.Error("response should be flushed while streaming")
	}

	if len(gotRefs) != 2 || gotRefs[0].ID != "a3" || gotRefs[1].ID != "a1" {
		t.Errorf("refs = %+v, want [a3 a1]", gotRefs)
	}

	records := auditor.all()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	r := records[0]
	if r.BundleID != "g1" || r.AssetCount != 2 || r.FailedCount != 0 || r.Client != "198.51.100.9" {
		t.Errorf("unexpected audit record %+v", r)
	}
	if r.RequestID != hdr.Get("X-Request-ID") {
		t.Error("audit record should carry the response request id")
	}
}

type passthrough struct{}

func (passthrough) Resolve(_ context.Context, locator string) (string, error) {
	return locator, nil
}

func TestDownload_EndToEnd(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 32)...)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a1":
			_, _ = w.Write(png)
		case "/a2":
			<-r.Context().Done()
		case "/a3":
			_, _ = w.Write([]byte("%PDF-1.7"))
		}
	}))
	defer upstream.Close()

	store := testCatalog(t, upstream.URL)
	f := fetch.New(passthrough{}, fetch.Config{Timeout: 50 * time.Millisecond, MaxRetries: 1},
		fetch.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	auditor := &fakeAuditor{}
	h := New(Config{}, Deps{
		Catalog:    store,
		Authorizer: NewSessionAuthorizer(store, ""),
		Runner:     pack.New(scheduler.New(5, f.Fetch, nil)),
		Auditor:    auditor,
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+DownloadPath,
		strings.NewReader(`{"galleryId":"g1","assetIds":["a1","a2","a3"]}`))
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(resp.TransferEncoding) == 0 || resp.TransferEncoding[0] != "chunked" {
		t.Errorf("TransferEncoding = %v, want chunked", resp.TransferEncoding)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"Social Media/Instagram Square.png", "Print Materials/Brochure.pdf", "README.txt", "_download_report.txt"} {
		if !names[want] {
			t.Errorf("archive missing %q (have %v)", want, names)
		}
	}
	if len(zr.File) != 4 {
		t.Errorf("entries = %d, want 4", len(zr.File))
	}

	records := auditor.all()
	if len(records) != 1 || records[0].AssetCount != 2 || records[0].FailedCount != 1 {
		t.Errorf("audit = %+v", records)
	}
}

func TestDownload_ClientDisconnectStopsRun(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, _ []types.AssetRef, w io.Writer, flush func()) (*types.RunStats, error) {
		_, _ = w.Write([]byte("PK"))
		flush()
		close(started)
		<-ctx.Done()
		close(stopped)
		return &types.RunStats{}, ctx.Err()
	}}
	auditor := &fakeAuditor{}
	h := newHandler(t, Deps{Runner: runner, Auditor: auditor})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+DownloadPath,
		strings.NewReader(`{"galleryId":"g1","assetIds":["a1"]}`))
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	<-started
	cancel()
	_ = resp.Body.Close()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not canceled after client disconnect")
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(auditor.all()); n != 0 {
		t.Errorf("aborted downloads must not be audited, got %d", n)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	collector.IncRunStarted()
	h := newHandler(t, Deps{Collector: collector})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("metrics body: %v", err)
	}
	if snap.RunsStarted != 1 {
		t.Errorf("RunsStarted = %d, want 1", snap.RunsStarted)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DownloadPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET download = %d, want 405", rec.Code)
	}
}
