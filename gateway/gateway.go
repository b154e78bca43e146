// Package gateway is the HTTP front of the kit download service.
//
// A download request moves through Validating, RateLimiting, Authorizing,
// Resolving, and Streaming, then Closed. The first four stages may reject
// the request; no asset is fetched before Resolving has passed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/kitpack/audit"
	"github.com/pithecene-io/kitpack/catalog"
	"github.com/pithecene-io/kitpack/log"
	"github.com/pithecene-io/kitpack/metrics"
	"github.com/pithecene-io/kitpack/ratelimit"
	"github.com/pithecene-io/kitpack/types"
)

// DownloadPath is the download endpoint.
const DownloadPath = "/v1/kits/download"

// Stage names a step of the request state machine.
type Stage string

// Request stages.
const (
	StageValidating   Stage = "validating"
	StageRateLimiting Stage = "rate_limiting"
	StageAuthorizing  Stage = "authorizing"
	StageResolving    Stage = "resolving"
	StageStreaming    Stage = "streaming"
	StageClosed       Stage = "closed"
)

// Catalog loads bundle and asset metadata.
type Catalog interface {
	Bundle(ctx context.Context, id string) (types.Bundle, error)
	ReadyAssets(ctx context.Context, bundleID string, ids []string) ([]types.AssetRef, error)
}

// Runner builds and streams one kit.
type Runner interface {
	Run(ctx context.Context, bundle types.Bundle, refs []types.AssetRef, w io.Writer, flush func()) (*types.RunStats, error)
}

// Auditor records completed downloads without blocking.
type Auditor interface {
	Emit(rec *audit.Record)
}

// Config configures the handler.
type Config struct {
	// TrustProxy takes the client identity from X-Forwarded-For.
	TrustProxy bool
	// MaxBodyBytes bounds the request body (default 64 KiB).
	MaxBodyBytes int64
}

// Deps are the handler's collaborators. Limiter, Auditor, Logger, and
// Collector may be nil.
type Deps struct {
	Catalog    Catalog
	Authorizer Authorizer
	Runner     Runner
	Limiter    ratelimit.Limiter
	Auditor    Auditor
	Logger     *log.Logger
	Collector  *metrics.Collector
}

// Handler serves the download endpoint plus health and metrics.
type Handler struct {
	config Config
	deps   Deps
	now    func() time.Time
	mux    *http.ServeMux
}

// New creates a Handler.
func New(cfg Config, deps Deps) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.Authorizer == nil {
		deps.Authorizer = AllowAll{}
	}

	h := &Handler{config: cfg, deps: deps, now: time.Now}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+DownloadPath, h.handleDownload)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// rejection is a terminal client-facing error of a pre-streaming stage.
type rejection struct {
	stage  Stage
	status int
	msg    string
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	started := h.now()
	requestID := uuid.NewString()
	client := ClientIdentity(r, h.config.TrustProxy)
	logger := h.deps.Logger.With(map[string]any{
		"request_id": requestID,
		"client":     client,
	})
	w.Header().Set("X-Request-ID", requestID)

	reject := func(rej rejection) {
		h.deps.Collector.IncRejected(string(rej.stage))
		logger.Info("download rejected", map[string]any{
			"stage":  string(rej.stage),
			"status": rej.status,
			"reason": rej.msg,
		})
		h.writeError(w, rej.status, rej.msg)
	}

	// Validating
	bundleID, ids, err := decodeRequest(w, r, h.config.MaxBodyBytes)
	if err != nil {
		reject(rejection{StageValidating, http.StatusBadRequest, err.Error()})
		return
	}
	logger = logger.With(map[string]any{"bundle_id": bundleID})

	// RateLimiting
	if rej := h.rateLimit(r.Context(), w, client, logger); rej != nil {
		reject(*rej)
		return
	}

	// Authorizing
	principal, err := h.deps.Authorizer.Authenticate(r.Context(), r)
	if rej := authRejection(err, logger); rej != nil {
		reject(*rej)
		return
	}
	bundle, err := h.deps.Catalog.Bundle(r.Context(), bundleID)
	if errors.Is(err, catalog.ErrNotFound) {
		reject(rejection{StageAuthorizing, http.StatusNotFound, "bundle not found"})
		return
	}
	if err != nil {
		logger.Error("bundle lookup failed", map[string]any{"error": err.Error()})
		reject(rejection{StageAuthorizing, http.StatusInternalServerError, "internal error"})
		return
	}
	if rej := authRejection(h.deps.Authorizer.Authorize(r.Context(), principal, bundle), logger); rej != nil {
		reject(*rej)
		return
	}

	// Resolving
	refs, err := h.deps.Catalog.ReadyAssets(r.Context(), bundle.ID, ids)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		logger.Error("asset lookup failed", map[string]any{"error": err.Error()})
		reject(rejection{StageResolving, http.StatusInternalServerError, "internal error"})
		return
	}
	if len(refs) == 0 {
		reject(rejection{StageResolving, http.StatusNotFound, "no ready assets match the request"})
		return
	}

	// Streaming
	stats, err := h.stream(w, r, bundle, refs, logger)
	if err != nil {
		if r.Context().Err() == nil {
			// Headers are out; drop the connection so the client sees a
			// truncated body rather than a clean end of stream.
			panic(http.ErrAbortHandler)
		}
		return
	}

	// Closed
	if h.deps.Auditor != nil {
		h.deps.Auditor.Emit(audit.NewRecord(requestID, bundle, client, stats, started, h.now()))
	}
}

// authRejection maps an Authorizer error to a rejection, or nil to proceed.
func authRejection(err error, logger *log.Logger) *rejection {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrForbidden):
		return &rejection{StageAuthorizing, http.StatusForbidden, "forbidden"}
	default:
		logger.Error("authorization failed", map[string]any{"error": err.Error()})
		return &rejection{StageAuthorizing, http.StatusInternalServerError, "internal error"}
	}
}

// rateLimit applies the limiter and sets quota headers. Limiter errors fail
// open.
func (h *Handler) rateLimit(ctx context.Context, w http.ResponseWriter, client string, logger *log.Logger) *rejection {
	if h.deps.Limiter == nil {
		return nil
	}
	d, err := h.deps.Limiter.Allow(ctx, client)
	if err != nil {
		logger.Warn("rate limiter unavailable, allowing request", map[string]any{"error": err.Error()})
		return nil
	}

	hdr := w.Header()
	hdr.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	hdr.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	hdr.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if d.Allowed {
		return nil
	}

	h.deps.Collector.IncRateLimited()
	retry := d.RetryAfter(h.now())
	hdr.Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	return &rejection{StageRateLimiting, http.StatusTooManyRequests, "rate limit exceeded, retry later"}
}

// stream sends the success headers, flushes them, and runs the kit into the
// response. Transport backpressure applies through the blocking writes.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, bundle types.Bundle, refs []types.AssetRef, logger *log.Logger) (*types.RunStats, error) {
	hdr := w.Header()
	hdr.Set("Content-Type", "application/zip")
	hdr.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-marketing-kit.zip"`, Slug(bundle.Subject)))
	hdr.Set("Transfer-Encoding", "chunked")
	hdr.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Debug("flush failed", map[string]any{"error": err.Error()})
		}
	}
	flush()

	logger.Info("streaming kit", map[string]any{"stage": string(StageStreaming), "assets": len(refs)})
	stats, err := h.deps.Runner.Run(r.Context(), bundle, refs, w, flush)
	if err != nil {
		fields := map[string]any{"error": err.Error()}
		if stats != nil {
			fields["included"] = stats.SuccessCount
			fields["failed"] = len(stats.Failures)
			fields["bytes"] = stats.BytesWritten
		}
		if r.Context().Err() != nil {
			logger.Warn("client disconnected mid-stream", fields)
		} else {
			logger.Error("kit stream aborted", fields)
		}
		return stats, err
	}
	logger.Info("kit streamed", map[string]any{
		"stage":    string(StageClosed),
		"included": stats.SuccessCount,
		"failed":   len(stats.Failures),
		"bytes":    stats.BytesWritten,
	})
	return stats, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": types.Version})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Collector.Snapshot())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.deps.Logger.Error("failed to encode response", map[string]any{"error": err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
