// Package pack runs one kit build: it drains the scheduler's outcomes into a
// streaming archive and appends the manifest and failure report last.
//
// Fetch workers push outcomes into a bounded channel; a single consumer owns
// the archive writer and the run bookkeeping. The archive is finalized only
// when every asset produced exactly one outcome. Any other exit aborts the
// writer so that no well-formed but incomplete archive is emitted.
package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/pithecene-io/kitpack/archive"
	"github.com/pithecene-io/kitpack/log"
	"github.com/pithecene-io/kitpack/metrics"
	"github.com/pithecene-io/kitpack/report"
	"github.com/pithecene-io/kitpack/scheduler"
	"github.com/pithecene-io/kitpack/types"
)

// ErrIncomplete is returned when the scheduler finished without delivering
// an outcome for every asset.
var ErrIncomplete = errors.New("run incomplete")

// Pipeline builds kits. Safe for concurrent use; each Run owns its writer.
type Pipeline struct {
	scheduler *scheduler.Scheduler
	level     int
	logger    *log.Logger
	collector *metrics.Collector
	now       func() time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLevel sets the archive compression level.
func WithLevel(level int) Option {
	return func(p *Pipeline) { p.level = level }
}

// WithLogger sets the run logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithCollector records run counters.
func WithCollector(c *metrics.Collector) Option {
	return func(p *Pipeline) { p.collector = c }
}

// WithClock sets the time source for entry timestamps and the manifest.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline over s.
func New(s *scheduler.Scheduler, opts ...Option) *Pipeline {
	p := &Pipeline{
		scheduler: s,
		level:     archive.DefaultLevel,
		logger:    log.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run fetches refs and streams the kit archive for bundle to w. flush, when
// non-nil, is called after every entry.
//
// The returned stats are valid even on error and describe what was written
// before the run stopped.
func (p *Pipeline) Run(ctx context.Context, bundle types.Bundle, refs []types.AssetRef, w io.Writer, flush func()) (*types.RunStats, error) {
	stats := &types.RunStats{Requested: len(refs)}

	opts := []archive.Option{archive.WithLevel(p.level), archive.WithClock(p.now)}
	if flush != nil {
		opts = append(opts, archive.WithFlush(flush))
	}
	aw, err := archive.NewWriter(w, opts...)
	if err != nil {
		return stats, err
	}

	p.collector.IncRunStarted()
	logger := p.logger.With(map[string]any{"bundle_id": bundle.ID})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan types.FetchOutcome, p.scheduler.Parallel())
	done := make(chan error, 1)
	go func() {
		done <- p.scheduler.Run(runCtx, refs, out)
	}()

	abort := func(cause error) (*types.RunStats, error) {
		cancel()
		if done != nil {
			<-done
		}
		aw.Abort()
		stats.BytesWritten = aw.BytesWritten()
		p.collector.AddBytesStreamed(stats.BytesWritten)
		p.collector.IncRunAborted()
		logger.Warn("kit run aborted", map[string]any{
			"included": stats.SuccessCount,
			"failed":   len(stats.Failures),
			"pending":  len(refs) - stats.Total(),
			"error":    cause.Error(),
		})
		return stats, cause
	}

	for stats.Total() < len(refs) {
		select {
		case outcome := <-out:
			if err := p.write(aw, outcome, stats); err != nil {
				return abort(err)
			}
			stats.BytesWritten = aw.BytesWritten()
		case err := <-done:
			done = nil
			if err != nil {
				if ctx.Err() == nil {
					err = fmt.Errorf("%w: %w", ErrIncomplete, err)
				}
				return abort(err)
			}
		}
	}
	if done != nil {
		if err := <-done; err != nil {
			done = nil
			return abort(err)
		}
		done = nil
	}
	if err := ctx.Err(); err != nil {
		return abort(err)
	}
	if stats.Total() != len(refs) {
		return abort(fmt.Errorf("%w: %d of %d outcomes", ErrIncomplete, stats.Total(), len(refs)))
	}

	manifest := report.Manifest(bundle.Subject, stats, p.now())
	if err := aw.Append(manifest.Path, manifest.Payload); err != nil {
		return abort(err)
	}
	if failures, ok := report.FailureReport(stats); ok {
		if err := aw.Append(failures.Path, failures.Payload); err != nil {
			return abort(err)
		}
	}
	if err := aw.Finalize(); err != nil {
		return abort(err)
	}

	stats.BytesWritten = aw.BytesWritten()
	p.collector.AddBytesStreamed(stats.BytesWritten)
	p.collector.IncRunCompleted()
	logger.Info("kit run completed", map[string]any{
		"included": stats.SuccessCount,
		"failed":   len(stats.Failures),
		"bytes":    stats.BytesWritten,
	})
	return stats, nil
}

// write appends one outcome. Failed fetches only update the bookkeeping;
// the payload is released once written.
func (p *Pipeline) write(aw *archive.Writer, outcome types.FetchOutcome, stats *types.RunStats) error {
	if !outcome.OK() {
		stats.RecordFailure(outcome.Asset, outcome.Error)
		return nil
	}

	name := uniqueName(aw, report.EntryPath(outcome.Asset, outcome.Filename))
	if err := aw.Append(name, outcome.Data); err != nil {
		return fmt.Errorf("append %s: %w", outcome.Asset.ID, err)
	}
	stats.RecordSuccess(outcome.Asset, name)
	return nil
}

// uniqueName returns name, or "base (N).ext" for the first N >= 2 that is
// not yet in the archive.
func uniqueName(aw *archive.Writer, name string) string {
	if !aw.Has(name) && !reserved(name) {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !aw.Has(candidate) && !reserved(candidate) {
			return candidate
		}
	}
}

// reserved reports whether name collides with a report entry.
func reserved(name string) bool {
	return name == report.ManifestName || name == report.FailureReportName
}
