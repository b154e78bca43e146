package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/kitpack/log"
	"github.com/pithecene-io/kitpack/metrics"
)

// DefaultPublishTimeout bounds one detached publish across all sinks.
const DefaultPublishTimeout = 15 * time.Second

// Dispatcher publishes records to every sink on a detached goroutine.
// Emit never blocks and never reports an error to its caller; sink errors
// are logged and counted.
type Dispatcher struct {
	sinks     []Sink
	timeout   time.Duration
	logger    *log.Logger
	collector *metrics.Collector

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sinks. timeout <= 0 uses
// DefaultPublishTimeout. logger and collector may be nil.
func NewDispatcher(timeout time.Duration, logger *log.Logger, collector *metrics.Collector, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		sinks:     sinks,
		timeout:   timeout,
		logger:    logger,
		collector: collector,
	}
}

// Emit publishes rec in the background. Records emitted after Close are
// dropped with a warning.
func (d *Dispatcher) Emit(rec *Record) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("audit record dropped after shutdown", map[string]any{
			"request_id": rec.RequestID,
		})
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		// Detached from the request: the response may already be closed.
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.publish(ctx, rec)
	}()
}

func (d *Dispatcher) publish(ctx context.Context, rec *Record) {
	for _, s := range d.sinks {
		if err := s.Publish(ctx, rec); err != nil {
			d.collector.IncAuditFailed()
			d.logger.Error("audit publish failed", map[string]any{
				"request_id": rec.RequestID,
				"bundle_id":  rec.BundleID,
				"error":      err.Error(),
			})
			continue
		}
		d.collector.IncAuditPublished()
	}
}

// Close stops accepting records, waits for in-flight publishes until ctx is
// done, then closes every sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
