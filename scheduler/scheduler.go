// Package scheduler runs fetches under a fixed parallelism ceiling.
//
// A single coordinator walks the queue and acquires a slot per item; each
// worker holds its slot until its outcome has been handed to the consumer,
// then the next queued item starts. The pool stays saturated until the queue
// is empty (bounded, not batched), and a slow consumer stalls new fetches.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/kitpack/metrics"
	"github.com/pithecene-io/kitpack/types"
)

// DefaultParallel is the default concurrent fetch ceiling.
const DefaultParallel = 5

// FetchFunc fetches one asset and always returns a terminal outcome.
type FetchFunc func(ctx context.Context, ref types.AssetRef) types.FetchOutcome

// Scheduler drains a queue of assets through a bounded worker pool.
type Scheduler struct {
	parallel  int
	fetch     FetchFunc
	collector *metrics.Collector
}

// New creates a Scheduler. parallel <= 0 uses DefaultParallel.
// collector may be nil.
func New(parallel int, fetch FetchFunc, collector *metrics.Collector) *Scheduler {
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	return &Scheduler{
		parallel:  parallel,
		fetch:     fetch,
		collector: collector,
	}
}

// Parallel returns the concurrency ceiling.
func (s *Scheduler) Parallel() int { return s.parallel }

// Run fetches every ref and sends each outcome to out, in completion order.
//
// Run returns nil exactly when the queue is empty, no fetch is in flight, and
// every outcome was delivered. On cancellation it stops dispatching, waits for
// in-flight workers to observe ctx, and returns ctx.Err(). Run never closes out.
func (s *Scheduler) Run(ctx context.Context, refs []types.AssetRef, out chan<- types.FetchOutcome) error {
	var g errgroup.Group
	g.SetLimit(s.parallel)
	var delivered atomic.Int64

	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		// Go blocks while the pool is full. A slot freed by cancellation
		// must not start a fetch.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			s.collector.FetchStarted()
			outcome := s.fetch(ctx, ref)
			s.collector.FetchFinished()

			select {
			case out <- outcome:
				delivered.Add(1)
			case <-ctx.Done():
			}
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := delivered.Load(); n != int64(len(refs)) {
		return fmt.Errorf("scheduler delivered %d of %d outcomes", n, len(refs))
	}
	return nil
}
