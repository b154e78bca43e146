package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/kitpack/metrics"
	"github.com/pithecene-io/kitpack/types"
)

func makeRefs(n int) []types.AssetRef {
	refs := make([]types.AssetRef, n)
	for i := range refs {
		refs[i] = types.AssetRef{ID: fmt.Sprintf("a%d", i+1), DisplayName: fmt.Sprintf("Asset %d", i+1)}
	}
	return refs
}

// runCollect runs the scheduler and collects every outcome.
func runCollect(t *testing.T, ctx context.Context, s *Scheduler, refs []types.AssetRef) ([]types.FetchOutcome, error) {
	t.Helper()
	out := make(chan types.FetchOutcome)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx, refs, out)
		close(out)
	}()

	var outcomes []types.FetchOutcome
	for o := range out {
		outcomes = append(outcomes, o)
	}
	return outcomes, <-errc
}

func TestRun_ConcurrencyCeiling(t *testing.T) {
	for _, parallel := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("parallel=%d", parallel), func(t *testing.T) {
			var current, peak atomic.Int64
			fetch := func(_ context.Context, ref types.AssetRef) types.FetchOutcome {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return types.FetchOutcome{Asset: ref, Data: []byte("x")}
			}

			collector := metrics.NewCollector()
			s := New(parallel, fetch, collector)
			outcomes, err := runCollect(t, t.Context(), s, makeRefs(4*parallel+3))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(outcomes) != 4*parallel+3 {
				t.Fatalf("expected %d outcomes, got %d", 4*parallel+3, len(outcomes))
			}
			if peak.Load() > int64(parallel) {
				t.Errorf("observed %d concurrent fetches, ceiling is %d", peak.Load(), parallel)
			}
			if got := collector.Snapshot().PeakInFlight; got > int64(parallel) {
				t.Errorf("collector peak %d exceeds ceiling %d", got, parallel)
			}
			if got := collector.Snapshot().InFlight; got != 0 {
				t.Errorf("expected in-flight gauge to return to 0, got %d", got)
			}
		})
	}
}

func TestRun_Completeness(t *testing.T) {
	refs := makeRefs(37)

	var mu sync.Mutex
	calls := map[string]int{}
	fetch := func(_ context.Context, ref types.AssetRef) types.FetchOutcome {
		mu.Lock()
		calls[ref.ID]++
		mu.Unlock()
		if len(ref.ID)%2 == 0 {
			return types.FetchOutcome{Asset: ref, Error: "boom"}
		}
		return types.FetchOutcome{Asset: ref, Data: []byte(ref.ID)}
	}

	outcomes, err := runCollect(t, t.Context(), New(5, fetch, nil), refs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != len(refs) {
		t.Fatalf("expected %d outcomes, got %d", len(refs), len(outcomes))
	}

	seen := map[string]int{}
	for _, o := range outcomes {
		seen[o.Asset.ID]++
	}
	for _, ref := range refs {
		if seen[ref.ID] != 1 {
			t.Errorf("asset %s produced %d outcomes, want exactly 1", ref.ID, seen[ref.ID])
		}
		if calls[ref.ID] != 1 {
			t.Errorf("asset %s fetched %d times, want 1", ref.ID, calls[ref.ID])
		}
	}
}

// A slow item must not hold back the rest of the queue.
func TestRun_BoundedNotBatched(t *testing.T) {
	release := make(chan struct{})
	fetch := func(ctx context.Context, ref types.AssetRef) types.FetchOutcome {
		if ref.ID == "a1" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return types.FetchOutcome{Asset: ref, Data: []byte{}}
	}

	refs := makeRefs(10)
	out := make(chan types.FetchOutcome)
	errc := make(chan error, 1)
	s := New(2, fetch, nil)
	go func() { errc <- s.Run(t.Context(), refs, out) }()

	// With a batched pool the second batch would wait for a1 forever.
	for i := 0; i < len(refs)-1; i++ {
		select {
		case o := <-out:
			if o.Asset.ID == "a1" {
				t.Fatal("slow asset finished before release")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d fast outcomes arrived while slow fetch was in flight", i)
		}
	}
	close(release)
	if o := <-out; o.Asset.ID != "a1" {
		t.Errorf("expected a1 last, got %s", o.Asset.ID)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_CancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var started atomic.Int32
	fetch := func(ctx context.Context, ref types.AssetRef) types.FetchOutcome {
		if started.Add(1) == 2 {
			cancel()
		}
		<-ctx.Done()
		return types.FetchOutcome{Asset: ref, Error: ctx.Err().Error()}
	}

	out := make(chan types.FetchOutcome)
	done := make(chan error, 1)
	go func() { done <- New(2, fetch, nil).Run(ctx, makeRefs(20), out) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := started.Load(); got != 2 {
		t.Errorf("expected exactly 2 fetches to start, got %d", got)
	}
}

func TestRun_BlockedConsumerStallsFetches(t *testing.T) {
	var started atomic.Int32
	fetch := func(_ context.Context, ref types.AssetRef) types.FetchOutcome {
		started.Add(1)
		return types.FetchOutcome{Asset: ref, Data: []byte{}}
	}

	ctx, cancel := context.WithCancel(t.Context())
	out := make(chan types.FetchOutcome) // never read
	done := make(chan error, 1)
	go func() { done <- New(3, fetch, nil).Run(ctx, makeRefs(10), out) }()

	time.Sleep(50 * time.Millisecond)
	if got := started.Load(); got != 3 {
		t.Errorf("expected fetching to stall at the ceiling (3), got %d", got)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRun_EmptyQueue(t *testing.T) {
	s := New(0, func(context.Context, types.AssetRef) types.FetchOutcome {
		t.Fatal("fetch must not be called")
		return types.FetchOutcome{}
	}, nil)
	if s.Parallel() != DefaultParallel {
		t.Errorf("Parallel = %d, want %d", s.Parallel(), DefaultParallel)
	}
	if err := s.Run(t.Context(), nil, make(chan types.FetchOutcome)); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
