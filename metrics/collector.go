// Package metrics provides process-wide counters for the archival service.
//
// The Collector is shared by every request handled by one server. It is a
// leaf package with no internal dependencies; callers pass plain strings.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted   int64 `json:"runs_started"`
	RunsCompleted int64 `json:"runs_completed"`
	RunsAborted   int64 `json:"runs_aborted"`

	// Gateway
	RequestsRejected map[string]int64 `json:"requests_rejected"`
	RateLimited      int64            `json:"rate_limited"`

	// Fetcher
	FetchAttempts int64 `json:"fetch_attempts"`
	FetchRetries  int64 `json:"fetch_retries"`
	AssetsFetched int64 `json:"assets_fetched"`
	AssetsFailed  int64 `json:"assets_failed"`

	// Scheduler
	InFlight     int64 `json:"in_flight"`
	PeakInFlight int64 `json:"peak_in_flight"`

	// Archive
	BytesStreamed int64 `json:"bytes_streamed"`

	// Audit
	AuditPublished int64 `json:"audit_published"`
	AuditFailed    int64 `json:"audit_failed"`
}

// Collector accumulates counters across runs.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	runsStarted   int64
	runsCompleted int64
	runsAborted   int64

	rejected    map[string]int64
	rateLimited int64

	fetchAttempts int64
	fetchRetries  int64
	assetsFetched int64
	assetsFailed  int64

	inFlight     int64
	peakInFlight int64

	bytesStreamed int64

	auditPublished int64
	auditFailed    int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{rejected: make(map[string]int64)}
}

// --- Run lifecycle ---

// IncRunStarted records a run entering the streaming stage.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsStarted++
	c.mu.Unlock()
}

// IncRunCompleted records a finalized archive.
func (c *Collector) IncRunCompleted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsCompleted++
	c.mu.Unlock()
}

// IncRunAborted records a run torn down before finalize (disconnect or write error).
func (c *Collector) IncRunAborted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsAborted++
	c.mu.Unlock()
}

// --- Gateway ---

// IncRejected records a request rejected at the named stage.
func (c *Collector) IncRejected(stage string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rejected[stage]++
	c.mu.Unlock()
}

// IncRateLimited records a request denied by the rate limiter.
func (c *Collector) IncRateLimited() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// --- Fetcher ---

// IncFetchAttempt records one HTTP attempt; retry marks attempts after the first.
func (c *Collector) IncFetchAttempt(retry bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.fetchAttempts++
	if retry {
		c.fetchRetries++
	}
	c.mu.Unlock()
}

// IncAssetFetched records a successful terminal outcome.
func (c *Collector) IncAssetFetched() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.assetsFetched++
	c.mu.Unlock()
}

// IncAssetFailed records a failed terminal outcome.
func (c *Collector) IncAssetFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.assetsFailed++
	c.mu.Unlock()
}

// --- Scheduler ---

// FetchStarted increments the in-flight gauge and tracks its peak.
func (c *Collector) FetchStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.peakInFlight {
		c.peakInFlight = c.inFlight
	}
	c.mu.Unlock()
}

// FetchFinished decrements the in-flight gauge.
func (c *Collector) FetchFinished() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}

// --- Archive ---

// AddBytesStreamed records compressed bytes written to a client.
func (c *Collector) AddBytesStreamed(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bytesStreamed += n
	c.mu.Unlock()
}

// --- Audit ---

// IncAuditPublished records a delivered audit record.
func (c *Collector) IncAuditPublished() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.auditPublished++
	c.mu.Unlock()
}

// IncAuditFailed records an audit record that could not be delivered.
func (c *Collector) IncAuditFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.auditFailed++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{RequestsRejected: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rejected := make(map[string]int64, len(c.rejected))
	for k, v := range c.rejected {
		rejected[k] = v
	}

	return Snapshot{
		RunsStarted:      c.runsStarted,
		RunsCompleted:    c.runsCompleted,
		RunsAborted:      c.runsAborted,
		RequestsRejected: rejected,
		RateLimited:      c.rateLimited,
		FetchAttempts:    c.fetchAttempts,
		FetchRetries:     c.fetchRetries,
		AssetsFetched:    c.assetsFetched,
		AssetsFailed:     c.assetsFailed,
		InFlight:         c.inFlight,
		PeakInFlight:     c.peakInFlight,
		BytesStreamed:    c.bytesStreamed,
		AuditPublished:   c.auditPublished,
		AuditFailed:      c.auditFailed,
	}
}
