package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process fixed-window limiter. Safe for concurrent use.
type Memory struct {
	config Config
	clk    func() time.Time

	mu       sync.Mutex
	windows  map[string]*window
	lastScan time.Time
}

type window struct {
	count int64
	reset time.Time
}

// NewMemory creates an in-process limiter. clk may be nil to use time.Now.
func NewMemory(cfg Config, clk func() time.Time) *Memory {
	if clk == nil {
		clk = time.Now
	}
	return &Memory{
		config:  cfg.withDefaults(),
		clk:     clk,
		windows: make(map[string]*window),
	}
}

// Allow counts one request for key. It never returns an error.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.clk()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)

	w := m.windows[key]
	if w == nil || !now.Before(w.reset) {
		w = &window{reset: now.Add(m.config.Window)}
		m.windows[key] = w
	}
	w.count++
	return decide(w.count, m.config.Limit, w.reset), nil
}

// sweep drops expired windows at most once per window length.
func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastScan) < m.config.Window {
		return
	}
	m.lastScan = now
	for k, w := range m.windows {
		if !now.Before(w.reset) {
			delete(m.windows, k)
		}
	}
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

var _ Limiter = (*Memory)(nil)
