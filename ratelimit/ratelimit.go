// Package ratelimit limits download requests per caller with a fixed window.
//
// Limiters are injected into the gateway; two implementations exist: an
// in-process Memory limiter and a Redis limiter shared across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Defaults for Config fields left zero.
const (
	DefaultLimit  = 10
	DefaultWindow = time.Minute
)

// Config configures a fixed-window limiter.
type Config struct {
	// Limit is the number of requests allowed per window (default 10).
	Limit int
	// Window is the window length (default 1m).
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Decision is the result of one Allow call.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Limit is the window quota.
	Limit int
	// Remaining is the quota left in the current window (never negative).
	Remaining int
	// Reset is when the current window ends.
	Reset time.Time
}

// RetryAfter returns the wait until Reset, rounded up to whole seconds and at
// least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.Reset.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

// Limiter decides whether a request keyed by caller identity may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// decide builds a Decision from the post-increment window count.
func decide(count int64, limit int, reset time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
}

// Validate checks the config after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Window < time.Second {
		return fmt.Errorf("rate limit window must be at least 1s, got %s", c.Window)
	}
	return nil
}
