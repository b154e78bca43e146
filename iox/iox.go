// Package iox provides I/O helpers for resource cleanup and streaming output.
package iox

import (
	"io"
	"sync/atomic"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(resp.Body)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(store))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
func DiscardErr(fn func() error) { _ = fn() }

// CountingWriter wraps an io.Writer and counts bytes written.
// Count is safe to read from other goroutines.
type CountingWriter struct {
	w io.Writer
	n atomic.Int64
}

// NewCountingWriter wraps w.
func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

// Write implements io.Writer.
func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the number of bytes written so far.
func (c *CountingWriter) Count() int64 { return c.n.Load() }
