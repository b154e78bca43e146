// Package archive builds a ZIP archive incrementally on top of an io.Writer.
//
// Each appended entry is compressed, sync-flushed, and pushed to the
// underlying writer before Append returns, so memory use is bounded by the
// largest single entry rather than the archive size.
package archive

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/pithecene-io/kitpack/iox"
)

// DefaultLevel is the deflate level: a medium setting that trades ratio for
// CPU under concurrent load.
const DefaultLevel = 5

var (
	// ErrFinalized is returned by any call after Finalize.
	ErrFinalized = errors.New("archive already finalized")
	// ErrAborted is returned by any call after Abort.
	ErrAborted = errors.New("archive aborted")
	// ErrFailed is returned by any call after a write error.
	ErrFailed = errors.New("archive failed")
	// ErrDuplicateEntry is returned when a path was already appended.
	ErrDuplicateEntry = errors.New("duplicate archive entry")
	// ErrInvalidPath is returned for empty, absolute, or escaping entry paths.
	ErrInvalidPath = errors.New("invalid archive entry path")
)

// storedExtensions are formats that are already compressed; deflating them
// again costs CPU for no gain.
var storedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".mp4": true, ".mov": true, ".m4v": true, ".zip": true, ".gz": true,
}

type state int

const (
	stateOpen state = iota
	stateFinalized
	stateAborted
	stateFailed
)

// Writer is a streaming ZIP builder. Not safe for concurrent use; a single
// consumer owns it.
type Writer struct {
	zw      *zip.Writer
	out     *iox.CountingWriter
	level   int
	flush   func()
	now     func() time.Time
	current *flate.Writer

	paths   map[string]struct{}
	entries int
	state   state
	err     error
}

// Option customizes a Writer.
type Option func(*Writer)

// WithLevel sets the deflate level (1..9).
func WithLevel(level int) Option {
	return func(w *Writer) { w.level = level }
}

// WithFlush sets a hook called after each entry and on finalize, e.g. an
// http.Flusher's Flush.
func WithFlush(fn func()) Option {
	return func(w *Writer) { w.flush = fn }
}

// WithClock sets the entry modification time source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a Writer emitting to out.
func NewWriter(out io.Writer, opts ...Option) (*Writer, error) {
	w := &Writer{
		out:   iox.NewCountingWriter(out),
		level: DefaultLevel,
		flush: func() {},
		now:   time.Now,
		paths: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.level < flate.BestSpeed || w.level > flate.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d (must be %d..%d)", w.level, flate.BestSpeed, flate.BestCompression)
	}

	w.zw = zip.NewWriter(w.out)
	w.zw.RegisterCompressor(zip.Deflate, func(dst io.Writer) (io.WriteCloser, error) {
		fw, err := flate.NewWriter(dst, w.level)
		if err != nil {
			return nil, err
		}
		w.current = fw
		return fw, nil
	})
	return w, nil
}

// Append writes one entry and pushes its bytes downstream.
func (w *Writer) Append(name string, payload []byte) error {
	if err := w.usable(); err != nil {
		return err
	}
	name, err := cleanPath(name)
	if err != nil {
		return err
	}
	if _, dup := w.paths[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}

	method := zip.Deflate
	if storedExtensions[strings.ToLower(path.Ext(name))] {
		method = zip.Store
	}

	w.current = nil
	fw, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: w.now(),
	})
	if err != nil {
		return w.fail(name, err)
	}
	if _, err := fw.Write(payload); err != nil {
		return w.fail(name, err)
	}
	if w.current != nil {
		if err := w.current.Flush(); err != nil {
			return w.fail(name, err)
		}
	}
	if err := w.zw.Flush(); err != nil {
		return w.fail(name, err)
	}
	w.flush()

	w.paths[name] = struct{}{}
	w.entries++
	return nil
}

// AppendText writes a UTF-8 text entry.
func (w *Writer) AppendText(name, text string) error {
	return w.Append(name, []byte(text))
}

// Finalize writes the central directory. It must be called exactly once,
// after every entry has been appended.
func (w *Writer) Finalize() error {
	if err := w.usable(); err != nil {
		return err
	}
	if err := w.zw.Close(); err != nil {
		return w.fail("central directory", err)
	}
	w.flush()
	w.state = stateFinalized
	return nil
}

// Abort releases the writer without finalizing. The emitted bytes do not
// form a valid archive. Safe to call more than once and after failures.
func (w *Writer) Abort() {
	if w.state == stateOpen {
		w.state = stateAborted
	}
}

// BytesWritten returns the compressed bytes emitted so far.
func (w *Writer) BytesWritten() int64 { return w.out.Count() }

// Entries returns the number of entries appended.
func (w *Writer) Entries() int { return w.entries }

// Has reports whether name was already appended.
func (w *Writer) Has(name string) bool {
	_, ok := w.paths[name]
	return ok
}

func (w *Writer) usable() error {
	switch w.state {
	case stateFinalized:
		return ErrFinalized
	case stateAborted:
		return ErrAborted
	case stateFailed:
		return fmt.Errorf("%w: %w", ErrFailed, w.err)
	}
	return nil
}

func (w *Writer) fail(name string, err error) error {
	w.state = stateFailed
	w.err = fmt.Errorf("write %s: %w", name, err)
	return w.err
}

func cleanPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return cleaned, nil
}
