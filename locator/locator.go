// Package locator resolves asset locators into short-lived fetchable URLs.
//
// A locator is either an object-storage key or a direct URL. Keys are always
// signed; URLs are signed opportunistically when they point into the
// configured bucket, and fall back to the original URL on any failure.
package locator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pithecene-io/kitpack/log"
	"github.com/pithecene-io/kitpack/types"
)

// DefaultTTL is the lifetime of minted URLs.
const DefaultTTL = 5 * time.Minute

// ErrNoSigner is returned when a storage key must be signed but no signer is configured.
var ErrNoSigner = errors.New("no signer configured")

// Signer mints a time-limited GET URL for an object-storage key.
type Signer interface {
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config configures URL resolution.
type Config struct {
	// TTL is the signed URL lifetime (default 5m).
	TTL time.Duration
	// Bucket is the storage bucket; used to recognize virtual-hosted and
	// path-style URLs that can be re-signed.
	Bucket string
	// PublicBaseURLs are URL prefixes (e.g. a CDN origin) whose remainder is a storage key.
	PublicBaseURLs []string
}

// Locator implements Resolve on top of a Signer.
type Locator struct {
	signer Signer
	config Config
	logger *log.Logger
}

// New creates a Locator. signer may be nil, in which case only direct URLs resolve.
func New(signer Signer, cfg Config, logger *log.Logger) *Locator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Locator{signer: signer, config: cfg, logger: logger}
}

// Resolve returns a fetchable URL for locator.
// Signing errors for direct URLs are swallowed; for storage keys they are returned.
func (l *Locator) Resolve(ctx context.Context, locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return "", errors.New("empty locator")
	}

	if !types.IsURLLocator(locator) {
		if l.signer == nil {
			return "", fmt.Errorf("sign %q: %w", locator, ErrNoSigner)
		}
		signed, err := l.signer.Sign(ctx, strings.TrimPrefix(locator, "/"), l.config.TTL)
		if err != nil {
			return "", fmt.Errorf("sign %q: %w", locator, err)
		}
		return signed, nil
	}

	if l.signer == nil {
		return locator, nil
	}
	key, ok := l.keyForURL(locator)
	if !ok {
		return locator, nil
	}
	signed, err := l.signer.Sign(ctx, key, l.config.TTL)
	if err != nil {
		l.logger.Debug("signing direct url failed, using original", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
		return locator, nil
	}
	return signed, nil
}

// keyForURL derives a storage key from a URL that points into the bucket.
func (l *Locator) keyForURL(raw string) (string, bool) {
	for _, base := range l.config.PublicBaseURLs {
		base = strings.TrimSuffix(base, "/") + "/"
		if strings.HasPrefix(raw, base) {
			key := strings.TrimPrefix(raw, base)
			if i := strings.IndexAny(key, "?#"); i >= 0 {
				key = key[:i]
			}
			return unescapeKey(key)
		}
	}

	if l.config.Bucket == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	path := strings.TrimPrefix(u.Path, "/")

	// Virtual-hosted style: <bucket>.s3.<region>.amazonaws.com/<key>
	if strings.HasPrefix(u.Hostname(), l.config.Bucket+".") {
		return nonEmpty(path)
	}
	// Path style: <endpoint>/<bucket>/<key>
	if rest, found := strings.CutPrefix(path, l.config.Bucket+"/"); found {
		return nonEmpty(rest)
	}
	return "", false
}

func unescapeKey(key string) (string, bool) {
	unescaped, err := url.PathUnescape(key)
	if err != nil {
		return "", false
	}
	return nonEmpty(unescaped)
}

func nonEmpty(s string) (string, bool) {
	return s, s != ""
}
