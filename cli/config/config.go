// Package config handles YAML config file loading for kitpack.
package config

import (
	"errors"
	"fmt"
	"time"
)

// maxFetchRetries mirrors fetch.MaxRetriesLimit.
const maxFetchRetries = 10

// Config is the top-level kitpack config file. Every section is optional;
// Default supplies the baseline and the file overrides it field by field.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Storage   StorageConfig   `yaml:"storage"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	TrustProxy      bool     `yaml:"trust_proxy"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// CatalogConfig locates the bundle catalog.
type CatalogConfig struct {
	// Backend is sqlite or memory.
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// Seed is an optional YAML snapshot imported on startup.
	Seed string `yaml:"seed"`
}

// StorageConfig holds object-storage settings used to sign asset locators.
// An empty bucket disables signing: only direct URLs resolve.
type StorageConfig struct {
	Bucket         string   `yaml:"bucket"`
	Region         string   `yaml:"region"`
	Endpoint       string   `yaml:"endpoint"`
	S3PathStyle    bool     `yaml:"s3_path_style"`
	URLTTL         Duration `yaml:"url_ttl"`
	PublicBaseURLs []string `yaml:"public_base_urls"`
}

// FetchConfig holds per-asset fetch settings.
type FetchConfig struct {
	Timeout       Duration `yaml:"timeout"`
	MaxRetries    *int     `yaml:"max_retries,omitempty"`
	BaseBackoff   Duration `yaml:"base_backoff"`
	MaxAssetBytes int64    `yaml:"max_asset_bytes"`
	Parallel      int      `yaml:"parallel"`
}

// ArchiveConfig holds archive settings.
type ArchiveConfig struct {
	Level int `yaml:"level"`
}

// AuthConfig selects the bundle authorizer.
type AuthConfig struct {
	// Mode is session or none.
	Mode   string `yaml:"mode"`
	Cookie string `yaml:"cookie"`
}

// RateLimitConfig selects and sizes the per-client limiter.
type RateLimitConfig struct {
	// Backend is memory, redis, or none.
	Backend   string   `yaml:"backend"`
	Limit     int      `yaml:"limit"`
	Window    Duration `yaml:"window"`
	URL       string   `yaml:"url"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// AuditConfig lists audit sinks. No sinks means audit records are dropped.
type AuditConfig struct {
	Timeout Duration     `yaml:"timeout"`
	Sinks   []SinkConfig `yaml:"sinks"`
}

// SinkConfig is one audit sink. Fields apply per type:
// webhook (url, headers, timeout, retries), redis (url, channel, codec,
// timeout, retries), lode (backend, path, bucket, prefix, region, endpoint,
// s3_path_style, dataset), log (none).
type SinkConfig struct {
	Type     string            `yaml:"type"`
	URL      string            `yaml:"url,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Channel  string            `yaml:"channel,omitempty"`
	Codec    string            `yaml:"codec,omitempty"`
	Timeout  Duration          `yaml:"timeout,omitempty"`
	Retries  *int              `yaml:"retries,omitempty"`
	Backend  string            `yaml:"backend,omitempty"`
	Path     string            `yaml:"path,omitempty"`
	Bucket   string            `yaml:"bucket,omitempty"`
	Prefix   string            `yaml:"prefix,omitempty"`
	Region   string            `yaml:"region,omitempty"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	S3Path   bool              `yaml:"s3_path_style,omitempty"`
	Dataset  string            `yaml:"dataset,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxBodyBytes:    64 << 10,
			ShutdownTimeout: Duration{60 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Catalog: CatalogConfig{
			Backend: "sqlite",
			Path:    "kitpack.db",
		},
		Storage: StorageConfig{
			URLTTL: Duration{5 * time.Minute},
		},
		Fetch: FetchConfig{
			Timeout:       Duration{30 * time.Second},
			BaseBackoff:   Duration{time.Second},
			MaxAssetBytes: 256 << 20,
			Parallel:      5,
		},
		Archive: ArchiveConfig{Level: 5},
		Auth: AuthConfig{
			Mode:   "session",
			Cookie: "kitpack_session",
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Limit:   10,
			Window:  Duration{time.Minute},
		},
		Audit: AuditConfig{
			Timeout: Duration{15 * time.Second},
		},
	}
}

// Validate checks enumerations and bounds. It does not open connections.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be >= 0, got %d", c.Server.MaxBodyBytes))
	}

	switch c.Catalog.Backend {
	case "sqlite":
		if c.Catalog.Path == "" {
			errs = append(errs, errors.New("catalog.path is required for the sqlite backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("catalog.backend must be sqlite or memory, got %q", c.Catalog.Backend))
	}

	if c.Fetch.Parallel < 1 {
		errs = append(errs, fmt.Errorf("fetch.parallel must be >= 1, got %d", c.Fetch.Parallel))
	}
	if r := c.Fetch.MaxRetries; r != nil && (*r < 0 || *r > maxFetchRetries) {
		errs = append(errs, fmt.Errorf("fetch.max_retries must be 0..%d, got %d", maxFetchRetries, *r))
	}
	if c.Archive.Level < 1 || c.Archive.Level > 9 {
		errs = append(errs, fmt.Errorf("archive.level must be 1..9, got %d", c.Archive.Level))
	}

	switch c.Auth.Mode {
	case "session", "none":
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be session or none, got %q", c.Auth.Mode))
	}

	switch c.RateLimit.Backend {
	case "none":
	case "redis":
		if c.RateLimit.URL == "" {
			errs = append(errs, errors.New("rate_limit.url is required for the redis backend"))
		}
		fallthrough
	case "memory":
		if c.RateLimit.Limit < 1 {
			errs = append(errs, fmt.Errorf("rate_limit.limit must be >= 1, got %d", c.RateLimit.Limit))
		}
		if c.RateLimit.Window.Duration < time.Second {
			errs = append(errs, fmt.Errorf("rate_limit.window must be >= 1s, got %s", c.RateLimit.Window.Duration))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be memory, redis, or none, got %q", c.RateLimit.Backend))
	}

	for i, s := range c.Audit.Sinks {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("audit.sinks[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (s *SinkConfig) validate() error {
	if s.Retries != nil && *s.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", *s.Retries)
	}
	switch s.Type {
	case "log":
	case "webhook":
		if s.URL == "" {
			return errors.New("webhook sink requires url")
		}
	case "redis":
		if s.URL == "" {
			return errors.New("redis sink requires url")
		}
		switch s.Codec {
		case "", "json", "msgpack":
		default:
			return fmt.Errorf("redis codec must be json or msgpack, got %q", s.Codec)
		}
	case "lode":
		switch s.Backend {
		case "", "fs":
			if s.Path == "" {
				return errors.New("lode fs sink requires path")
			}
		case "s3":
			if s.Bucket == "" {
				return errors.New("lode s3 sink requires bucket")
			}
		default:
			return fmt.Errorf("lode backend must be fs or s3, got %q", s.Backend)
		}
	default:
		return fmt.Errorf("unknown sink type %q (must be log, webhook, redis, or lode)", s.Type)
	}
	return nil
}
