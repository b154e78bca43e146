package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/kitpack/audit"
	auditlode "github.com/pithecene-io/kitpack/audit/lode"
	auditredis "github.com/pithecene-io/kitpack/audit/redis"
	"github.com/pithecene-io/kitpack/audit/webhook"
	"github.com/pithecene-io/kitpack/catalog"
	"github.com/pithecene-io/kitpack/cli/config"
	"github.com/pithecene-io/kitpack/fetch"
	"github.com/pithecene-io/kitpack/locator"
	"github.com/pithecene-io/kitpack/log"
	"github.com/pithecene-io/kitpack/metrics"
	"github.com/pithecene-io/kitpack/pack"
	"github.com/pithecene-io/kitpack/ratelimit"
	"github.com/pithecene-io/kitpack/scheduler"
)

// service is the object graph shared by serve and pack.
type service struct {
	cfg       *config.Config
	logger    *log.Logger
	collector *metrics.Collector
	catalog   catalog.Store
	pipeline  *pack.Pipeline
	closers   []func() error
}

// newService opens the catalog and builds the fetch pipeline.
func newService(ctx context.Context, cfg *config.Config) (*service, error) {
	logger, err := log.NewLogger(log.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	s := &service{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(),
	}
	s.closers = append(s.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	store, err := openCatalog(ctx, cfg.Catalog, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.catalog = store
	s.closers = append(s.closers, store.Close)

	resolver, err := newLocator(ctx, cfg.Storage, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	fetcher := fetch.New(resolver, fetchConfig(cfg.Fetch),
		fetch.WithLogger(logger),
		fetch.WithCollector(s.collector),
	)
	sched := scheduler.New(cfg.Fetch.Parallel, fetcher.Fetch, s.collector)
	s.pipeline = pack.New(sched,
		pack.WithLevel(cfg.Archive.Level),
		pack.WithLogger(logger),
		pack.WithCollector(s.collector),
	)
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openCatalog(ctx context.Context, cfg config.CatalogConfig, logger *log.Logger) (catalog.Store, error) {
	var store catalog.Store
	switch cfg.Backend {
	case "memory":
		store = catalog.NewMemoryStore()
	default:
		sqlite, err := catalog.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		store = sqlite
	}

	if cfg.Seed != "" {
		snap, err := catalog.LoadSnapshot(cfg.Seed)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load catalog seed: %w", err)
		}
		if err := store.Import(ctx, snap); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("import catalog seed: %w", err)
		}
		logger.Info("catalog seeded", map[string]any{
			"seed":     cfg.Seed,
			"bundles":  len(snap.Bundles),
			"sessions": len(snap.Sessions),
		})
	}
	return store, nil
}

// newLocator builds the resolver. Without a bucket only direct URLs resolve.
func newLocator(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (*locator.Locator, error) {
	lcfg := locator.Config{
		TTL:            cfg.URLTTL.Duration,
		Bucket:         cfg.Bucket,
		PublicBaseURLs: cfg.PublicBaseURLs,
	}
	if cfg.Bucket == "" {
		return locator.New(nil, lcfg, logger), nil
	}
	signer, err := locator.NewS3Signer(ctx, locator.S3Config{
		Bucket:       cfg.Bucket,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("storage signer: %w", err)
	}
	return locator.New(signer, lcfg, logger), nil
}

func fetchConfig(cfg config.FetchConfig) fetch.Config {
	fc := fetch.Config{
		Timeout:       cfg.Timeout.Duration,
		BaseBackoff:   cfg.BaseBackoff.Duration,
		MaxAssetBytes: cfg.MaxAssetBytes,
	}
	if cfg.MaxRetries != nil {
		fc.MaxRetries = *cfg.MaxRetries
		if fc.MaxRetries == 0 {
			fc.MaxRetries = fetch.NoRetries
		}
	}
	return fc
}

// newLimiter returns nil for the none backend.
func newLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, func() error, error) {
	limits := ratelimit.Config{Limit: cfg.Limit, Window: cfg.Window.Duration}
	switch cfg.Backend {
	case "none":
		return nil, func() error { return nil }, nil
	case "redis":
		r, err := ratelimit.NewRedis(ratelimit.RedisConfig{
			Config:    limits,
			URL:       cfg.URL,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return ratelimit.NewMemory(limits, nil), func() error { return nil }, nil
	}
}

func newAuditSinks(ctx context.Context, cfg config.AuditConfig, logger *log.Logger) ([]audit.Sink, error) {
	sinks := make([]audit.Sink, 0, len(cfg.Sinks))
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	for i, sc := range cfg.Sinks {
		sink, err := newAuditSink(ctx, sc, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("audit.sinks[%d] (%s): %w", i, sc.Type, err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func newAuditSink(ctx context.Context, sc config.SinkConfig, logger *log.Logger) (audit.Sink, error) {
	switch sc.Type {
	case "log":
		return audit.NewLogSink(logger), nil
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     sc.URL,
			Headers: sc.Headers,
			Timeout: sc.Timeout.Duration,
			Retries: retriesOr(sc.Retries, webhook.DefaultRetries),
		})
	case "redis":
		return auditredis.New(auditredis.Config{
			URL:     sc.URL,
			Channel: sc.Channel,
			Codec:   sc.Codec,
			Timeout: sc.Timeout.Duration,
			Retries: retriesOr(sc.Retries, auditredis.DefaultRetries),
		})
	case "lode":
		dataset := sc.Dataset
		if dataset == "" {
			dataset = auditlode.DefaultDataset
		}
		if sc.Backend == "s3" {
			return auditlode.NewS3(ctx, dataset, auditlode.S3Config{
				Bucket:       sc.Bucket,
				Prefix:       sc.Prefix,
				Region:       sc.Region,
				Endpoint:     sc.Endpoint,
				UsePathStyle: sc.S3Path,
			})
		}
		return auditlode.NewFS(dataset, sc.Path)
	default:
		return nil, fmt.Errorf("unknown sink type %q", sc.Type)
	}
}

func retriesOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
