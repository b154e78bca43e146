package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kitpack/audit"
	"github.com/pithecene-io/kitpack/cli/config"
	"github.com/pithecene-io/kitpack/gateway"
	"github.com/pithecene-io/kitpack/iox"
	"github.com/pithecene-io/kitpack/types"
)

// ServeCommand returns the serve command: the HTTP download gateway.
func ServeCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the kit download endpoint",
		Flags: []cli.Flag{
			ConfigFlag,
			LogLevelFlag,
			CatalogFlag,
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides server.addr)",
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "Concurrent fetches per run (overrides fetch.parallel)",
			},
		},
		Action: serveAction(commit),
	}
}

func serveAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx, cfg)
		if err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		defer iox.DiscardErr(svc.Close)

		limiter, closeLimiter, err := newLimiter(cfg.RateLimit)
		if err != nil {
			return cli.Exit(fmt.Sprintf("rate limiter: %v", err), exitError)
		}
		defer iox.DiscardErr(closeLimiter)

		sinks, err := newAuditSinks(ctx, cfg.Audit, svc.logger)
		if err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		dispatcher := audit.NewDispatcher(cfg.Audit.Timeout.Duration, svc.logger, svc.collector, sinks...)

		handler := gateway.New(gateway.Config{
			TrustProxy:   cfg.Server.TrustProxy,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		}, gateway.Deps{
			Catalog:    svc.catalog,
			Authorizer: authorizer(cfg.Auth, svc),
			Runner:     svc.pipeline,
			Limiter:    limiter,
			Auditor:    dispatcher,
			Logger:     svc.logger,
			Collector:  svc.collector,
		})

		svc.logger.Info("kitpack starting", map[string]any{
			"version":       types.Version,
			"commit":        commit,
			"addr":          cfg.Server.Addr,
			"catalog":       cfg.Catalog.Backend,
			"rate_limit":    cfg.RateLimit.Backend,
			"audit_sinks":   len(sinks),
			"parallel":      cfg.Fetch.Parallel,
			"auth":          cfg.Auth.Mode,
			"signing":       cfg.Storage.Bucket != "",
			"archive_level": cfg.Archive.Level,
		})

		server := gateway.NewServer(gateway.ServerConfig{
			Addr:            cfg.Server.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		}, handler, svc.logger)
		serveErr := server.Serve(ctx)

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Audit.Timeout.Duration+cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := dispatcher.Close(drainCtx); err != nil {
			svc.logger.Warn("audit drain incomplete", map[string]any{"error": err.Error()})
		}

		if serveErr != nil {
			return cli.Exit(fmt.Sprintf("server: %v", serveErr), exitError)
		}
		svc.logger.Info("kitpack stopped", nil)
		return nil
	}
}

func authorizer(cfg config.AuthConfig, svc *service) gateway.Authorizer {
	if cfg.Mode == "none" {
		svc.logger.Warn("authorization disabled", nil)
		return gateway.AllowAll{}
	}
	return gateway.NewSessionAuthorizer(svc.catalog, cfg.Cookie)
}
