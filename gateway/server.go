package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pithecene-io/kitpack/log"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// ReadHeaderTimeout bounds header reads (default 5s).
	ReadHeaderTimeout time.Duration
	// IdleTimeout bounds keep-alive idle time (default 60s).
	IdleTimeout time.Duration
	// ShutdownTimeout bounds the wait for in-flight downloads (default 60s).
	ShutdownTimeout time.Duration
}

// Server runs a Handler until its context is canceled.
type Server struct {
	config ServerConfig
	server *http.Server
	logger *log.Logger
}

// NewServer wraps handler in an http.Server. No write timeout is set:
// downloads stream for as long as the pipeline runs.
func NewServer(cfg ServerConfig, handler http.Handler, logger *log.Logger) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Server{
		config: cfg,
		logger: logger,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// Serve listens on the configured address and blocks until ctx is canceled
// and in-flight requests finish, or ShutdownTimeout elapses.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.server.Serve(ln)
	}()
	s.logger.Info("server listening", map[string]any{"address": ln.Addr().String()})

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", map[string]any{"timeout": s.config.ShutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
