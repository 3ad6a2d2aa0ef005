package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-prefork/internal/app"
	"github.com/randomizedcoder/go-prefork/internal/worker"
)

// standaloneApp serves the application in the supervisor process when the
// pool is disabled. Each Start builds a fresh server on a fresh listener.
type standaloneApp struct {
	cfg      worker.Config
	logger   *slog.Logger
	registry prometheus.Registerer

	mu     sync.Mutex
	server *app.Server
	addr   net.Addr
}

func newStandaloneApp(cfg worker.Config, registry prometheus.Registerer, logger *slog.Logger) *standaloneApp {
	return &standaloneApp{cfg: cfg, registry: registry, logger: logger}
}

// Start implements supervisor.Standalone.
func (s *standaloneApp) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	srv, err := app.New(s.cfg, s.logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	for _, c := range srv.Collectors() {
		if err := s.registry.Register(c); err != nil {
			s.logger.Warn("standalone_metrics_register_failed", "error", err)
		}
	}
	if err := srv.Start(ctx, ln); err != nil {
		ln.Close()
		s.unregister(srv)
		return err
	}

	s.server = srv
	s.addr = ln.Addr()
	return nil
}

// Stop implements supervisor.Standalone. Stopping twice is a no-op.
func (s *standaloneApp) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	defer s.unregister(srv)
	return srv.Shutdown(ctx)
}

// Addr returns the address of the last started server.
func (s *standaloneApp) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *standaloneApp) unregister(srv *app.Server) {
	for _, c := range srv.Collectors() {
		s.registry.Unregister(c)
	}
}
