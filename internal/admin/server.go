// Package admin exposes the supervisor API over HTTP for operators and the
// prefork status/restart/shutdown commands.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

const shutdownGrace = 5 * time.Second

// Pool is the supervisor surface the admin server drives.
type Pool interface {
	WorkersCount() int
	IsRestarting() bool
	Options() supervisor.Options
	Snapshot() supervisor.PoolSnapshot
	WorkersStats(ctx context.Context) ([]supervisor.WorkerStat, error)
	RestartWorkers(ctx context.Context, gracefully bool) (bool, error)
	ShutDownWorkers(ctx context.Context, gracefully bool) error
}

// Config configures the admin server.
type Config struct {
	Addr     string
	Pool     Pool
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	// StatsTimeout bounds GET /workers.
	StatsTimeout time.Duration

	// OnShutdown runs after POST /workers/shutdown retired the pool.
	OnShutdown func()
}

// Server is the admin HTTP server. It implements suture.Service.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
	ready  chan struct{}
	once   sync.Once
	addr   net.Addr
}

// NewServer creates an admin server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Pool == nil {
		return nil, errors.New("admin: pool is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Routes returns the admin router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/workers", func(r chi.Router) {
		r.Get("/", s.handleWorkers)
		r.Get("/count", s.handleCount)
		r.Get("/snapshot", s.handleSnapshot)
		r.Post("/restart", s.handleRestart)
		r.Post("/shutdown", s.handleShutdown)
	})
	return r
}

// Serve listens and serves until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.cfg.Addr, err)
	}
	s.once.Do(func() {
		s.addr = ln.Addr()
		close(s.ready)
	})
	s.logger.Info("admin_server_starting", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.server.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin: serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Debug("admin_server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	return ctx.Err()
}

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// String names the service in supervisor logs.
func (s *Server) String() string {
	return "admin-http"
}
