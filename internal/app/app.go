// Package app is the HTTP application hosted by each worker. It serves static
// files from the application root and exports the connection and request
// metrics the supervisor collects through workerStats.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-prefork/internal/worker"
)

// controlTimeout bounds a poolStatus round trip made for an HTTP request.
const controlTimeout = 2 * time.Second

// Server is a worker.App backed by net/http.
type Server struct {
	cfg     worker.Config
	logger  *slog.Logger
	server  *http.Server
	control atomic.Pointer[worker.Control]

	openConns prometheus.Gauge
	inFlight  prometheus.Gauge
	requests  *prometheus.CounterVec

	once sync.Once
}

// New builds the application for a worker.
func New(cfg worker.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		openConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: worker.MetricOpenConnections,
			Help: "Currently open client connections",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: worker.MetricRequestsInFlight,
			Help: "Requests currently being served",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: worker.MetricRequestsTotal,
			Help: "Requests served by status code and method",
		}, []string{"code", "method"}),
	}

	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ConnState:         s.trackConn,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Factory adapts New to the signature worker.RunFromEnvironment expects.
func Factory(cfg worker.Config, logger *slog.Logger) (worker.App, error) {
	return New(cfg, logger)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if s.cfg.Dev {
		r.Use(chimiddleware.NoCache)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})
	r.Get("/_prefork/info", s.handleInfo)
	r.Get("/_prefork/pool", s.handlePool)
	if s.cfg.Dev {
		r.Post("/_prefork/restart", s.handleRestart)
	}
	r.Handle("/*", http.FileServer(http.Dir(s.cfg.AppRoot)))

	return promhttp.InstrumentHandlerInFlight(s.inFlight,
		promhttp.InstrumentHandlerCounter(s.requests, r))
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"pid": os.Getpid(),
		"dev": s.cfg.Dev,
	})
}

// Attach implements worker.Attacher.
func (s *Server) Attach(c worker.Control) {
	s.control.Store(&c)
}

func (s *Server) currentControl(w http.ResponseWriter) worker.Control {
	c := s.control.Load()
	if c == nil {
		http.Error(w, "not running under a supervisor", http.StatusServiceUnavailable)
		return nil
	}
	return *c
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	c := s.currentControl(w)
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()

	status, err := c.PoolStatus(ctx)
	if err != nil {
		s.logger.Warn("pool_status_failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleRestart asks the supervisor for a rolling restart. It is registered
// in dev mode only.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	c := s.currentControl(w)
	if c == nil {
		return
	}
	gracefully := true
	if v := r.URL.Query().Get("graceful"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid graceful value", http.StatusBadRequest)
			return
		}
		gracefully = b
	}
	if err := c.RequestRestart(gracefully); err != nil {
		s.logger.Warn("restart_request_failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.logger.Info("restart_requested", "gracefully", gracefully)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.openConns.Inc()
	case http.StateHijacked, http.StateClosed:
		s.openConns.Dec()
	}
}

// Start serves on ln in the background.
func (s *Server) Start(_ context.Context, ln net.Listener) error {
	s.logger.Info("app_starting", "addr", ln.Addr().String(), "app_root", s.cfg.AppRoot)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("app_serve_error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting and waits for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.logger.Debug("app_shutting_down")
		err = s.server.Shutdown(ctx)
	})
	return err
}

// Collectors returns the application's metrics.
func (s *Server) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.openConns, s.inFlight, s.requests}
}

// Handler exposes the routed handler (tests).
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
