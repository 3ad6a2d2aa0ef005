package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
	"github.com/randomizedcoder/go-prefork/internal/worker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePool records calls and answers from fields.
type fakePool struct {
	mu         sync.Mutex
	live       int
	opts       supervisor.Options
	restarting bool
	stats      []supervisor.WorkerStat
	statsErr   error
	restartOK  bool
	restartErr error
	shutdown   []bool
	restarts   []bool
}

func (p *fakePool) WorkersCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
func (p *fakePool) IsRestarting() bool          { return p.restarting }
func (p *fakePool) Options() supervisor.Options { return p.opts }
func (p *fakePool) Snapshot() supervisor.PoolSnapshot {
	return supervisor.PoolSnapshot{Target: p.opts.TargetWorkerCount, Live: p.WorkersCount()}
}
func (p *fakePool) WorkersStats(context.Context) ([]supervisor.WorkerStat, error) {
	return p.stats, p.statsErr
}
func (p *fakePool) RestartWorkers(_ context.Context, graceful bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts = append(p.restarts, graceful)
	return p.restartOK, p.restartErr
}
func (p *fakePool) ShutDownWorkers(_ context.Context, graceful bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = append(p.shutdown, graceful)
	p.live = 0
	return nil
}

func newPool() *fakePool {
	return &fakePool{
		live:      2,
		opts:      supervisor.Options{TargetWorkerCount: 2, UseSupervisor: true},
		restartOK: true,
	}
}

func newTestServer(t *testing.T, pool Pool, onShutdown func()) *Server {
	t.Helper()
	s, err := NewServer(Config{
		Addr:       "127.0.0.1:0",
		Pool:       pool,
		Gatherer:   prometheus.NewRegistry(),
		Logger:     newTestLogger(),
		OnShutdown: onShutdown,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestNewServer_RequiresPool(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("NewServer() without a pool should fail")
	}
}

func TestRoutes_Status(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		setup      func(p *fakePool)
		wantStatus int
		wantBody   string
	}{
		{name: "healthz", method: http.MethodGet, target: "/healthz", wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "ready", method: http.MethodGet, target: "/readyz", wantStatus: http.StatusOK, wantBody: "ready"},
		{
			name: "not ready below target", method: http.MethodGet, target: "/readyz",
			setup:      func(p *fakePool) { p.live = 1 },
			wantStatus: http.StatusServiceUnavailable, wantBody: `"live":1`,
		},
		{
			name: "standalone is ready", method: http.MethodGet, target: "/readyz",
			setup:      func(p *fakePool) { p.live, p.opts.UseSupervisor = 0, false },
			wantStatus: http.StatusOK,
		},
		{name: "metrics", method: http.MethodGet, target: "/metrics", wantStatus: http.StatusOK},
		{name: "count", method: http.MethodGet, target: "/workers/count", wantStatus: http.StatusOK, wantBody: `"target":2`},
		{name: "snapshot", method: http.MethodGet, target: "/workers/snapshot", wantStatus: http.StatusOK, wantBody: `"live":2`},
		{name: "restart", method: http.MethodPost, target: "/workers/restart", wantStatus: http.StatusOK, wantBody: `"restarted":true`},
		{
			name: "restart conflict", method: http.MethodPost, target: "/workers/restart?graceful=false",
			setup:      func(p *fakePool) { p.restartOK = false },
			wantStatus: http.StatusConflict, wantBody: "already in progress",
		},
		{
			name: "restart before start", method: http.MethodPost, target: "/workers/restart",
			setup:      func(p *fakePool) { p.restartOK, p.restartErr = false, supervisor.ErrNotStarted },
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "restart failure", method: http.MethodPost, target: "/workers/restart",
			setup:      func(p *fakePool) { p.restartErr = errors.New("fork failed") },
			wantStatus: http.StatusInternalServerError, wantBody: "fork failed",
		},
		{name: "bad graceful", method: http.MethodPost, target: "/workers/restart?graceful=maybe", wantStatus: http.StatusBadRequest},
		{name: "restart needs POST", method: http.MethodGet, target: "/workers/restart", wantStatus: http.StatusMethodNotAllowed},
		{name: "shutdown", method: http.MethodPost, target: "/workers/shutdown", wantStatus: http.StatusOK, wantBody: `"live":0`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool := newPool()
			if tc.setup != nil {
				tc.setup(pool)
			}
			rec := do(t, newTestServer(t, pool, nil).Routes(), tc.method, tc.target)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.wantBody != "" && !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestRoutes_GracefulFlagReachesPool(t *testing.T) {
	pool := newPool()
	h := newTestServer(t, pool, nil).Routes()

	do(t, h, http.MethodPost, "/workers/restart")
	do(t, h, http.MethodPost, "/workers/restart?graceful=false")
	do(t, h, http.MethodPost, "/workers/shutdown?graceful=0")

	pool.mu.Lock()
	defer pool.mu.Unlock()
	if len(pool.restarts) != 2 || !pool.restarts[0] || pool.restarts[1] {
		t.Errorf("restarts = %v, want [true false]", pool.restarts)
	}
	if len(pool.shutdown) != 1 || pool.shutdown[0] {
		t.Errorf("shutdown = %v, want [false]", pool.shutdown)
	}
}

func TestRoutes_WorkersStats(t *testing.T) {
	pool := newPool()
	pool.stats = []supervisor.WorkerStat{{
		ID:    1,
		Pid:   100,
		Stats: worker.Stats{ServerStats: worker.ServerStats{OpenConnections: 5}},
	}}
	pool.statsErr = errors.Join(errors.New("worker 2: timeout"))

	rec := do(t, newTestServer(t, pool, nil).Routes(), http.MethodGet, "/workers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Workers) != 1 || resp.Workers[0].ServerStats.OpenConnections != 5 {
		t.Errorf("workers = %+v", resp.Workers)
	}
	if len(resp.Errors) != 1 || resp.Errors[0] != "worker 2: timeout" {
		t.Errorf("errors = %v", resp.Errors)
	}
}

func TestRoutes_EmptyStatsIsArray(t *testing.T) {
	rec := do(t, newTestServer(t, newPool(), nil).Routes(), http.MethodGet, "/workers")
	if !strings.Contains(rec.Body.String(), `"workers":[]`) {
		t.Errorf("body = %q, want an empty workers array", rec.Body.String())
	}
}

func TestRoutes_ShutdownHook(t *testing.T) {
	called := make(chan struct{})
	h := newTestServer(t, newPool(), func() { close(called) }).Routes()

	do(t, h, http.MethodPost, "/workers/shutdown")
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Error("OnShutdown was not called")
	}
}

func TestServer_ServeAndStop(t *testing.T) {
	s := newTestServer(t, newPool(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer addrCancel()
	addr, err := s.Addr(addrCtx)
	if err != nil {
		t.Fatalf("Addr() error = %v", err)
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return")
	}
	if s.String() != "admin-http" {
		t.Errorf("String() = %q", s.String())
	}
}
