package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

func newTestClient(t *testing.T, pool *fakePool) *Client {
	t.Helper()
	s := newTestServer(t, pool, nil)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, 2*time.Second)
}

func TestNewClient_BaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:17090", "http://127.0.0.1:17090"},
		{"http://localhost:9000/", "http://localhost:9000"},
		{"https://admin.example", "https://admin.example"},
	}
	for _, tc := range tests {
		if got := NewClient(tc.addr, 0).BaseURL(); got != tc.want {
			t.Errorf("NewClient(%q).BaseURL() = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestClient_Reads(t *testing.T) {
	pool := newPool()
	pool.stats = []supervisor.WorkerStat{{ID: 1, Pid: 11}}
	pool.statsErr = errors.New("worker 2: timed out")
	c := newTestClient(t, pool)
	ctx := context.Background()

	snap, err := c.PoolSnapshot(ctx)
	if err != nil {
		t.Fatalf("PoolSnapshot() error = %v", err)
	}
	if snap.Live != 2 || snap.Target != 2 {
		t.Errorf("snapshot = %d/%d, want 2/2", snap.Live, snap.Target)
	}

	count, err := c.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count.Live != 2 {
		t.Errorf("Count().Live = %d, want 2", count.Live)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if len(stats.Workers) != 1 || stats.Workers[0].Pid != 11 {
		t.Errorf("Stats().Workers = %+v", stats.Workers)
	}
	if len(stats.Errors) != 1 {
		t.Errorf("Stats().Errors = %v, want one", stats.Errors)
	}
}

func TestClient_RestartWorkers(t *testing.T) {
	tests := []struct {
		name     string
		ok       bool
		err      error
		want     bool
		wantCode int
	}{
		{name: "restarted", ok: true, want: true},
		{name: "busy", ok: false, want: false},
		{name: "not started", err: supervisor.ErrNotStarted, wantCode: http.StatusServiceUnavailable},
		{name: "failed", err: errors.New("fork failed"), wantCode: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool := newPool()
			pool.restartOK = tc.ok
			pool.restartErr = tc.err
			c := newTestClient(t, pool)

			got, err := c.RestartWorkers(context.Background(), false)
			if tc.wantCode != 0 {
				var se *StatusError
				if !errors.As(err, &se) || se.Code != tc.wantCode {
					t.Fatalf("RestartWorkers() error = %v, want status %d", err, tc.wantCode)
				}
				if se.Message == "" {
					t.Error("StatusError.Message is empty")
				}
				return
			}
			if err != nil {
				t.Fatalf("RestartWorkers() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("RestartWorkers() = %v, want %v", got, tc.want)
			}
			if len(pool.restarts) != 1 || pool.restarts[0] {
				t.Errorf("restarts = %v, want [false]", pool.restarts)
			}
		})
	}
}

func TestClient_ShutDownWorkers(t *testing.T) {
	pool := newPool()
	c := newTestClient(t, pool)

	if err := c.ShutDownWorkers(context.Background(), true); err != nil {
		t.Fatalf("ShutDownWorkers() error = %v", err)
	}
	if len(pool.shutdown) != 1 || !pool.shutdown[0] {
		t.Errorf("shutdown = %v, want [true]", pool.shutdown)
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient("127.0.0.1:1", 500*time.Millisecond)
	if _, err := c.Count(context.Background()); err == nil {
		t.Error("Count() against a closed port should fail")
	}
}

func TestClient_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := NewClient(ts.URL, time.Second).PoolSnapshot(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("PoolSnapshot() error = %v, want 404 StatusError", err)
	}
}
