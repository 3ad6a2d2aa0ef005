package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/randomizedcoder/go-prefork/internal/metrics"
	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

// fakePool records the shutdown sequence.
type fakePool struct {
	startErr    error
	shutdownErr error

	mu       sync.Mutex
	starts   int
	graceful []bool
	killed   bool
	closed   bool
}

func (p *fakePool) Start(context.Context, supervisor.Options) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return nil, p.startErr
}

func (p *fakePool) ShutDownWorkers(_ context.Context, gracefully bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return errors.New("shutdown before healing stopped")
	}
	p.graceful = append(p.graceful, gracefully)
	return p.shutdownErr
}

func (p *fakePool) KillRemaining(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func TestPoolService_ShutDown(t *testing.T) {
	tests := []struct {
		name        string
		shutdownErr error
		wantKill    bool
	}{
		{"drained", nil, false},
		{"not started", supervisor.ErrNotStarted, false},
		{"timed out", context.DeadlineExceeded, true},
		{"failed", errors.New("send failed"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool := &fakePool{shutdownErr: tc.shutdownErr}
			svc := newPoolService(pool, supervisor.Options{}, 50*time.Millisecond, newTestLogger())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- svc.Serve(ctx) }()

			select {
			case <-svc.Started():
			case <-time.After(5 * time.Second):
				t.Fatal("pool service did not start")
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Serve() error = %v, want nil", err)
			}

			if len(pool.graceful) != 1 || !pool.graceful[0] {
				t.Errorf("ShutDownWorkers calls = %v, want one graceful", pool.graceful)
			}
			if pool.killed != tc.wantKill {
				t.Errorf("killed = %v, want %v", pool.killed, tc.wantKill)
			}
			if !pool.closed {
				t.Error("healing was not stopped")
			}
		})
	}
}

func TestPoolService_StartFailureTerminatesTree(t *testing.T) {
	boom := errors.New("no fork")
	svc := newPoolService(&fakePool{startErr: boom}, supervisor.Options{}, time.Second, newTestLogger())

	err := svc.Serve(context.Background())
	if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Errorf("Serve() error = %v, want ErrTerminateSupervisorTree", err)
	}
	if !errors.Is(svc.StartErr(), boom) {
		t.Errorf("StartErr() = %v, want %v", svc.StartErr(), boom)
	}
	select {
	case <-svc.Started():
		t.Error("Started() closed after a failed start")
	default:
	}
}

func TestPoolService_RestartedAfterPanic(t *testing.T) {
	svc := newPoolService(&fakePool{startErr: supervisor.ErrAlreadyStarted}, supervisor.Options{}, time.Second, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-svc.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("an already started pool should count as started")
	}
	cancel()
	<-done
	if svc.String() != "worker-pool" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestWriteExitSummary(t *testing.T) {
	var buf bytes.Buffer
	writeExitSummary(&buf, &metrics.Summary{
		Duration:            90 * time.Second,
		PeakLiveWorkers:     4,
		TotalForks:          6,
		Exits:               map[string]int64{"shutdown": 4, supervisor.ExitCrash: 2},
		Replacements:        2,
		HeartbeatGapSamples: 10,
		HeartbeatGapP50:     time.Second,
		HeartbeatGapP99:     1200 * time.Millisecond,
	}, 4, "127.0.0.1:17090")

	out := buf.String()
	for _, want := range []string{
		"Run Duration:           00:01:30",
		"Target Workers:         4",
		"Crashes:              2",
		"Replacements:         2 (0 failed)",
		"crash",
		"Heartbeat Gaps:",
		"http://127.0.0.1:17090/metrics",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "  crash") > strings.Index(out, "  shutdown") {
		t.Error("exit reasons are not sorted")
	}
	if strings.Contains(out, "Worker Startup:") {
		t.Error("startup section printed without samples")
	}
}
