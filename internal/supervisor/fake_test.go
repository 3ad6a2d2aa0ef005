package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
	"github.com/randomizedcoder/go-prefork/internal/worker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testHeartbeat = 20 * time.Millisecond

// stubApp is a worker.App that serves nothing.
type stubApp struct {
	startErr   error
	startDelay time.Duration
}

func (a stubApp) Start(ctx context.Context, _ net.Listener) error {
	if a.startDelay > 0 {
		select {
		case <-time.After(a.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return a.startErr
}

func (stubApp) Shutdown(context.Context) error { return nil }

func (stubApp) Collectors() []prometheus.Collector { return nil }

// fakeProc runs a real worker.Lifecycle on a goroutine in place of a process.
// Any signal ends it, like SIGTERM or SIGKILL would.
type fakeProc struct {
	pid        int
	conn       *ipc.Conn
	workerConn *ipc.Conn
	lifecycle  *worker.Lifecycle
	cancel     context.CancelFunc
	done       chan struct{}

	mu      sync.Mutex
	signals []os.Signal
	crashed bool
}

func (p *fakeProc) Pid() int        { return p.pid }
func (p *fakeProc) Conn() *ipc.Conn { return p.conn }

func (p *fakeProc) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.crashed {
		return errors.New("exit status 2")
	}
	return nil
}

func (p *fakeProc) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	p.cancel()
	return nil
}

// crash ends the process without the supervisor asking.
func (p *fakeProc) crash() {
	p.mu.Lock()
	p.crashed = true
	p.mu.Unlock()
	p.cancel()
}

func (p *fakeProc) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// fakeSpawner forks fakeProcs. Hooks choose per-id behavior.
type fakeSpawner struct {
	ctx     context.Context
	appRoot string

	mu       sync.Mutex
	nextPid  int
	procs    map[int]*fakeProc
	spawnErr func(id int) error
	app      func(id int) stubApp
	silent   func(id int) bool // no heartbeats, as if hung
}

func newFakeSpawner(t *testing.T) *fakeSpawner {
	// Every fake process ends with the test.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &fakeSpawner{
		ctx:     ctx,
		appRoot: t.TempDir(),
		nextPid: 1000,
		procs:   make(map[int]*fakeProc),
	}
}

func (f *fakeSpawner) Spawn(_ context.Context, id int) (Process, error) {
	f.mu.Lock()
	spawnErr, appFor, silent := f.spawnErr, f.app, f.silent
	f.nextPid++
	pid := f.nextPid
	f.mu.Unlock()

	if spawnErr != nil {
		if err := spawnErr(id); err != nil {
			return nil, err
		}
	}
	app := stubApp{}
	if appFor != nil {
		app = appFor(id)
	}
	muted := silent != nil && silent(id)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(f.ctx)
	p := &fakeProc{
		pid:        pid,
		conn:       ipc.NewConn(a),
		workerConn: ipc.NewConn(b),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	p.lifecycle = worker.New(worker.Options{
		ID:  id,
		Pid: pid,
		Config: worker.Config{
			AppRoot:           f.appRoot,
			HeartbeatInterval: testHeartbeat,
		},
		App:              app,
		Conn:             p.workerConn,
		Listener:         ln,
		Logger:           newTestLogger(),
		Banner:           io.Discard,
		DebuggerAttached: func() bool { return muted },
	})

	go func() {
		defer close(p.done)
		p.lifecycle.Run(ctx)
		ln.Close()
		p.workerConn.Close()
	}()

	f.mu.Lock()
	f.procs[id] = p
	f.mu.Unlock()
	return p, nil
}

func (f *fakeSpawner) proc(id int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[id]
}

func (f *fakeSpawner) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func newTestSupervisor(t *testing.T, spawner Spawner) *Supervisor {
	t.Helper()
	return New(Config{
		Spawner:          spawner,
		Logger:           newTestLogger(),
		DebuggerAttached: func() bool { return false },
		Backoff:          BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
		BackoffSeed:      1,
		Pid:              1,
	})
}

func startPool(t *testing.T, s *Supervisor, opts Options) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		s.Close()
		s.ShutDownWorkers(context.Background(), false)
		cancel()
	})

	opts.UseSupervisor = true
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = testHeartbeat
	}
	if _, err := s.Start(ctx, opts); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sigterm(sigs []os.Signal) bool {
	for _, s := range sigs {
		if s == syscall.SIGTERM {
			return true
		}
	}
	return false
}
