package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
)

// Process is a forked worker process.
type Process interface {
	Pid() int

	// Conn is the supervisor end of the worker's control socket.
	Conn() *ipc.Conn

	Signal(sig os.Signal) error

	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
}

// OutputReporter is implemented by processes that keep their recent output.
// The supervisor attaches it to crash reports.
type OutputReporter interface {
	RecentOutput(n int) []string
}

const crashOutputLines = 10

// Spawner forks worker processes.
type Spawner interface {
	Spawn(ctx context.Context, id int) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, id int) (Process, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, id int) (Process, error) { return f(ctx, id) }

// Standalone is the in-process application used when UseSupervisor is false.
type Standalone interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Worker is the supervisor's handle on one forked process.
type Worker struct {
	ID        int
	Pid       int
	StartedAt time.Time

	proc Process
	conn *ipc.Conn

	readyOnce sync.Once
	ready     chan struct{}
	addr      string
	readyAt   time.Time

	done    chan struct{}
	exitErr error
}

func newWorker(id int, proc Process) *Worker {
	return &Worker{
		ID:        id,
		Pid:       proc.Pid(),
		StartedAt: time.Now(),
		proc:      proc,
		conn:      proc.Conn(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *Worker) markReady(addr string) {
	w.readyOnce.Do(func() {
		w.addr = addr
		w.readyAt = time.Now()
		close(w.ready)
	})
}

// isReady reports whether the worker reported listening.
func (w *Worker) isReady() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// exited reports whether the process exit has been observed.
func (w *Worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// awaitReady blocks until the listening milestone, the process exit, or ctx.
func (w *Worker) awaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-w.done:
		return fmt.Errorf("%w: worker %d (pid %d)", ErrWorkerExited, w.ID, w.Pid)
	case <-ctx.Done():
		return ctx.Err()
	}
}
