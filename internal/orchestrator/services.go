package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

// killGrace bounds the wait for exits after SIGKILL.
const killGrace = 5 * time.Second

// newTree builds the root service tree. Its stop timeout leaves room for the
// pool to drain and then be killed.
func newTree(logger *slog.Logger, shutdownTimeout time.Duration) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logger}
	return suture.New("prefork", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout + 2*killGrace,
	})
}

// Pool is the supervisor surface the pool service drives.
type Pool interface {
	Start(ctx context.Context, opts supervisor.Options) ([]string, error)
	ShutDownWorkers(ctx context.Context, gracefully bool) error
	KillRemaining(ctx context.Context) error
	Close()
}

// poolService starts the worker pool and retires it when the tree stops.
// A failed start terminates the tree.
type poolService struct {
	pool            Pool
	opts            supervisor.Options
	shutdownTimeout time.Duration
	logger          *slog.Logger

	started  chan struct{}
	once     sync.Once
	mu       sync.Mutex
	startErr error
}

func newPoolService(pool Pool, opts supervisor.Options, shutdownTimeout time.Duration, logger *slog.Logger) *poolService {
	return &poolService{
		pool:            pool,
		opts:            opts,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		started:         make(chan struct{}),
	}
}

// Serve implements suture.Service.
func (p *poolService) Serve(ctx context.Context) error {
	_, err := p.pool.Start(ctx, p.opts)
	if errors.Is(err, supervisor.ErrAlreadyStarted) {
		// Restarted by the tree after a panic; the pool and its healing are
		// still running.
		err = nil
	}
	if err != nil {
		p.mu.Lock()
		p.startErr = err
		p.mu.Unlock()
		return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
	}
	p.once.Do(func() { close(p.started) })

	<-ctx.Done()
	p.shutDown()
	return nil
}

// shutDown stops healing, drains the pool for shutdownTimeout, then kills
// what is left.
func (p *poolService) shutDown() {
	p.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
	defer cancel()

	err := p.pool.ShutDownWorkers(ctx, true)
	switch {
	case err == nil, errors.Is(err, supervisor.ErrNotStarted):
		return
	case errors.Is(err, context.DeadlineExceeded):
		p.logger.Warn("graceful_shutdown_timed_out", "timeout", p.shutdownTimeout.String())
	default:
		p.logger.Warn("graceful_shutdown_failed", "error", err)
	}

	killCtx, cancelKill := context.WithTimeout(context.Background(), killGrace)
	defer cancelKill()
	if err := p.pool.KillRemaining(killCtx); err != nil {
		p.logger.Error("kill_remaining_failed", "error", err)
	}
}

// Started is closed once the pool is up.
func (p *poolService) Started() <-chan struct{} {
	return p.started
}

// StartErr returns the error that stopped the pool from starting.
func (p *poolService) StartErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startErr
}

// String names the service in supervisor logs.
func (p *poolService) String() string {
	return "worker-pool"
}
