package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
	"github.com/randomizedcoder/go-prefork/internal/worker"
)

// Recorder receives pool events for metrics.
type Recorder interface {
	WorkerForked(id, pid int)
	WorkerReady(id int, startup time.Duration)
	WorkerExited(id int, reason string, uptime time.Duration)
	HeartbeatObserved(id int, gap time.Duration)
	HeartbeatTimedOut(id int)
	ReplacementFinished(reason KillReason, count int, elapsed time.Duration, err error)
	PoolChanged(live, target int)
}

type nopRecorder struct{}

func (nopRecorder) WorkerForked(int, int) {}
func (nopRecorder) WorkerReady(int, time.Duration) {}
func (nopRecorder) WorkerExited(int, string, time.Duration) {}
func (nopRecorder) HeartbeatObserved(int, time.Duration) {}
func (nopRecorder) HeartbeatTimedOut(int) {}
func (nopRecorder) ReplacementFinished(KillReason, int, time.Duration, error) {}
func (nopRecorder) PoolChanged(int, int) {}

// Config holds the collaborators of a Supervisor.
type Config struct {
	Spawner    Spawner
	Standalone Standalone
	Logger     *slog.Logger
	Recorder   Recorder

	// DebuggerAttached disables the heartbeat scan when it returns true.
	// Defaults to worker.DebuggerAttached.
	DebuggerAttached func() bool

	Backoff     BackoffConfig
	BackoffSeed int64

	// Pid prefixes correlation ids of supervisor-side calls. Defaults to os.Getpid().
	Pid int
}

// Supervisor manages a pool of forked workers.
type Supervisor struct {
	spawner    Spawner
	standalone Standalone
	logger     *slog.Logger
	recorder   Recorder
	debugger   func() bool
	backoff    BackoffConfig
	seed       int64
	channel    *ipc.Channel

	started    atomic.Bool
	up         atomic.Bool // the initial pool is committed
	restarting atomic.Bool

	// rootCtx bounds background healing and the heartbeat scan. Close ends it.
	rootCtx context.Context
	stop    context.CancelFunc

	mu          sync.Mutex
	opts        Options // set by Start
	nextID      int
	live        map[int]*Worker
	procs       map[int]*Worker
	heartbeats  map[int]time.Time
	killReasons map[int]KillReason
	claims      map[int]struct{}
}

// New creates a Supervisor. Nothing is forked until Start.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	debugger := cfg.DebuggerAttached
	if debugger == nil {
		debugger = worker.DebuggerAttached
	}
	pid := cfg.Pid
	if pid == 0 {
		pid = os.Getpid()
	}
	seed := cfg.BackoffSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Supervisor{
		spawner:     cfg.Spawner,
		standalone:  cfg.Standalone,
		logger:      logger,
		recorder:    recorder,
		debugger:    debugger,
		backoff:     cfg.Backoff.withDefaults(),
		seed:        seed,
		nextID:      1,
		live:        make(map[int]*Worker),
		procs:       make(map[int]*Worker),
		heartbeats:  make(map[int]time.Time),
		killReasons: make(map[int]KillReason),
		claims:      make(map[int]struct{}),
	}
	s.rootCtx, s.stop = context.WithCancel(context.Background())
	s.channel = ipc.NewChannel(pid, ipc.TransportFunc(s.sendTo), logger)
	s.channel.SetHandlerContext(s.rootCtx)
	s.channel.RegisterHandler(PoolStatusChannel, s.poolStatusHandler)
	return s
}

// Start brings up the pool. Warnings describe option corrections. ctx bounds
// the initial fork only; healing runs until Close. RestartWorkers and
// ShutDownWorkers report ErrNotStarted until Start has returned successfully.
func (s *Supervisor) Start(ctx context.Context, opts Options) ([]string, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	opts, warnings := opts.normalize()
	for _, w := range warnings {
		s.logger.Warn("pool_options_corrected", "warning", w)
	}
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()

	if !opts.UseSupervisor {
		if s.standalone == nil {
			s.started.Store(false)
			return warnings, ErrNoStandalone
		}
		s.logger.Info("standalone_starting")
		if err := s.standalone.Start(ctx); err != nil {
			s.started.Store(false)
			return warnings, fmt.Errorf("supervisor: start standalone: %w", err)
		}
		s.up.Store(true)
		return warnings, nil
	}

	s.logger.Info("pool_starting",
		"target_workers", opts.TargetWorkerCount,
		"worker_timeout", opts.WorkerTimeout.String(),
		"heartbeat_interval", opts.HeartbeatInterval.String(),
	)

	workers, err := s.forkGroup(ctx, opts.TargetWorkerCount)
	if err != nil {
		s.started.Store(false)
		return warnings, err
	}
	s.commit(nil, workers)
	s.up.Store(true)

	if opts.WorkerTimeout > 0 {
		if s.debugger() {
			s.logger.Info("heartbeat_scan_disabled", "reason", "debugger_attached")
		} else {
			go s.scanLoop(s.rootCtx, opts)
		}
	}

	s.logger.Info("pool_started", "workers", len(workers))
	return warnings, nil
}

// RestartWorkers replaces every live worker with a freshly forked one, one
// fork group at a time, so capacity never drops. It reports false without
// doing anything if a restart is already running. With an empty pool it forks
// the target count.
func (s *Supervisor) RestartWorkers(ctx context.Context, gracefully bool) (bool, error) {
	if !s.up.Load() {
		return false, ErrNotStarted
	}
	if !s.restarting.CompareAndSwap(false, true) {
		s.logger.Debug("restart_already_running")
		return false, nil
	}
	defer s.restarting.Store(false)

	opts := s.Options()
	if !opts.UseSupervisor {
		if err := s.standalone.Stop(ctx); err != nil {
			return true, fmt.Errorf("supervisor: stop standalone: %w", err)
		}
		return true, s.standalone.Start(s.rootCtx)
	}

	ids := s.liveIDs()
	s.logger.Info("restart_starting", "workers", len(ids), "gracefully", gracefully)

	if len(ids) == 0 {
		start := time.Now()
		workers, err := s.forkGroup(ctx, opts.TargetWorkerCount)
		s.recorder.ReplacementFinished(KillReplace, opts.TargetWorkerCount, time.Since(start), err)
		if err != nil {
			return true, err
		}
		s.commit(nil, workers)
		return true, nil
	}

	return true, s.replace(ctx, ids, KillReplace, gracefully)
}

// ShutDownWorkers terminates every live worker and waits for the exits. The
// pool is not refilled.
func (s *Supervisor) ShutDownWorkers(ctx context.Context, gracefully bool) error {
	if !s.up.Load() {
		return ErrNotStarted
	}
	if !s.Options().UseSupervisor {
		return s.standalone.Stop(ctx)
	}

	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.live))
	for id, w := range s.live {
		s.tagLocked(id, KillShutdown)
		workers = append(workers, w)
	}
	s.live = make(map[int]*Worker)
	target := s.opts.TargetWorkerCount
	s.mu.Unlock()

	s.recorder.PoolChanged(0, target)
	s.logger.Info("pool_shutting_down", "workers", len(workers), "gracefully", gracefully)
	if err := s.kill(ctx, workers, gracefully); err != nil {
		return err
	}
	s.logger.Info("pool_shut_down")
	return nil
}

// KillRemaining sends SIGKILL to every process whose exit has not been
// observed and waits for the exits. It ends a shutdown that ran out of time.
func (s *Supervisor) KillRemaining(ctx context.Context) error {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.procs))
	for id, w := range s.procs {
		delete(s.live, id)
		workers = append(workers, w)
	}
	s.mu.Unlock()

	if len(workers) == 0 {
		return nil
	}
	s.logger.Warn("killing_remaining_workers", "workers", len(workers))
	s.abandon(workers)

	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WorkersCount returns the size of the live set.
func (s *Supervisor) WorkersCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// IsRestarting reports whether RestartWorkers is running.
func (s *Supervisor) IsRestarting() bool {
	return s.restarting.Load()
}

// Channel returns the supervisor side of the correlated channel.
func (s *Supervisor) Channel() *ipc.Channel {
	return s.channel
}

// Options returns the normalized options passed to Start.
func (s *Supervisor) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Close stops background healing and the heartbeat scan. Running workers are
// left alone; use ShutDownWorkers or KillRemaining for those.
func (s *Supervisor) Close() {
	s.stop()
}

// replace performs a rolling replacement of ids. Ids that are not live or are
// already owned by another replacement are skipped.
func (s *Supervisor) replace(ctx context.Context, ids []int, reason KillReason, gracefully bool) error {
	claimed := s.claim(ids)
	if len(claimed) == 0 {
		return nil
	}
	defer s.release(claimed)

	start := time.Now()
	fresh, err := s.forkGroup(ctx, len(claimed))
	if err != nil {
		s.recorder.ReplacementFinished(reason, len(claimed), time.Since(start), err)
		return err
	}

	old, ok := s.commit(claimed, fresh)
	if !ok {
		// The live set changed under us; only a shutdown removes claimed ids.
		s.logger.Info("replacement_abandoned", "ids", claimed, "reason", string(reason))
		s.abandon(fresh)
		s.recorder.ReplacementFinished(reason, len(claimed), time.Since(start), nil)
		return nil
	}

	s.mu.Lock()
	for _, w := range old {
		s.tagLocked(w.ID, reason)
	}
	s.mu.Unlock()

	err = s.kill(ctx, old, gracefully)
	s.recorder.ReplacementFinished(reason, len(claimed), time.Since(start), err)
	s.logger.Info("workers_replaced",
		"reason", string(reason),
		"replaced", claimed,
		"elapsed", time.Since(start).String(),
	)
	return err
}

// claim takes ownership of the live, unclaimed ids.
func (s *Supervisor) claim(ids []int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, live := s.live[id]; !live {
			continue
		}
		if _, taken := s.claims[id]; taken {
			continue
		}
		s.claims[id] = struct{}{}
		claimed = append(claimed, id)
	}
	return claimed
}

func (s *Supervisor) release(ids []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.claims, id)
	}
}

// commit swaps replaced ids for fresh workers in the live set. It fails
// without changes if any replaced id is no longer live.
func (s *Supervisor) commit(replaced []int, fresh []*Worker) ([]*Worker, bool) {
	s.mu.Lock()
	old := make([]*Worker, 0, len(replaced))
	for _, id := range replaced {
		w, live := s.live[id]
		if !live {
			s.mu.Unlock()
			return nil, false
		}
		old = append(old, w)
	}
	for _, w := range old {
		delete(s.live, w.ID)
	}
	for _, w := range fresh {
		s.live[w.ID] = w
	}
	live, target := len(s.live), s.opts.TargetWorkerCount
	s.mu.Unlock()

	s.recorder.PoolChanged(live, target)
	return old, true
}

// forkGroup forks n workers and waits until all of them report listening.
// If any member fails, all members are killed.
func (s *Supervisor) forkGroup(ctx context.Context, n int) ([]*Worker, error) {
	workers := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := s.fork(ctx)
		if err != nil {
			s.abandon(workers)
			return nil, &ForkGroupError{Size: n, Cause: err}
		}
		workers = append(workers, w)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			if err := w.awaitReady(gctx); err != nil {
				return err
			}
			s.recorder.WorkerReady(w.ID, w.readyAt.Sub(w.StartedAt))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("fork_group_failed", "size", n, "error", err)
		s.abandon(workers)
		return nil, &ForkGroupError{Size: n, Cause: err}
	}
	return workers, nil
}

// fork spawns one worker and starts its receive and exit goroutines.
func (s *Supervisor) fork(ctx context.Context) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.spawner == nil {
		return nil, errors.New("supervisor: no spawner configured")
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("supervisor: fork worker %d: %w", id, err)
	}

	w := newWorker(id, proc)
	s.mu.Lock()
	s.procs[id] = w
	s.mu.Unlock()

	s.recorder.WorkerForked(id, w.Pid)
	s.logger.Info("worker_forked", "worker_id", id, "pid", w.Pid)

	go s.receive(w)
	go s.wait(w)
	return w, nil
}

// abandon force-kills workers that will never join the live set.
func (s *Supervisor) abandon(workers []*Worker) {
	s.mu.Lock()
	for _, w := range workers {
		s.tagLocked(w.ID, KillShutdown)
	}
	s.mu.Unlock()

	for _, w := range workers {
		if err := w.proc.Signal(syscall.SIGKILL); err != nil && !w.exited() {
			s.logger.Debug("worker_kill_failed", "worker_id", w.ID, "pid", w.Pid, "error", err)
		}
	}
}

// kill terminates workers and waits for every exit. Already exited workers
// are skipped.
func (s *Supervisor) kill(ctx context.Context, workers []*Worker, gracefully bool) error {
	for _, w := range workers {
		if w.exited() {
			continue
		}
		if gracefully {
			if err := w.conn.Send(ipc.ShutDown{}); err == nil {
				continue
			}
		}
		if err := w.proc.Signal(syscall.SIGTERM); err != nil && !w.exited() {
			s.logger.Warn("worker_signal_failed", "worker_id", w.ID, "pid", w.Pid, "error", err)
		}
	}

	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// tagLocked records the kill reason unless one is already recorded. Processes
// whose exit was already observed are not tagged.
func (s *Supervisor) tagLocked(id int, reason KillReason) {
	if _, running := s.procs[id]; !running {
		return
	}
	if _, tagged := s.killReasons[id]; !tagged {
		s.killReasons[id] = reason
	}
}

// receive handles envelopes from one worker until its socket closes.
func (s *Supervisor) receive(w *Worker) {
	for {
		msg, err := w.conn.Recv()
		if err != nil {
			if ipc.Skippable(err) {
				s.logger.Warn("envelope_rejected", "worker_id", w.ID, "error", err)
				continue
			}
			return
		}

		if s.channel.Dispatch(w.ID, msg) {
			continue
		}

		switch m := msg.(type) {
		case ipc.Heartbeat:
			now := time.Now()
			s.mu.Lock()
			prev, seen := s.heartbeats[w.ID]
			if _, running := s.procs[w.ID]; running {
				s.heartbeats[w.ID] = now
			}
			s.mu.Unlock()
			if seen {
				s.recorder.HeartbeatObserved(w.ID, now.Sub(prev))
			}

		case ipc.Listening:
			w.markReady(m.Addr)
			s.logger.Info("worker_listening", "worker_id", w.ID, "pid", w.Pid, "addr", m.Addr)

		case ipc.ShutDownWorker:
			s.logger.Warn("worker_requested_shutdown", "worker_id", w.ID, "pid", w.Pid)
			s.mu.Lock()
			s.tagLocked(w.ID, KillShutdown)
			s.mu.Unlock()
			if err := w.proc.Signal(syscall.SIGTERM); err != nil && !w.exited() {
				s.logger.Warn("worker_signal_failed", "worker_id", w.ID, "pid", w.Pid, "error", err)
			}

		case ipc.SilentRestart:
			s.logger.Info("worker_requested_restart", "worker_id", w.ID, "gracefully", m.Gracefully)
			go func() {
				if _, err := s.RestartWorkers(s.rootCtx, m.Gracefully); err != nil {
					s.logger.Error("restart_failed", "error", err)
				}
			}()

		default:
			s.logger.Warn("unexpected_envelope", "worker_id", w.ID, "kind", string(msg.Kind()))
		}
	}
}

// wait observes the exit of one worker and heals the pool after a crash.
func (s *Supervisor) wait(w *Worker) {
	err := w.proc.Wait()
	uptime := time.Since(w.StartedAt)
	w.conn.Close()

	s.mu.Lock()
	reason, tagged := s.killReasons[w.ID]
	_, live := s.live[w.ID]
	_, claimed := s.claims[w.ID]
	delete(s.killReasons, w.ID)
	delete(s.heartbeats, w.ID)
	delete(s.procs, w.ID)
	if tagged && live {
		// A worker that asked to be retired leaves the pool.
		delete(s.live, w.ID)
	}
	liveCount, target := len(s.live), s.opts.TargetWorkerCount
	s.mu.Unlock()

	w.exitErr = err
	close(w.done)

	if tagged {
		s.recorder.WorkerExited(w.ID, string(reason), uptime)
		if live {
			s.recorder.PoolChanged(liveCount, target)
		}
		s.logger.Info("worker_exited",
			"worker_id", w.ID,
			"pid", w.Pid,
			"reason", string(reason),
			"uptime", uptime.String(),
		)
		return
	}

	s.recorder.WorkerExited(w.ID, ExitCrash, uptime)
	attrs := []any{
		"worker_id", w.ID,
		"pid", w.Pid,
		"error", err,
		"uptime", uptime.String(),
	}
	if r, ok := w.proc.(OutputReporter); ok {
		if lines := r.RecentOutput(crashOutputLines); len(lines) > 0 {
			attrs = append(attrs, "recent_output", lines)
		}
	}
	s.logger.Error("worker_crashed", attrs...)
	if live && !claimed {
		go s.heal([]int{w.ID}, KillReplace)
	}
}

// heal replaces ids, retrying failed forks with backoff until the ids are no
// longer live or the supervisor context ends.
func (s *Supervisor) heal(ids []int, reason KillReason) {
	ctx := s.rootCtx
	b := NewBackoff(ids[0], s.seed, s.backoff)

	for {
		err := s.replace(ctx, ids, reason, false)
		if err == nil || ctx.Err() != nil {
			return
		}

		ids = s.stillLive(ids)
		if len(ids) == 0 {
			return
		}

		delay := b.Next()
		s.logger.Warn("heal_retry_scheduled",
			"ids", ids,
			"reason", string(reason),
			"attempt", b.Attempts(),
			"delay", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) stillLive(ids []int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ids[:0:0]
	for _, id := range ids {
		if _, live := s.live[id]; live {
			out = append(out, id)
		}
	}
	return out
}

// liveIDs returns the live set in ascending order.
func (s *Supervisor) liveIDs() []int {
	s.mu.Lock()
	ids := make([]int, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// sendTo is the channel transport: it addresses workers by id.
func (s *Supervisor) sendTo(id int, msg ipc.Message) error {
	s.mu.Lock()
	w := s.procs[id]
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("%w: %d", ErrWorkerNotRunning, id)
	}
	return w.conn.Send(msg)
}
