// Package worker runs inside a forked process: it brings up the served
// application, reports readiness and liveness to the supervisor, and drains
// on command.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
)

// heartbeatLead shortens the heartbeat period so the worker's clock runs ahead
// of the supervisor's scan cadence.
const heartbeatLead = 0.95

// startFailureGrace bounds how long a worker whose startup failed waits for the
// supervisor to terminate it.
const startFailureGrace = 10 * time.Second

// App is the served application hosted by a worker.
type App interface {
	// Start begins serving on ln and returns once the listener accepts connections.
	Start(ctx context.Context, ln net.Listener) error

	// Shutdown stops accepting new connections and drains in-flight ones.
	Shutdown(ctx context.Context) error

	// Collectors returns the application's metrics for serverStats.
	Collectors() []prometheus.Collector
}

// Options configures a Lifecycle.
type Options struct {
	ID     int
	Pid    int // defaults to os.Getpid()
	Config Config
	App    App
	Conn   *ipc.Conn

	// Listener is the socket inherited from the supervisor. When nil the
	// worker listens on Config.Listen itself.
	Listener net.Listener

	Logger *slog.Logger
	Banner io.Writer // defaults to os.Stdout

	// DebuggerAttached overrides debugger detection (tests).
	DebuggerAttached func() bool
}

// Lifecycle drives one worker process from Starting to Terminated.
type Lifecycle struct {
	id       int
	cfg      Config
	app      App
	conn     *ipc.Conn
	listener net.Listener
	logger   *slog.Logger
	banner   io.Writer
	debugger func() bool

	channel  *ipc.Channel
	registry *prometheus.Registry

	state   State
	stateMu sync.RWMutex

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a Lifecycle.
func New(opts Options) *Lifecycle {
	pid := opts.Pid
	if pid == 0 {
		pid = os.Getpid()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker_id", opts.ID, "pid", pid)

	banner := opts.Banner
	if banner == nil {
		banner = os.Stdout
	}
	debugger := opts.DebuggerAttached
	if debugger == nil {
		debugger = func() bool { return opts.Config.Debug || DebuggerAttached() }
	}
	if opts.Config.HeartbeatInterval <= 0 {
		opts.Config.HeartbeatInterval = DefaultHeartbeatInterval
	}

	l := &Lifecycle{
		id:         opts.ID,
		cfg:        opts.Config,
		app:        opts.App,
		conn:       opts.Conn,
		listener:   opts.Listener,
		logger:     logger,
		banner:     banner,
		debugger:   debugger,
		state:      StateStarting,
		shutdownCh: make(chan struct{}),
	}
	l.channel = ipc.NewChannel(pid, ipc.TransportFunc(func(_ int, msg ipc.Message) error {
		return l.conn.Send(msg)
	}), logger)
	return l
}

// Run blocks until the worker has drained after a shutDown command, the
// supervisor connection is lost, or ctx is cancelled.
func (l *Lifecycle) Run(ctx context.Context) error {
	l.channel.SetHandlerContext(ctx)

	// The receive loop runs from the start so a supervisor that closes the
	// connection during a slow startup is noticed.
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		l.receive()
	}()

	if err := l.start(ctx); err != nil {
		l.logger.Error("worker_start_failed", "error", err)
		l.giveUp(ctx, recvDone)
		l.conn.Close()
		l.setState(StateTerminated)
		return err
	}

	l.setState(StateServing)
	l.logger.Info("worker_serving", "addr", l.listener.Addr().String())
	if l.cfg.PrintBanner {
		l.printBanner()
	}

	heartbeatDone := make(chan struct{})
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	if l.debugger() {
		l.logger.Info("heartbeat_disabled", "reason", "debugger_attached")
		close(heartbeatDone)
	} else {
		go func() {
			defer close(heartbeatDone)
			l.heartbeat(hbCtx)
		}()
	}

	var runErr error
	select {
	case <-l.shutdownCh:
		l.logger.Info("worker_shutdown_requested")
	case <-recvDone:
		l.logger.Warn("supervisor_connection_lost")
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	stopHeartbeat()
	<-heartbeatDone

	// Drain has no deadline of its own; a cancelled ctx short-circuits it.
	drainCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		drainCtx = ctx
	}
	l.stop(drainCtx)
	l.setState(StateTerminated)
	l.logger.Info("worker_terminated")
	return runErr
}

// start performs the Starting phase.
func (l *Lifecycle) start(ctx context.Context) error {
	if err := l.cfg.validate(); err != nil {
		return err
	}
	if l.app == nil {
		return errors.New("worker: no application configured")
	}

	registry, err := newRegistry(l.app)
	if err != nil {
		return err
	}
	l.registry = registry

	if l.listener == nil {
		ln, err := net.Listen("tcp", l.cfg.Listen)
		if err != nil {
			return fmt.Errorf("worker: listen on %s: %w", l.cfg.Listen, err)
		}
		l.listener = ln
	}

	if a, ok := l.app.(Attacher); ok {
		a.Attach(l)
	}
	if err := l.app.Start(ctx, l.listener); err != nil {
		l.listener.Close()
		return fmt.Errorf("worker: start application: %w", err)
	}

	if err := l.channel.RegisterHandler(StatsChannel, statsHandler(l.registry)); err != nil {
		return err
	}

	if err := l.conn.Send(ipc.Listening{Addr: l.listener.Addr().String()}); err != nil {
		return fmt.Errorf("worker: report listening: %w", err)
	}
	return nil
}

// giveUp asks the supervisor to retire this worker and waits to be terminated.
func (l *Lifecycle) giveUp(ctx context.Context, recvDone <-chan struct{}) {
	if err := l.conn.Send(ipc.ShutDownWorker{}); err != nil {
		l.logger.Warn("shutdown_worker_send_failed", "error", err)
		return
	}
	select {
	case <-recvDone:
	case <-ctx.Done():
	case <-l.shutdownCh:
	case <-time.After(startFailureGrace):
	}
}

// stop performs the Stopping phase.
func (l *Lifecycle) stop(ctx context.Context) {
	l.setState(StateStopping)

	if err := l.app.Shutdown(ctx); err != nil {
		l.logger.Warn("app_shutdown_error", "error", err)
	}
	// Shutdown normally closes the listener already.
	if err := l.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("listener_close_error", "error", err)
	}
	l.channel.FailPending(ipc.ErrClosed)
	l.conn.Close()
}

// heartbeat emits liveness messages until ctx is cancelled.
func (l *Lifecycle) heartbeat(ctx context.Context) {
	interval := time.Duration(float64(l.cfg.HeartbeatInterval) * heartbeatLead)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.conn.Send(ipc.Heartbeat{}); err != nil {
				l.logger.Debug("heartbeat_send_failed", "error", err)
				return
			}
		}
	}
}

// receive handles envelopes from the supervisor until the connection closes.
func (l *Lifecycle) receive() {
	for {
		msg, err := l.conn.Recv()
		if err != nil {
			if ipc.Skippable(err) {
				l.logger.Warn("envelope_rejected", "error", err)
				continue
			}
			return
		}

		if l.channel.Dispatch(0, msg) {
			continue
		}

		switch msg.(type) {
		case ipc.ShutDown:
			l.shutdownOnce.Do(func() { close(l.shutdownCh) })
		default:
			l.logger.Warn("unexpected_envelope", "kind", string(msg.Kind()))
		}
	}
}

// Channel exposes the worker side of the correlated channel.
func (l *Lifecycle) Channel() *ipc.Channel {
	return l.channel
}

// Registry returns the worker-local metrics registry. Nil before startup.
func (l *Lifecycle) Registry() *prometheus.Registry {
	return l.registry
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

func (l *Lifecycle) setState(s State) {
	l.stateMu.Lock()
	old := l.state
	l.state = s
	l.stateMu.Unlock()

	if old != s {
		l.logger.Debug("worker_state_changed", "from", old.String(), "to", s.String())
	}
}

func (l *Lifecycle) printBanner() {
	mode := "production"
	if l.cfg.Dev {
		mode = "development"
	}
	fmt.Fprintf(l.banner, "  worker %d (pid %d) serving %s on %s [%s]\n",
		l.id, os.Getpid(), l.cfg.AppRoot, l.listener.Addr(), mode)
}
