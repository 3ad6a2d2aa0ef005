// Package orchestrator wires the supervisor, the admin server, metrics and
// the dashboard into one service tree and runs it until a signal or an admin
// shutdown request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/thejerf/suture/v4"

	"github.com/randomizedcoder/go-prefork/internal/admin"
	"github.com/randomizedcoder/go-prefork/internal/config"
	"github.com/randomizedcoder/go-prefork/internal/metrics"
	"github.com/randomizedcoder/go-prefork/internal/preflight"
	"github.com/randomizedcoder/go-prefork/internal/process"
	"github.com/randomizedcoder/go-prefork/internal/supervisor"
	"github.com/randomizedcoder/go-prefork/internal/tui"
)

const statsTimeout = 2 * time.Second

// Options holds the collaborators of an Orchestrator.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// Out receives the exit summary. Defaults to os.Stdout.
	Out io.Writer

	// Spawner forks workers. Defaults to re-executing this binary with the
	// shared listener on cfg.Listen.
	Spawner supervisor.Spawner
}

// Orchestrator coordinates all components of a prefork server.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string
	out     io.Writer

	supervisorID string
	registry     *prometheus.Registry
	metrics      *metrics.Collector
	supervisor   *supervisor.Supervisor
	spawner      *process.ExecSpawner
	listener     net.Listener
	standalone   *standaloneApp
	admin        *admin.Server
	pool         *poolService
	tree         *suture.Supervisor

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	startTime    time.Time
}

// New builds every component. Nothing is forked until Run.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("orchestrator: config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	o := &Orchestrator{
		config:       cfg,
		logger:       logger,
		version:      opts.Version,
		out:          out,
		supervisorID: uuid.New().String(),
		registry:     prometheus.NewRegistry(),
		shutdownCh:   make(chan struct{}),
	}
	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector, err := metrics.NewCollector(o.registry, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: metrics: %w", err)
	}
	o.metrics = collector

	spawner := opts.Spawner
	if spawner == nil && !cfg.Standalone {
		if spawner, err = o.newExecSpawner(); err != nil {
			o.close()
			return nil, err
		}
	}
	o.standalone = newStandaloneApp(cfg.WorkerConfig(), o.registry, logger)

	o.supervisor = supervisor.New(supervisor.Config{
		Spawner:    spawner,
		Standalone: o.standalone,
		Logger:     logger,
		Recorder:   collector,
		Backoff:    cfg.Backoff(),
	})
	if cfg.WorkerStatsMetrics && !cfg.Standalone {
		o.registry.MustRegister(metrics.NewWorkerStatsCollector(o.supervisor, statsTimeout))
	}

	o.tree = newTree(logger, cfg.ShutdownTimeout)
	o.pool = newPoolService(o.supervisor, cfg.PoolOptions(), cfg.ShutdownTimeout, logger)
	o.tree.Add(o.pool)

	if cfg.AdminAddr != "" {
		o.admin, err = admin.NewServer(admin.Config{
			Addr:         cfg.AdminAddr,
			Pool:         o.supervisor,
			Gatherer:     o.registry,
			Logger:       logger,
			StatsTimeout: statsTimeout,
			OnShutdown:   o.RequestShutdown,
		})
		if err != nil {
			o.close()
			return nil, fmt.Errorf("orchestrator: admin: %w", err)
		}
		o.tree.Add(o.admin)
	}

	return o, nil
}

// newExecSpawner opens the shared listener and a spawner that forks this binary.
func (o *Orchestrator) newExecSpawner() (*process.ExecSpawner, error) {
	ln, err := net.Listen("tcp", o.config.Listen)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listen %s: %w", o.config.Listen, err)
	}
	o.listener = ln

	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("orchestrator: listener %T cannot be shared", ln)
	}
	runner, err := process.NewSelfRunner(o.config.WorkerConfig(), o.supervisorID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	spawner, err := process.NewExecSpawner(runner, tcp, o.logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if o.config.TUIEnabled {
		spawner.SetStdout(io.Discard)
	}
	o.spawner = spawner
	return spawner, nil
}

// Run starts the pool and blocks until a shutdown signal, an admin shutdown
// request, the dashboard quitting, or ctx ending. The pool is retired before
// Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()
	defer o.close()

	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Workers: o.config.PoolOptions().TargetWorkerCount,
			AppRoot: o.config.AppRoot,
			Listen:  o.config.Listen,
		})
		if !o.config.TUIEnabled {
			preflight.PrintResults(o.out, result)
		}
		if !result.Passed {
			return errors.New("preflight checks failed (use -skip-preflight to override)")
		}
	}
	for _, w := range config.Warnings(o.config) {
		o.logger.Warn("config_warning", "warning", w)
	}

	o.logger.Info("supervisor_starting",
		"version", o.version,
		"supervisor_id", o.supervisorID,
		"listen", o.config.Listen,
		"admin_addr", o.config.AdminAddr,
		"standalone", o.config.Standalone,
	)

	treeCtx, stopTree := context.WithCancel(context.Background())
	defer stopTree()
	treeDone := o.tree.ServeBackground(treeCtx)

	select {
	case <-o.pool.Started():
	case err := <-treeDone:
		if startErr := o.pool.StartErr(); startErr != nil {
			return fmt.Errorf("start pool: %w", startErr)
		}
		return fmt.Errorf("service tree stopped: %w", err)
	case <-ctx.Done():
		stopTree()
		<-treeDone
		return ctx.Err()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	program, tuiDone := o.startTUI()

	treeStopped := false
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				go o.restart(ctx)
				continue
			}
			o.logger.Info("received_signal", "signal", sig.String())
			break loop
		case <-o.shutdownCh:
			o.logger.Info("shutdown_requested")
			break loop
		case err := <-tuiDone:
			if err != nil {
				o.logger.Warn("tui_error", "error", err)
			}
			break loop
		case err := <-treeDone:
			treeStopped = true
			if err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("service_tree_stopped", "error", err)
			}
			break loop
		case <-ctx.Done():
			o.logger.Info("context_cancelled")
			break loop
		}
	}

	tui.SendQuit(program)
	stopTree()
	if !treeStopped {
		<-treeDone
	}
	if unstopped, err := o.tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		o.logger.Warn("services_not_stopped", "count", len(unstopped))
	}

	o.printExitSummary()
	return nil
}

// restart rolls the pool on SIGHUP.
func (o *Orchestrator) restart(ctx context.Context) {
	o.logger.Info("restart_requested", "signal", "SIGHUP")
	restarted, err := o.supervisor.RestartWorkers(ctx, true)
	switch {
	case err != nil:
		o.logger.Error("restart_failed", "error", err)
	case !restarted:
		o.logger.Info("restart_skipped", "reason", "already_running")
	}
}

// startTUI runs the dashboard when enabled. The returned channel is nil when
// it is not.
func (o *Orchestrator) startTUI() (*tea.Program, <-chan error) {
	if !o.config.TUIEnabled {
		return nil, nil
	}
	model := tui.New(tui.Config{
		Listen:     o.config.Listen,
		AdminAddr:  o.config.AdminAddr,
		Source:     tui.SnapshotFunc(o.supervisor.Snapshot),
		Summary:    o.metrics,
		Controller: o.supervisor,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())
	done := make(chan error, 1)
	go func() {
		_, err := program.Run()
		done <- err
	}()
	return program, done
}

// RequestShutdown makes Run return. It is safe to call more than once.
func (o *Orchestrator) RequestShutdown() {
	o.shutdownOnce.Do(func() { close(o.shutdownCh) })
}

// Supervisor returns the pool supervisor.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor {
	return o.supervisor
}

// Metrics returns the metrics collector.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// AdminAddr blocks until the admin server listens and returns its address.
func (o *Orchestrator) AdminAddr(ctx context.Context) (net.Addr, error) {
	if o.admin == nil {
		return nil, errors.New("orchestrator: admin server disabled")
	}
	return o.admin.Addr(ctx)
}

func (o *Orchestrator) close() {
	if o.supervisor != nil {
		o.supervisor.Close()
	}
	if o.spawner != nil {
		o.spawner.Close()
	}
	if o.listener != nil {
		o.listener.Close()
	}
}
