// Package main provides the go-prefork CLI entry point.
//
// go-prefork keeps a pool of forked worker processes serving one shared
// listening socket. The same binary runs the supervisor, the workers it
// forks, and the status/restart/shutdown commands that talk to a running
// supervisor over its admin endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/randomizedcoder/go-prefork/internal/app"
	"github.com/randomizedcoder/go-prefork/internal/config"
	"github.com/randomizedcoder/go-prefork/internal/logging"
	"github.com/randomizedcoder/go-prefork/internal/orchestrator"
	"github.com/randomizedcoder/go-prefork/internal/worker"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/prefork
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Forked workers are recognized by their environment, not their arguments.
	if worker.IsWorker() {
		return runWorker()
	}

	if len(args) > 0 {
		switch args[0] {
		case "-version", "--version", "version":
			fmt.Printf("go-prefork %s\n", version)
			return 0
		case "status":
			return runStatus(args[1:])
		case "restart":
			return runRestart(args[1:])
		case "shutdown":
			return runShutdown(args[1:])
		case "serve":
			args = args[1:]
		}
	}
	return runServe(args)
}

func runServe(args []string) int {
	cfg, err := config.Load(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info", false)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if cfg.ConfigFile != "" {
		logger.Info("config_file_loaded", "path", cfg.ConfigFile)
	}

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		logger.Error("orchestrator_init_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// runWorker is the body of a forked worker process.
func runWorker() int {
	env, err := worker.FromEnvironment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 1
	}

	// Worker stderr is relayed into the supervisor's log.
	logger := logging.NewLogger(env.Config.LogFormat, env.Config.LogLevel, false).
		With("worker_id", env.ID)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err = worker.RunFromEnvironment(ctx, logger, app.Factory)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_failed", "error", err)
		return 1
	}
	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	workers := "one per CPU"
	if cfg.Workers > 0 {
		workers = fmt.Sprintf("%d", cfg.Workers)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                          go-prefork                               ║")
	fmt.Println("║        Prefork Worker Pool with Self-Healing Supervision          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	if cfg.Standalone {
		fmt.Println("  Mode:        standalone (no workers)")
	} else {
		fmt.Printf("  Workers:     %s\n", workers)
		fmt.Printf("  Heartbeat:   every %s, timeout %s\n", cfg.HeartbeatInterval, cfg.WorkerTimeout)
	}
	fmt.Printf("  Listen:      %s\n", cfg.Listen)
	fmt.Printf("  App root:    %s\n", cfg.AppRoot)
	if cfg.AdminAddr != "" {
		fmt.Printf("  Admin:       http://%s (metrics at /metrics)\n", cfg.AdminAddr)
	}
	if cfg.Dev {
		fmt.Println("  Dev mode:    caching disabled")
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop, send SIGHUP to restart workers.")
	fmt.Println()
}
