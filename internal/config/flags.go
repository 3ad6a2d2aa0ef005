package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

// flagKeys maps flag names to koanf keys.
var flagKeys = map[string]string{
	"workers":              "workers",
	"worker-timeout":       "worker_timeout",
	"heartbeat-interval":   "heartbeat_interval",
	"standalone":           "standalone",
	"listen":               "listen",
	"app-root":             "app_root",
	"dev":                  "dev",
	"banner":               "print_banner",
	"admin":                "admin_addr",
	"worker-stats-metrics": "worker_stats_metrics",
	"log-format":           "log_format",
	"log-level":            "log_level",
	"v":                    "verbose",
	"tui":                  "tui",
	"skip-preflight":       "skip_preflight",
	"shutdown-timeout":     "shutdown_timeout",
	"backoff-initial":      "backoff_initial",
	"backoff-max":          "backoff_max",
	"backoff-multiply":     "backoff_multiply",
}

// newFlagSet declares the serve flags. Flag values only matter when set
// explicitly; Load reads them back through flagKeys.
func newFlagSet(stderr io.Writer) (*flag.FlagSet, *string) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("prefork", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML config file (env "+ConfigPathEnvVar+")")

	// Pool
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of worker processes (0 = one per CPU)")
	fs.DurationVar(&cfg.WorkerTimeout, "worker-timeout", cfg.WorkerTimeout, "Replace a worker silent for this long (0 = never)")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Worker heartbeat interval")
	fs.BoolVar(&cfg.Standalone, "standalone", cfg.Standalone, "Serve in-process without forking workers")

	// Served application
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Address the workers share")
	fs.StringVar(&cfg.AppRoot, "app-root", cfg.AppRoot, "Directory served by the application")
	fs.BoolVar(&cfg.Dev, "dev", cfg.Dev, "Development mode (no caching)")
	fs.BoolVar(&cfg.PrintBanner, "banner", cfg.PrintBanner, "Print a banner when a worker starts")

	// Observability
	fs.StringVar(&cfg.AdminAddr, "admin", cfg.AdminAddr, `Admin HTTP address ("" = disabled)`)
	fs.BoolVar(&cfg.WorkerStatsMetrics, "worker-stats-metrics", cfg.WorkerStatsMetrics, "Export per-worker stats on /metrics")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Diagnostics
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Shutdown and healing
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful drain time before workers are terminated")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First heal retry delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Longest heal retry delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Heal retry delay multiplier")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `prefork - pre-forking worker pool supervisor

Usage:
  prefork [flags]                 run the supervisor
  prefork status   [-admin addr]  show pool status
  prefork restart  [-admin addr]  rolling restart
  prefork shutdown [-admin addr]  retire all workers
  prefork version

Pool:
`)
		printFlagCategory(fs, stderr, []string{"workers", "worker-timeout", "heartbeat-interval", "standalone"})
		fmt.Fprintf(stderr, "\nApplication:\n")
		printFlagCategory(fs, stderr, []string{"listen", "app-root", "dev", "banner"})
		fmt.Fprintf(stderr, "\nObservability:\n")
		printFlagCategory(fs, stderr, []string{"admin", "worker-stats-metrics", "log-format", "log-level", "v", "tui"})
		fmt.Fprintf(stderr, "\nLifecycle:\n")
		printFlagCategory(fs, stderr, []string{"config", "skip-preflight", "shutdown-timeout", "backoff-initial", "backoff-max", "backoff-multiply"})
		fmt.Fprintf(stderr, `
Environment:
  Every option can be set as PREFORK_<KEY>, e.g. PREFORK_WORKERS=4.

Signals:
  SIGHUP            graceful rolling restart
  SIGINT, SIGTERM   drain workers and exit
`)
	}
	return fs, configPath
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}
	if _, err := time.ParseDuration(f.DefValue); err == nil && strings.ContainsAny(f.DefValue, "smh") {
		return "duration"
	}
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}
	return "string"
}

// ClientConfig configures the status, restart and shutdown commands.
type ClientConfig struct {
	AdminAddr string
	Graceful  bool
	Timeout   time.Duration
	Watch     bool
}

// ParseClientFlags parses the flags of a client command.
func ParseClientFlags(command string, args []string, stderr io.Writer) (*ClientConfig, error) {
	cc := &ClientConfig{
		AdminAddr: DefaultConfig().AdminAddr,
		Graceful:  true,
		Timeout:   time.Minute,
	}
	fs := flag.NewFlagSet("prefork "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cc.AdminAddr, "admin", cc.AdminAddr, "Admin HTTP address of the supervisor")
	fs.DurationVar(&cc.Timeout, "timeout", cc.Timeout, "Request timeout")
	switch command {
	case "restart", "shutdown":
		fs.BoolVar(&cc.Graceful, "graceful", cc.Graceful, "Let workers drain before exiting")
	case "status":
		fs.BoolVar(&cc.Watch, "watch", cc.Watch, "Show a live dashboard")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cc.AdminAddr == "" {
		return nil, ValidationError{Field: "admin", Message: "admin address is required"}
	}
	return cc, nil
}
