// Package config provides configuration management for go-prefork.
//
// Values are layered: built-in defaults, then an optional YAML file
// (-config or PREFORK_CONFIG), then PREFORK_* environment variables, then
// flags given explicitly on the command line.
package config

import (
	"time"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
	"github.com/randomizedcoder/go-prefork/internal/worker"
)

// Config holds all configuration options for the supervisor.
type Config struct {
	// Pool
	Workers           int           `koanf:"workers"` // 0 = one per CPU
	WorkerTimeout     time.Duration `koanf:"worker_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	Standalone        bool          `koanf:"standalone"` // serve in-process, no workers

	// Served application
	Listen      string `koanf:"listen"`
	AppRoot     string `koanf:"app_root"`
	Dev         bool   `koanf:"dev"`
	PrintBanner bool   `koanf:"print_banner"`

	// Observability
	AdminAddr          string `koanf:"admin_addr"` // empty = disabled
	WorkerStatsMetrics bool   `koanf:"worker_stats_metrics"`
	LogFormat          string `koanf:"log_format"` // json, text
	LogLevel           string `koanf:"log_level"`
	Verbose            bool   `koanf:"verbose"`
	TUIEnabled         bool   `koanf:"tui"`

	// Diagnostics
	SkipPreflight bool `koanf:"skip_preflight"`

	// Shutdown
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// Heal backoff
	BackoffInitial  time.Duration `koanf:"backoff_initial"`
	BackoffMax      time.Duration `koanf:"backoff_max"`
	BackoffMultiply float64       `koanf:"backoff_multiply"`

	// ConfigFile is the YAML file that was loaded, if any.
	ConfigFile string `koanf:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Pool
		Workers:           0,
		WorkerTimeout:     5 * time.Second,
		HeartbeatInterval: supervisor.DefaultHeartbeatInterval,

		// Served application
		Listen:      ":8080",
		AppRoot:     "public",
		PrintBanner: true,

		// Observability
		AdminAddr:          "127.0.0.1:17090",
		WorkerStatsMetrics: true,
		LogFormat:          "json",
		LogLevel:           "info",

		// Shutdown
		ShutdownTimeout: 30 * time.Second,

		// Heal backoff
		BackoffInitial:  250 * time.Millisecond,
		BackoffMax:      30 * time.Second,
		BackoffMultiply: 2.0,
	}
}

// PoolOptions converts the config to supervisor options.
func (c *Config) PoolOptions() supervisor.Options {
	return supervisor.Options{
		TargetWorkerCount: c.Workers,
		WorkerTimeout:     c.WorkerTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		UseSupervisor:     !c.Standalone,
	}
}

// Backoff returns the heal backoff settings.
func (c *Config) Backoff() supervisor.BackoffConfig {
	return supervisor.BackoffConfig{
		Initial:    c.BackoffInitial,
		Max:        c.BackoffMax,
		Multiplier: c.BackoffMultiply,
	}
}

// WorkerConfig builds the startup blob handed to every worker.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		AppRoot:           c.AppRoot,
		Listen:            c.Listen,
		Dev:               c.Dev,
		HeartbeatInterval: c.HeartbeatInterval,
		PrintBanner:       c.PrintBanner,
		LogFormat:         c.LogFormat,
		LogLevel:          c.effectiveLogLevel(),
	}
}

func (c *Config) effectiveLogLevel() string {
	if c.Verbose {
		return "debug"
	}
	return c.LogLevel
}
