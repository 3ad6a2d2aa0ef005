package worker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Environment variables carrying the per-worker startup blob.
const (
	EnvWorkerID     = "PREFORK_WORKER_ID"
	EnvWorkerConfig = "PREFORK_WORKER_CONFIG"
	EnvSupervisorID = "PREFORK_SUPERVISOR_ID"
)

// DefaultHeartbeatInterval is used when the blob does not set one.
const DefaultHeartbeatInterval = time.Second

// ErrAppRootMissing is fatal at startup.
var ErrAppRootMissing = errors.New("worker: application root does not exist")

// Config is the startup blob handed to every forked worker. The supervisor
// treats it as opaque; only the worker and the served application read it.
type Config struct {
	AppRoot           string        `json:"app_root"`
	Listen            string        `json:"listen"` // used when no listener is inherited
	Dev               bool          `json:"dev"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	PrintBanner       bool          `json:"print_banner"`
	Debug             bool          `json:"debug"` // behave as if a debugger were attached
	LogFormat         string        `json:"log_format"`
	LogLevel          string        `json:"log_level"`
}

// Encode renders the config for the environment.
func (c Config) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("worker: encode config: %w", err)
	}
	return string(data), nil
}

// DecodeConfig parses a blob produced by Config.Encode.
func DecodeConfig(blob string) (Config, error) {
	var cfg Config
	if blob == "" {
		return cfg, errors.New("worker: empty config blob")
	}
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return cfg, fmt.Errorf("worker: decode config: %w", err)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return cfg, nil
}

// validate checks the inbound configuration before the application starts.
func (c Config) validate() error {
	if c.AppRoot == "" {
		return fmt.Errorf("%w: app_root is empty", ErrAppRootMissing)
	}
	info, err := os.Stat(c.AppRoot)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAppRootMissing, c.AppRoot)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrAppRootMissing, c.AppRoot)
	}
	return nil
}

// IsWorker reports whether this process was forked by a supervisor.
func IsWorker() bool {
	return os.Getenv(EnvWorkerID) != ""
}

// Environment is what a forked worker learns from its environment.
type Environment struct {
	ID           int
	SupervisorID string
	Config       Config
}

// FromEnvironment reads the blob the supervisor attached at fork time.
func FromEnvironment() (Environment, error) {
	var env Environment

	id, err := strconv.Atoi(os.Getenv(EnvWorkerID))
	if err != nil || id <= 0 {
		return env, fmt.Errorf("worker: invalid %s %q", EnvWorkerID, os.Getenv(EnvWorkerID))
	}
	cfg, err := DecodeConfig(os.Getenv(EnvWorkerConfig))
	if err != nil {
		return env, err
	}

	env.ID = id
	env.SupervisorID = os.Getenv(EnvSupervisorID)
	env.Config = cfg
	return env, nil
}
