package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/randomizedcoder/go-prefork/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Workers < 0 {
		errs = append(errs, ValidationError{Field: "workers", Message: "must not be negative"})
	}
	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, ValidationError{Field: "heartbeat_interval", Message: "must be positive"})
	}
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatInterval < 10*time.Millisecond {
		errs = append(errs, ValidationError{Field: "heartbeat_interval", Message: "must be at least 10ms"})
	}
	if cfg.WorkerTimeout < 0 {
		errs = append(errs, ValidationError{Field: "worker_timeout", Message: "must not be negative (0 disables the check)"})
	}

	if cfg.AppRoot == "" {
		errs = append(errs, ValidationError{Field: "app_root", Message: "is required"})
	}
	if err := validateAddr(cfg.Listen); err != nil {
		errs = append(errs, ValidationError{Field: "listen", Message: err.Error()})
	}
	if cfg.AdminAddr != "" {
		if err := validateAddr(cfg.AdminAddr); err != nil {
			errs = append(errs, ValidationError{Field: "admin_addr", Message: err.Error()})
		}
	}

	if !logging.ValidFormat(cfg.LogFormat) {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be json or text (got %q)", cfg.LogFormat),
		})
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, ValidationError{Field: "shutdown_timeout", Message: "must not be negative"})
	}

	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{Field: "backoff_initial", Message: "must be positive"})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{Field: "backoff_max", Message: "must be >= backoff_initial"})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{Field: "backoff_multiply", Message: "must be >= 1.0"})
	}

	if cfg.TUIEnabled && cfg.LogFormat == "text" && cfg.Verbose {
		errs = append(errs, ValidationError{Field: "tui", Message: "verbose text logs would corrupt the dashboard; use -log-format json"})
	}

	return errors.Join(errs...)
}

// Warnings returns non-fatal configuration notes.
func Warnings(cfg *Config) []string {
	var warnings []string
	if cfg.WorkerTimeout > 0 && cfg.WorkerTimeout <= cfg.HeartbeatInterval {
		warnings = append(warnings, fmt.Sprintf(
			"worker_timeout (%s) does not exceed heartbeat_interval (%s); it will be raised to %s",
			cfg.WorkerTimeout, cfg.HeartbeatInterval, 2*cfg.HeartbeatInterval))
	}
	if cfg.Standalone && cfg.Workers > 0 {
		warnings = append(warnings, "workers is ignored in standalone mode")
	}
	if cfg.Dev && !cfg.Standalone {
		warnings = append(warnings, "dev mode with a worker pool; use -standalone for quicker reloads")
	}
	return warnings
}

func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}
