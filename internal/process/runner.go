// Package process forks worker processes by re-executing the supervisor's
// own binary with a worker environment.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/randomizedcoder/go-prefork/internal/worker"
)

// Runner creates executable commands for workers.
type Runner interface {
	// BuildCommand returns a ready-to-start command for the given worker.
	// The command should NOT be started yet.
	BuildCommand(ctx context.Context, workerID int) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string
}

// SelfRunner re-executes a binary (by default the running one) as a worker.
type SelfRunner struct {
	Path         string
	Args         []string
	Env          []string // extra variables, on top of the inherited environment
	Config       worker.Config
	SupervisorID string
}

// NewSelfRunner builds a runner for the running executable.
func NewSelfRunner(cfg worker.Config, supervisorID string) (*SelfRunner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("process: resolve executable: %w", err)
	}
	return &SelfRunner{
		Path:         path,
		Config:       cfg,
		SupervisorID: supervisorID,
	}, nil
}

// Name returns the runner name.
func (r *SelfRunner) Name() string {
	return "self"
}

// BuildCommand prepares the worker command. The process is deliberately not
// bound to ctx: a worker outlives the request that forked it and is stopped
// through the supervisor.
func (r *SelfRunner) BuildCommand(ctx context.Context, workerID int) (*exec.Cmd, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, err := r.Config.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(r.Path, r.Args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		worker.EnvWorkerID+"="+strconv.Itoa(workerID),
		worker.EnvWorkerConfig+"="+blob,
		worker.EnvSupervisorID+"="+r.SupervisorID,
	)
	// Own process group so a terminal ^C reaches the supervisor only.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}
