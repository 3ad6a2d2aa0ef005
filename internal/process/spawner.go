package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
	"github.com/randomizedcoder/go-prefork/internal/logging"
	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

// FileListener is a listener whose descriptor can be shared with a child,
// such as *net.TCPListener or *net.UnixListener.
type FileListener interface {
	File() (*os.File, error)
}

// ExecSpawner starts workers as child processes. Each child gets one end of a
// control socket pair on FD 3 and, when configured, the shared listener on FD 4.
type ExecSpawner struct {
	runner   Runner
	listener *os.File
	stdout   io.Writer
	logger   *slog.Logger
}

// NewExecSpawner creates a spawner. ln may be nil, in which case workers open
// their own listener.
func NewExecSpawner(runner Runner, ln FileListener, logger *slog.Logger) (*ExecSpawner, error) {
	if runner == nil {
		return nil, errors.New("process: runner is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &ExecSpawner{
		runner: runner,
		stdout: os.Stdout,
		logger: logger,
	}
	if ln != nil {
		f, err := ln.File()
		if err != nil {
			return nil, fmt.Errorf("process: share listener: %w", err)
		}
		s.listener = f
	}
	return s, nil
}

// SetStdout redirects worker stdout (the startup banner). Defaults to os.Stdout.
func (s *ExecSpawner) SetStdout(w io.Writer) {
	s.stdout = w
}

// Close releases the spawner's copy of the listener descriptor.
func (s *ExecSpawner) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Spawn forks worker id.
func (s *ExecSpawner) Spawn(ctx context.Context, id int) (supervisor.Process, error) {
	cmd, err := s.runner.BuildCommand(ctx, id)
	if err != nil {
		return nil, err
	}

	conn, childEnd, err := ipc.SocketPair()
	if err != nil {
		return nil, err
	}
	cmd.ExtraFiles = []*os.File{childEnd}
	if s.listener != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, s.listener)
	}

	relay := logging.NewOutputRelay(id, s.logger)
	pr, pw := io.Pipe()
	cmd.Stdout = s.stdout
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		conn.Close()
		pw.Close()
		return nil, fmt.Errorf("process: start worker %d: %w", id, err)
	}
	// The child holds its own copy now.
	childEnd.Close()

	p := &Proc{
		cmd:     cmd,
		conn:    conn,
		relay:   relay,
		pipe:    pw,
		drained: make(chan struct{}),
	}
	go func() {
		defer close(p.drained)
		relay.HandleReader(pr)
	}()

	s.logger.Debug("process_started",
		"worker_id", id,
		"pid", cmd.Process.Pid,
		"runner", s.runner.Name(),
	)
	return p, nil
}

// Proc is a running worker process.
type Proc struct {
	cmd     *exec.Cmd
	conn    *ipc.Conn
	relay   *logging.OutputRelay
	pipe    *io.PipeWriter
	drained chan struct{}

	waitOnce sync.Once
	waitErr  error
}

// Pid returns the operating-system process id.
func (p *Proc) Pid() int { return p.cmd.Process.Pid }

// Conn returns the supervisor end of the control socket.
func (p *Proc) Conn() *ipc.Conn { return p.conn }

// Signal delivers sig to the worker.
func (p *Proc) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Wait blocks until the process exits and its output has been relayed.
func (p *Proc) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.pipe.Close()
		<-p.drained
	})
	return p.waitErr
}

// RecentOutput returns the last n stderr lines.
func (p *Proc) RecentOutput(n int) []string {
	return p.relay.RecentLines(n)
}
