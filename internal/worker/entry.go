package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
)

// InheritedListener opens the shared listening socket passed on ipc.ListenerFD.
// It returns nil, nil when the supervisor did not pass one.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(uintptr(ipc.ListenerFD), "prefork-listener")
	if f == nil {
		return nil, nil
	}
	defer f.Close()

	if _, err := f.Stat(); err != nil {
		return nil, nil
	}
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("worker: open inherited listener: %w", err)
	}
	return ln, nil
}

// RunFromEnvironment is the body of a forked worker process: it reads the
// startup blob, attaches to the inherited descriptors and runs the lifecycle.
// newApp builds the served application from the decoded configuration.
func RunFromEnvironment(ctx context.Context, logger *slog.Logger, newApp func(Config, *slog.Logger) (App, error)) error {
	env, err := FromEnvironment()
	if err != nil {
		return err
	}
	logger = logger.With("supervisor_id", env.SupervisorID)

	conn, err := ipc.InheritedConn(ipc.ControlFD)
	if err != nil {
		return err
	}

	ln, err := InheritedListener()
	if err != nil {
		conn.Close()
		return err
	}

	app, err := newApp(env.Config, logger)
	if err != nil {
		if ln != nil {
			ln.Close()
			ln = nil
		}
		// Still go through the lifecycle so the supervisor hears shutDownWorker.
		app = nil
		logger.Error("app_construct_failed", "error", err)
	}

	lc := New(Options{
		ID:       env.ID,
		Config:   env.Config,
		App:      app,
		Conn:     conn,
		Listener: ln,
		Logger:   logger,
	})
	return lc.Run(ctx)
}
