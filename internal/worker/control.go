package worker

import (
	"context"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
)

// PoolStatusChannel is served by the supervisor for worker callers.
const PoolStatusChannel = "poolStatus"

// PoolStatus is the poolStatus response.
type PoolStatus struct {
	Target     int  `json:"target"`
	Live       int  `json:"live"`
	Restarting bool `json:"restarting"`
}

// Control is a worker's handle on its supervisor.
type Control interface {
	// RequestRestart asks the supervisor to restart the whole pool. It does
	// not wait for the restart.
	RequestRestart(gracefully bool) error

	PoolStatus(ctx context.Context) (PoolStatus, error)
}

// Attacher is implemented by applications that use a Control. Attach is
// called once, before Start.
type Attacher interface {
	Attach(c Control)
}

var _ Control = (*Lifecycle)(nil)

// RequestRestart implements Control.
func (l *Lifecycle) RequestRestart(gracefully bool) error {
	return l.conn.Send(ipc.SilentRestart{Gracefully: gracefully})
}

// PoolStatus implements Control.
func (l *Lifecycle) PoolStatus(ctx context.Context) (PoolStatus, error) {
	return ipc.Invoke[PoolStatus](ctx, l.channel, PoolStatusChannel, nil, 0)
}
