package supervisor

import (
	"fmt"
	"runtime"
	"time"
)

// DefaultHeartbeatInterval applies when Options.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = time.Second

// Options configures the pool.
type Options struct {
	// TargetWorkerCount is the pool size. Zero means runtime.NumCPU().
	TargetWorkerCount int

	// WorkerTimeout is the heartbeat silence after which a worker is replaced.
	// Zero disables heartbeat detection.
	WorkerTimeout time.Duration

	// HeartbeatInterval is the scan cadence and the workers' heartbeat period.
	HeartbeatInterval time.Duration

	// UseSupervisor forks workers. When false the Standalone runs in-process.
	UseSupervisor bool
}

// normalize fills defaults and corrects a timeout that could never be met.
func (o Options) normalize() (Options, []string) {
	var warnings []string

	if o.TargetWorkerCount <= 0 {
		o.TargetWorkerCount = runtime.NumCPU()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.WorkerTimeout > 0 && o.WorkerTimeout <= o.HeartbeatInterval {
		corrected := 2 * o.HeartbeatInterval
		warnings = append(warnings, fmt.Sprintf(
			"worker timeout %s does not exceed heartbeat interval %s; using %s",
			o.WorkerTimeout, o.HeartbeatInterval, corrected))
		o.WorkerTimeout = corrected
	}
	return o, warnings
}
