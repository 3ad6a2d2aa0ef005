// Package supervisor keeps a pool of forked worker processes at its target
// size, replacing workers that crash or stop heartbeating and rolling the
// pool on restart without dropping below capacity.
package supervisor

// State is the phase of a forked worker as seen by the supervisor.
type State int

const (
	// StateForking means the process exists but has not reported listening yet.
	StateForking State = iota

	// StateReady means the worker reported listening and is serving.
	StateReady

	// StateRetiring means a kill reason is recorded and the exit is pending.
	StateRetiring
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateForking:
		return "forking"
	case StateReady:
		return "ready"
	case StateRetiring:
		return "retiring"
	default:
		return "unknown"
	}
}

// KillReason records why the supervisor terminated a worker. An exit without
// a recorded reason is a crash.
type KillReason string

const (
	KillTimeout  KillReason = "timeout"
	KillReplace  KillReason = "replace"
	KillShutdown KillReason = "shutdown"
)

// ExitCrash labels an exit with no kill reason in metrics and logs.
const ExitCrash = "crash"
