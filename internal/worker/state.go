package worker

// State is the lifecycle phase of a worker process.
type State int

const (
	// StateStarting covers config validation and application startup.
	StateStarting State = iota

	// StateServing means the listener accepts connections and heartbeats are flowing.
	StateServing

	// StateStopping means the worker is draining connections after a shutDown command.
	StateStopping

	// StateTerminated is final.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the worker will do no more work.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}
