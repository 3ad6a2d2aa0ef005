package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("supervisor: already started")

	// ErrNotStarted is returned by pool operations before Start.
	ErrNotStarted = errors.New("supervisor: not started")

	// ErrForkGroup marks a fork group that did not come up as a whole.
	ErrForkGroup = errors.New("supervisor: fork group failed")

	// ErrWorkerExited is returned when a worker exits before reporting listening.
	ErrWorkerExited = errors.New("supervisor: worker exited before listening")

	// ErrWorkerNotRunning is returned when addressing an id with no process.
	ErrWorkerNotRunning = errors.New("supervisor: worker not running")

	// ErrNoStandalone is returned when non-supervised mode has nothing to run.
	ErrNoStandalone = errors.New("supervisor: no standalone application configured")
)

// ForkGroupError reports the member failure that aborted a fork group.
type ForkGroupError struct {
	Size  int
	Cause error
}

func (e *ForkGroupError) Error() string {
	return fmt.Sprintf("supervisor: fork group of %d failed: %v", e.Size, e.Cause)
}

// Unwrap exposes both ErrForkGroup and the member cause.
func (e *ForkGroupError) Unwrap() []error {
	return []error{ErrForkGroup, e.Cause}
}
