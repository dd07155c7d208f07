package analysis

import "errors"

var (
	// ErrNotFound is returned when the call or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a recovery action races an active run.
	ErrConflict = errors.New("analysis already in progress")
	// ErrForbidden is returned when the caller is neither the owner nor an admin.
	ErrForbidden = errors.New("caller may not act on this call")
	// ErrDispatchFailed is returned when the worker could not be reached.
	ErrDispatchFailed = errors.New("failed to dispatch analysis")
	// ErrJobNotRunnable is returned when a step targets a cancelled or failed job.
	ErrJobNotRunnable = errors.New("job is not runnable")
)
