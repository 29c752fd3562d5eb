package process

import "errors"

var (
	// ErrStartFailed is returned when the service command could not be launched.
	ErrStartFailed = errors.New("service failed to start")
	// ErrExitedEarly is returned when the process died before it was observed ready.
	ErrExitedEarly = errors.New("service exited early")
	// ErrOutputTimeout is returned when the wait-for-output substring never appeared.
	ErrOutputTimeout = errors.New("timed out waiting for service output")
	// ErrCleanup is returned when a process could not be confirmed dead after SIGKILL.
	ErrCleanup = errors.New("service cleanup failed")
	// ErrInvalidTransition is returned for an illegal lifecycle state change.
	ErrInvalidTransition = errors.New("invalid state transition")
)
