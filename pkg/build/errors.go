package build

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Submit when the number of queued and
	// building records is at the admission ceiling. No build number is
	// allocated; the caller should retry later.
	ErrQueueFull = errors.New("build queue is full")

	// ErrBuildNotFound is returned for build numbers the registry does
	// not know, including numbers that have been evicted.
	ErrBuildNotFound = errors.New("build not found")

	// ErrBuildNotCompleted is returned when a post-build action is
	// requested against a record that is not in the complete state.
	ErrBuildNotCompleted = errors.New("build not completed")

	// ErrActionNotSupported is returned when an action is disabled on
	// this host, such as emulate when allows_emulate is off.
	ErrActionNotSupported = errors.New("action not supported on this host")
)

// ValidationError rejects a malformed submission before a record exists.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid build options: %s: %s", e.Field, e.Reason)
}
