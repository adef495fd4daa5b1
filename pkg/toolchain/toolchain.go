// Package toolchain abstracts the external native build toolchain. The
// toolchain is an opaque executable: it is handed an argument vector and
// a working directory, and its combined output is streamed to the
// caller's writers as it arrives.
package toolchain

import (
	"context"
	"fmt"
	"io"
)

// Invocation describes a single toolchain run.
type Invocation struct {
	// Command is the executable to run.
	Command string

	// Args is the argument vector, not including the command itself.
	Args []string

	// Dir is the working directory for the process. Must exist.
	Dir string

	// Env holds additional environment variables as KEY=VALUE entries,
	// appended to the server's own environment.
	Env []string

	// Stdout and Stderr receive the process output as it arrives.
	// Both may point at the same writer.
	Stdout io.Writer
	Stderr io.Writer
}

// Handle refers to an in-flight toolchain process. It is valid from
// Start until Wait returns.
type Handle interface {
	// Wait blocks until the process exits and returns its exit code.
	// A non-nil error means the exit status could not be determined;
	// a non-zero code with a nil error is a normal toolchain failure.
	Wait(ctx context.Context) (int, error)

	// Terminate asks the process to stop. Best-effort; Wait still must
	// be called to reap the process.
	Terminate() error
}

// Runner starts toolchain invocations. Implementations exist for local
// processes and for containerized execution.
type Runner interface {
	Start(ctx context.Context, inv *Invocation) (Handle, error)
}

// SpawnError indicates the toolchain executable could not be started at
// all, for example because it does not exist.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning toolchain %q: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}
