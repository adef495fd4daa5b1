package toolchain

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// terminateGrace is how long a terminated process gets between SIGTERM
// and SIGKILL.
const terminateGrace = 10 * time.Second

// NewExecRunner creates a Runner that spawns the toolchain as a local
// child process.
func NewExecRunner(log logrus.FieldLogger) Runner {
	return &execRunner{
		log: log.WithField("component", "toolchain-exec"),
	}
}

type execRunner struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Runner = (*execRunner)(nil)

// Start spawns the invocation via os/exec. Output writers are attached
// directly to the process so bytes reach them without extra buffering.
func (r *execRunner) Start(ctx context.Context, inv *Invocation) (Handle, error) {
	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr

	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}

	// Prefer SIGTERM on cancellation so the toolchain can clean up
	// partial SDK state; escalate to SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: inv.Command, Err: err}
	}

	r.log.WithFields(logrus.Fields{
		"command": inv.Command,
		"pid":     cmd.Process.Pid,
		"dir":     inv.Dir,
	}).Debug("Toolchain process started")

	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

// Ensure interface compliance.
var _ Handle = (*execHandle)(nil)

// Wait reaps the process and returns its exit code. A crash or signal
// death is reported as the shell-style exit code from ProcessState.
func (h *execHandle) Wait(_ context.Context) (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, err
}

// Terminate sends SIGTERM to the process.
func (h *execHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}

	return h.cmd.Process.Signal(syscall.SIGTERM)
}
