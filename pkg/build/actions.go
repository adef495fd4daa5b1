package build

import (
	"bytes"
	"context"
	"fmt"

	"github.com/forgelet/forgelet/pkg/toolchain"
	"github.com/sirupsen/logrus"
)

// ActionCommand is the device-bridge command backing one post-build
// action.
type ActionCommand struct {
	Command string
	Args    []string
}

// ActionsConfig gates and configures post-build actions.
type ActionsConfig struct {
	// AllowsEmulate reports whether this host supports the emulate
	// action.
	AllowsEmulate bool

	// Commands maps actions to their device-bridge commands. Actions
	// without a command are not supported on this host.
	Commands map[Action]ActionCommand
}

// Actions performs one-shot follow-on operations against a complete
// build's artifacts. Actions are idempotent at the API level and never
// mutate the build status; the first success records a marker.
type Actions interface {
	// Execute runs the action's device-bridge command against the
	// build's working directory and returns its combined output.
	// Failures are surfaced verbatim and never retried.
	Execute(ctx context.Context, number uint64, action Action) ([]byte, error)
}

// NewActions creates the post-build action dispatcher.
func NewActions(
	log logrus.FieldLogger,
	cfg *ActionsConfig,
	registry *Registry,
	runner toolchain.Runner,
) Actions {
	return &actions{
		log:      log.WithField("component", "actions"),
		cfg:      cfg,
		registry: registry,
		runner:   runner,
	}
}

type actions struct {
	log      logrus.FieldLogger
	cfg      *ActionsConfig
	registry *Registry
	runner   toolchain.Runner
}

// Ensure interface compliance.
var _ Actions = (*actions)(nil)

// Execute runs a post-build action for a build number.
func (a *actions) Execute(ctx context.Context, number uint64, action Action) ([]byte, error) {
	rec, err := a.registry.Get(number)
	if err != nil {
		return nil, err
	}

	switch rec.Status() {
	case StatusComplete:
	case StatusInvalid, StatusQueued, StatusBuilding, StatusError:
		return nil, ErrBuildNotCompleted
	}

	if action == ActionEmulate && !a.cfg.AllowsEmulate {
		return nil, ErrActionNotSupported
	}

	cmd, ok := a.cfg.Commands[action]
	if !ok {
		return nil, ErrActionNotSupported
	}

	opts := rec.Options()

	args := make([]string, 0, len(cmd.Args)+4)
	args = append(args, cmd.Args...)
	args = append(args, "--platform", opts.Platform)

	if opts.Target != "" {
		args = append(args, "--target", opts.Target)
	}

	var out bytes.Buffer

	inv := &toolchain.Invocation{
		Command: cmd.Command,
		Args:    args,
		Dir:     rec.WorkDir(),
		Stdout:  &out,
		Stderr:  &out,
	}

	handle, err := a.runner.Start(ctx, inv)
	if err != nil {
		return out.Bytes(), err
	}

	code, err := handle.Wait(ctx)
	if err != nil {
		return out.Bytes(), fmt.Errorf("waiting for %s command: %w", action, err)
	}

	if code != 0 {
		return out.Bytes(), fmt.Errorf("%s command exited with code %d", action, code)
	}

	if err := rec.Annotate(action); err != nil {
		return out.Bytes(), err
	}

	a.log.WithFields(logrus.Fields{
		"build":  number,
		"action": action,
	}).Info("Post-build action completed")

	return out.Bytes(), nil
}
