package build

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestActions(registry *Registry, runner *fakeRunner, allowsEmulate bool) Actions {
	return NewActions(logrus.New(), &ActionsConfig{
		AllowsEmulate: allowsEmulate,
		Commands: map[Action]ActionCommand{
			ActionEmulate: {Command: "forge-emulator", Args: []string{"--headless"}},
			ActionDeploy:  {Command: "forge-deploy"},
			ActionRun:     {Command: "forge-run"},
		},
	}, registry, runner)
}

func TestActions_Execute(t *testing.T) {
	t.Run("unknown build", func(t *testing.T) {
		actions := newTestActions(NewRegistry(), &fakeRunner{}, true)

		_, err := actions.Execute(context.Background(), 99, ActionDeploy)
		require.ErrorIs(t, err, ErrBuildNotFound)
	})

	t.Run("requires a complete build", func(t *testing.T) {
		tests := []struct {
			name    string
			prepare func(*Record)
		}{
			{name: "queued", prepare: func(*Record) {}},
			{name: "building", prepare: func(r *Record) { r.markBuilding() }},
			{name: "error", prepare: func(r *Record) {
				r.markError("build failed", "toolchain exited with code 1", 1)
			}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				registry := NewRegistry()
				rec := newRecord(1, Options{Platform: "ios"}, t.TempDir(), "")
				tt.prepare(rec)
				registry.register(rec)

				actions := newTestActions(registry, &fakeRunner{}, true)

				_, err := actions.Execute(context.Background(), 1, ActionDeploy)
				require.ErrorIs(t, err, ErrBuildNotCompleted)
			})
		}
	})

	t.Run("runs the device bridge command", func(t *testing.T) {
		registry := NewRegistry()
		rec := newRecord(1, Options{Platform: "android", Target: "pixel-8"},
			t.TempDir(), "")
		rec.markBuilding()
		rec.markComplete("build completed")
		registry.register(rec)

		runner := &fakeRunner{output: "deployed to pixel-8\n"}
		actions := newTestActions(registry, runner, true)

		out, err := actions.Execute(context.Background(), 1, ActionDeploy)
		require.NoError(t, err)
		assert.Equal(t, "deployed to pixel-8\n", string(out))

		inv := runner.last()
		require.NotNil(t, inv)
		assert.Equal(t, "forge-deploy", inv.Command)
		assert.Equal(t, []string{
			"--platform", "android",
			"--target", "pixel-8",
		}, inv.Args)
		assert.Equal(t, rec.WorkDir(), inv.Dir)

		// The first success is recorded as a marker; the status stays
		// complete.
		snap := rec.Snapshot()
		assert.Equal(t, StatusComplete, snap.Status)
		assert.Contains(t, snap.Actions, ActionDeploy)
	})

	t.Run("emulate is gated by host support", func(t *testing.T) {
		registry := NewRegistry()
		rec := newRecord(1, Options{Platform: "ios"}, t.TempDir(), "")
		rec.markBuilding()
		rec.markComplete("build completed")
		registry.register(rec)

		actions := newTestActions(registry, &fakeRunner{}, false)

		_, err := actions.Execute(context.Background(), 1, ActionEmulate)
		require.ErrorIs(t, err, ErrActionNotSupported)

		// Other actions remain available.
		_, err = actions.Execute(context.Background(), 1, ActionRun)
		require.NoError(t, err)
	})

	t.Run("action without a command is unsupported", func(t *testing.T) {
		registry := NewRegistry()
		rec := newRecord(1, Options{Platform: "ios"}, t.TempDir(), "")
		rec.markBuilding()
		rec.markComplete("build completed")
		registry.register(rec)

		actions := newTestActions(registry, &fakeRunner{}, true)

		_, err := actions.Execute(context.Background(), 1, ActionDebug)
		require.ErrorIs(t, err, ErrActionNotSupported)
	})

	t.Run("command failure surfaces output and error", func(t *testing.T) {
		registry := NewRegistry()
		rec := newRecord(1, Options{Platform: "ios"}, t.TempDir(), "")
		rec.markBuilding()
		rec.markComplete("build completed")
		registry.register(rec)

		runner := &fakeRunner{exitCode: 1, output: "device not connected\n"}
		actions := newTestActions(registry, runner, true)

		out, err := actions.Execute(context.Background(), 1, ActionDeploy)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited with code 1")
		assert.Equal(t, "device not connected\n", string(out))

		// Failed actions leave no marker.
		assert.NotContains(t, rec.Snapshot().Actions, ActionDeploy)
	})
}

func TestParseAction(t *testing.T) {
	for _, name := range []string{"download", "emulate", "deploy", "run", "debug"} {
		action, ok := ParseAction(name)
		assert.True(t, ok, name)
		assert.Equal(t, Action(name), action)
	}

	_, ok := ParseAction("install")
	assert.False(t, ok)
}
