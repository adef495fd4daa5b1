package build

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgelet/forgelet/pkg/toolchain"
)

// fakeRunner is an in-memory toolchain.Runner for tests. It records
// every invocation and resolves each run from the configured script.
type fakeRunner struct {
	mu          sync.Mutex
	invocations []*toolchain.Invocation

	// startErr, when set, makes Start fail.
	startErr error

	// exitCode is returned by Wait.
	exitCode int

	// output is written to the invocation's stdout before Wait returns.
	output string

	// release, when non-nil, blocks Wait until closed. Terminate
	// closes it.
	release     chan struct{}
	releaseOnce sync.Once
}

func (f *fakeRunner) unblock() {
	if f.release != nil {
		f.releaseOnce.Do(func() { close(f.release) })
	}
}

func (f *fakeRunner) Start(_ context.Context, inv *toolchain.Invocation) (toolchain.Handle, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, inv)
	f.mu.Unlock()

	if f.startErr != nil {
		return nil, &toolchain.SpawnError{Command: inv.Command, Err: f.startErr}
	}

	if f.output != "" {
		fmt.Fprint(inv.Stdout, f.output)
	}

	return &fakeHandle{runner: f}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.invocations)
}

func (f *fakeRunner) last() *toolchain.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.invocations) == 0 {
		return nil
	}

	return f.invocations[len(f.invocations)-1]
}

type fakeHandle struct {
	runner *fakeRunner
}

func (h *fakeHandle) Wait(ctx context.Context) (int, error) {
	if h.runner.release != nil {
		select {
		case <-h.runner.release:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}

	return h.runner.exitCode, nil
}

func (h *fakeHandle) Terminate() error {
	h.runner.unblock()

	return nil
}
