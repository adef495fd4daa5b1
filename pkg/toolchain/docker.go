package toolchain

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// containerWorkDir is where the build's working directory is mounted
// inside the toolchain container.
const containerWorkDir = "/workspace"

// DockerConfig configures the containerized toolchain runtime.
type DockerConfig struct {
	// Image is the toolchain image. The invocation's command and args
	// override the image entrypoint.
	Image string

	// StopTimeoutSeconds bounds graceful container stop on Terminate.
	StopTimeoutSeconds int
}

// NewDockerRunner creates a Runner that executes each invocation inside
// a one-shot container with the working directory bind-mounted.
func NewDockerRunner(log logrus.FieldLogger, cfg *DockerConfig) (Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &dockerRunner{
		log:    log.WithField("component", "toolchain-docker"),
		cfg:    cfg,
		client: cli,
	}, nil
}

type dockerRunner struct {
	log    logrus.FieldLogger
	cfg    *DockerConfig
	client *client.Client
}

// Ensure interface compliance.
var _ Runner = (*dockerRunner)(nil)

// Start creates and starts a container for the invocation and begins
// streaming its demultiplexed output to the invocation writers.
func (r *dockerRunner) Start(ctx context.Context, inv *Invocation) (Handle, error) {
	containerCfg := &container.Config{
		Image:      r.cfg.Image,
		Entrypoint: []string{inv.Command},
		Cmd:        inv.Args,
		Env:        inv.Env,
		WorkingDir: containerWorkDir,
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: inv.Dir,
				Target: containerWorkDir,
			},
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, &SpawnError{Command: inv.Command, Err: err}
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Creation succeeded but start failed; don't leak the container.
		_ = r.client.ContainerRemove(
			context.Background(), resp.ID, container.RemoveOptions{Force: true},
		)

		return nil, &SpawnError{Command: inv.Command, Err: err}
	}

	r.log.WithFields(logrus.Fields{
		"image": r.cfg.Image,
		"id":    resp.ID[:12],
	}).Debug("Toolchain container started")

	h := &dockerHandle{
		client:      r.client,
		containerID: resp.ID,
		stopTimeout: r.cfg.StopTimeoutSeconds,
	}

	h.streamLogs(ctx, inv)

	return h, nil
}

type dockerHandle struct {
	client      *client.Client
	containerID string
	stopTimeout int
	logGroup    errgroup.Group
}

// Ensure interface compliance.
var _ Handle = (*dockerHandle)(nil)

// streamLogs follows the container log stream, splitting the docker
// multiplexed stream back into stdout and stderr.
func (h *dockerHandle) streamLogs(ctx context.Context, inv *Invocation) {
	h.logGroup.Go(func() error {
		rc, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			return fmt.Errorf("attaching container logs: %w", err)
		}
		defer rc.Close()

		if _, err := stdcopy.StdCopy(inv.Stdout, inv.Stderr, rc); err != nil {
			return fmt.Errorf("demuxing container logs: %w", err)
		}

		return nil
	})
}

// Wait blocks until the container exits, drains the log stream, and
// removes the container.
func (h *dockerHandle) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := h.client.ContainerWait(
		ctx, h.containerID, container.WaitConditionNotRunning,
	)

	var code int

	select {
	case status := <-statusCh:
		code = int(status.StatusCode)
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	// Let the log stream finish before the caller closes its writers.
	_ = h.logGroup.Wait()

	_ = h.client.ContainerRemove(
		context.Background(), h.containerID, container.RemoveOptions{Force: true},
	)

	return code, nil
}

// Terminate stops the container, falling back to kill after the
// configured timeout.
func (h *dockerHandle) Terminate() error {
	timeout := h.stopTimeout
	if timeout <= 0 {
		timeout = 10
	}

	return h.client.ContainerStop(
		context.Background(), h.containerID, container.StopOptions{Timeout: &timeout},
	)
}
