package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"jobagent/internal/backoff"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelAgent     = "jobagent.io/agent"
	managedBy      = "jobagent"

	dockerWaitAttempts = 5
	dockerWaitBackoff  = 100 * time.Millisecond
)

// DockerRuntime implements the Runtime interface using the Docker SDK.
// Each agent runs in its own container, removed once it has exited.
type DockerRuntime struct {
	client client.APIClient
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      client.APIClient
	containerID string
	removeOnce  sync.Once
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime() (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("docker runtime: image is required")
	}
	if len(opts.Command) == 0 {
		return nil, ErrCommandRequired
	}

	// Check if it exists locally first to save time.
	if _, err := d.client.ImageInspect(ctx, opts.Image); err != nil {
		reader, err := d.client.ImagePull(ctx, opts.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", opts.Image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	containerConfig := &container.Config{
		Image: opts.Image,
		Cmd:   opts.Command,
		Env:   envList(opts.Env),
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelAgent:     opts.Name,
		},
	}
	resp, err := d.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, containerName(opts.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	h := &DockerHandle{client: d.client, containerID: resp.ID}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		h.remove(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return h, nil
}

// containerName derives a unique container name for an agent.
func containerName(agent string) string {
	suffix := uuid.NewString()[:8]
	if agent == "" {
		return managedBy + "-" + suffix
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, agent)
	return managedBy + "-" + name + "-" + suffix
}

// ID returns the container ID.
func (h *DockerHandle) ID() string {
	return h.containerID
}

// Wait blocks until the container stops, then removes it. Daemon errors are
// retried; a container that no longer exists counts as an exit.
func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	retry := backoff.NewExponential(dockerWaitBackoff, 20*dockerWaitBackoff)
	for attempt := 1; ; attempt++ {
		result, done, err := h.waitOnce(ctx)
		if done {
			return result, err
		}
		if attempt == dockerWaitAttempts {
			return ExitResult{ExitCode: -1, Error: err}, err
		}
		if !backoff.Sleep(ctx, retry.Delay(attempt), nil) {
			return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
		}
	}
}

// waitOnce makes one ContainerWait call. done is false when the daemon
// reported an error that is worth retrying.
func (h *DockerHandle) waitOnce(ctx context.Context) (ExitResult, bool, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		switch {
		case ctx.Err() != nil:
			return ExitResult{ExitCode: -1, Error: ctx.Err()}, true, ctx.Err()
		case client.IsErrNotFound(err):
			return ExitResult{ExitCode: -1, Error: fmt.Errorf("container %s is gone", h.containerID)}, true, nil
		}
		return ExitResult{ExitCode: -1, Error: err}, false, err
	case status := <-statusCh:
		h.remove(context.WithoutCancel(ctx))
		if status.Error != nil {
			return ExitResult{
				ExitCode: int(status.StatusCode),
				Error:    fmt.Errorf("%s", status.Error.Message),
			}, true, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, true, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, true, ctx.Err()
	}
}

// Stop sends SIGTERM to the container's main process.
func (h *DockerHandle) Stop(ctx context.Context) error {
	if err := h.client.ContainerKill(ctx, h.containerID, "SIGTERM"); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", h.containerID, err)
	}
	return nil
}

// Kill sends SIGKILL.
func (h *DockerHandle) Kill(ctx context.Context) error {
	if err := h.client.ContainerKill(ctx, h.containerID, "SIGKILL"); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", h.containerID, err)
	}
	return nil
}

func (h *DockerHandle) remove(ctx context.Context) {
	h.removeOnce.Do(func() {
		h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	})
}
