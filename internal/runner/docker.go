package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

const (
	defaultRunnerImage = "tabletalk-runner:latest"
	containerMountPath = "/workspace"
	stopTimeoutSecs    = 10

	// Resource limits for one interpreter container.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 256
)

// DockerLauncher starts the interpreter worker inside a per-workspace
// container. The attach connection doubles as the protocol transport; the
// container has no network and owns a bind mount of the workspace
// directory, so the dataset and scratchpad stay reachable on both sides.
type DockerLauncher struct {
	cli   *client.Client
	image string
	// runtime selects the container runtime: "" = default (runc),
	// "runsc" = gVisor.
	runtime string
}

// NewDockerLauncher creates a Docker-backed kernel launcher.
func NewDockerLauncher(image, runtime string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if image == "" {
		image = defaultRunnerImage
	}
	slog.Info("Docker kernel launcher initialized", "image", image, "runtime", runtimeName(runtime))
	return &DockerLauncher{cli: cli, image: image, runtime: runtime}, nil
}

func runtimeName(runtime string) string {
	if runtime == "" {
		return "default"
	}
	return runtime
}

// Launch creates and starts the interpreter container for a workspace and
// attaches to it. Any partially created container is removed on failure.
func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Kernel, error) {
	if _, err := writeWorkerScript(spec.DatabasePath); err != nil {
		return nil, err
	}

	containerName := fmt.Sprintf("tabletalk-%s", spec.WorkspaceID)
	workspaceDir := filepath.Dir(spec.DatabasePath)

	// A lingering container from a previous run is stale: the session that
	// owned it is gone, so recycle instead of reattaching.
	if inspect, err := l.cli.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Removing stale interpreter container",
			"container_id", inspect.ID,
			"workspace_id", spec.WorkspaceID,
		)
		if err := l.removeContainer(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to remove stale container", "error", err, "container_id", inspect.ID)
		}
	}

	config := &container.Config{
		Image:     l.image,
		Cmd:       []string{"python3", "-u", containerMountPath + "/scratchpad/worker.py"},
		WorkingDir: containerMountPath,
		OpenStdin: true,
		Tty:       true,
	}
	hostConfig := &container.HostConfig{
		Runtime:     l.runtime,
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workspaceDir,
			Target: containerMountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := l.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create interpreter container: %w", err)
	}

	attach, err := l.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = l.removeContainer(ctx, resp.ID)
		return nil, fmt.Errorf("attach to interpreter container %s: %w", resp.ID, err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = l.removeContainer(ctx, resp.ID)
		return nil, fmt.Errorf("start interpreter container %s: %w", resp.ID, err)
	}

	slog.Info("Interpreter container started",
		"container_id", resp.ID,
		"workspace_id", spec.WorkspaceID,
	)

	containerID := resp.ID
	interrupt := func(ctx context.Context) error {
		if err := l.cli.ContainerKill(ctx, containerID, "SIGINT"); err != nil {
			return fmt.Errorf("interrupt container %s: %w", containerID, err)
		}
		return nil
	}
	closeFn := func(ctx context.Context) error {
		attach.Close()
		return l.removeContainer(ctx, containerID)
	}

	return newIOKernel(attach.Conn, attach.Reader, interrupt, closeFn), nil
}

// removeContainer stops and removes a container. It is idempotent and
// tolerates concurrent removal.
func (l *DockerLauncher) removeContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		slog.Debug("Container stop returned error, continuing to remove",
			"container_id", containerID, "error", err)
	}

	if err := l.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
