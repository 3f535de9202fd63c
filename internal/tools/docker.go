package tools

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkspace = "/workspace"

// DockerConfig selects the image and limits for sandboxed execution.
type DockerConfig struct {
	Image       string `yaml:"image"`
	MemoryMB    int64  `yaml:"memory_mb" validate:"gte=0"`
	NetworkMode string `yaml:"network_mode"`
}

// DockerSandbox is an Executor that runs each command in an ephemeral
// container with the policy base directory bind-mounted at /workspace.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewDockerSandbox connects to the daemon described by the environment.
func NewDockerSandbox(cfg DockerConfig, workspace string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "alpine:3.20"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	return &DockerSandbox{
		client:      cli,
		image:       cfg.Image,
		memoryBytes: cfg.MemoryMB * 1024 * 1024,
		networkMode: cfg.NetworkMode,
		workspace:   workspace,
	}, nil
}

// containerDir maps a host directory under the workspace into the container.
func (d *DockerSandbox) containerDir(hostDir string) (string, error) {
	rel, err := filepath.Rel(d.workspace, hostDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("directory %q is outside the sandbox workspace", hostDir)
	}
	return path.Join(containerWorkspace, filepath.ToSlash(rel)), nil
}

func (d *DockerSandbox) Run(ctx context.Context, cmd Command) (int, error) {
	if len(cmd.Argv) == 0 {
		return -1, errors.New("empty argv")
	}
	workDir, err := d.containerDir(cmd.Dir)
	if err != nil {
		return -1, err
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        cmd.Argv,
		Env:        cmd.Env,
		WorkingDir: workDir,
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:%s", d.workspace, containerWorkspace)},
	}, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	// The request context may already be cancelled when cleanup runs.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("start container: %w", err)
	}

	exitCode := -1
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), killGrace)
		defer cancel()
		_ = d.client.ContainerKill(killCtx, id, "SIGKILL")
		return -1, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(cmd.Stdout, cmd.Stderr, logs); err != nil {
		return exitCode, fmt.Errorf("container logs: %w", err)
	}
	return exitCode, nil
}

// Close releases the docker client.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
