package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

const (
	containerPrefix = "forgebox-"
	workspaceDir    = "/home/dev/workspace"
	sandboxUser     = "1000"
	stopTimeoutSecs = 10

	sandboxIDLabel = "forgebox.sandbox_id"

	sandboxSubnet = "172.29.0.0/16"

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// DockerAdapter implements Adapter using the Docker API.
type DockerAdapter struct {
	cli     *client.Client
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
	network string
}

// NewDockerAdapter creates a Docker-backed runtime adapter.
// runtime can be "" for the default Docker runtime or "runsc" for gVisor.
func NewDockerAdapter(runtime, networkName string) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerAdapter{cli: cli, runtime: runtime, network: networkName}, nil
}

// ContainerName returns the deterministic container name for a sandbox.
func ContainerName(sandboxID string) string {
	return containerPrefix + sandboxID
}

// VolumeName derives the backing volume name for a sandbox id.
func VolumeName(sandboxID string) string {
	return containerPrefix + sandboxID + "-data"
}

// Create creates a container for the sandbox spec and returns its ref.
func (a *DockerAdapter) Create(ctx context.Context, spec Spec) (string, error) {
	name := ContainerName(spec.SandboxID)

	envVars := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:      spec.Image,
		User:       sandboxUser,
		WorkingDir: workspaceDir,
		Env:        envVars,
		Labels:     map[string]string{sandboxIDLabel: spec.SandboxID},
	}

	hostConfig := &container.HostConfig{
		Runtime:     a.runtime,
		NetworkMode: container.NetworkMode(a.network),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.Volume,
			Target: workspaceDir,
		}},
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUQuota:  spec.CPUQuota,
			PidsLimit: ptr(spec.PidsLimit),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A delayed cleanup can leave the old named container briefly.
		// Force-remove by name and retry shortly.
		slog.Warn("Container name conflict during create, retrying",
			"sandbox_id", spec.SandboxID,
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := a.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if removeErr := a.Remove(ctx, inspect.ID); removeErr != nil {
				slog.Warn("Failed to remove conflicting container before retry", "container_id", inspect.ID, "error", removeErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	slog.Info("Container created", "container_id", resp.ID, "sandbox_id", spec.SandboxID)
	return resp.ID, nil
}

// Start starts a container. An already-running container is success.
func (a *DockerAdapter) Start(ctx context.Context, ref string) error {
	if err := a.cli.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already started") {
			slog.Debug("Container already started", "container_id", ref)
			return nil
		}
		return fmt.Errorf("start container %s: %w", ref, err)
	}
	return nil
}

// Stop stops a container. It is idempotent.
func (a *DockerAdapter) Stop(ctx context.Context, ref string) error {
	timeout := stopTimeoutSecs
	if err := a.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", ref)
			return nil
		}
		return fmt.Errorf("stop container %s: %w", ref, err)
	}
	return nil
}

// Restart restarts a container.
func (a *DockerAdapter) Restart(ctx context.Context, ref string) error {
	timeout := stopTimeoutSecs
	if err := a.cli.ContainerRestart(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart container %s: %w", ref, err)
	}
	return nil
}

// Pause pauses a running container.
func (a *DockerAdapter) Pause(ctx context.Context, ref string) error {
	if err := a.cli.ContainerPause(ctx, ref); err != nil {
		return fmt.Errorf("pause container %s: %w", ref, err)
	}
	return nil
}

// Unpause resumes a paused container.
func (a *DockerAdapter) Unpause(ctx context.Context, ref string) error {
	if err := a.cli.ContainerUnpause(ctx, ref); err != nil {
		return fmt.Errorf("unpause container %s: %w", ref, err)
	}
	return nil
}

// Remove force-removes a container. A missing container is success.
func (a *DockerAdapter) Remove(ctx context.Context, ref string) error {
	if err := a.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", ref)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", ref)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	slog.Info("Container removed", "container_id", ref)
	return nil
}

// Status returns the live runtime status of a container.
func (a *DockerAdapter) Status(ctx context.Context, ref string) (Status, error) {
	inspect, err := a.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusUnknown, nil
		}
		return StatusError, fmt.Errorf("inspect container %s: %w", ref, err)
	}
	return dockerStateStatus(inspect.State.Status), nil
}

func dockerStateStatus(state string) Status {
	switch state {
	case "created":
		return StatusCreating
	case "running":
		return StatusRunning
	case "paused":
		return StatusPaused
	case "restarting":
		return StatusRestarting
	case "removing":
		return StatusRemoving
	case "exited":
		return StatusExited
	case "dead":
		return StatusDead
	}
	return StatusUnknown
}

// List returns containers managed by this adapter.
func (a *DockerAdapter) List(ctx context.Context, filter Filter) ([]Handle, error) {
	args := filters.NewArgs()
	if filter.SandboxID != "" {
		args.Add("label", sandboxIDLabel+"="+filter.SandboxID)
	} else {
		args.Add("label", sandboxIDLabel)
	}

	containers, err := a.cli.ContainerList(ctx, container.ListOptions{
		All:     !filter.Running,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		handles = append(handles, Handle{
			Ref:       c.ID,
			SandboxID: c.Labels[sandboxIDLabel],
			Status:    dockerStateStatus(c.State),
		})
	}
	return handles, nil
}

// Exec runs a command inside the container and waits for completion.
func (a *DockerAdapter) Exec(ctx context.Context, ref string, cmd []string, opts ExecOptions) (ExecResult, error) {
	user := opts.User
	if user == "" {
		user = sandboxUser
	}

	execConfig := container.ExecOptions{
		Cmd:          cmd,
		User:         user,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	resp, err := a.cli.ContainerExecCreate(ctx, ref, execConfig)
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec in container %s: %w", ref, err)
	}

	attachResp, err := a.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	output, err := io.ReadAll(attachResp.Reader)
	if err != nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return ExecResult{Stdout: string(output), ExitCode: inspect.ExitCode}, nil
}

// Logs fetches container logs.
func (a *DockerAdapter) Logs(ctx context.Context, ref string, opts LogOptions) (string, error) {
	reader, err := a.cli.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       opts.Tail,
		Since:      opts.Since,
	})
	if err != nil {
		return "", fmt.Errorf("fetch logs for container %s: %w", ref, err)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			slog.Warn("failed to close log reader", "container_id", ref, "error", closeErr)
		}
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read logs for container %s: %w", ref, err)
	}
	return string(data), nil
}

// Stats returns a one-shot resource usage snapshot.
func (a *DockerAdapter) Stats(ctx context.Context, ref string) (Stats, error) {
	resp, err := a.cli.ContainerStatsOneShot(ctx, ref)
	if err != nil {
		return Stats{}, fmt.Errorf("fetch stats for container %s: %w", ref, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close stats body", "container_id", ref, "error", closeErr)
		}
	}()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("decode stats for container %s: %w", ref, err)
	}

	stats := Stats{
		MemoryBytes: raw.MemoryStats.Usage,
		PIDs:        raw.PidsStats.Current,
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		stats.CPUPercent = cpuDelta / sysDelta * float64(raw.CPUStats.OnlineCPUs) * 100.0
	}

	return stats, nil
}

// CreateVolume provisions the backing volume for a sandbox.
func (a *DockerAdapter) CreateVolume(ctx context.Context, name string) error {
	if _, err := a.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume deletes a sandbox's backing volume. A missing volume is success.
func (a *DockerAdapter) RemoveVolume(ctx context.Context, name string) error {
	if err := a.cli.VolumeRemove(ctx, name, true); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (a *DockerAdapter) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := a.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == a.network {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := a.cli.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: sandboxSubnet,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", a.network, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// SupportsLiveStatus reports that Docker can always answer a cheap inspect.
func (a *DockerAdapter) SupportsLiveStatus() bool {
	return true
}

func ptr[T any](v T) *T {
	return &v
}
