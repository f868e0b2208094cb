// Package runtime provides the container runtime adapter consumed by the
// sandbox lifecycle coordinator.
package runtime

import (
	"context"

	"github.com/avetra/forgebox/internal/domain"
)

// Status is the container runtime's own view of a container.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusPaused     Status = "paused"
	StatusRestarting Status = "restarting"
	StatusRemoving   Status = "removing"
	StatusExited     Status = "exited"
	StatusDead       Status = "dead"
	StatusError      Status = "error"
	StatusUnknown    Status = "unknown"
)

// SandboxStatus maps a runtime status onto the registry's sandbox status.
func (s Status) SandboxStatus() domain.Status {
	switch s {
	case StatusCreating, StatusRestarting:
		return domain.StatusStarting
	case StatusRunning:
		return domain.StatusRunning
	case StatusRemoving:
		return domain.StatusStopping
	case StatusPaused:
		return domain.StatusSleeping
	case StatusStopped, StatusExited:
		return domain.StatusStopped
	case StatusDead, StatusError, StatusUnknown:
		return domain.StatusError
	}
	return domain.StatusError
}

// Spec describes the container to create for a sandbox.
type Spec struct {
	SandboxID string
	Image     string
	Volume    string
	Env       map[string]string

	// Resource limits.
	MemoryBytes int64
	CPUQuota    int64
	PidsLimit   int64
}

// Handle identifies a container known to the runtime.
type Handle struct {
	Ref       string
	SandboxID string
	Status    Status
}

// Filter narrows List results.
type Filter struct {
	SandboxID string
	Running   bool
}

// ExecOptions configures an exec call inside a container.
type ExecOptions struct {
	User       string
	WorkingDir string
}

// ExecResult carries the output of a completed exec call.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// LogOptions configures a log fetch.
type LogOptions struct {
	Tail  string
	Since string
}

// Stats is a point-in-time resource usage snapshot.
type Stats struct {
	MemoryBytes uint64  `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
	PIDs        uint64  `json:"pids"`
}

// Adapter is the container runtime interface. Implementations must make Stop
// and Remove idempotent: a missing container is success, not failure.
type Adapter interface {
	// Create creates (but does not start) a container and returns its ref.
	Create(ctx context.Context, spec Spec) (string, error)

	// Start starts a created or stopped container. Starting an already
	// running container is success.
	Start(ctx context.Context, ref string) error

	Stop(ctx context.Context, ref string) error
	Restart(ctx context.Context, ref string) error
	Pause(ctx context.Context, ref string) error
	Unpause(ctx context.Context, ref string) error

	// Remove deletes the container, force-stopping it if needed.
	Remove(ctx context.Context, ref string) error

	// Status returns the live runtime status. A missing container reports
	// StatusUnknown without error.
	Status(ctx context.Context, ref string) (Status, error)

	List(ctx context.Context, filter Filter) ([]Handle, error)

	Exec(ctx context.Context, ref string, cmd []string, opts ExecOptions) (ExecResult, error)
	Logs(ctx context.Context, ref string, opts LogOptions) (string, error)
	Stats(ctx context.Context, ref string) (Stats, error)

	// CreateVolume provisions backing storage for a sandbox.
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error

	// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)

	// SupportsLiveStatus reports whether Status is a cheap, reliable
	// liveness query. Runtimes that hibernate silently return false and
	// the coordinator infers sleeping from idle time instead.
	SupportsLiveStatus() bool
}
