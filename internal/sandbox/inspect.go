package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/avetra/forgebox/internal/apperr"
	"github.com/avetra/forgebox/internal/domain"
	"github.com/avetra/forgebox/internal/runtime"
)

// Exec runs a command inside a running sandbox's container and counts as
// caller activity for idle tracking.
func (c *Coordinator) Exec(ctx context.Context, id string, cmd []string, opts runtime.ExecOptions) (runtime.ExecResult, error) {
	sb, err := c.load(ctx, id)
	if err != nil {
		return runtime.ExecResult{}, err
	}
	if sb.Status != domain.StatusRunning || !sb.HasContainer() {
		return runtime.ExecResult{}, apperr.InvalidStatef("cannot exec in sandbox %s with status %s", id, sb.Status)
	}
	if len(cmd) == 0 {
		return runtime.ExecResult{}, apperr.InvalidStatef("exec command is empty")
	}

	result, err := c.adapter.Exec(ctx, sb.ContainerRef, cmd, opts)
	if err != nil {
		return runtime.ExecResult{}, apperr.RuntimeUnavailable("exec in container", err)
	}
	if err := c.repo.TouchLastAccessed(ctx, id, time.Now()); err != nil {
		slog.Warn("Failed to touch last accessed", "sandbox_id", id, "error", err)
	}
	return result, nil
}

// Logs fetches container logs for a sandbox with a bound container.
func (c *Coordinator) Logs(ctx context.Context, id string, opts runtime.LogOptions) (string, error) {
	sb, err := c.load(ctx, id)
	if err != nil {
		return "", err
	}
	if !sb.HasContainer() {
		return "", apperr.InvalidStatef("sandbox %s has no container", id)
	}

	logs, err := c.adapter.Logs(ctx, sb.ContainerRef, opts)
	if err != nil {
		return "", apperr.RuntimeUnavailable("fetch container logs", err)
	}
	return logs, nil
}

// Stats returns a live resource usage snapshot for a running sandbox.
func (c *Coordinator) Stats(ctx context.Context, id string) (runtime.Stats, error) {
	sb, err := c.load(ctx, id)
	if err != nil {
		return runtime.Stats{}, err
	}
	if sb.Status != domain.StatusRunning || !sb.HasContainer() {
		return runtime.Stats{}, apperr.InvalidStatef("cannot read stats for sandbox %s with status %s", id, sb.Status)
	}

	stats, err := c.adapter.Stats(ctx, sb.ContainerRef)
	if err != nil {
		return runtime.Stats{}, apperr.RuntimeUnavailable("fetch container stats", err)
	}
	return stats, nil
}
