package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/avetra/forgebox/internal/apperr"
	"github.com/avetra/forgebox/internal/store"
)

// Reaper periodically stops sandboxes that have gone unused past the idle
// threshold. It goes through the coordinator so the sync-before-teardown
// ordering holds for reaped sandboxes too.
type Reaper struct {
	coord    *Coordinator
	repo     store.Repository
	interval time.Duration
	idleStop time.Duration
}

// NewReaper creates an idle reaper.
func NewReaper(coord *Coordinator, repo store.Repository, interval, idleStop time.Duration) *Reaper {
	return &Reaper{coord: coord, repo: repo, interval: interval, idleStop: idleStop}
}

// Start runs the sweep loop in a background goroutine until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		slog.Info("Idle reaper started", "interval", r.interval, "idle_stop", r.idleStop)

		for {
			select {
			case <-ctx.Done():
				slog.Info("Idle reaper shutting down", "reason", ctx.Err())
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Reaper) sweep(ctx context.Context) {
	idle, err := r.repo.ListIdleSandboxes(ctx, r.idleStop)
	if err != nil {
		slog.Error("Idle reaper failed to list idle sandboxes", "error", err)
		return
	}
	if len(idle) == 0 {
		return
	}

	slog.Info("Idle reaper found idle sandboxes", "count", len(idle))

	var stopped int
	for _, sb := range idle {
		if err := r.coord.Stop(ctx, sb.ID); err != nil {
			// An op already in flight means the sandbox is not idle
			// after all; skip it quietly.
			if apperr.IsInvalidState(err) {
				slog.Debug("Idle reaper skipped busy sandbox", "sandbox_id", sb.ID)
				continue
			}
			slog.Error("Idle reaper failed to stop sandbox", "sandbox_id", sb.ID, "error", err)
			continue
		}
		stopped++
		slog.Info("Idle reaper stopped sandbox",
			"sandbox_id", sb.ID,
			"idle_for", sb.IdleFor(time.Now()),
		)
	}

	if stopped > 0 {
		slog.Info("Idle reaper sweep completed", "stopped", stopped)
	}
}
