// Package sandbox implements the sandbox lifecycle coordinator: the single
// writer of sandbox status in the registry. It drives the container runtime,
// reconciles stored status against live runtime state on reads, and hands
// running sandboxes to the event sync engine.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avetra/forgebox/internal/apperr"
	"github.com/avetra/forgebox/internal/config"
	"github.com/avetra/forgebox/internal/domain"
	"github.com/avetra/forgebox/internal/runtime"
	"github.com/avetra/forgebox/internal/store"
)

// SyncController is the slice of the event sync engine the coordinator needs.
type SyncController interface {
	StartSync(ctx context.Context, sandboxID string) error
	StopSync(sandboxID string)
}

// CreateSpec is a caller's request for a new sandbox.
type CreateSpec struct {
	OwnerID   string   `json:"owner_id"`
	Tier      string   `json:"tier"`
	Flavor    string   `json:"flavor"`
	Addons    []string `json:"addons"`
	AutoStart bool     `json:"auto_start"`
}

// tierLimits are the per-tier container resource limits.
type tierLimits struct {
	MemoryBytes int64
	CPUQuota    int64
	PidsLimit   int64
}

var tiers = map[string]tierLimits{
	"starter":     {MemoryBytes: 512 * 1024 * 1024, CPUQuota: 50000, PidsLimit: 256},
	"standard":    {MemoryBytes: 2 * 1024 * 1024 * 1024, CPUQuota: 100000, PidsLimit: 512},
	"performance": {MemoryBytes: 8 * 1024 * 1024 * 1024, CPUQuota: 200000, PidsLimit: 1024},
}

var flavorImages = map[string]string{
	"base":   "forgebox-base:latest",
	"js":     "forgebox-js:latest",
	"python": "forgebox-python:latest",
	"go":     "forgebox-go:latest",
}

// Coordinator owns sandbox lifecycle transitions. All mutating operations on
// a sandbox id are serialized; a second concurrent operation on the same id
// is rejected rather than queued.
type Coordinator struct {
	repo    store.Repository
	adapter runtime.Adapter
	sync    SyncController
	cfg     *config.Config

	// opLocks holds one mutex per sandbox id with an in-flight operation.
	opLocks sync.Map
}

// NewCoordinator creates a lifecycle coordinator.
func NewCoordinator(repo store.Repository, adapter runtime.Adapter, sc SyncController, cfg *config.Config) *Coordinator {
	return &Coordinator{repo: repo, adapter: adapter, sync: sc, cfg: cfg}
}

// lock acquires the per-id operation lock without blocking. The returned
// release func must be called exactly once.
func (c *Coordinator) lock(id string) (func(), error) {
	l, _ := c.opLocks.LoadOrStore(id, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, apperr.InvalidStatef("operation already in progress for sandbox %s", id)
	}
	return func() {
		mu.Unlock()
		c.opLocks.Delete(id)
	}, nil
}

// Create allocates a registry record, provisions backing storage, and creates
// the runtime container. Any failure after the record exists rolls back the
// record and the storage; no orphaned container survives a failed create.
func (c *Coordinator) Create(ctx context.Context, spec CreateSpec) (*domain.Sandbox, error) {
	limits, ok := tiers[spec.Tier]
	if !ok {
		return nil, apperr.Configf("unknown tier %q", spec.Tier)
	}
	image, ok := flavorImages[spec.Flavor]
	if !ok {
		return nil, apperr.Configf("unknown flavor %q", spec.Flavor)
	}
	if spec.OwnerID == "" {
		return nil, apperr.Configf("owner id is required")
	}

	id := uuid.NewString()
	release, err := c.lock(id)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	sb := &domain.Sandbox{
		ID:             id,
		OwnerID:        spec.OwnerID,
		Status:         domain.StatusPending,
		Tier:           spec.Tier,
		Flavor:         spec.Flavor,
		Addons:         spec.Addons,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := c.repo.CreateSandbox(ctx, sb); err != nil {
		return nil, fmt.Errorf("create sandbox record: %w", err)
	}

	slog.Info("Creating sandbox",
		"sandbox_id", id,
		"owner_id", spec.OwnerID,
		"tier", spec.Tier,
		"flavor", spec.Flavor,
	)

	volume := runtime.VolumeName(id)
	if err := c.adapter.CreateVolume(ctx, volume); err != nil {
		c.rollbackCreate(id, "", false)
		return nil, apperr.RuntimeUnavailable("create volume", err)
	}

	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusStarting, ""); err != nil {
		c.rollbackCreate(id, "", true)
		return nil, fmt.Errorf("mark sandbox starting: %w", err)
	}

	ref, err := c.adapter.Create(ctx, c.containerSpec(sb, limits, image))
	if err != nil {
		c.rollbackCreate(id, "", true)
		return nil, apperr.RuntimeUnavailable("create container", err)
	}

	urls := c.endpointURLs(id)
	if err := c.repo.BindContainer(ctx, id, ref, urls); err != nil {
		c.rollbackCreate(id, ref, true)
		return nil, fmt.Errorf("bind container: %w", err)
	}
	sb.ContainerRef = ref
	sb.URLs = urls
	sb.Status = domain.StatusStarting

	if spec.AutoStart {
		if err := c.startLocked(ctx, sb); err != nil {
			return nil, err
		}
		return c.repo.GetSandbox(ctx, id)
	}

	// Dormant create: the container spec is validated, but the sandbox
	// settles at stopped with no bound container. Start recreates it.
	if err := c.adapter.Remove(ctx, ref); err != nil {
		slog.Warn("Failed to remove dormant container after create", "sandbox_id", id, "error", err)
	}
	if err := c.repo.BindContainer(ctx, id, "", urls); err != nil {
		return nil, fmt.Errorf("unbind dormant container: %w", err)
	}
	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusStopped, ""); err != nil {
		return nil, fmt.Errorf("settle sandbox stopped: %w", err)
	}

	slog.Info("Sandbox created", "sandbox_id", id, "status", domain.StatusStopped)
	return c.repo.GetSandbox(ctx, id)
}

// rollbackCreate undoes a partially-created sandbox. Cleanup failures are
// logged; the registry record is always removed.
func (c *Coordinator) rollbackCreate(id, ref string, removeVolume bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if ref != "" {
		if err := c.adapter.Remove(ctx, ref); err != nil {
			slog.Warn("Rollback failed to remove container", "sandbox_id", id, "error", err)
		}
	}
	if removeVolume {
		if err := c.adapter.RemoveVolume(ctx, runtime.VolumeName(id)); err != nil {
			slog.Warn("Rollback failed to remove volume", "sandbox_id", id, "error", err)
		}
	}
	if err := c.repo.DeleteSandbox(ctx, id); err != nil {
		slog.Error("Rollback failed to delete sandbox record", "sandbox_id", id, "error", err)
	}
	slog.Info("Sandbox creation rolled back", "sandbox_id", id)
}

func (c *Coordinator) containerSpec(sb *domain.Sandbox, limits tierLimits, image string) runtime.Spec {
	env := map[string]string{
		"FORGEBOX_SANDBOX_ID": sb.ID,
		"FORGEBOX_FLAVOR":     sb.Flavor,
		"FORGEBOX_AGENT_PORT": fmt.Sprintf("%d", c.cfg.AgentPort),
	}
	for _, addon := range sb.Addons {
		env["FORGEBOX_ADDON_"+addon] = "1"
	}
	return runtime.Spec{
		SandboxID:   sb.ID,
		Image:       image,
		Volume:      runtime.VolumeName(sb.ID),
		Env:         env,
		MemoryBytes: limits.MemoryBytes,
		CPUQuota:    limits.CPUQuota,
		PidsLimit:   limits.PidsLimit,
	}
}

func (c *Coordinator) endpointURLs(id string) map[string]string {
	return map[string]string{
		"agent": fmt.Sprintf("http://%s:%d", runtime.ContainerName(id), c.cfg.AgentPort),
	}
}

// Start transitions a pending, stopped, or errored sandbox to running and
// begins event sync for it.
func (c *Coordinator) Start(ctx context.Context, id string) error {
	release, err := c.lock(id)
	if err != nil {
		return err
	}
	defer release()

	sb, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if !sb.CanStart() {
		return apperr.InvalidStatef("cannot start sandbox %s from status %s", id, sb.Status)
	}
	return c.startLocked(ctx, sb)
}

// startLocked runs the start path. Caller holds the op lock and has already
// validated the transition. A transient runtime failure parks the sandbox in
// error; retry is an explicit caller-issued start.
func (c *Coordinator) startLocked(ctx context.Context, sb *domain.Sandbox) error {
	id := sb.ID
	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusStarting, ""); err != nil {
		return fmt.Errorf("mark sandbox starting: %w", err)
	}

	ref := sb.ContainerRef
	if ref == "" {
		limits := tiers[sb.Tier]
		image, ok := flavorImages[sb.Flavor]
		if !ok {
			return apperr.Configf("unknown flavor %q", sb.Flavor)
		}
		var err error
		ref, err = c.adapter.Create(ctx, c.containerSpec(sb, limits, image))
		if err != nil {
			c.setError(ctx, id, "create container", err)
			return apperr.RuntimeUnavailable("create container", err)
		}
		if err := c.repo.BindContainer(ctx, id, ref, c.endpointURLs(id)); err != nil {
			return fmt.Errorf("bind container: %w", err)
		}
	}

	if err := c.adapter.Start(ctx, ref); err != nil {
		c.setError(ctx, id, "start container", err)
		return apperr.RuntimeUnavailable("start container", err)
	}

	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusRunning, ""); err != nil {
		return fmt.Errorf("mark sandbox running: %w", err)
	}
	if err := c.repo.TouchLastAccessed(ctx, id, time.Now()); err != nil {
		slog.Warn("Failed to touch last accessed", "sandbox_id", id, "error", err)
	}

	if err := c.sync.StartSync(ctx, id); err != nil {
		slog.Warn("Failed to start event sync", "sandbox_id", id, "error", err)
	}

	slog.Info("Sandbox started", "sandbox_id", id, "container_ref", ref)
	return nil
}

// Stop stops event sync, tears down the runtime container, and settles the
// sandbox at stopped. Sync is always stopped before the container goes away.
func (c *Coordinator) Stop(ctx context.Context, id string) error {
	release, err := c.lock(id)
	if err != nil {
		return err
	}
	defer release()
	return c.stopLocked(ctx, id)
}

func (c *Coordinator) stopLocked(ctx context.Context, id string) error {
	sb, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if !sb.CanStop() {
		return apperr.InvalidStatef("cannot stop sandbox %s from status %s", id, sb.Status)
	}

	c.sync.StopSync(id)

	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusStopping, ""); err != nil {
		return fmt.Errorf("mark sandbox stopping: %w", err)
	}

	if sb.HasContainer() {
		// A frozen container must be thawed before it can stop.
		if sb.Status == domain.StatusSleeping {
			if err := c.adapter.Unpause(ctx, sb.ContainerRef); err != nil {
				slog.Warn("Failed to unpause container before stop", "sandbox_id", id, "error", err)
			}
		}
		if err := c.adapter.Stop(ctx, sb.ContainerRef); err != nil {
			c.setError(ctx, id, "stop container", err)
			return apperr.RuntimeUnavailable("stop container", err)
		}
		if err := c.adapter.Remove(ctx, sb.ContainerRef); err != nil {
			c.setError(ctx, id, "remove container", err)
			return apperr.RuntimeUnavailable("remove container", err)
		}
	}

	if err := c.repo.BindContainer(ctx, id, "", sb.URLs); err != nil {
		return fmt.Errorf("unbind container: %w", err)
	}
	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusStopped, ""); err != nil {
		return fmt.Errorf("mark sandbox stopped: %w", err)
	}

	slog.Info("Sandbox stopped", "sandbox_id", id)
	return nil
}

// Restart restarts a live sandbox in place, or behaves like Start for a
// dormant one. Sync is stopped across the container bounce.
func (c *Coordinator) Restart(ctx context.Context, id string) error {
	release, err := c.lock(id)
	if err != nil {
		return err
	}
	defer release()

	sb, err := c.load(ctx, id)
	if err != nil {
		return err
	}

	if !sb.HasContainer() {
		if !sb.CanStart() {
			return apperr.InvalidStatef("cannot restart sandbox %s from status %s", id, sb.Status)
		}
		return c.startLocked(ctx, sb)
	}

	c.sync.StopSync(id)

	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusStarting, ""); err != nil {
		return fmt.Errorf("mark sandbox starting: %w", err)
	}
	if err := c.adapter.Restart(ctx, sb.ContainerRef); err != nil {
		c.setError(ctx, id, "restart container", err)
		return apperr.RuntimeUnavailable("restart container", err)
	}
	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusRunning, ""); err != nil {
		return fmt.Errorf("mark sandbox running: %w", err)
	}
	if err := c.repo.TouchLastAccessed(ctx, id, time.Now()); err != nil {
		slog.Warn("Failed to touch last accessed", "sandbox_id", id, "error", err)
	}
	if err := c.sync.StartSync(ctx, id); err != nil {
		slog.Warn("Failed to start event sync", "sandbox_id", id, "error", err)
	}

	slog.Info("Sandbox restarted", "sandbox_id", id)
	return nil
}

// Pause freezes a running sandbox in place. The container and its ref are
// kept; the sandbox reports sleeping until unpaused.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	release, err := c.lock(id)
	if err != nil {
		return err
	}
	defer release()

	sb, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if sb.Status != domain.StatusRunning || !sb.HasContainer() {
		return apperr.InvalidStatef("cannot pause sandbox %s from status %s", id, sb.Status)
	}

	c.sync.StopSync(id)

	if err := c.adapter.Pause(ctx, sb.ContainerRef); err != nil {
		c.setError(ctx, id, "pause container", err)
		return apperr.RuntimeUnavailable("pause container", err)
	}
	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusSleeping, ""); err != nil {
		return fmt.Errorf("mark sandbox sleeping: %w", err)
	}

	slog.Info("Sandbox paused", "sandbox_id", id)
	return nil
}

// Unpause resumes a paused sandbox and restarts event sync.
func (c *Coordinator) Unpause(ctx context.Context, id string) error {
	release, err := c.lock(id)
	if err != nil {
		return err
	}
	defer release()

	sb, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if sb.Status != domain.StatusSleeping || !sb.HasContainer() {
		return apperr.InvalidStatef("cannot unpause sandbox %s from status %s", id, sb.Status)
	}

	if err := c.adapter.Unpause(ctx, sb.ContainerRef); err != nil {
		c.setError(ctx, id, "unpause container", err)
		return apperr.RuntimeUnavailable("unpause container", err)
	}
	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusRunning, ""); err != nil {
		return fmt.Errorf("mark sandbox running: %w", err)
	}
	if err := c.repo.TouchLastAccessed(ctx, id, time.Now()); err != nil {
		slog.Warn("Failed to touch last accessed", "sandbox_id", id, "error", err)
	}
	if err := c.sync.StartSync(ctx, id); err != nil {
		slog.Warn("Failed to start event sync", "sandbox_id", id, "error", err)
	}

	slog.Info("Sandbox unpaused", "sandbox_id", id)
	return nil
}

// Delete removes a sandbox permanently. Runtime and storage cleanup are best
// effort; the registry delete must succeed. Leaked resources are logged for
// out-of-band cleanup.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	release, err := c.lock(id)
	if err != nil {
		return err
	}
	defer release()

	sb, err := c.load(ctx, id)
	if err != nil {
		return err
	}

	c.sync.StopSync(id)

	if sb.HasContainer() {
		if err := c.adapter.Remove(ctx, sb.ContainerRef); err != nil {
			slog.Warn("Failed to remove container during delete, leaking",
				"sandbox_id", id,
				"container_ref", sb.ContainerRef,
				"error", err,
			)
		}
	}
	if err := c.adapter.RemoveVolume(ctx, runtime.VolumeName(id)); err != nil {
		slog.Warn("Failed to remove volume during delete, leaking",
			"sandbox_id", id,
			"volume", runtime.VolumeName(id),
			"error", err,
		)
	}

	if err := c.repo.DeleteSandbox(ctx, id); err != nil {
		return fmt.Errorf("delete sandbox record: %w", err)
	}

	slog.Info("Sandbox deleted", "sandbox_id", id)
	return nil
}

// Get returns the reconciled view of one sandbox.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Sandbox, error) {
	sb, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.reconcile(ctx, sb), nil
}

// List returns reconciled views of sandboxes matching the filter.
func (c *Coordinator) List(ctx context.Context, filter store.SandboxFilter) ([]*domain.Sandbox, error) {
	sandboxes, err := c.repo.ListSandboxes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	for i, sb := range sandboxes {
		sandboxes[i] = c.reconcile(ctx, sb)
	}
	return sandboxes, nil
}

// Touch records caller activity on a sandbox so the idle reaper leaves it
// alone.
func (c *Coordinator) Touch(ctx context.Context, id string) error {
	return c.repo.TouchLastAccessed(ctx, id, time.Now())
}

// reconcile corrects the stored status against the live runtime view. When
// the runtime cannot be polled cheaply, a long-idle running sandbox is
// reported as sleeping without persisting the inference.
func (c *Coordinator) reconcile(ctx context.Context, sb *domain.Sandbox) *domain.Sandbox {
	if !sb.HasContainer() {
		return sb
	}

	if !c.adapter.SupportsLiveStatus() {
		if sb.Status == domain.StatusRunning && sb.IdleFor(time.Now()) > c.cfg.IdleSleepAfter {
			view := *sb
			view.Status = domain.StatusSleeping
			return &view
		}
		return sb
	}

	live, err := c.adapter.Status(ctx, sb.ContainerRef)
	if err != nil {
		slog.Warn("Failed to query live container status", "sandbox_id", sb.ID, "error", err)
		return sb
	}

	if live == runtime.StatusUnknown {
		// The container vanished out from under the record.
		slog.Warn("Container missing, reconciling to stopped", "sandbox_id", sb.ID, "container_ref", sb.ContainerRef)
		if err := c.repo.BindContainer(ctx, sb.ID, "", sb.URLs); err != nil {
			slog.Warn("Failed to unbind missing container", "sandbox_id", sb.ID, "error", err)
		}
		if err := c.repo.UpdateSandboxStatus(ctx, sb.ID, domain.StatusStopped, ""); err != nil {
			slog.Warn("Failed to persist reconciled status", "sandbox_id", sb.ID, "error", err)
		}
		sb.ContainerRef = ""
		sb.Status = domain.StatusStopped
		return sb
	}

	mapped := live.SandboxStatus()
	if mapped == sb.Status {
		return sb
	}

	slog.Info("Reconciling sandbox status",
		"sandbox_id", sb.ID,
		"stored", sb.Status,
		"live", mapped,
	)
	errMsg := ""
	if mapped == domain.StatusError {
		errMsg = fmt.Sprintf("container in runtime state %s", live)
	}
	if err := c.repo.UpdateSandboxStatus(ctx, sb.ID, mapped, errMsg); err != nil {
		slog.Warn("Failed to persist reconciled status", "sandbox_id", sb.ID, "error", err)
		return sb
	}
	if mapped == domain.StatusStopped {
		if err := c.repo.BindContainer(ctx, sb.ID, "", sb.URLs); err != nil {
			slog.Warn("Failed to unbind stopped container", "sandbox_id", sb.ID, "error", err)
		} else {
			sb.ContainerRef = ""
		}
	}
	sb.Status = mapped
	sb.ErrorMessage = errMsg
	return sb
}

func (c *Coordinator) load(ctx context.Context, id string) (*domain.Sandbox, error) {
	sb, err := c.repo.GetSandbox(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load sandbox %s: %w", id, err)
	}
	if sb == nil {
		return nil, apperr.NotFoundf("sandbox %s", id)
	}
	return sb, nil
}

func (c *Coordinator) setError(ctx context.Context, id, op string, cause error) {
	msg := fmt.Sprintf("%s: %v", op, cause)
	if err := c.repo.UpdateSandboxStatus(ctx, id, domain.StatusError, msg); err != nil {
		slog.Error("Failed to record sandbox error", "sandbox_id", id, "error", err)
	}
}
