// Package eventsync mirrors each running sandbox's agent conversation state
// into durable storage. A live websocket subscription applies events
// incrementally; a periodic authoritative full resync corrects any drift from
// missed, dropped, or out-of-order events.
package eventsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avetra/forgebox/internal/agentclient"
	"github.com/avetra/forgebox/internal/apperr"
	"github.com/avetra/forgebox/internal/approval"
	"github.com/avetra/forgebox/internal/config"
	"github.com/avetra/forgebox/internal/domain"
	"github.com/avetra/forgebox/internal/store"
)

// Status is the externally visible state of one sandbox's sync connection.
type Status struct {
	Active            bool      `json:"active"`
	LastSyncTime      time.Time `json:"last_sync_time"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Error             string    `json:"error,omitempty"`
}

// Engine owns one sync connection per actively-synced sandbox. It writes only
// session and message records; sandbox status belongs to the coordinator, and
// a failed sync never changes the sandbox's own lifecycle state.
type Engine struct {
	repo      store.Repository
	approvals *approval.Cache
	factory   agentclient.Factory
	cfg       config.SyncConfig

	mu    sync.Mutex
	conns map[string]*syncConn
}

// syncConn is the engine's bookkeeping for one sandbox's live subscription
// plus its backup full-resync ticker.
type syncConn struct {
	sandboxID string
	ownerID   string
	client    agentclient.Client
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	attempts  int
	lastSync  time.Time
	exhausted bool
	stopped   bool
	lastErr   error
}

func (c *syncConn) bumpAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

func (c *syncConn) resetAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
}

func (c *syncConn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSync = time.Now()
}

func (c *syncConn) markExhausted(attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exhausted = true
	c.lastErr = fmt.Errorf("%w: gave up after %d reconnect attempts", apperr.ErrSyncExhausted, attempts)
}

func (c *syncConn) markStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *syncConn) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Active:            !c.exhausted && !c.stopped,
		LastSyncTime:      c.lastSync,
		ReconnectAttempts: c.attempts,
	}
	if c.lastErr != nil {
		s.Error = c.lastErr.Error()
	}
	return s
}

func (c *syncConn) terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted || c.stopped
}

// NewEngine creates an event sync engine.
func NewEngine(repo store.Repository, approvals *approval.Cache, factory agentclient.Factory, cfg config.SyncConfig) *Engine {
	return &Engine{
		repo:      repo,
		approvals: approvals,
		factory:   factory,
		cfg:       cfg,
		conns:     make(map[string]*syncConn),
	}
}

// StartSync begins syncing a running sandbox. It is a no-op when a live
// connection already exists for the id; an exhausted or stopped connection is
// replaced. The connection outlives the caller's context.
func (e *Engine) StartSync(ctx context.Context, sandboxID string) error {
	e.mu.Lock()
	if existing, ok := e.conns[sandboxID]; ok && !existing.terminal() {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	sb, err := e.repo.GetSandbox(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("load sandbox %s: %w", sandboxID, err)
	}
	if sb == nil {
		return apperr.NotFoundf("sandbox %s", sandboxID)
	}
	if sb.Status != domain.StatusRunning {
		return apperr.InvalidStatef("cannot sync sandbox %s in status %s", sandboxID, sb.Status)
	}
	agentURL := sb.AgentURL()
	if agentURL == "" {
		return apperr.InvalidStatef("sandbox %s has no agent endpoint", sandboxID)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &syncConn{
		sandboxID: sandboxID,
		ownerID:   sb.OwnerID,
		client:    e.factory(agentURL),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	// Re-check under the lock: a concurrent StartSync may have won the race
	// while the sandbox was being loaded. Exactly one connection per sandbox.
	e.mu.Lock()
	if existing, ok := e.conns[sandboxID]; ok {
		if !existing.terminal() {
			e.mu.Unlock()
			cancel()
			return nil
		}
		// A replaced terminal connection must release its resync goroutine.
		existing.cancel()
	}
	e.conns[sandboxID] = conn
	e.mu.Unlock()

	slog.Info("Sync started", "sandbox_id", sandboxID, "agent_url", agentURL)

	go e.run(connCtx, conn)
	go e.resyncLoop(connCtx, conn)
	return nil
}

// StopSync cancels the live subscription, clears the full-resync timer, and
// removes the connection. Safe to call when no connection exists.
func (e *Engine) StopSync(sandboxID string) {
	e.mu.Lock()
	conn, ok := e.conns[sandboxID]
	if ok {
		delete(e.conns, sandboxID)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	conn.markStopped()
	conn.cancel()
	<-conn.done
	e.approvals.Clear(sandboxID)
	slog.Info("Sync stopped", "sandbox_id", sandboxID)
}

// SyncStatus reports the sync state for a sandbox. A sandbox with no
// connection record reports inactive with zero attempts.
func (e *Engine) SyncStatus(sandboxID string) Status {
	e.mu.Lock()
	conn, ok := e.conns[sandboxID]
	e.mu.Unlock()

	if !ok {
		return Status{}
	}
	return conn.status()
}

// PendingApprovals returns cached approval requests for a session.
func (e *Engine) PendingApprovals(sandboxID, sessionID string) []domain.Approval {
	return e.approvals.ListPending(sandboxID, sessionID)
}

// RespondApproval forwards a caller's decision to the agent and drops the
// cached request on success.
func (e *Engine) RespondApproval(ctx context.Context, sandboxID, sessionID, requestID, response string) error {
	client, _, err := e.clientFor(ctx, sandboxID)
	if err != nil {
		return err
	}
	if err := client.RespondPermission(ctx, sessionID, requestID, response); err != nil {
		return fmt.Errorf("respond to approval %s: %w", requestID, err)
	}
	e.approvals.Uncache(sandboxID, sessionID, requestID)
	return nil
}

// run is the per-sandbox subscription loop: consume the stream, reconnect
// with exponential backoff on failure, stop entirely once attempts exceed
// the cap. The sandbox's own lifecycle status is never touched here.
func (e *Engine) run(ctx context.Context, conn *syncConn) {
	defer close(conn.done)

	// Capture historical sessions/messages before the first live event, so
	// a freshly started sandbox is mirrored even if nothing new happens.
	e.fullResync(ctx, conn)

	for {
		e.consume(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		attempt := conn.bumpAttempts()
		if attempt > e.cfg.ReconnectMaxAttempts {
			conn.markExhausted(attempt - 1)
			// Cancel the shared connection context so the full-resync
			// ticker stops with the subscription.
			conn.cancel()
			e.approvals.Clear(conn.sandboxID)
			slog.Error("Sync reconnect attempts exhausted, stopping sync",
				"sandbox_id", conn.sandboxID,
				"attempts", attempt-1,
			)
			return
		}

		delay := backoffDelay(e.cfg.ReconnectBaseDelay, attempt)
		slog.Warn("Sync subscription lost, reconnecting",
			"sandbox_id", conn.sandboxID,
			"attempt", attempt,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume drains one subscription until it ends. Per-event apply failures are
// logged and skipped; the next full resync self-heals any inconsistency.
func (e *Engine) consume(ctx context.Context, conn *syncConn) {
	for event, err := range conn.client.Subscribe(ctx) {
		if err != nil {
			slog.Warn("Sync event error", "sandbox_id", conn.sandboxID, "error", err)
			continue
		}

		if _, ok := event.(*agentclient.ServerConnected); ok {
			conn.resetAttempts()
			conn.touch()
			continue
		}

		if err := e.applyWithRetry(ctx, conn, event); err != nil {
			slog.Warn("Failed to apply sync event",
				"sandbox_id", conn.sandboxID,
				"event_type", fmt.Sprintf("%T", event),
				"error", err,
			)
		}
	}
}

// resyncLoop runs the recurring authoritative re-scan.
func (e *Engine) resyncLoop(ctx context.Context, conn *syncConn) {
	ticker := time.NewTicker(e.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.fullResync(ctx, conn)
		}
	}
}

// backoffDelay returns base × 2^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// clientFor returns the live connection's client when one exists, otherwise
// dials the sandbox's agent endpoint from the registry record.
func (e *Engine) clientFor(ctx context.Context, sandboxID string) (agentclient.Client, string, error) {
	e.mu.Lock()
	conn, ok := e.conns[sandboxID]
	e.mu.Unlock()
	if ok && !conn.terminal() {
		return conn.client, conn.ownerID, nil
	}

	sb, err := e.repo.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, "", fmt.Errorf("load sandbox %s: %w", sandboxID, err)
	}
	if sb == nil {
		return nil, "", apperr.NotFoundf("sandbox %s", sandboxID)
	}
	if sb.AgentURL() == "" {
		return nil, "", apperr.InvalidStatef("sandbox %s has no agent endpoint", sandboxID)
	}
	return e.factory(sb.AgentURL()), sb.OwnerID, nil
}
