// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/avetra/forgebox/internal/domain"
)

// SandboxFilter narrows ListSandboxes results. Zero values match everything.
type SandboxFilter struct {
	OwnerID string
	Status  domain.Status
}

// Repository is the durable sandbox registry plus the mirrored session and
// message records. The lifecycle coordinator is the only writer of sandbox
// status; the event sync engine writes only sessions and messages.
type Repository interface {
	// CreateSandbox inserts a new sandbox record. Fails if the id exists.
	CreateSandbox(ctx context.Context, sb *domain.Sandbox) error

	// GetSandbox retrieves a sandbox by id. Returns (nil, nil) when absent.
	GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error)

	// ListSandboxes returns sandboxes matching the filter.
	ListSandboxes(ctx context.Context, filter SandboxFilter) ([]*domain.Sandbox, error)

	// UpdateSandboxStatus transitions a sandbox's status and error message.
	// An empty errorMessage clears any previous error.
	UpdateSandboxStatus(ctx context.Context, id string, status domain.Status, errorMessage string) error

	// BindContainer records the runtime container ref and endpoint URLs.
	// An empty ref clears the binding.
	BindContainer(ctx context.Context, id, containerRef string, urls map[string]string) error

	// TouchLastAccessed updates the last_accessed_at timestamp.
	TouchLastAccessed(ctx context.Context, id string, at time.Time) error

	// DeleteSandbox removes the sandbox and all its mirrored sessions and
	// messages. Deleting an absent sandbox is a no-op.
	DeleteSandbox(ctx context.Context, id string) error

	// ListIdleSandboxes returns running sandboxes whose last access is older
	// than the threshold.
	ListIdleSandboxes(ctx context.Context, idleFor time.Duration) ([]*domain.Sandbox, error)

	// UpsertSession creates or updates a mirrored session. An archived
	// session never becomes unarchived through upsert.
	UpsertSession(ctx context.Context, sess *domain.Session) error

	// GetSession retrieves a session by id. Returns (nil, nil) when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns all sessions mirrored for a sandbox.
	ListSessions(ctx context.Context, sandboxID string) ([]*domain.Session, error)

	// ArchiveSession soft-deletes a session; message history is retained.
	ArchiveSession(ctx context.Context, id string) error

	// IncrementMessageCount bumps the per-role message counter.
	IncrementMessageCount(ctx context.Context, sessionID string, role domain.Role) error

	// SetSessionSyncState records authoritative counters after a full resync.
	SetSessionSyncState(ctx context.Context, sessionID string, userCount, assistantCount int, syncedAt time.Time) error

	// GetMessage retrieves a mirrored message by its idempotency key.
	// Returns (nil, nil) when absent.
	GetMessage(ctx context.Context, sessionID, externalID string) (*domain.Message, error)

	// UpsertMessage creates or updates a message keyed by
	// (session_id, external_id). Reports whether a new row was created.
	UpsertMessage(ctx context.Context, msg *domain.Message) (created bool, err error)

	// ListMessages returns a session's messages in insertion order.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// CleanupLegacyState removes pre-multi-tenant records owned by the
	// legacy "local" owner. Run once at startup, before serving.
	CleanupLegacyState(ctx context.Context) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
