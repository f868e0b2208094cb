package eventsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avetra/forgebox/internal/agentclient"
	"github.com/avetra/forgebox/internal/domain"
	"github.com/avetra/forgebox/internal/shared"
)

// applyWithRetry retries an event apply that lost a race for the SQLite write
// lock. Other errors surface immediately.
func (e *Engine) applyWithRetry(ctx context.Context, conn *syncConn, event agentclient.Event) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = e.apply(ctx, conn, event)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Database busy applying sync event, retrying",
				"sandbox_id", conn.sandboxID,
				"attempt", i+1,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
		}
	}
	return err
}

// apply routes one decoded event to its idempotent upsert. All records are
// keyed by external ids, so replaying an event is always safe.
func (e *Engine) apply(ctx context.Context, conn *syncConn, event agentclient.Event) error {
	switch ev := event.(type) {
	case *agentclient.SessionCreated:
		return e.upsertSession(ctx, conn, ev.Session)
	case *agentclient.SessionUpdated:
		return e.upsertSession(ctx, conn, ev.Session)
	case *agentclient.SessionDeleted:
		return e.archiveSession(ctx, ev.Session.ID)
	case *agentclient.MessageCreated:
		return e.applyMessageCreated(ctx, ev.Message)
	case *agentclient.MessageUpdated:
		return e.applyMessageUpdated(ctx, ev.Message)
	case *agentclient.MessagePartUpdated:
		return e.applyPartUpdated(ctx, ev.Part)
	case *agentclient.PermissionCreated:
		e.approvals.Cache(conn.sandboxID, domain.Approval{
			SandboxID: conn.sandboxID,
			SessionID: ev.Permission.SessionID,
			ID:        ev.Permission.ID,
			Type:      ev.Permission.Type,
			Title:     ev.Permission.Title,
			Message:   ev.Permission.Message,
			CreatedAt: time.Now(),
		})
		return nil
	case *agentclient.PermissionReplied:
		e.approvals.Uncache(conn.sandboxID, ev.SessionID, ev.PermissionID)
		return nil
	case *agentclient.ServerConnected:
		return nil
	}
	return fmt.Errorf("unhandled event type %T", event)
}

func (e *Engine) upsertSession(ctx context.Context, conn *syncConn, info agentclient.SessionInfo) error {
	return e.repo.UpsertSession(ctx, &domain.Session{
		ID:           info.ID,
		SandboxID:    conn.sandboxID,
		OwnerID:      conn.ownerID,
		Title:        info.Title,
		LastSyncedAt: time.Now(),
		Archived:     info.Archived,
	})
}

func (e *Engine) archiveSession(ctx context.Context, sessionID string) error {
	sess, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		// Never mirrored; nothing to archive.
		return nil
	}
	return e.repo.ArchiveSession(ctx, sessionID)
}

func (e *Engine) applyMessageCreated(ctx context.Context, info agentclient.MessageInfo) error {
	existing, err := e.repo.GetMessage(ctx, info.SessionID, info.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		// Replayed create; the record already carries any streamed parts.
		return nil
	}

	if _, err := e.repo.UpsertMessage(ctx, &domain.Message{
		SessionID:  info.SessionID,
		ExternalID: info.ID,
		Role:       messageRole(info.Role),
		Parts:      []domain.MessagePart{},
		Status:     domain.MessageStreaming,
	}); err != nil {
		return err
	}
	return e.repo.IncrementMessageCount(ctx, info.SessionID, messageRole(info.Role))
}

func (e *Engine) applyMessageUpdated(ctx context.Context, info agentclient.MessageInfo) error {
	msg, err := e.repo.GetMessage(ctx, info.SessionID, info.ID)
	if err != nil {
		return err
	}
	if msg == nil {
		// The update raced ahead of its create; synthesize from the
		// update's metadata.
		msg = &domain.Message{
			SessionID:  info.SessionID,
			ExternalID: info.ID,
			Parts:      []domain.MessagePart{},
			Status:     domain.MessageStreaming,
		}
	}

	if role := messageRole(info.Role); info.Role != "" {
		msg.Role = role
	}
	if info.Time.Completed != 0 {
		msg.Status = domain.MessageComplete
		completed := time.UnixMilli(info.Time.Completed)
		msg.CompletedAt = &completed
	}

	_, err = e.repo.UpsertMessage(ctx, msg)
	return err
}

// applyPartUpdated merges a streaming text fragment into the message's part
// list, replacing the part with the matching type or appending a new one.
// Parts may still merge after a finish signal: the agent does not guarantee
// finish arrives last, and completion is metadata, not a write barrier.
func (e *Engine) applyPartUpdated(ctx context.Context, part agentclient.PartInfo) error {
	msg, err := e.repo.GetMessage(ctx, part.SessionID, part.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		msg = &domain.Message{
			SessionID:  part.SessionID,
			ExternalID: part.MessageID,
			Role:       domain.RoleAssistant,
			Parts:      []domain.MessagePart{},
			Status:     domain.MessageStreaming,
		}
	}

	msg.MergeTextPart(part.Type, part.Text)

	_, err = e.repo.UpsertMessage(ctx, msg)
	return err
}

// fullResync is the authoritative correctness backstop: an idempotent upsert
// pass over the agent's session and message lists. Any events lost to a
// disconnect or applied out of order are corrected here.
func (e *Engine) fullResync(ctx context.Context, conn *syncConn) {
	sessions, err := conn.client.ListSessions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Full resync failed to list sessions", "sandbox_id", conn.sandboxID, "error", err)
		}
		return
	}

	for _, sess := range sessions {
		if err := e.syncSessionMessages(ctx, conn.client, conn.sandboxID, conn.ownerID, sess); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Full resync failed for session",
				"sandbox_id", conn.sandboxID,
				"session_id", sess.ID,
				"error", err,
			)
		}
	}

	conn.touch()
	slog.Debug("Full resync completed", "sandbox_id", conn.sandboxID, "sessions", len(sessions))
}

// SyncSessionMessages re-mirrors one session on demand from the agent's
// authoritative lists.
func (e *Engine) SyncSessionMessages(ctx context.Context, sandboxID, sessionID string) error {
	client, ownerID, err := e.clientFor(ctx, sandboxID)
	if err != nil {
		return err
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions for sandbox %s: %w", sandboxID, err)
	}
	for _, sess := range sessions {
		if sess.ID == sessionID {
			return e.syncSessionMessages(ctx, client, sandboxID, ownerID, sess)
		}
	}

	// The agent no longer knows the session; archive the mirror if present.
	return e.archiveSession(ctx, sessionID)
}

func (e *Engine) syncSessionMessages(ctx context.Context, client agentclient.Client, sandboxID, ownerID string, sess agentclient.SessionInfo) error {
	now := time.Now()
	if err := e.repo.UpsertSession(ctx, &domain.Session{
		ID:           sess.ID,
		SandboxID:    sandboxID,
		OwnerID:      ownerID,
		Title:        sess.Title,
		LastSyncedAt: now,
		Archived:     sess.Archived,
	}); err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}

	messages, err := client.ListMessages(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	var userCount, assistantCount int
	for _, m := range messages {
		role := messageRole(m.Info.Role)
		switch role {
		case domain.RoleUser:
			userCount++
		case domain.RoleAssistant:
			assistantCount++
		}

		msg := &domain.Message{
			SessionID:  sess.ID,
			ExternalID: m.Info.ID,
			Role:       role,
			Parts:      make([]domain.MessagePart, 0, len(m.Parts)),
			Status:     domain.MessageStreaming,
		}
		for _, p := range m.Parts {
			msg.Parts = append(msg.Parts, domain.MessagePart{Type: p.Type, Text: p.Text})
		}
		if m.Info.Time.Completed != 0 {
			completed := time.UnixMilli(m.Info.Time.Completed)
			msg.Status = domain.MessageComplete
			msg.CompletedAt = &completed
		}

		if _, err := e.repo.UpsertMessage(ctx, msg); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.Info.ID, err)
		}
	}

	return e.repo.SetSessionSyncState(ctx, sess.ID, userCount, assistantCount, now)
}

func messageRole(role string) domain.Role {
	switch role {
	case "user":
		return domain.RoleUser
	case "system":
		return domain.RoleSystem
	}
	return domain.RoleAssistant
}
