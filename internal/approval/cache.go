// Package approval holds the in-memory cache of outstanding agent approval
// requests. The agent process is the system of record for outstanding
// approvals; this cache is never persisted, so a process restart loses all
// entries.
package approval

import (
	"sync"

	"github.com/avetra/forgebox/internal/domain"
)

// Cache stores approvals keyed by sandbox id, then session id, then request
// id. The agent pushes each approval exactly once; a client that reconnects
// needs this cache to catch up on approvals it missed while disconnected.
type Cache struct {
	mu        sync.RWMutex
	sandboxes map[string]map[string]map[string]domain.Approval
}

// NewCache creates an empty approval cache.
func NewCache() *Cache {
	return &Cache{sandboxes: make(map[string]map[string]map[string]domain.Approval)}
}

// Cache inserts or overwrites the entry for the approval's request id.
func (c *Cache) Cache(sandboxID string, a domain.Approval) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions, ok := c.sandboxes[sandboxID]
	if !ok {
		sessions = make(map[string]map[string]domain.Approval)
		c.sandboxes[sandboxID] = sessions
	}
	requests, ok := sessions[a.SessionID]
	if !ok {
		requests = make(map[string]domain.Approval)
		sessions[a.SessionID] = requests
	}
	requests[a.ID] = a
}

// Uncache removes one entry, pruning now-empty intermediate levels.
func (c *Cache) Uncache(sandboxID, sessionID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions, ok := c.sandboxes[sandboxID]
	if !ok {
		return
	}
	requests, ok := sessions[sessionID]
	if !ok {
		return
	}
	delete(requests, requestID)
	if len(requests) == 0 {
		delete(sessions, sessionID)
	}
	if len(sessions) == 0 {
		delete(c.sandboxes, sandboxID)
	}
}

// ListPending returns all cached approvals for a session.
func (c *Cache) ListPending(sandboxID, sessionID string) []domain.Approval {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []domain.Approval{}
	for _, a := range c.sandboxes[sandboxID][sessionID] {
		out = append(out, a)
	}
	return out
}

// Clear wipes all entries for a sandbox. Called when its sync is stopped or
// the sandbox is deleted, so stale approvals never leak into a reused id.
func (c *Cache) Clear(sandboxID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sandboxes, sandboxID)
}
