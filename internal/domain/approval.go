package domain

import (
	"time"
)

// Approval is an agent-originated request for a human decision (for example
// permission to run a command). The agent pushes it once; the service caches
// it in memory only. The agent remains the system of record for outstanding
// approvals, so losing the cache on restart is an accepted tradeoff.
type Approval struct {
	SandboxID string    `json:"sandbox_id"`
	SessionID string    `json:"session_id"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
