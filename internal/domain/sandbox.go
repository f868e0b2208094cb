// Package domain contains core domain types for the Forgebox service.
package domain

import (
	"time"
)

// Status is the lifecycle state of a sandbox as recorded in the registry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusSleeping Status = "sleeping"
	StatusError    Status = "error"
)

// Valid reports whether s is a known sandbox status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStarting, StatusRunning, StatusStopping,
		StatusStopped, StatusSleeping, StatusError:
		return true
	}
	return false
}

// Sandbox is a provisioned development environment backed by a runtime container.
// The registry record is authoritative for everything except live runtime state.
type Sandbox struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	Status         Status            `json:"status"`
	ContainerRef   string            `json:"container_ref,omitempty"`
	Tier           string            `json:"tier"`
	Flavor         string            `json:"flavor"`
	Addons         []string          `json:"addons,omitempty"`
	URLs           map[string]string `json:"urls,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}

// HasContainer returns true if the sandbox is bound to a runtime container.
func (s *Sandbox) HasContainer() bool {
	return s.ContainerRef != ""
}

// AgentURL returns the sandbox's agent endpoint, or empty if not provisioned.
func (s *Sandbox) AgentURL() string {
	return s.URLs["agent"]
}

// IdleFor returns how long the sandbox has gone without access.
func (s *Sandbox) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastAccessedAt)
}

// CanStart reports whether a start operation is legal from the current status.
func (s *Sandbox) CanStart() bool {
	switch s.Status {
	case StatusPending, StatusStopped, StatusError:
		return true
	}
	return false
}

// CanStop reports whether a stop operation is legal from the current status.
func (s *Sandbox) CanStop() bool {
	switch s.Status {
	case StatusRunning, StatusStarting, StatusSleeping:
		return true
	}
	return false
}
