// Package api provides the HTTP surface of the Forgebox service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/avetra/forgebox/internal/apperr"
	"github.com/avetra/forgebox/internal/domain"
	"github.com/avetra/forgebox/internal/eventsync"
	"github.com/avetra/forgebox/internal/runtime"
	"github.com/avetra/forgebox/internal/sandbox"
	"github.com/avetra/forgebox/internal/store"
)

// Lifecycle is the slice of the coordinator the handlers need.
type Lifecycle interface {
	Create(ctx context.Context, spec sandbox.CreateSpec) (*domain.Sandbox, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Unpause(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Sandbox, error)
	List(ctx context.Context, filter store.SandboxFilter) ([]*domain.Sandbox, error)
	Exec(ctx context.Context, id string, cmd []string, opts runtime.ExecOptions) (runtime.ExecResult, error)
	Logs(ctx context.Context, id string, opts runtime.LogOptions) (string, error)
	Stats(ctx context.Context, id string) (runtime.Stats, error)
}

// Sync is the slice of the event sync engine the handlers need.
type Sync interface {
	StartSync(ctx context.Context, sandboxID string) error
	StopSync(sandboxID string)
	SyncStatus(sandboxID string) eventsync.Status
	SyncSessionMessages(ctx context.Context, sandboxID, sessionID string) error
	PendingApprovals(sandboxID, sessionID string) []domain.Approval
	RespondApproval(ctx context.Context, sandboxID, sessionID, requestID, response string) error
}

// Handler carries the shared handler dependencies.
type Handler struct {
	coord Lifecycle
	sync  Sync
	repo  store.Repository
}

// NewHandler creates the API handler.
func NewHandler(coord Lifecycle, sync Sync, repo store.Repository) *Handler {
	return &Handler{coord: coord, sync: sync, repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeErr maps domain errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case apperr.IsNotFound(err):
		Error(w, http.StatusNotFound, err.Error())
	case apperr.IsInvalidState(err):
		Error(w, http.StatusConflict, err.Error())
	case apperr.IsRuntimeUnavailable(err):
		Error(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, apperr.ErrConfig):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// Health reports service and database liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
