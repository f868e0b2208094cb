package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avetra/forgebox/internal/domain"
	"github.com/avetra/forgebox/internal/runtime"
	"github.com/avetra/forgebox/internal/sandbox"
	"github.com/avetra/forgebox/internal/store"
)

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api/sandboxes", func(r chi.Router) {
		r.Post("/", h.CreateSandbox)
		r.Get("/", h.ListSandboxes)

		r.Route("/{sandboxID}", func(r chi.Router) {
			r.Get("/", h.GetSandbox)
			r.Delete("/", h.DeleteSandbox)
			r.Post("/start", h.StartSandbox)
			r.Post("/stop", h.StopSandbox)
			r.Post("/restart", h.RestartSandbox)
			r.Post("/pause", h.PauseSandbox)
			r.Post("/unpause", h.UnpauseSandbox)
			r.Post("/exec", h.ExecSandbox)
			r.Get("/logs", h.SandboxLogs)
			r.Get("/stats", h.SandboxStats)

			r.Get("/sync", h.GetSyncStatus)
			r.Post("/sync/start", h.StartSync)
			r.Post("/sync/stop", h.StopSync)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", h.ListSessions)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/messages", h.ListMessages)
					r.Post("/resync", h.ResyncSession)
					r.Get("/approvals", h.ListApprovals)
					r.Post("/approvals/{requestID}", h.RespondApproval)
				})
			})
		})
	})
}

// CreateSandbox provisions a new sandbox.
func (h *Handler) CreateSandbox(w http.ResponseWriter, r *http.Request) {
	var spec sandbox.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sb, err := h.coord.Create(r.Context(), spec)
	if err != nil {
		slog.Error("Failed to create sandbox", "owner_id", spec.OwnerID, "error", err)
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, sb)
}

// ListSandboxes returns reconciled sandbox views, optionally filtered.
func (h *Handler) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	filter := store.SandboxFilter{
		OwnerID: r.URL.Query().Get("owner_id"),
		Status:  domain.Status(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		Error(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	sandboxes, err := h.coord.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if sandboxes == nil {
		sandboxes = []*domain.Sandbox{}
	}
	JSON(w, http.StatusOK, sandboxes)
}

// GetSandbox returns one reconciled sandbox view.
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := h.coord.Get(r.Context(), chi.URLParam(r, "sandboxID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, sb)
}

// DeleteSandbox removes a sandbox permanently.
func (h *Handler) DeleteSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sandboxID")
	if err := h.coord.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) StartSandbox(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "start", h.coord.Start)
}

func (h *Handler) StopSandbox(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "stop", h.coord.Stop)
}

func (h *Handler) RestartSandbox(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "restart", h.coord.Restart)
}

func (h *Handler) PauseSandbox(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "pause", h.coord.Pause)
}

func (h *Handler) UnpauseSandbox(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "unpause", h.coord.Unpause)
}

// ExecSandbox runs a one-shot command inside a running sandbox.
func (h *Handler) ExecSandbox(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command    []string `json:"command"`
		User       string   `json:"user,omitempty"`
		WorkingDir string   `json:"working_dir,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "sandboxID")
	result, err := h.coord.Exec(r.Context(), id, body.Command, runtime.ExecOptions{
		User:       body.User,
		WorkingDir: body.WorkingDir,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// SandboxLogs returns container logs for a sandbox.
func (h *Handler) SandboxLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sandboxID")
	logs, err := h.coord.Logs(r.Context(), id, runtime.LogOptions{
		Tail:  r.URL.Query().Get("tail"),
		Since: r.URL.Query().Get("since"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// SandboxStats returns a live resource usage snapshot.
func (h *Handler) SandboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coord.Stats(r.Context(), chi.URLParam(r, "sandboxID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

// lifecycleOp runs one coordinator transition and returns the refreshed view.
func (h *Handler) lifecycleOp(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "sandboxID")
	if err := fn(r.Context(), id); err != nil {
		slog.Warn("Sandbox lifecycle operation failed", "op", op, "sandbox_id", id, "error", err)
		writeErr(w, err)
		return
	}

	sb, err := h.coord.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, sb)
}
