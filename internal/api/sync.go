package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avetra/forgebox/internal/domain"
)

// GetSyncStatus reports the sync connection state for a sandbox.
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.sync.SyncStatus(chi.URLParam(r, "sandboxID")))
}

// StartSync begins event sync for a running sandbox.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sandboxID")
	if err := h.sync.StartSync(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, h.sync.SyncStatus(id))
}

// StopSync tears down event sync for a sandbox.
func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sandboxID")
	h.sync.StopSync(id)
	JSON(w, http.StatusOK, h.sync.SyncStatus(id))
}

// ListSessions returns the mirrored sessions of a sandbox.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context(), chi.URLParam(r, "sandboxID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// ListMessages returns the mirrored messages of a session.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.repo.ListMessages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, messages)
}

// ResyncSession re-mirrors one session from the agent on demand.
func (h *Handler) ResyncSession(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sync.SyncSessionMessages(r.Context(), sandboxID, sessionID); err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// ListApprovals returns pending approval requests for a session.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")
	sessionID := chi.URLParam(r, "sessionID")
	JSON(w, http.StatusOK, h.sync.PendingApprovals(sandboxID, sessionID))
}

// RespondApproval forwards a caller's decision on a pending approval.
func (h *Handler) RespondApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Response == "" {
		Error(w, http.StatusBadRequest, "response is required")
		return
	}

	sandboxID := chi.URLParam(r, "sandboxID")
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")
	if err := h.sync.RespondApproval(r.Context(), sandboxID, sessionID, requestID, body.Response); err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "responded"})
}
