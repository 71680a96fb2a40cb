package api

import (
	"errors"
	"net/http"

	"github.com/termbridge/server/session"
)

// SessionHandler reports the terminal sessions that are currently open.
type SessionHandler struct {
	registry *session.Registry
}

func NewSessionHandler(registry *session.Registry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.registry.List(),
	})
}

// HandleGet answers one live session by id, or 404 once it has ended.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	info, err := h.registry.Get(r.PathValue("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}
