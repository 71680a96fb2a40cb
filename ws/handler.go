// Package ws serves terminal sessions over WebSocket.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/termbridge/server/process"
	"github.com/termbridge/server/session"
)

// readLimit bounds a single inbound message.
const readLimit = 1 << 20

// SessionServer runs one session over a transport until it ends.
type SessionServer interface {
	Serve(ctx context.Context, t session.Transport) error
}

type Handler struct {
	sessions SessionServer
	devMode  bool
}

func NewHandler(sessions SessionServer, devMode bool) *Handler {
	return &Handler{
		sessions: sessions,
		devMode:  devMode,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	log := slog.With("remoteAddr", r.RemoteAddr)
	log.Info("terminal connection opened")

	err = h.sessions.Serve(r.Context(), &connTransport{conn: conn})
	code, reason := closeStatus(err)
	if err != nil {
		log.Info("terminal session ended", "reason", err)
	}
	conn.Close(code, reason)
}

// closeStatus picks the close frame sent when a session ends with err.
func closeStatus(err error) (websocket.StatusCode, string) {
	var exited *session.ProcessExitedError
	var spawnErr *process.SpawnError

	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.As(err, &exited):
		return websocket.StatusNormalClosure, exited.Status.String()
	case errors.As(err, &spawnErr):
		return websocket.StatusInternalError, "failed to start claude"
	case errors.Is(err, context.Canceled):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusInternalError, "session error"
	}
}
