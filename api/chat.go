package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/termbridge/server/agent"
	"github.com/termbridge/server/chat"
	"github.com/termbridge/server/logger"
)

const (
	errMessageRequired  = "Message is required"
	errMessagesRequired = "Messages are required"
)

type ChatHandler struct {
	agent agent.Agent
}

func NewChatHandler(ag agent.Agent) *ChatHandler {
	return &ChatHandler{agent: ag}
}

type chatRequest struct {
	Message  string         `json:"message"`
	Messages []chat.Message `json:"messages,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// prompt picks the text sent to claude. A non-empty message wins over a
// transcript.
func (req chatRequest) prompt() (string, bool) {
	if strings.TrimSpace(req.Message) != "" {
		return req.Message, true
	}
	if len(req.Messages) > 0 && chat.Validate(req.Messages) == nil {
		return chat.Transcript(req.Messages), true
	}
	return "", false
}

// HandleChat runs a prompt to completion and answers {response} or {error}.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errMessageRequired)
		return
	}
	prompt, ok := req.prompt()
	if !ok {
		writeError(w, http.StatusBadRequest, errMessageRequired)
		return
	}

	text, err := h.agent.Ask(r.Context(), prompt)
	if err != nil {
		slog.Error("chat request failed", "prompt", logger.Truncate(prompt, 50), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Response: text})
}

// HandleStream answers with the raw output as chunked plain text. Once the
// status is sent, failures can only show up as an inline notice.
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errMessagesRequired)
		return
	}
	if err := chat.Validate(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, errMessagesRequired)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	fw := &flushWriter{w: w, rc: http.NewResponseController(w)}
	if err := h.agent.Stream(r.Context(), chat.Transcript(req.Messages), fw); err != nil {
		slog.Warn("chat stream ended with error", "error", err)
	}
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil {
		return n, err
	}
	return n, nil
}
