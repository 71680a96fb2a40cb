package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/termbridge/server/agent"
	"github.com/termbridge/server/chat"
	"github.com/termbridge/server/logger"
	"github.com/termbridge/server/process"
)

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil || prompt == "" {
		return ValidationError("prompt is required"), nil
	}

	if system := req.GetString("system", ""); system != "" {
		prompt = chat.Transcript([]chat.Message{
			{Role: chat.RoleSystem, Content: system},
			{Role: chat.RoleUser, Content: prompt},
		})
	}

	text, err := s.asker.Ask(ctx, prompt)
	if err != nil {
		slog.Error("ask tool failed", "prompt", logger.Truncate(prompt, 50), "error", err)
		return askError(err), nil
	}
	return mcp.NewToolResultText(text), nil
}

// askError classifies a relay failure for the calling agent.
func askError(err error) *mcp.CallToolResult {
	var timeoutErr *agent.TimeoutError
	var exitErr *agent.ExitError
	var spawnErr *process.SpawnError

	switch {
	case errors.As(err, &timeoutErr):
		return ToolError{
			Code:    ErrTimeout,
			Message: err.Error(),
			Details: map[string]any{"timeout_seconds": timeoutErr.After.Seconds()},
		}.ToResult()
	case errors.As(err, &exitErr):
		return ToolError{
			Code:    ErrProcess,
			Message: err.Error(),
			Details: map[string]any{"exit_code": exitErr.Code},
		}.ToResult()
	case errors.As(err, &spawnErr):
		return ToolError{Code: ErrProcess, Message: err.Error()}.ToResult()
	default:
		return InternalError(err)
	}
}
