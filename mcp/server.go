// Package mcp exposes the one-shot relay as a stdio MCP server, so other
// agents can ask claude a question as a tool call.
package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "termbridge"
	serverVersion = "1.0.0"
)

// Asker runs a single prompt to completion.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

type Server struct {
	asker Asker
	mcp   *server.MCPServer
}

func NewServer(asker Asker) *Server {
	s := &Server{asker: asker}
	s.mcp = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Ask claude a question in print mode and return its answer. Each call starts a fresh claude process with no memory of earlier calls."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("The question or instruction")),
		mcp.WithString("system", mcp.Description("Optional instructions placed before the prompt")),
	), s.handleAsk)
}

// Run serves MCP over the given streams until ctx is done or in is closed.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
