package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/termbridge/server/agent"
	"github.com/termbridge/server/process"
)

type mockAsker struct {
	answer string
	err    error
	prompt string
}

func (m *mockAsker) Ask(ctx context.Context, prompt string) (string, error) {
	m.prompt = prompt
	return m.answer, m.err
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// callMethod sends a JSON-RPC request and returns the parsed response.
func callMethod(t *testing.T, s *Server, method string, params any) jsonRPCResponse {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	msg := s.mcp.HandleMessage(context.Background(), raw)
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, b)
	}
	return resp
}

// callTool sends a tools/call request and returns the parsed tool result.
func callTool(t *testing.T, s *Server, name string, args map[string]any) toolCallResult {
	t.Helper()
	resp := callMethod(t, s, "tools/call", map[string]any{"name": name, "arguments": args})
	if resp.Error != nil {
		t.Fatalf("unexpected RPC error: %+v", resp.Error)
	}
	var result toolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal tool result: %v", err)
	}
	return result
}

func toolText(r toolCallResult) string {
	if len(r.Content) == 0 {
		return ""
	}
	return r.Content[0].Text
}

func toolErr(t *testing.T, r toolCallResult) ToolError {
	t.Helper()
	if !r.IsError {
		t.Fatalf("expected error result, got %q", toolText(r))
	}
	var te ToolError
	if err := json.Unmarshal([]byte(toolText(r)), &te); err != nil {
		t.Fatalf("unmarshal tool error: %v", err)
	}
	return te
}

func TestInitialize(t *testing.T) {
	s := NewServer(&mockAsker{})
	resp := callMethod(t, s, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	json.Unmarshal(resp.Result, &result)

	if result.ServerInfo.Name != serverName {
		t.Errorf("name = %q, want %q", result.ServerInfo.Name, serverName)
	}
}

func TestToolsList(t *testing.T) {
	s := NewServer(&mockAsker{})
	resp := callMethod(t, s, "tools/list", nil)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	json.Unmarshal(resp.Result, &result)

	if len(result.Tools) != 1 || result.Tools[0].Name != "ask" {
		t.Errorf("unexpected tools %+v", result.Tools)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := NewServer(&mockAsker{})
	resp := callMethod(t, s, "nonexistent", nil)

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("code = %d, want -32601", resp.Error.Code)
	}
}

func TestUnknownTool(t *testing.T) {
	s := NewServer(&mockAsker{})
	resp := callMethod(t, s, "tools/call", map[string]any{"name": "nonexistent_tool", "arguments": map[string]any{}})

	if resp.Error == nil {
		t.Fatal("expected RPC error for unknown tool")
	}
}

func TestAsk(t *testing.T) {
	asker := &mockAsker{answer: "4"}
	s := NewServer(asker)

	result := callTool(t, s, "ask", map[string]any{"prompt": "what is 2+2?"})

	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(result))
	}
	if toolText(result) != "4" {
		t.Errorf("result = %q, want 4", toolText(result))
	}
	if asker.prompt != "what is 2+2?" {
		t.Errorf("prompt = %q", asker.prompt)
	}
}

func TestAsk_WithSystem(t *testing.T) {
	asker := &mockAsker{answer: "ok"}
	s := NewServer(asker)

	callTool(t, s, "ask", map[string]any{"prompt": "hi", "system": "be brief"})

	if asker.prompt != "System: be brief\n\nUser: hi" {
		t.Errorf("prompt = %q", asker.prompt)
	}
}

func TestAsk_MissingPrompt(t *testing.T) {
	asker := &mockAsker{}
	s := NewServer(asker)

	te := toolErr(t, callTool(t, s, "ask", map[string]any{}))

	if te.Code != ErrValidation {
		t.Errorf("code = %q, want %q", te.Code, ErrValidation)
	}
	if asker.prompt != "" {
		t.Error("asker should not be called")
	}
}

func TestAsk_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"timeout", &agent.TimeoutError{After: 5 * time.Minute}, ErrTimeout},
		{"exit", &agent.ExitError{Code: 2, Stderr: "bad"}, ErrProcess},
		{"spawn", &process.SpawnError{Binary: "claude", Err: errors.New("not found")}, ErrProcess},
		{"empty", agent.ErrEmptyOutput, ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&mockAsker{err: tt.err})
			te := toolErr(t, callTool(t, s, "ask", map[string]any{"prompt": "x"}))

			if te.Code != tt.code {
				t.Errorf("code = %q, want %q", te.Code, tt.code)
			}
			if !strings.Contains(te.Message, tt.err.Error()) {
				t.Errorf("message = %q, want to contain %q", te.Message, tt.err.Error())
			}
		})
	}
}

func TestAsk_ExitCodeDetail(t *testing.T) {
	s := NewServer(&mockAsker{err: &agent.ExitError{Code: 7}})
	te := toolErr(t, callTool(t, s, "ask", map[string]any{"prompt": "x"}))

	if code, ok := te.Details["exit_code"].(float64); !ok || code != 7 {
		t.Errorf("details = %+v", te.Details)
	}
}

func TestRun_Stdio(t *testing.T) {
	s := NewServer(&mockAsker{answer: "pong"})

	in, inW := io.Pipe()
	var out syncBuffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, in, &out)
	}()

	go io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ask","arguments":{"prompt":"ping"}}}`+"\n")

	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "pong") {
		select {
		case <-deadline:
			t.Fatalf("no tool response, got %q", out.String())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	inW.Close()
	<-done
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
