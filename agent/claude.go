package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/termbridge/server/config"
	"github.com/termbridge/server/logger"
	"github.com/termbridge/server/process"
	"k8s.io/utils/clock"
)

const (
	DefaultTimeout = config.DefaultTimeout

	promptLogLen = 50
	stderrLogLen = 200
)

// ClaudeAgent implements the Agent interface using the claude CLI in
// print mode.
type ClaudeAgent struct {
	spawner   process.Spawner
	timeout   time.Duration
	maxOutput int64
	clock     clock.Clock
}

type Option func(*ClaudeAgent)

func WithTimeout(d time.Duration) Option {
	return func(c *ClaudeAgent) {
		c.timeout = d
	}
}

// WithMaxOutput caps the bytes collected by Ask. Zero means unlimited.
func WithMaxOutput(n int64) Option {
	return func(c *ClaudeAgent) {
		c.maxOutput = n
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *ClaudeAgent) {
		c.clock = clk
	}
}

func NewClaudeAgent(spawner process.Spawner, opts ...Option) *ClaudeAgent {
	c := &ClaudeAgent{
		spawner: spawner,
		timeout: DefaultTimeout,
		clock:   clock.RealClock{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func promptArgs(prompt string) []string {
	return []string{"-p", prompt}
}

// Ask spawns claude, waits for it to finish and returns the cleaned stdout.
// The first of completion, timeout, output overflow or ctx cancellation
// decides the result; anything after that is ignored.
func (c *ClaudeAgent) Ask(ctx context.Context, prompt string) (string, error) {
	log := logger.FromContext(ctx)
	log.Info("running claude", "prompt", logger.Truncate(prompt, promptLogLen))

	h, err := c.spawner.Spawn(ctx, process.Options{Args: promptArgs(prompt)})
	if err != nil {
		return "", err
	}

	req := newPendingRequest()
	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	log = log.With("pid", h.PID())
	go c.collect(log, h, req)

	select {
	case <-req.done:
	case <-timer.C():
		if req.resolve(requestTimedOut, "", &TimeoutError{After: c.timeout}) {
			log.Error("claude timed out, killing process", "timeout", c.timeout)
			h.Close()
		}
	case <-ctx.Done():
		if req.resolve(requestFailed, "", ctx.Err()) {
			log.Info("request cancelled, killing process")
			h.Close()
		}
	}

	res := req.get()
	log.Debug("claude request resolved", "state", res.state)
	return res.text, res.err
}

// collect drains both streams until the process ends and resolves req
// from the exit status.
func (c *ClaudeAgent) collect(log *slog.Logger, h *process.Handle, req *pendingRequest) {
	var stdout, stderr bytes.Buffer
	overflow := false

	out, errs := h.Stdout(), h.Stderr()
	for out != nil || errs != nil {
		var buf *bytes.Buffer
		var chunk []byte
		var ok bool

		select {
		case chunk, ok = <-out:
			if !ok {
				out = nil
				continue
			}
			buf = &stdout
		case chunk, ok = <-errs:
			if !ok {
				errs = nil
				continue
			}
			buf = &stderr
			log.Debug("claude stderr", "text", logger.Truncate(string(chunk), stderrLogLen))
		}

		if overflow {
			continue
		}
		buf.Write(chunk)
		if c.maxOutput > 0 && int64(stdout.Len()+stderr.Len()) > c.maxOutput {
			overflow = true
			if req.resolve(requestFailed, "", &OutputLimitError{Limit: c.maxOutput}) {
				log.Warn("claude output limit exceeded, killing process", "limit", c.maxOutput)
				h.Close()
			}
		}
	}

	<-h.Done()
	state, text, err := evaluate(h.Exit(), stdout.String(), stderr.String())
	if !req.resolve(state, text, err) {
		log.Debug("ignoring late process result", "state", state)
	}
}

// evaluate maps a finished process to a request outcome.
func evaluate(status process.ExitStatus, stdout, stderr string) (requestState, string, error) {
	if status.HasCode() && status.Code != 0 {
		return requestFailed, "", &ExitError{Code: status.Code, Stderr: stderr}
	}
	if strings.TrimSpace(stdout) == "" {
		return requestFailed, "", ErrEmptyOutput
	}
	return requestSucceeded, CleanOutput(stdout), nil
}

// Stream spawns claude and writes each stdout chunk to w unchanged and in
// order. A spawn failure or non-zero exit is written to w as an error
// notice and also returned. A failed write to w kills the process.
func (c *ClaudeAgent) Stream(ctx context.Context, prompt string, w io.Writer) error {
	log := logger.FromContext(ctx)
	log.Info("streaming claude", "prompt", logger.Truncate(prompt, promptLogLen))

	h, err := c.spawner.Spawn(ctx, process.Options{Args: promptArgs(prompt)})
	if err != nil {
		return writeNotice(log, w, err)
	}
	defer h.Close()
	log = log.With("pid", h.PID())

	var stderr bytes.Buffer
	out, errs := h.Stdout(), h.Stderr()
	for out != nil || errs != nil {
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if _, err := w.Write(chunk); err != nil {
				return fmt.Errorf("failed to forward output: %w", err)
			}
		case chunk, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			stderr.Write(chunk)
			log.Debug("claude stderr", "text", logger.Truncate(string(chunk), stderrLogLen))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	status, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if status.HasCode() && status.Code != 0 {
		return writeNotice(log, w, &ExitError{Code: status.Code, Stderr: stderr.String()})
	}
	return nil
}

func writeNotice(log *slog.Logger, w io.Writer, err error) error {
	if _, werr := io.WriteString(w, ErrorNotice(err)); werr != nil {
		log.Debug("failed to write error notice", "error", werr)
	}
	return err
}

type requestState string

const (
	requestRunning   requestState = "running"
	requestSucceeded requestState = "succeeded"
	requestFailed    requestState = "failed"
	requestTimedOut  requestState = "timed_out"
)

type requestResult struct {
	state requestState
	text  string
	err   error
}

// pendingRequest is resolved at most once. done is closed on resolution.
type pendingRequest struct {
	mu     sync.Mutex
	result requestResult
	done   chan struct{}
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{
		result: requestResult{state: requestRunning},
		done:   make(chan struct{}),
	}
}

// resolve records the outcome and reports whether this call decided it.
func (r *pendingRequest) resolve(state requestState, text string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.state != requestRunning {
		return false
	}
	r.result = requestResult{state: state, text: text, err: err}
	close(r.done)
	return true
}

func (r *pendingRequest) get() requestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}
