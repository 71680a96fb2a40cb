package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/termbridge/server/config"
	"github.com/termbridge/server/process"
	"github.com/termbridge/server/testutil"
	clocktesting "k8s.io/utils/clock/testing"
)

func newTestAgent(t *testing.T, body string, opts ...Option) *ClaudeAgent {
	t.Helper()
	cfg := config.Default()
	cfg.Binary = testutil.FakeClaude(t, body)
	cfg.WorkDir = t.TempDir()
	sup := process.NewSupervisor(cfg, process.WithKillGrace(500*time.Millisecond))
	return NewClaudeAgent(sup, opts...)
}

func ask(t *testing.T, a *ClaudeAgent, prompt string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Ask(ctx, prompt)
}

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "  hello\n", "hello"},
		{"single reminder", "Hi<system-reminder>x</system-reminder> there", "Hi there"},
		{"multiline reminder", "<system-reminder>\nline1\nline2\n</system-reminder>\nanswer", "answer"},
		{"two reminders are removed separately", "<system-reminder>a</system-reminder>keep<system-reminder>b</system-reminder>", "keep"},
		{"only reminder", "<system-reminder>x</system-reminder>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanOutput(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAsk_ReturnsCleanedOutput(t *testing.T) {
	a := newTestAgent(t, `printf 'Hi<system-reminder>x</system-reminder> there\n'`)

	got, err := ask(t, a, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Hi there" {
		t.Errorf("expected %q, got %q", "Hi there", got)
	}
}

func TestAsk_PassesPromptAsArgument(t *testing.T) {
	a := newTestAgent(t, `printf '%s %s' "$1" "$2"`)

	got, err := ask(t, a, "what is 2+2?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "-p what is 2+2?" {
		t.Errorf("unexpected args: %q", got)
	}
}

func TestAsk_NonZeroExit(t *testing.T) {
	a := newTestAgent(t, `echo partial; printf boom >&2; exit 3`)

	_, err := ask(t, a, "hello")

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != 3 {
		t.Errorf("expected code 3, got %d", exitErr.Code)
	}
	if !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestAsk_NonZeroExitWithoutStderr(t *testing.T) {
	a := newTestAgent(t, `exit 1`)

	_, err := ask(t, a, "hello")
	if err == nil || !strings.Contains(err.Error(), "No error output") {
		t.Errorf("expected fallback detail, got %v", err)
	}
}

func TestAsk_EmptyOutput(t *testing.T) {
	a := newTestAgent(t, `printf '  \n'`)

	if _, err := ask(t, a, "hello"); !errors.Is(err, ErrEmptyOutput) {
		t.Errorf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestAsk_SpawnFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Binary = "/does/not/exist/claude"
	a := NewClaudeAgent(process.NewSupervisor(cfg))

	_, err := ask(t, a, "hello")

	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *process.SpawnError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "failed to start") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestAsk_Timeout(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	a := newTestAgent(t, `echo started; exec sleep 30`, WithTimeout(time.Minute), WithClock(clk))

	errCh := make(chan error, 1)
	go func() {
		_, err := ask(t, a, "slow")
		errCh <- err
	}()

	testutil.Eventually(t, 5*time.Second, clk.HasWaiters, "timeout timer never armed")
	clk.Step(time.Minute)

	select {
	case err := <-errCh:
		var timeoutErr *TimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
		}
		if timeoutErr.After != time.Minute {
			t.Errorf("expected timeout of 1m, got %s", timeoutErr.After)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after timeout")
	}
}

// pidScript prefixes body with a line recording the script's pid in a file
// and returns the body and the file path.
func pidScript(t *testing.T, body string) (string, string) {
	t.Helper()
	pidFile := filepath.Join(t.TempDir(), "pid")
	return fmt.Sprintf("echo $$ > %s.tmp && mv %s.tmp %s\n%s", pidFile, pidFile, pidFile, body), pidFile
}

func readPID(t *testing.T, pidFile string) int {
	t.Helper()
	var pid int
	testutil.Eventually(t, 5*time.Second, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, "fake claude never wrote its pid")
	return pid
}

func askAfterTimeout(t *testing.T, a *ClaudeAgent, clk *clocktesting.FakeClock, pidFile string) (string, int, error) {
	t.Helper()
	type result struct {
		text string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		text, err := ask(t, a, "slow")
		resCh <- result{text, err}
	}()

	pid := readPID(t, pidFile)
	testutil.Eventually(t, 5*time.Second, clk.HasWaiters, "timeout timer never armed")
	clk.Step(time.Minute)

	select {
	case res := <-resCh:
		return res.text, pid, res.err
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after timeout")
		return "", pid, nil
	}
}

func TestAsk_TimeoutKillsProcess(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	body, pidFile := pidScript(t, `exec sleep 30`)
	a := newTestAgent(t, body, WithTimeout(time.Minute), WithClock(clk))

	_, pid, err := askAfterTimeout(t, a, clk, pidFile)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, "claude still running after timeout")
}

func TestAsk_TimeoutIgnoresExitAfterKill(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	body, pidFile := pidScript(t, "echo started\nsleep 30 &\nwait")
	// The pid is written after the trap is installed.
	body = "trap 'echo finished; exit 0' TERM\n" + body
	a := newTestAgent(t, body, WithTimeout(time.Minute), WithClock(clk))

	text, pid, err := askAfterTimeout(t, a, clk, pidFile)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if text != "" {
		t.Errorf("expected no text once timed out, got %q", text)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, "claude still running after timeout")
}

func TestAsk_TimerStoppedOnCompletion(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	a := newTestAgent(t, `echo fast`, WithClock(clk))

	if _, err := ask(t, a, "quick"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clk.HasWaiters() {
		t.Error("expected timeout timer to be stopped")
	}
}

func TestAsk_ContextCancel(t *testing.T) {
	a := newTestAgent(t, `exec sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Ask(ctx, "hello")
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after cancel")
	}
}

func TestAsk_OutputLimit(t *testing.T) {
	a := newTestAgent(t, `head -c 100000 /dev/zero | tr '\0' 'a'; exec sleep 30`, WithMaxOutput(1000))

	_, err := ask(t, a, "big")

	var limitErr *OutputLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *OutputLimitError, got %T: %v", err, err)
	}
	if limitErr.Limit != 1000 {
		t.Errorf("expected limit 1000, got %d", limitErr.Limit)
	}
}

func TestPendingRequest_ResolvesOnce(t *testing.T) {
	req := newPendingRequest()

	if !req.resolve(requestTimedOut, "", &TimeoutError{After: time.Second}) {
		t.Fatal("expected first resolve to win")
	}
	if req.resolve(requestSucceeded, "late", nil) {
		t.Error("expected second resolve to be ignored")
	}

	select {
	case <-req.done:
	default:
		t.Fatal("expected done closed")
	}

	res := req.get()
	if res.state != requestTimedOut || res.text != "" {
		t.Errorf("result overwritten: %+v", res)
	}
}

// chunkRecorder records each write separately.
type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
	err    error
}

func (r *chunkRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.chunks = append(r.chunks, string(p))
	return len(p), nil
}

func (r *chunkRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func TestStream_ForwardsChunksInOrder(t *testing.T) {
	a := newTestAgent(t, `printf He; sleep 0.2; printf llo`)
	rec := &chunkRecorder{}

	if err := a.Stream(context.Background(), "hi", rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.String(); got != "Hello" {
		t.Errorf("expected %q, got %q", "Hello", got)
	}
	if rec.chunks[0] != "He" {
		t.Errorf("expected first chunk forwarded before the rest was produced, got %q", rec.chunks)
	}
}

func TestStream_DoesNotCleanOutput(t *testing.T) {
	a := newTestAgent(t, `printf '<system-reminder>x</system-reminder>  raw\n'`)
	rec := &chunkRecorder{}

	if err := a.Stream(context.Background(), "hi", rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.String(); got != "<system-reminder>x</system-reminder>  raw\n" {
		t.Errorf("expected raw output, got %q", got)
	}
}

func TestStream_ErrorNoticeOnExit(t *testing.T) {
	a := newTestAgent(t, `printf partial; printf bad >&2; exit 2`)
	rec := &chunkRecorder{}

	err := a.Stream(context.Background(), "hi", rec)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	want := "partial" + ErrorNotice(exitErr)
	if got := rec.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if !strings.HasPrefix(ErrorNotice(exitErr), "\n\n[Error: claude exited with code 2") {
		t.Errorf("unexpected notice: %q", ErrorNotice(exitErr))
	}
}

func TestStream_SpawnFailureNotice(t *testing.T) {
	cfg := config.Default()
	cfg.Binary = "/does/not/exist/claude"
	a := NewClaudeAgent(process.NewSupervisor(cfg))
	rec := &chunkRecorder{}

	err := a.Stream(context.Background(), "hi", rec)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := rec.String(); !strings.HasPrefix(got, "\n\n[Error: failed to start") {
		t.Errorf("expected inline notice, got %q", got)
	}
}

func TestStream_WriteFailureKillsProcess(t *testing.T) {
	a := newTestAgent(t, `printf x; exec sleep 30`)
	rec := &chunkRecorder{err: errors.New("client gone")}

	done := make(chan error, 1)
	go func() { done <- a.Stream(context.Background(), "hi", rec) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "client gone") {
			t.Errorf("expected write error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not return after write failure")
	}
}
