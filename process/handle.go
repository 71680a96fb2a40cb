package process

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
)

const (
	// pipeDrainDelay bounds how long Wait keeps copying output after the
	// process exits, for grandchildren that inherited the pipes.
	pipeDrainDelay = 2 * time.Second

	// ptyDrainDelay is how long the pump may keep reading buffered terminal
	// output after the process exits before the master side is closed.
	ptyDrainDelay = 500 * time.Millisecond

	ptyReadSize = 4096
)

// Handle is one spawned child. It is owned by the relay that spawned it and
// reaches exactly one terminal state.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	workDir   string
	usePTY    bool
	killGrace time.Duration
	log       *slog.Logger

	stdin io.WriteCloser
	tty   *os.File

	stdout chan []byte
	stderr chan []byte
	quit   chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	state State
	exit  ExitStatus

	closeOnce sync.Once
}

func newHandle(cmd *exec.Cmd, workDir string, usePTY bool, killGrace time.Duration) *Handle {
	return &Handle{
		cmd:       cmd,
		workDir:   workDir,
		usePTY:    usePTY,
		killGrace: killGrace,
		log:       slog.Default(),
		stdout:    make(chan []byte, chunkBacklog),
		stderr:    make(chan []byte, chunkBacklog),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateStarting,
	}
}

func (h *Handle) startPipes(keepStdin bool) error {
	h.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	h.cmd.Stdout = &chunkWriter{ch: h.stdout, quit: h.quit}
	h.cmd.Stderr = &chunkWriter{ch: h.stderr, quit: h.quit}
	h.cmd.WaitDelay = pipeDrainDelay

	stdin, err := h.cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := h.cmd.Start(); err != nil {
		return err
	}
	h.started()

	if keepStdin {
		h.stdin = stdin
	} else {
		stdin.Close()
	}

	go func() {
		err := h.cmd.Wait()
		if err != nil {
			h.log.Debug("wait returned", "error", err)
		}
		h.finish()
	}()
	return nil
}

func (h *Handle) startPTY(size TTYSize) error {
	tty, err := pty.StartWithSize(h.cmd, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
	if err != nil {
		return err
	}
	h.tty = tty
	h.stdin = tty
	close(h.stderr)
	h.started()

	go h.superviseTTY()
	return nil
}

// superviseTTY pumps terminal output until the process has exited and the
// remaining buffered output is read, then closes the master side.
func (h *Handle) superviseTTY() {
	pumped := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(pumped)
		return h.pump()
	})
	g.Go(func() error {
		err := h.cmd.Wait()
		select {
		case <-pumped:
		case <-time.After(ptyDrainDelay):
		}
		h.tty.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		h.log.Debug("terminal process wait returned", "error", err)
	}
	h.finish()
}

func (h *Handle) pump() error {
	buf := make([]byte, ptyReadSize)
	for {
		n, err := h.tty.Read(buf)
		if n > 0 {
			select {
			case h.stdout <- bytes.Clone(buf[:n]):
			case <-h.quit:
			}
		}
		if err != nil {
			// EIO once the slave side is gone, or a closed-file error.
			return nil
		}
	}
}

func (h *Handle) started() {
	h.pid = h.cmd.Process.Pid
	h.log = slog.With("pid", h.pid)
	h.transition(StateRunning)
}

// transition moves to the given state unless a terminal state was already
// reached. It reports whether the move happened.
func (h *Handle) transition(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = to
	return true
}

// finish runs exactly once, after the process is reaped and all output has
// been handed to the streams.
func (h *Handle) finish() {
	status := exitStatusOf(h.cmd.ProcessState)

	h.mu.Lock()
	h.exit = status
	if status.Signaled {
		h.state = StateKilled
	} else {
		h.state = StateExited
	}
	h.mu.Unlock()

	close(h.stdout)
	if !h.usePTY {
		close(h.stderr)
	}
	close(h.done)
	h.log.Info("process ended", "status", status.String())
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Signaled: true, Signal: ws.Signal()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

func (h *Handle) PID() int {
	return h.pid
}

func (h *Handle) WorkDir() string {
	return h.workDir
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stdout delivers output chunks in arrival order and is closed after the
// process exits. For a pseudo-terminal it carries the merged output.
func (h *Handle) Stdout() <-chan []byte {
	return h.stdout
}

// Stderr is closed from the start for a pseudo-terminal.
func (h *Handle) Stderr() <-chan []byte {
	return h.stderr
}

// Done is closed exactly once, when the process has ended and both
// streams are closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the exit status. Only valid after Done is closed.
func (h *Handle) Exit() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Wait blocks until the process ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.Exit(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Write forwards p to the process input. Writes to a process that is not
// running, or that has no open input, are dropped without error.
func (h *Handle) Write(p []byte) error {
	if h.State() != StateRunning || h.stdin == nil {
		h.log.Debug("dropping write to inactive process", "bytes", len(p))
		return nil
	}
	_, err := h.stdin.Write(p)
	return err
}

// Terminate signals the process group. It returns immediately; the outcome
// is observed through Done.
func (h *Handle) Terminate(sig syscall.Signal) {
	if h.State() != StateRunning {
		return
	}
	h.log.Debug("terminating process", "signal", sig)
	if err := syscall.Kill(-h.pid, sig); err != nil {
		if err := h.cmd.Process.Signal(sig); err != nil {
			h.log.Debug("signal failed", "signal", sig, "error", err)
		}
	}
}

// Close stops output delivery and terminates the process, escalating to
// SIGKILL after the kill grace period. Safe to call more than once.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		close(h.quit)
		if h.State() != StateRunning {
			return
		}
		h.Terminate(h.politeSignal())
		go h.escalate()
	})
}

func (h *Handle) politeSignal() syscall.Signal {
	if h.usePTY {
		return syscall.SIGHUP
	}
	return syscall.SIGTERM
}

func (h *Handle) escalate() {
	timer := time.NewTimer(h.killGrace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		h.log.Warn("process did not stop gracefully, killing")
		h.Terminate(syscall.SIGKILL)
	}
}

func (h *Handle) closeOnDone(ctx context.Context) {
	select {
	case <-ctx.Done():
		h.Close()
	case <-h.done:
	}
}

// chunkWriter hands each write to a stream channel as its own chunk.
type chunkWriter struct {
	ch   chan<- []byte
	quit <-chan struct{}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- bytes.Clone(p):
	case <-w.quit:
	}
	return len(p), nil
}
