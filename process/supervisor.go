package process

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/termbridge/server/config"
)

const (
	// DefaultKillGrace is how long Close waits after the polite signal
	// before sending SIGKILL.
	DefaultKillGrace = 5 * time.Second

	// chunkBacklog is the number of output chunks buffered per stream
	// before the producer waits for the consumer.
	chunkBacklog = 64
)

// TTYSize is the fixed terminal geometry of a pseudo-terminal process.
type TTYSize struct {
	Cols uint16
	Rows uint16
}

type Options struct {
	Args []string

	// UsePTY attaches the process to a pseudo-terminal. Output arrives
	// merged on Stdout; Stderr is closed from the start.
	UsePTY bool
	Size   TTYSize

	// KeepStdin leaves the stdin pipe open for Write. Without it stdin is
	// closed right after the process starts. Ignored with UsePTY.
	KeepStdin bool
}

// Spawner starts child processes. The relays depend on this rather than on
// *Supervisor.
type Spawner interface {
	Spawn(ctx context.Context, opts Options) (*Handle, error)
}

// Supervisor spawns the assistant binary with a fixed working directory
// and environment.
type Supervisor struct {
	binary    string
	workDir   string
	env       []string
	termName  string
	killGrace time.Duration
}

type Option func(*Supervisor)

func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killGrace = d
	}
}

func NewSupervisor(cfg config.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		binary:    cfg.Binary,
		workDir:   cfg.WorkDir,
		env:       cfg.Env,
		termName:  cfg.TermName,
		killGrace: DefaultKillGrace,
	}
	if s.env == nil {
		s.env = os.Environ()
	}
	if s.termName == "" {
		s.termName = config.DefaultTermName
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spawn starts the binary. The returned handle is closed when ctx is
// cancelled, so a request-scoped ctx bounds the process lifetime.
func (s *Supervisor) Spawn(ctx context.Context, opts Options) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.binary, opts.Args...)
	cmd.Dir = s.workDir
	cmd.Env = slices.Clone(s.env)

	h := newHandle(cmd, s.workDir, opts.UsePTY, s.killGrace)

	var err error
	if opts.UsePTY {
		cmd.Env = append(cmd.Env, "TERM="+s.termName)
		err = h.startPTY(opts.Size)
	} else {
		err = h.startPipes(opts.KeepStdin)
	}
	if err != nil {
		h.transition(StateSpawnFailed)
		slog.Error("process spawn failed", "binary", s.binary, "workDir", s.workDir, "error", err)
		return nil, &SpawnError{Binary: s.binary, Err: err}
	}

	h.log.Info("process started", "binary", s.binary, "workDir", s.workDir, "pty", opts.UsePTY)
	go h.closeOnDone(ctx)
	return h, nil
}
