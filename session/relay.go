// Package session bridges one client connection to one interactive claude
// process running in a pseudo-terminal.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/termbridge/server/batch"
	"github.com/termbridge/server/logger"
	"github.com/termbridge/server/process"
	"k8s.io/utils/clock"
)

// Relay starts a fresh terminal process for every connection it serves.
// Processes are never shared or reused.
type Relay struct {
	spawner  process.Spawner
	size     process.TTYSize
	clock    clock.Clock
	registry *Registry
}

type Option func(*Relay)

func WithClock(clk clock.Clock) Option {
	return func(r *Relay) {
		r.clock = clk
	}
}

func WithRegistry(reg *Registry) Option {
	return func(r *Relay) {
		r.registry = reg
	}
}

func NewRelay(spawner process.Spawner, size process.TTYSize, opts ...Option) *Relay {
	r := &Relay{
		spawner:  spawner,
		size:     size,
		clock:    clock.RealClock{},
		registry: NewRegistry(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// state is owned by the Serve goroutine for the lifetime of one connection.
type state struct {
	id        string
	transport Transport
	proc      *process.Handle
	batcher   *batch.Batcher
	log       *slog.Logger
}

// Serve runs a session until the client disconnects, ctx is done or the
// process exits. A normal client close returns nil. When the process exits
// first, pending output is flushed and a *ProcessExitedError is returned.
// The process is terminated and no output is sent once Serve returns.
func (r *Relay) Serve(ctx context.Context, t Transport) error {
	id := logger.NewRequestID()
	log := logger.FromContext(ctx).With("sessionId", id)

	proc, err := r.spawner.Spawn(ctx, process.Options{UsePTY: true, Size: r.size})
	if err != nil {
		log.Error("failed to start terminal process", "error", err)
		return err
	}

	s := &state{
		id:        id,
		transport: t,
		proc:      proc,
		batcher:   batch.New(r.clock),
		log:       log.With("pid", proc.PID()),
	}
	r.registry.add(id, proc.PID())
	s.log.Info("session started", "cols", r.size.Cols, "rows", r.size.Rows)

	defer func() {
		r.registry.remove(id)
		s.close()
	}()

	return s.run(ctx)
}

func (s *state) run(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := s.transport.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- data:
			case <-readCtx.Done():
				return
			}
		}
	}()

	output := s.proc.Stdout()
	for {
		select {
		case data := <-inbound:
			s.log.Debug("received input", "bytes", len(data))
			if err := s.proc.Write(WithLineEnding(data)); err != nil {
				s.log.Warn("failed to write to terminal", "error", err)
			}

		case chunk, ok := <-output:
			if !ok {
				<-s.proc.Done()
				status := s.proc.Exit()
				s.log.Info("terminal process ended", "status", status.String())
				if err := s.flush(ctx); err != nil {
					return err
				}
				return &ProcessExitedError{Status: status}
			}
			s.batcher.Add(chunk)

		case <-s.batcher.C():
			if err := s.flush(ctx); err != nil {
				return err
			}

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				s.log.Info("client disconnected")
				return nil
			}
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *state) flush(ctx context.Context) error {
	out := s.batcher.Flush()
	if out == nil {
		return nil
	}
	s.log.Debug("sending output", "bytes", len(out))
	return s.transport.Write(ctx, out)
}

// close discards pending output and terminates the process.
func (s *state) close() {
	s.batcher.Stop()
	s.proc.Close()
	s.log.Info("session closed")
}

// WithLineEnding appends a carriage return unless p already ends a line,
// so each message submits as one line of terminal input.
func WithLineEnding(p []byte) []byte {
	if n := len(p); n > 0 && (p[n-1] == '\n' || p[n-1] == '\r') {
		return p
	}
	out := make([]byte, len(p), len(p)+1)
	copy(out, p)
	return append(out, '\r')
}
