// Package attach is a command-line client for a terminal session served
// over WebSocket. It strips terminal control sequences from the output and
// reports connection events as system notices.
package attach

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/termbridge/server/chat"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const readLimit = 1 << 20

type Options struct {
	URL string
	In  io.Reader
	Out io.Writer

	// TerminalFd is the descriptor of In when it is an interactive
	// terminal, or -1. A terminal gets line editing in raw mode.
	TerminalFd int
}

// Run connects to the session and relays lines from In until In is
// exhausted, the server closes the session or ctx is done.
func Run(ctx context.Context, opts Options) error {
	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.URL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	out := opts.Out
	readLine := scanLines(opts.In)
	if opts.TerminalFd >= 0 {
		state, err := term.MakeRaw(opts.TerminalFd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(opts.TerminalFd, state)

		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{opts.In, opts.Out}, "")
		out = t
		readLine = t.ReadLine
	}

	notify(out, "connected to "+opts.URL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The line reader cannot be interrupted. It ends with the input or
	// stays blocked until the process exits.
	lines := make(chan string)
	inputDone := make(chan error, 1)
	go func() {
		for {
			line, err := readLine()
			if err != nil {
				inputDone <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	var hangingUp atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				if hangingUp.Load() {
					notify(out, "disconnected")
					return nil
				}
				return closed(out, err)
			}
			if _, err := io.WriteString(out, StripANSI(string(data))); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case line := <-lines:
				if err := conn.Write(gctx, websocket.MessageText, []byte(line)); err != nil {
					return err
				}
			case err := <-inputDone:
				if !errors.Is(err, io.EOF) {
					slog.Debug("input ended", "error", err)
				}
				hangingUp.Store(true)
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// closed reports how the server ended the session. A normal or going-away
// close is not an error.
func closed(out io.Writer, err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		notify(out, "connection lost: "+err.Error())
		return err
	}

	msg := "session closed"
	if ce.Reason != "" {
		msg += ": " + ce.Reason
	}
	notify(out, msg)

	if ce.Code != websocket.StatusNormalClosure && ce.Code != websocket.StatusGoingAway {
		return fmt.Errorf("session closed with status %d: %s", ce.Code, ce.Reason)
	}
	return nil
}

func notify(out io.Writer, text string) {
	io.WriteString(out, FormatNotice(chat.NewMessage(chat.RoleSystem, text)))
}

// FormatNotice renders a message as a line set apart from session output.
func FormatNotice(m chat.Message) string {
	return fmt.Sprintf("\r\n[%s %s] %s\r\n",
		strings.ToLower(m.Role.Label()), m.CreatedAt.Format(time.TimeOnly), m.Content)
}

func scanLines(r io.Reader) func() (string, error) {
	sc := bufio.NewScanner(r)
	return func() (string, error) {
		if sc.Scan() {
			return sc.Text(), nil
		}
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
}
