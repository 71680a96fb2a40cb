package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/termbridge/server/process"
)

var ErrSessionNotFound = errors.New("session not found")

// Transport is the client side of one session. Read returns io.EOF once the
// client closed the connection normally.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
}

// Info describes a live session.
type Info struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// ProcessExitedError ends a session whose process exited on its own.
type ProcessExitedError struct {
	Status process.ExitStatus
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("claude process ended: %s", e.Status)
}
