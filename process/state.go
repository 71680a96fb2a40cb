package process

import (
	"fmt"
	"syscall"
)

type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateExited      State = "exited"
	StateKilled      State = "killed"
	StateSpawnFailed State = "spawn_failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateExited, StateKilled, StateSpawnFailed:
		return true
	}
	return false
}

// ExitStatus is delivered once per handle. Code is only meaningful when
// Signaled is false; a process killed by a signal has no exit code.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// HasCode reports whether the process exited on its own with a code.
func (e ExitStatus) HasCode() bool {
	return !e.Signaled
}

func (e ExitStatus) String() string {
	if e.Signaled {
		return fmt.Sprintf("killed by %s", e.Signal)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// SpawnError means the process never started. It is never returned for a
// process that started and later failed.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
