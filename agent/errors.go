package agent

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyOutput means the process exited cleanly without printing anything.
var ErrEmptyOutput = errors.New("no output from claude")

// ExitError reports a non-zero exit code along with whatever the process
// wrote to stderr.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	detail := e.Stderr
	if detail == "" {
		detail = "No error output"
	}
	return fmt.Sprintf("claude exited with code %d: %s", e.Code, detail)
}

type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("claude command timed out after %s", e.After)
}

// OutputLimitError means the combined output grew past the configured cap.
type OutputLimitError struct {
	Limit int64
}

func (e *OutputLimitError) Error() string {
	return fmt.Sprintf("claude output exceeded %d bytes", e.Limit)
}
