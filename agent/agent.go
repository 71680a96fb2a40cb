// Package agent runs one-shot prompts against the claude CLI.
package agent

import (
	"context"
	"io"
)

// Agent answers a single prompt with a fresh process per call.
type Agent interface {
	// Ask runs the prompt to completion and returns the cleaned output.
	Ask(ctx context.Context, prompt string) (string, error)

	// Stream forwards output to w as it arrives. Failures after the
	// process started are reported inline on w rather than by aborting.
	Stream(ctx context.Context, prompt string, w io.Writer) error
}
