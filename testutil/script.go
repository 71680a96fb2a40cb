// Package testutil builds stand-ins for the assistant executable.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// FakeClaude writes an executable /bin/sh script with the given body and
// returns its path. Arguments reach the script as "$@", so a one-shot
// invocation sees "-p" in $1 and the prompt in $2.
func FakeClaude(t testing.TB, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write fake claude: %v", err)
	}
	return path
}

// Eventually polls cond until it returns true or the deadline passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
