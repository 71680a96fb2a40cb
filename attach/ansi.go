package attach

import "regexp"

// ansiPattern matches CSI sequences (colors, cursor movement, erase) and
// OSC sequences such as window title updates.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()][0-9A-Za-z]|\x1b[=>78]`)

// StripANSI removes terminal escape sequences, leaving printable text.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
