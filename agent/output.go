package agent

import (
	"regexp"
	"strings"
)

var reminderPattern = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)

// CleanOutput removes <system-reminder> regions, including ones spanning
// lines, and trims surrounding whitespace.
func CleanOutput(s string) string {
	return strings.TrimSpace(reminderPattern.ReplaceAllString(s, ""))
}

// ErrorNotice is appended to a stream when the process fails after output
// may already have been sent.
func ErrorNotice(err error) string {
	return "\n\n[Error: " + err.Error() + "]"
}
