package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Config struct {
	// LogFile overrides the LOG_FILE env. Empty with no env means stderr.
	LogFile string
	Level   string
	JSON    bool
}

// Init initializes the global slog logger.
// LOG_LEVEL, LOG_FORMAT=json and LOG_FILE env fill in unset fields.
// Logs go to stderr by default so stdout stays free for the relayed output
// (the mcp and ask commands write their protocol/result there).
func Init(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = os.Getenv("LOG_LEVEL")
	}
	if !cfg.JSON {
		cfg.JSON = os.Getenv("LOG_FORMAT") == "json"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = os.Getenv("LOG_FILE")
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			slog.Error("failed to create log directory, using stderr only", "file", cfg.LogFile, "error", err)
		} else {
			f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				slog.Error("failed to open log file, using stderr only", "file", cfg.LogFile, "error", err)
			} else {
				w = f
			}
		}
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewRequestID returns a time-ordered id for a request or connection.
func NewRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewRequestLogger creates a logger tagged with the given requestId.
func NewRequestLogger(id string) *slog.Logger {
	return slog.With("requestId", id)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying l.
func NewContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by NewContext, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Truncate shortens s to at most max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}

// LogPanic records a recovered panic value with its stack.
func LogPanic(r any, msg string, args ...any) {
	args = append(args, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	slog.Error(msg, args...)
}
