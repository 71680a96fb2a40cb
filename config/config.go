// Package config holds the settings shared by the relays. A Config is built
// once at startup and passed by value; nothing below main reads the
// environment directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// EnvWorkDir overrides the directory the assistant is launched in.
	EnvWorkDir = "CLAUDE_WORKING_DIR"

	DefaultBinary       = "claude"
	DefaultListenAddr   = ":3000"
	DefaultTimeout      = 5 * time.Minute
	DefaultCols         = 120
	DefaultRows         = 40
	DefaultTermName     = "xterm-color"
	DefaultTerminalPath = "/api/terminal"
)

type Config struct {
	ListenAddr string
	Binary     string
	WorkDir    string
	// Env is the full environment handed to spawned processes.
	Env []string

	// Timeout bounds one buffered one-shot request.
	Timeout time.Duration
	// MaxOutputBytes caps stdout+stderr of one buffered request. Zero means unbounded.
	MaxOutputBytes int64

	Cols     uint16
	Rows     uint16
	TermName string

	TerminalPath string
	DevMode      bool
}

// Default returns a Config with the documented defaults, the inherited
// environment and the current working directory.
func Default() Config {
	wd, _ := os.Getwd()
	return Config{
		ListenAddr:   DefaultListenAddr,
		Binary:       DefaultBinary,
		WorkDir:      wd,
		Env:          os.Environ(),
		Timeout:      DefaultTimeout,
		Cols:         DefaultCols,
		Rows:         DefaultRows,
		TermName:     DefaultTermName,
		TerminalPath: DefaultTerminalPath,
	}
}

// ResolveWorkDir returns dir when set, otherwise the process's current directory.
func ResolveWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Binary == "" {
		errs = append(errs, errors.New("binary is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("max output must not be negative, got %d", c.MaxOutputBytes))
	}
	if c.Cols == 0 || c.Rows == 0 {
		errs = append(errs, fmt.Errorf("terminal size must be non-zero, got %dx%d", c.Cols, c.Rows))
	}
	if c.WorkDir != "" {
		info, err := os.Stat(c.WorkDir)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("working directory: %w", err))
		case !info.IsDir():
			errs = append(errs, fmt.Errorf("working directory %s is not a directory", c.WorkDir))
		}
	}
	return errors.Join(errs...)
}
