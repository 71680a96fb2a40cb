package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/termbridge/server/agent"
	"github.com/termbridge/server/attach"
	"github.com/termbridge/server/config"
	"github.com/termbridge/server/logger"
	"github.com/termbridge/server/mcp"
	"github.com/termbridge/server/process"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "termbridge",
		Usage: "relay the claude CLI to remote clients over HTTP and WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "Write logs as JSON.",
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Write logs to this file instead of stderr.",
				EnvVars: []string{"LOG_FILE"},
			},
		},
		Before: func(c *cli.Context) error {
			logger.Init(logger.Config{
				Level:   c.String("log-level"),
				JSON:    c.Bool("log-json"),
				LogFile: c.String("log-file"),
			})
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			askCommand(),
			mcpCommand(),
			attachCommand(),
		},
	}
}

// processFlags configure how claude is launched. Every command that spawns
// it accepts them.
func processFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "binary",
			Usage:   "The claude executable to run.",
			Value:   config.DefaultBinary,
			EnvVars: []string{"CLAUDE_BINARY"},
		},
		&cli.StringFlag{
			Name:    "workdir",
			Usage:   "Directory claude runs in. Defaults to the current directory.",
			EnvVars: []string{config.EnvWorkDir},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "Wall-clock limit for one buffered request.",
			Value:   config.DefaultTimeout,
			EnvVars: []string{"CLAUDE_TIMEOUT"},
		},
		&cli.Int64Flag{
			Name:    "max-output",
			Usage:   "Fail a buffered request whose output exceeds this many bytes. 0 disables the limit.",
			EnvVars: []string{"CLAUDE_MAX_OUTPUT"},
		},
	}
}

func serveCommand() *cli.Command {
	flags := append(processFlags(),
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP server to listen on.",
			Value:   config.DefaultListenAddr,
			EnvVars: []string{"LISTEN_ADDR", "PORT"},
		},
		&cli.UintFlag{
			Name:  "cols",
			Usage: "Terminal width of interactive sessions.",
			Value: config.DefaultCols,
		},
		&cli.UintFlag{
			Name:  "rows",
			Usage: "Terminal height of interactive sessions.",
			Value: config.DefaultRows,
		},
		&cli.StringFlag{
			Name:  "term",
			Usage: "TERM value for interactive sessions.",
			Value: config.DefaultTermName,
		},
		&cli.BoolFlag{
			Name:    "dev",
			Usage:   "Accept WebSocket connections from any origin.",
			EnvVars: []string{"DEV_MODE"},
		},
		&cli.BoolFlag{
			Name:  "qr",
			Usage: "Print a QR code of the server URL on startup.",
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP and WebSocket relay",
		Flags: flags,
		Action: func(c *cli.Context) error {
			cfg, err := configFromFlags(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var qrOut io.Writer
			if c.Bool("qr") && term.IsTerminal(int(os.Stdout.Fd())) {
				qrOut = c.App.Writer
			}
			return runServer(ctx, cfg, qrOut)
		},
	}
}

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "run one prompt and print the answer",
		ArgsUsage: "[prompt]",
		Flags: append(processFlags(),
			&cli.BoolFlag{
				Name:  "stream",
				Usage: "Print output as it arrives instead of the cleaned answer.",
			},
		),
		Action: func(c *cli.Context) error {
			cfg, err := configFromFlags(c)
			if err != nil {
				return err
			}
			prompt, err := promptFromArgs(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			ag := newAgent(cfg)
			if c.Bool("stream") {
				err := ag.Stream(ctx, prompt, c.App.Writer)
				fmt.Fprintln(c.App.Writer)
				return err
			}

			answer, err := ag.Ask(ctx, prompt)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, answer)
			return nil
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "serve the ask tool over MCP on stdin/stdout",
		Flags: processFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := configFromFlags(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.Info("starting MCP server", "workDir", cfg.WorkDir)
			return mcp.NewServer(newAgent(cfg)).Run(ctx, os.Stdin, c.App.Writer)
		},
	}
}

func attachCommand() *cli.Command {
	return &cli.Command{
		Name:  "attach",
		Usage: "open an interactive session on a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "WebSocket URL of the terminal endpoint.",
				Value: "ws://localhost" + config.DefaultListenAddr + config.DefaultTerminalPath,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			fd := -1
			if term.IsTerminal(int(os.Stdin.Fd())) {
				fd = int(os.Stdin.Fd())
			}
			return attach.Run(ctx, attach.Options{
				URL:        c.String("url"),
				In:         os.Stdin,
				Out:        c.App.Writer,
				TerminalFd: fd,
			})
		},
	}
}

// configFromFlags builds the validated Config for a command. Flags a
// command does not define keep their defaults.
func configFromFlags(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	cfg.Binary = c.String("binary")
	cfg.Timeout = c.Duration("timeout")
	cfg.MaxOutputBytes = c.Int64("max-output")

	workDir, err := config.ResolveWorkDir(c.String("workdir"))
	if err != nil {
		return config.Config{}, err
	}
	cfg.WorkDir = workDir

	if v := c.String("listen-addr"); v != "" {
		cfg.ListenAddr = listenAddr(v)
	}
	if v := c.String("term"); v != "" {
		cfg.TermName = v
	}
	if c.IsSet("cols") || c.IsSet("rows") {
		cols, rows := c.Uint("cols"), c.Uint("rows")
		if cols > math.MaxUint16 || rows > math.MaxUint16 {
			return config.Config{}, fmt.Errorf("terminal size %dx%d is too large", cols, rows)
		}
		cfg.Cols, cfg.Rows = uint16(cols), uint16(rows)
	}
	cfg.DevMode = c.Bool("dev")

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// listenAddr accepts a bare port such as the one in PORT.
func listenAddr(v string) string {
	if _, err := strconv.Atoi(v); err == nil {
		return ":" + v
	}
	return v
}

// promptFromArgs joins the arguments, or reads stdin when there are none.
func promptFromArgs(c *cli.Context) (string, error) {
	if c.NArg() > 0 {
		return strings.Join(c.Args().Slice(), " "), nil
	}
	data, err := io.ReadAll(c.App.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("a prompt is required")
	}
	return prompt, nil
}

func newAgent(cfg config.Config) *agent.ClaudeAgent {
	return agent.NewClaudeAgent(process.NewSupervisor(cfg),
		agent.WithTimeout(cfg.Timeout),
		agent.WithMaxOutput(cfg.MaxOutputBytes),
	)
}
