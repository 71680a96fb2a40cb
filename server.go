package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/termbridge/server/agent"
	"github.com/termbridge/server/api"
	"github.com/termbridge/server/config"
	"github.com/termbridge/server/middleware"
	"github.com/termbridge/server/process"
	"github.com/termbridge/server/session"
	"github.com/termbridge/server/ws"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func newHandler(cfg config.Config, ag agent.Agent, relay *session.Relay) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"pong"}`))
	})

	chatHandler := api.NewChatHandler(ag)
	mux.HandleFunc("POST /api/chat", chatHandler.HandleChat)
	mux.HandleFunc("POST /api/chat/stream", chatHandler.HandleStream)

	sessionHandler := api.NewSessionHandler(relay.Registry())
	mux.HandleFunc("GET /api/sessions", sessionHandler.HandleList)
	mux.HandleFunc("GET /api/sessions/{id}", sessionHandler.HandleGet)

	mux.Handle("GET "+cfg.TerminalPath, ws.NewHandler(relay, cfg.DevMode))

	return middleware.Recover(middleware.RequestLogger(mux))
}

// runServer serves until ctx is done, then shuts down gracefully. Request
// contexts derive from ctx, so cancelling it also ends running processes
// and open sessions.
func runServer(ctx context.Context, cfg config.Config, qrOut io.Writer) error {
	sup := process.NewSupervisor(cfg)
	ag := agent.NewClaudeAgent(sup,
		agent.WithTimeout(cfg.Timeout),
		agent.WithMaxOutput(cfg.MaxOutputBytes),
	)
	relay := session.NewRelay(sup, process.TTYSize{Cols: cfg.Cols, Rows: cfg.Rows})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           newHandler(cfg, ag, relay),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("server starting", "addr", ln.Addr().String(), "workDir", cfg.WorkDir, "binary", cfg.Binary, "devMode", cfg.DevMode)
	if qrOut != nil {
		printQR(qrOut, serverURL(ln.Addr()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "activeSessions", relay.Registry().Count())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// serverURL returns an address clients on the local network can reach.
func serverURL(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "http://" + addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = lanIP()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}

func lanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "localhost"
}

func printQR(w io.Writer, url string) {
	fmt.Fprintf(w, "\nScan to connect: %s\n\n", url)
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         w,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		QuietZone:      1,
	})
}
