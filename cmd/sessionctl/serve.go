package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sessionctl/internal/realtime"
	"sessionctl/internal/session"
	"sessionctl/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs the realtime server.
type ServeCmd struct {
	Bind           string   `help:"Address to listen on" default:"127.0.0.1" env:"BIND"`
	Port           int      `help:"HTTP port" default:"8420" env:"PORT"`
	MaxSessions    int      `help:"Maximum number of concurrently running sessions" default:"10" env:"MAX_SESSIONS"`
	StaticDir      string   `help:"Directory of static files served at /" env:"STATIC_DIR"`
	AllowCommands  bool     `help:"Let clients override a profile's command and environment" env:"ALLOW_COMMANDS"`
	AllowedOrigins []string `help:"Browser origins allowed besides loopback (e.g. https://ui.example:8443)" env:"ALLOWED_ORIGINS"`
}

func (s *ServeCmd) Run(cli *CLI) error {
	logger := cli.logger

	// The watcher callback is wired to the server once it exists.
	var rtServer *realtime.Server
	fileWatch := watcher.New(func(runID string, changedCount int) {
		if rtServer != nil {
			rtServer.OnFilesUpdate(runID, changedCount)
		}
	}, logger)

	sessMgr := session.NewManager(s.MaxSessions, logger, fileWatch)
	rtServer = realtime.New(sessMgr, cli.profiles, logger, realtime.Options{
		StaticDir:      s.StaticDir,
		AllowCommands:  s.AllowCommands,
		AllowedOrigins: s.AllowedOrigins,
	})
	if s.AllowCommands {
		logger.Warn("clients may run arbitrary commands", "bind", s.Bind)
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(s.Bind, strconv.Itoa(s.Port)),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", "http://"+httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sessMgr.Shutdown()
	fileWatch.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		// Hijacked websocket connections are not tracked by Shutdown.
		httpServer.Close()
	}
	return nil
}
