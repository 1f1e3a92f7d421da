package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/lambdaroll/internal/shell/api"
	"github.com/artpar/lambdaroll/internal/shell/events"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitCloudError      = 3
	ExitHTTPServerError = 4
	ExitRunFailed       = 5
	ExitRunStopped      = 6
	ExitCommandError    = 7
)

// =============================================================================
// Server
// =============================================================================

// Server runs the HTTP API, the event hub, the sequencer and the gate
// watcher in one process.
type Server struct {
	config     *Config
	app        *App
	hub        *events.Hub
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	hub := events.NewHub(cfg.Server.AllowedOrigins, logger)

	app, err := NewApp(ctx, cfg, hub, logger)
	if err != nil {
		return nil, err
	}

	handler := api.NewHandler(app.store, app.sequencer, app.gates, http.HandlerFunc(hub.HandleConnect), api.Config{
		DefaultSourceDir: cfg.Pipeline.SourceDir,
		Approvers:        cfg.Auth.Approvers,
		SharedSecret:     cfg.Auth.SharedSecret,
		TokenSecret:      cfg.Auth.TokenSecret,
		RequireAuth:      cfg.Auth.RequireAuth,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		app:        app,
		hub:        hub,
		httpServer: httpServer,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.Run(hubCtx)

	// Resume runs left pending or awaiting approval by a previous process.
	if err := s.app.sequencer.Start(ctx); err != nil {
		s.app.Close()
		return &CommandError{Op: "start sequencer", Err: err, ExitCode: ExitDatabaseError}
	}
	s.app.watcher.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	var startErr error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		startErr = &CommandError{Op: "serve", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	if err := s.Shutdown(context.Background()); err != nil {
		return err
	}
	return startErr
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		shutdownErr = &CommandError{Op: "shutdown", Err: fmt.Errorf("http server: %w", err), ExitCode: ExitHTTPServerError}
	}

	s.app.watcher.Stop()

	// Runs blocked on a gate stay awaiting approval and resume on next start.
	s.app.Close()

	s.logger.Info("shutdown complete")
	return shutdownErr
}
