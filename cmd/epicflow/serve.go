package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	httpserver "github.com/fyrsmithlabs/epicflow/internal/http"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run control API",
	Long: `Serve starts the HTTP API for starting, inspecting and cancelling runs.
On SIGINT or SIGTERM active runs are cancelled between phases; runs still
inside an agent invocation when server.shutdown_timeout expires are
interrupted.

Endpoints:
  GET  /health
  GET  /metrics
  POST /api/v1/runs                {"epic_id": "42", "title": "..."}
  GET  /api/v1/runs
  GET  /api/v1/runs/:id
  POST /api/v1/runs/:id/cancel
  GET  /api/v1/epics/:id/state
  GET  /api/v1/epics/:id/history`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	server, err := httpserver.NewServer(a.manager, a.logger.Named("http"),
		&httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		httpserver.WithTelemetryHealth(a.telemetry.Health),
		httpserver.WithVersion(version),
		httpserver.WithStartRateLimit(rate.Limit(cfg.Server.StartRate), cfg.Server.StartBurst),
	)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.logger.Error(context.Background(), "http server failed", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "runs interrupted at shutdown", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	return nil
}
