// Package http provides the run control API for epicflow.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/logging"
	"github.com/fyrsmithlabs/epicflow/internal/orchestrator"
	"github.com/fyrsmithlabs/epicflow/internal/telemetry"
)

// RunService is the run control surface the API exposes.
type RunService interface {
	StartRun(ctx context.Context, epic orchestrator.Epic) (string, error)
	Status(runID string) (orchestrator.Status, error)
	Runs() []orchestrator.Status
	Cancel(runID string) (orchestrator.Status, error)
	Reconstruct(ctx context.Context, epicID string) (orchestrator.Resume, error)
	History(ctx context.Context, epicID string) ([]checkpoint.Checkpoint, error)
}

// Server provides HTTP endpoints for epicflow.
type Server struct {
	echo    *echo.Echo
	runs    RunService
	logger  *logging.Logger
	config  *Config
	health  func() telemetry.HealthStatus
	version string

	startRate  rate.Limit
	startBurst int
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetryHealth reports trace exporter health on /health.
func WithTelemetryHealth(fn func() telemetry.HealthStatus) Option {
	return func(s *Server) { s.health = fn }
}

// WithVersion reports the build version on /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithStartRateLimit limits POST /api/v1/runs per client IP. A limit <= 0
// leaves submissions unlimited.
func WithStartRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.startRate = limit
		s.startBurst = burst
	}
}

// NewServer creates a new HTTP server.
func NewServer(runs RunService, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9091,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:   e,
		runs:   runs,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	var start []echo.MiddlewareFunc
	if s.startRate > 0 {
		start = append(start, middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:  s.startRate,
				Burst: s.startBurst,
			}),
			DenyHandler: func(c echo.Context, _ string, _ error) error {
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many run submissions", Kind: "rate-limited"})
			},
		}))
	}
	v1.POST("/runs", s.handleStartRun, start...)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
	v1.GET("/epics/:id/state", s.handleEpicState)
	v1.GET("/epics/:id/history", s.handleEpicHistory)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.version}
	if s.health != nil {
		h := s.health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.EpicID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "epic_id field is required")
	}

	id, err := s.runs.StartRun(c.Request().Context(), orchestrator.Epic{ID: req.EpicID, Title: req.Title})
	if err != nil {
		var conflict *orchestrator.ConcurrentRunError
		if errors.As(err, &conflict) {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error: err.Error(),
				Kind:  "concurrent-run",
				RunID: conflict.RunID,
			})
		}
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusAccepted, StartRunResponse{RunID: id})
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, RunListResponse{Runs: s.runs.Runs()})
}

func (s *Server) handleGetRun(c echo.Context) error {
	st, err := s.runs.Status(c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	st, err := s.runs.Cancel(c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusAccepted, st)
}

func (s *Server) handleEpicState(c echo.Context) error {
	res, err := s.runs.Reconstruct(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleEpicHistory(c echo.Context) error {
	cps, err := s.runs.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	out := HistoryResponse{EpicID: c.Param("id"), Checkpoints: make([]CheckpointResponse, 0, len(cps))}
	for _, cp := range cps {
		out.Checkpoints = append(out.Checkpoints, newCheckpointResponse(cp))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, artifact.ErrInvalidEpicID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error(c.Request().Context(), "request failed",
		zap.String("path", c.Path()),
		zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
