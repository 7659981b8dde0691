// Package status exposes run progress over HTTP while the engine works.
//
// The server is optional and local-only: GET /health for liveness, GET
// /api/v1/run for the latest engine snapshot, GET /metrics for Prometheus
// exposition. Snapshots arrive through the engine's progress callback.
package status

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/engine"
	"github.com/fyrsmithlabs/codemend/internal/logging"
)

// Server serves progress for one engine run at a time.
type Server struct {
	echo   *echo.Echo
	logger *logging.Logger
	addr   string

	mu   sync.RWMutex
	last *engine.RunState
}

// NewServer creates a status server that listens on addr once started.
func NewServer(addr string, logger *logging.Logger) (*Server, error) {
	if addr == "" {
		return nil, errors.New("status server address is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	logger = logger.Named("status")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(NewMetrics(logger).Middleware())

	s := &Server{
		echo:   e,
		logger: logger,
		addr:   addr,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/run", s.handleRun)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRun returns the most recent engine snapshot.
func (s *Server) handleRun(c echo.Context) error {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	if last == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no run recorded yet")
	}
	return c.JSON(http.StatusOK, last)
}

// Observe stores the latest engine snapshot. It matches the engine's
// progress callback signature, so it can be handed to OnProgress directly.
func (s *Server) Observe(snap engine.RunState) {
	s.mu.Lock()
	s.last = &snap
	s.mu.Unlock()
}

// Start begins serving and blocks until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "status server listening", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "status server shutting down")
	return s.echo.Shutdown(ctx)
}
