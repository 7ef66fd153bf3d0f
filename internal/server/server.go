// Package server exposes the scheduler trigger and backup statistics over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tenant-vault/internal/application"
	"tenant-vault/internal/config"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

// SchedulerSecretHeader carries the shared secret of the external scheduler
const SchedulerSecretHeader = "X-Scheduler-Secret"

// Operations are the application operations served over HTTP
type Operations interface {
	RunScheduledBackups(ctx context.Context) application.Result
	GetBackupStats(ctx context.Context, tenantID int64) application.Result
	GetLastBackupRunTime(ctx context.Context) application.Result
	Ping(ctx context.Context) error
}

// Server is the internal HTTP endpoint of tenant-vault
type Server struct {
	echo   *echo.Echo
	config config.ServerConfig
	ops    Operations
	logger *logging.Logger
}

// New creates a server and registers its routes
func New(cfg config.ServerConfig, ops Operations, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, config: cfg, ops: ops, logger: logger}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: withRequestID,
	}))
	e.Use(s.requestLogger)

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	internal := e.Group("/internal/backups")
	internal.POST("/run", s.runScheduledBackups, middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:    "header:" + SchedulerSecretHeader,
		Validator:    s.validSchedulerSecret,
		ErrorHandler: s.rejectScheduler,
	}))
	internal.GET("/last-run", s.lastRun)
	internal.GET("/stats", s.stats)

	return s
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.echo,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.WithField("address", s.config.Address).Info("Starting HTTP server")
		errChan <- s.echo.StartServer(srv)
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// validSchedulerSecret admits a request only when its secret header matches
// the configured secret. An unset secret rejects everything.
func (s *Server) validSchedulerSecret(given string, c echo.Context) (bool, error) {
	expected := s.config.SchedulerSecret
	return expected != "" && subtle.ConstantTimeCompare([]byte(given), []byte(expected)) == 1, nil
}

func (s *Server) rejectScheduler(err error, c echo.Context) error {
	s.logger.WithFields(map[string]interface{}{
		"path":        c.Path(),
		"remote_addr": c.RealIP(),
		"reason":      err.Error(),
	}).Warn("Rejected scheduler request")
	return c.JSON(http.StatusUnauthorized, application.Result{
		ErrorKind: apperrors.ErrorTypeValidation,
		Detail:    "missing or invalid scheduler secret",
	})
}

// withRequestID makes the request id visible to the operations, which stamp
// it on their log lines and audit events
func withRequestID(c echo.Context, id string) {
	req := c.Request()
	c.SetRequest(req.WithContext(logging.CreateContextWithRequestID(req.Context(), id)))
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.WithFields(map[string]interface{}{
			"method":     c.Request().Method,
			"path":       c.Path(),
			"status":     c.Response().Status,
			"duration":   time.Since(start).String(),
			"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
		}).Debug("HTTP request")
		return nil
	}
}

func (s *Server) runScheduledBackups(c echo.Context) error {
	return respond(c, s.ops.RunScheduledBackups(c.Request().Context()))
}

func (s *Server) lastRun(c echo.Context) error {
	return respond(c, s.ops.GetLastBackupRunTime(c.Request().Context()))
}

func (s *Server) stats(c echo.Context) error {
	var tenantID int64
	if raw := c.QueryParam("tenant_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return respond(c, application.Result{
				ErrorKind: apperrors.ErrorTypeValidation,
				Detail:    "tenant_id must be a positive integer",
			})
		}
		tenantID = id
	}
	return respond(c, s.ops.GetBackupStats(c.Request().Context(), tenantID))
}

func (s *Server) health(c echo.Context) error {
	if err := s.ops.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func respond(c echo.Context, result application.Result) error {
	return c.JSON(StatusFor(result), result)
}

// StatusFor maps a result to its HTTP status
func StatusFor(result application.Result) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorKind {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeConcurrency:
		return http.StatusConflict
	case apperrors.ErrorTypeTenantIsolation:
		return http.StatusForbidden
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
