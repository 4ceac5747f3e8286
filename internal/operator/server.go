// Package operator exposes the lifecycle controller over a small HTTP API:
// GET /status and POST /connect, /disconnect, /refresh.
package operator

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentic-research/pokefs/internal/domain"
)

// Lifecycle is the controller surface the API drives.
type Lifecycle interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Refresh(ctx context.Context) error
	Status(ctx context.Context) domain.Status
}

type errorBody struct {
	Error string `json:"error"`
}

// Server is the operator API.
type Server struct {
	e      *echo.Echo
	lc     Lifecycle
	logger *slog.Logger
}

// New builds the API around lc.
func New(lc Lifecycle, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{e: echo.New(), lc: lc, logger: logger.With("component", "operator")}
	s.e.HideBanner = true
	s.e.HidePort = true

	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	s.e.GET("/status", s.status)
	s.e.POST("/connect", s.action(lc.Connect))
	s.e.POST("/disconnect", s.action(lc.Disconnect))
	s.e.POST("/refresh", s.action(lc.Refresh))
	return s
}

// Handler returns the API as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Serve answers requests on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.e, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("operator api listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.lc.Status(c.Request().Context()))
}

func (s *Server) action(op func(context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := op(ctx); err != nil {
			code := statusFor(err)
			s.logger.Warn("operator action failed", "path", c.Path(), "status", code, "error", err)
			return c.JSON(code, errorBody{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, s.lc.Status(ctx))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAlreadyConnected), errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrHostRejected), errors.Is(err, domain.ErrFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
