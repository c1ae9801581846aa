// Package api exposes the workflow service over HTTP. Every response uses the
// envelope {"success": bool, "data": ..., "error": "..."}.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
	"github.com/ravi-parthasarathy/reviewflow/pkg/workflow"
)

// ActorHeader names the caller. The ?actor= query parameter takes
// precedence over it.
const ActorHeader = "X-Actor"

// Response is the JSON envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server holds the dependencies for the API server.
type Server struct {
	svc  *workflow.Service
	log  *slog.Logger
	echo *echo.Echo
}

// NewServer builds the router. A nil logger means slog.Default().
func NewServer(svc *workflow.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, log: logger, echo: echo.New()}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.log.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.log.Debug("request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.Health)

	g := e.Group("/api")
	g.GET("/pipelines", s.ListPipelines)
	g.POST("/pipelines", s.CreatePipeline)
	g.POST("/pipelines/validate", s.ValidatePipeline)
	g.GET("/pipelines/:id", s.GetPipeline)
	g.PUT("/pipelines/:id", s.UpdatePipeline)
	g.DELETE("/pipelines/:id", s.DeletePipeline)

	g.GET("/executions", s.ListExecutions)
	g.POST("/executions", s.StartExecution)
	g.GET("/executions/:id", s.GetExecution)
	g.POST("/executions/:id/advance", s.Advance)

	g.GET("/queue/editor", s.EditorQueue)
	g.GET("/queue/reviewer", s.ReviewerQueue)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info("api listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func actor(c echo.Context) string {
	if a := c.QueryParam("actor"); a != "" {
		return a
	}
	return c.Request().Header.Get(ActorHeader)
}

// author is the actor recorded on writes; anonymous callers act as
// workflow.DefaultActor.
func author(c echo.Context) string {
	if a := actor(c); a != "" {
		return a
	}
	return workflow.DefaultActor
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		httpErr   *echo.HTTPError
		invalid   *pipeline.InvalidPipelineError
		precond   *execution.PreconditionError
		invariant *pipeline.InvariantError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.As(err, &invariant):
		return http.StatusInternalServerError
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, workflow.ErrPipelineInUse):
		return http.StatusConflict
	case errors.As(err, &invalid), errors.Is(err, workflow.ErrCommentRequired):
		return http.StatusBadRequest
	case errors.As(err, &precond):
		if errors.Is(err, execution.ErrNotCurrentNode) || errors.Is(err, execution.ErrExecutionCompleted) {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := statusFor(err)
	resp := Response{Error: err.Error()}

	var (
		httpErr *echo.HTTPError
		invalid *pipeline.InvalidPipelineError
	)
	if errors.As(err, &httpErr) {
		if msg, ok := httpErr.Message.(string); ok {
			resp.Error = msg
		}
	}
	if errors.As(err, &invalid) {
		resp.Error = "invalid pipeline structure"
		resp.Data = invalid.Errors
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request error", "method", c.Request().Method, "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, resp)
	}
	if err != nil {
		s.log.Error("write error response", "error", err)
	}
}
