// Package http exposes the phase state machine over a JSON API so humans and
// dashboards can drive projects: create, advance, approve or reject QA,
// inspect status and plans.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mplewis/vibe-agency-sub002/internal/logging"
	"github.com/mplewis/vibe-agency-sub002/internal/manifest"
	"github.com/mplewis/vibe-agency-sub002/internal/orchestrator"
	"github.com/mplewis/vibe-agency-sub002/internal/workflow"
)

// Orchestrator is the subset of *orchestrator.Machine the API drives.
type Orchestrator interface {
	Init(ctx context.Context, projectID string, budgetUSD float64) (*manifest.Manifest, error)
	Status(ctx context.Context, projectID string) (*manifest.Manifest, error)
	Plan(ctx context.Context, projectID string) (*workflow.ExecutionPlan, error)
	Advance(ctx context.Context, projectID string) (*orchestrator.Outcome, error)
	SkipResearch(ctx context.Context, projectID string, confirmed bool) (*manifest.Manifest, error)
	Approve(ctx context.Context, projectID, approver string) (*manifest.Manifest, error)
	Reject(ctx context.Context, projectID, approver, reason string) (*manifest.Manifest, error)
	ReportDefect(ctx context.Context, projectID, report string) (*manifest.Manifest, error)
	Archive(ctx context.Context, projectID string) (*manifest.Manifest, error)
}

var _ Orchestrator = (*orchestrator.Machine)(nil)

// Server provides the HTTP API.
type Server struct {
	echo    *echo.Echo
	machine Orchestrator
	logger  *logging.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server. metrics may be nil.
func NewServer(machine Orchestrator, logger *logging.Logger, cfg *Config, metrics *HTTPMetrics) (*Server, error) {
	if machine == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8420,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			ctx := logging.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
		},
	}))
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler write the status before it is logged.
				c.Error(err)
			}
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		machine: machine,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/projects", s.handleInit)
	v1.GET("/projects/:id", s.handleStatus)
	v1.GET("/projects/:id/plan", s.handlePlan)
	v1.POST("/projects/:id/advance", s.handleAdvance)
	v1.POST("/projects/:id/skip-research", s.handleSkipResearch)
	v1.POST("/projects/:id/approve", s.handleApprove)
	v1.POST("/projects/:id/reject", s.handleReject)
	v1.POST("/projects/:id/defects", s.handleDefect)
	v1.POST("/projects/:id/archive", s.handleArchive)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleInit(c echo.Context) error {
	var req InitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id field is required")
	}
	ctx := logging.WithProjectID(c.Request().Context(), req.ProjectID)
	c.SetRequest(c.Request().WithContext(ctx))
	mf, err := s.machine.Init(ctx, req.ProjectID, req.BudgetUSD)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newProjectResponse(mf))
}

func (s *Server) handleStatus(c echo.Context) error {
	mf, err := s.machine.Status(projectContext(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProjectResponse(mf))
}

func (s *Server) handlePlan(c echo.Context) error {
	plan, err := s.machine.Plan(projectContext(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plan)
}

func (s *Server) handleAdvance(c echo.Context) error {
	out, err := s.machine.Advance(projectContext(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSkipResearch(c echo.Context) error {
	var req SkipResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	mf, err := s.machine.SkipResearch(projectContext(c), c.Param("id"), req.Confirmed)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProjectResponse(mf))
}

func (s *Server) handleApprove(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver field is required")
	}
	mf, err := s.machine.Approve(projectContext(c), c.Param("id"), req.Approver)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProjectResponse(mf))
}

func (s *Server) handleReject(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approver == "" || req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver and reason fields are required")
	}
	mf, err := s.machine.Reject(projectContext(c), c.Param("id"), req.Approver, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProjectResponse(mf))
}

func (s *Server) handleDefect(c echo.Context) error {
	var req DefectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Report == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "report field is required")
	}
	mf, err := s.machine.ReportDefect(projectContext(c), c.Param("id"), req.Report)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProjectResponse(mf))
}

func (s *Server) handleArchive(c echo.Context) error {
	mf, err := s.machine.Archive(projectContext(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProjectResponse(mf))
}

// projectContext tags the request context with the project id so the
// access log and error handler carry it too.
func projectContext(c echo.Context) context.Context {
	ctx := logging.WithProjectID(c.Request().Context(), c.Param("id"))
	c.SetRequest(c.Request().WithContext(ctx))
	return ctx
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
