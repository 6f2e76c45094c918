package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"courier/internal/config"
	"courier/internal/handlers"
)

// Server is the thin HTTP surface over the pipeline operations.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config
}

func NewServer(cfg *config.Config, jobsHandler *handlers.JobsHandler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/api/v1")
	v1.POST("/campaigns/:id/jobs/immediate", jobsHandler.LaunchImmediate)
	v1.POST("/campaigns/:id/jobs/scheduled", jobsHandler.LaunchScheduled)
	v1.POST("/campaigns/:id/jobs/cancel", jobsHandler.CancelPending)
	v1.GET("/campaigns/:id/jobs/stats", jobsHandler.CampaignStats)
	v1.GET("/jobs/failed", jobsHandler.FailedJobs)
	v1.GET("/jobs/:id", jobsHandler.GetJob)
	v1.PATCH("/jobs/:id/status", jobsHandler.UpdateStatus)
	v1.GET("/jobs/:id/events", jobsHandler.JobEvents)

	return &Server{echo: e, cfg: cfg}
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
