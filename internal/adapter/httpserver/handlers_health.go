package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/skill-collectors/guesstimator/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named dependency probe, typically a store ping.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.probe(startupProbeTimeout))
	s.echo.GET("/health/ready", s.probe(readinessProbeTimeout))
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/version", s.handleVersion)
}

// probe runs every health check concurrently within timeout and answers 503
// if any of them failed.
func (s *Server) probe(timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		results := make([]error, len(s.healthChecks))
		var g errgroup.Group
		for i, hc := range s.healthChecks {
			g.Go(func() error {
				results[i] = hc.Check(ctx)
				return nil
			})
		}
		_ = g.Wait()

		report := healthReport{Status: "ready", Checks: make(map[string]string, len(s.healthChecks))}
		status := http.StatusOK
		for i, hc := range s.healthChecks {
			if err := results[i]; err != nil {
				slog.WarnContext(ctx, "Health check failed", "check", hc.Name, "error", err)
				report.Checks[hc.Name] = err.Error()
				report.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[hc.Name] = "ok"
		}

		if err := c.JSON(status, report); err != nil {
			return fmt.Errorf("failed to write health response: %w", err)
		}
		return nil
	}
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}
	if s.websocket.Limits != nil {
		response["websocket_connections"] = s.websocket.Limits.Current()
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
