// Package httpserver is the HTTP surface: the room REST endpoints, the
// websocket upgrade, health probes and metrics.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	ws "github.com/skill-collectors/guesstimator/internal/adapter/websocket"
	"github.com/skill-collectors/guesstimator/internal/app"
	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/config"
)

type roomService interface {
	Create(ctx context.Context) (*domain.RoomCredentials, error)
	Snapshot(ctx context.Context, roomID, userKey string) (*app.RoomView, error)
	Delete(ctx context.Context, roomID, hostKey string) error
}

type connectionServer interface {
	Serve(ctx context.Context, conn *websocket.Conn, handler ws.MessageHandler) error
}

// WebSocket bundles what the /ws endpoint needs.
type WebSocket struct {
	Hub     connectionServer
	Handler ws.MessageHandler
	Limits  *ws.ConnectionLimits
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	rooms     roomService
	websocket WebSocket
	upgrader  websocket.Upgrader

	metrics        *metrics.Set
	metricsHandler http.Handler
	healthChecks   []HealthCheck
	startTime      time.Time
}

func NewServer(cfg *config.Config, rooms roomService, wsDeps WebSocket, m *metrics.Set, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:      e,
		config:    cfg,
		rooms:     rooms,
		websocket: wsDeps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     ws.NewOriginPolicy(cfg.AppURL, cfg.IsDevelopment(), m.WebSocket).Check,
		},
		metrics:        m,
		metricsHandler: metricsHandler,
		healthChecks:   healthChecks,
		startTime:      time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
