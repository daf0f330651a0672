package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	ws "github.com/skill-collectors/guesstimator/internal/adapter/websocket"
)

// handleWebSocket upgrades the request and hands the connection to the hub
// for as long as it stays open.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	if ok, reason := s.websocket.Limits.Acquire(ip); !ok {
		s.metrics.WebSocket.Rejected.WithLabelValues(string(reason)).Inc()
		slog.WarnContext(c.Request().Context(), "WebSocket connection rejected", "ip", ip, "reason", reason)

		status := http.StatusTooManyRequests
		if reason == ws.LimitReasonGlobal {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, map[string]string{"error": "too many connections"})
	}
	defer s.websocket.Limits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already wrote the error response.
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	if err := s.websocket.Hub.Serve(c.Request().Context(), conn, s.websocket.Handler); err != nil {
		slog.ErrorContext(c.Request().Context(), "WebSocket serve failed", "error", err)
	}
	return nil
}
