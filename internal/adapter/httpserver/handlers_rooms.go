package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/skill-collectors/guesstimator/internal/platform/errors"
)

const hostKeyHeader = "X-Host-Key"

func (s *Server) registerRoomRoutes(rateLimiter echo.MiddlewareFunc) {
	api := s.echo.Group("/api", rateLimiter)
	api.GET("/status", s.handleStatus)
	api.POST("/rooms", s.handleCreateRoom)
	api.GET("/rooms/:roomId", s.handleGetRoom)
	api.DELETE("/rooms/:roomId", s.handleDeleteRoom)
}

func (s *Server) handleStatus(c echo.Context) error {
	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	creds, err := s.rooms.Create(c.Request().Context())
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusCreated, creds); err != nil {
		return fmt.Errorf("failed to write room response: %w", err)
	}
	return nil
}

func (s *Server) handleGetRoom(c echo.Context) error {
	view, err := s.rooms.Snapshot(c.Request().Context(), c.Param("roomId"), c.QueryParam("userKey"))
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, view); err != nil {
		return fmt.Errorf("failed to write room response: %w", err)
	}
	return nil
}

type deleteRoomRequest struct {
	HostKey string `json:"hostKey"`
}

// handleDeleteRoom takes the host key from the X-Host-Key header, falling
// back to a {hostKey} JSON body.
func (s *Server) handleDeleteRoom(c echo.Context) error {
	hostKey := c.Request().Header.Get(hostKeyHeader)
	if hostKey == "" && c.Request().ContentLength != 0 {
		var req deleteRoomRequest
		if err := c.Bind(&req); err != nil {
			return apperrors.ClientError("Invalid body")
		}
		hostKey = req.HostKey
	}

	if err := s.rooms.Delete(c.Request().Context(), c.Param("roomId"), hostKey); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
