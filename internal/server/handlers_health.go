package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mfriedel/channelgate/internal/platform/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := time.Since(s.startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	// The hub actor must be responsive for the gateway to accept work.
	if count := s.hub.ConnectionCount(); count < 0 {
		return c.JSON(503, map[string]any{
			"status":       "unhealthy",
			"failed_check": "hub",
			"error":        "hub command timed out",
		})
	}

	if s.depChecker != nil {
		if err := s.depChecker.Ping(ctx); err != nil {
			return c.JSON(503, map[string]any{
				"status":       "unhealthy",
				"failed_check": "token_store",
				"error":        err.Error(),
			})
		}
	}

	return c.JSON(200, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}
