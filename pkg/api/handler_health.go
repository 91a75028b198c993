package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/avitech-ai/aeromind/pkg/database"
	"github.com/avitech-ai/aeromind/pkg/version"
)

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(c *echo.Context) error {
	if s.db == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "unhealthy",
			"version": version.Full(),
			"error":   "database not configured",
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"version":  version.Full(),
			"database": dbHealth,
			"error":    err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
		"sessions": s.hubSessions(),
	})
}

func (s *Server) hubSessions() int {
	if s.hub == nil {
		return 0
	}
	return s.hub.SessionCount()
}
