package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and hands them to the hub.
// Clients authenticate with a bearer token (header or token query param);
// conversation-level authorization happens per join inside the hub.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.hub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	userID, err := s.authenticate(c, c.Request().URL.Query().Get("user_id"))
	if err != nil {
		return err
	}
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedWSOrigins
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.hub.HandleConnection(c.Request().Context(), conn, userID)
	return nil
}
