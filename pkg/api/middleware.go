package api

import (
	"log/slog"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestLogger returns middleware that logs one line per request.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			// Context.Response() is plain http.ResponseWriter; the status
			// lives on the underlying echo.Response.
			status := 0
			if res, ok := c.Response().(*echo.Response); ok {
				status = res.Status
			}
			logger.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}
