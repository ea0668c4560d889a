// Package middleware provides Echo middleware for request logging and metrics.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"correlation-proxy/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The correlation id is read from the echo context; it is empty when the
// request failed before one was generated.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Deferred so responses aborted mid-stream by a panic are logged too.
			defer func() {
				req := c.Request()
				res := c.Response()

				correlationID, _ := c.Get(model.CorrelationIDKey).(string)

				logger.Info("request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"correlation_id", correlationID,
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				)
			}()

			return next(c)
		}
	}
}
