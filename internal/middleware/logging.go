// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// Echo context keys set by the proxy handler for forwarded requests.
const (
	// RouteShapeKey holds the route shape name.
	RouteShapeKey = "route_shape"
	// BytesInKey holds the request body bytes sent upstream, as int64.
	BytesInKey = "bytes_in"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			// Chunked pushes declare no length; prefer the counted bytes.
			bytesIn := req.ContentLength
			if n, ok := c.Get(BytesInKey).(int64); ok {
				bytesIn = n
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", bytesIn,
				"bytes_out", res.Size,
			}
			if shape, ok := c.Get(RouteShapeKey).(string); ok {
				attrs = append(attrs, "route_shape", shape)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
