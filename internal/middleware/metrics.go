package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"gitproxy-go/internal/metrics"
)

// statusAborted labels requests whose connection was dropped mid-response.
const statusAborted = "aborted"

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Forwarded requests are labelled by route shape,
// the gateway's own endpoints by path.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			record := func(status string) {
				method := metrics.NormalizeMethod(c.Request().Method)
				route, ok := c.Get(RouteShapeKey).(string)
				if !ok {
					route = metrics.NormalizePath(c.Request().URL.Path)
				}
				duration := time.Since(start).Seconds()

				m.RequestsTotal.WithLabelValues(method, status, route).Inc()
				m.RequestDuration.WithLabelValues(method, status, route).Observe(duration)
			}

			// An aborted relay unwinds as a panic; count it before it
			// reaches the server.
			defer func() {
				if r := recover(); r != nil {
					record(statusAborted)
					panic(r)
				}
			}()

			err = next(c)

			// Resolve the actual status code. When a handler returns an
			// *echo.HTTPError, the response status hasn't been written yet;
			// Echo's central error handler will do that later. We inspect
			// the error to get the correct code for metrics.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}
			record(strconv.Itoa(statusCode))

			return err
		}
	}
}
