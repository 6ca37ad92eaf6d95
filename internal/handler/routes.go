package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitproxy-go/internal/config"
	"gitproxy-go/internal/metrics"
	"gitproxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// gateway's own endpoints get security headers; forwarded responses carry
// only what the upstream sent.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	sec := middleware.SecurityHeaders()

	e.GET("/healthz", health.Healthz, sec)
	e.GET("/proxy/status", health.Status, sec)
	e.GET("/proxy/upstream", health.Upstream, sec)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), sec)
	}

	e.Any("/*", proxy.Handle)
}
