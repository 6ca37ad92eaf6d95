package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gitproxy-go/internal/client"
	"gitproxy-go/internal/config"
	"gitproxy-go/internal/middleware"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health, status and usage endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	upstream *client.UpstreamClient
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, uc *client.UpstreamClient) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, upstream: uc}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"upstream_url":    h.cfg.Upstream.BaseURL,
		"allowed_domains": h.cfg.Upstream.AllowedDomains,
		"browse_prefix":   h.cfg.Proxy.BrowsePrefix,
		"browse_mode":     h.cfg.Proxy.BrowseMode,
	})
}

// Upstream checks that the upstream origin answers. Any HTTP response counts
// as reachable.
func (h *HealthHandler) Upstream(c echo.Context) error {
	res, err := h.upstream.Probe(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"status":   "unreachable",
			"upstream": h.upstream.Origin().String(),
			"error":    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"upstream":    res.URL,
		"status_code": res.StatusCode,
		"latency_ms":  res.Latency.Milliseconds(),
	})
}

// Usage describes the accepted path forms with examples for this host.
func (h *HealthHandler) Usage(c echo.Context) error {
	base := c.Scheme() + "://" + c.Request().Host
	upstreamHost := h.upstream.Origin().Host
	prefix := h.cfg.Proxy.BrowsePrefix

	var b strings.Builder
	fmt.Fprintf(&b, "gitproxy %s: forwarding to %s\n\n", h.version, h.upstream.Origin())
	b.WriteString("Clone, fetch and push:\n")
	fmt.Fprintf(&b, "  git clone %s/{owner}/{repo}\n", base)
	fmt.Fprintf(&b, "  git clone %s/{owner}/{repo}.git\n\n", base)
	b.WriteString("Browse and download:\n")
	fmt.Fprintf(&b, "  %s/%s/{owner}/{repo}\n", base, prefix)
	fmt.Fprintf(&b, "  %s/{owner}/{repo}/archive/refs/heads/main.zip\n", base)
	fmt.Fprintf(&b, "  %s/https://%s/{owner}/{repo}\n", base, upstreamHost)
	fmt.Fprintf(&b, "  %s/%s/{owner}/{repo}\n\n", base, upstreamHost)
	b.WriteString("Service:\n")
	fmt.Fprintf(&b, "  %s/healthz\n", base)
	fmt.Fprintf(&b, "  %s/proxy/status\n", base)
	fmt.Fprintf(&b, "  %s/proxy/upstream\n", base)

	middleware.SetSecurityHeaders(c.Response().Header())
	return c.String(http.StatusOK, b.String())
}
