package handler

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"gitproxy-go/internal/middleware"
	"gitproxy-go/internal/model"
	"gitproxy-go/internal/service"
)

// tokenPattern matches token query parameters (raw file and archive links
// carry them) in URLs embedded in error messages.
var tokenPattern = regexp.MustCompile(`(?i)((?:access_)?token=)[^&\s"]+`)

// ProxyHandler forwards every request that is not one of the gateway's own
// endpoints to the upstream origin.
type ProxyHandler struct {
	service *service.ProxyService
	health  *HealthHandler
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. Requests for the root path are
// answered with the usage text from health.
func NewProxyHandler(svc *service.ProxyService, health *HealthHandler, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		health:  health,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and streams the upstream response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		ID:            c.Response().Header().Get(echo.HeaderXRequestID),
		Method:        req.Method,
		Path:          strings.TrimPrefix(req.URL.EscapedPath(), "/"),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	ex, resp, err := h.service.Forward(pr)
	c.Set(middleware.RouteShapeKey, ex.Shape.String())
	c.Set(middleware.BytesInKey, ex.BytesIn)
	if err != nil {
		return h.mapError(c, err)
	}
	if ex.Local() {
		if ex.Target.Redirect {
			return c.Redirect(http.StatusFound, ex.Target.URL())
		}
		return h.health.Usage(c)
	}
	defer ex.Close()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status line is out, a failure can only be signalled by
	// dropping the connection; a clean end would look like a complete body.
	if err := h.service.Relay(ex, c.Response(), resp); err != nil {
		h.logger.Error("relay aborted",
			"err", sanitizeError(err),
			"request_id", ex.ID,
			"path", req.URL.Path,
			"route_shape", ex.Shape.String(),
			"bytes_in", ex.BytesIn,
			"bytes_out", ex.BytesOut,
		)
		panic(http.ErrAbortHandler)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	kind := service.KindInternal
	var se *service.Error
	if errors.As(err, &se) {
		kind = se.Kind
	}

	level := slog.LevelError
	if status := kind.Status(); status >= 400 && status < 500 {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", sanitizeError(err),
		"kind", kind.String(),
		"path", c.Request().URL.Path,
	)

	switch kind {
	case service.KindClassification:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unsupported path: expected /{owner}/{repo}[/...], /web/{path} or an upstream URL",
		})
	case service.KindConfiguration:
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "upstream host not allowed",
		})
	case service.KindRequestBody:
		// Body limit violations carry their own status (413).
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body could not be read",
		})
	case service.KindUpstreamTimeout:
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	case service.KindCanceled:
		return c.JSON(service.StatusClientClosedRequest, map[string]string{
			"error": "client disconnected",
		})
	case service.KindUpstreamTransport:
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "upstream host unreachable",
			})
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "upstream connection failed",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream request failed",
		})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}
}

// sanitizeError redacts token query values from error messages that may
// contain upstream URLs.
func sanitizeError(err error) string {
	return tokenPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
