package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware for the gateway's own
// endpoints. It adds security headers and strips hop-by-hop headers from the
// request. Forwarded routes must not use it: relayed responses carry only
// upstream headers.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Strip hop-by-hop headers from incoming request
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			SetSecurityHeaders(c.Response().Header())

			return next(c)
		}
	}
}

// SetSecurityHeaders adds the headers served on every gateway-owned response.
func SetSecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
}
