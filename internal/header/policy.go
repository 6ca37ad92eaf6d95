// Package header decides which headers cross the proxy in each direction.
package header

import (
	"net/http"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"

	"gitproxy-go/internal/route"
)

// Direction selects which allow-list applies.
type Direction int

const (
	// Inbound headers travelling to the upstream.
	Request Direction = iota
	// Upstream headers travelling back to the client.
	Response
)

// ProductToken identifies this proxy inside a User-Agent string.
const ProductToken = "gitproxy/1.0"

const (
	tokenMarker  = "gitproxy/"
	browserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 " + ProductToken

	defaultWebAccept   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	defaultWebLanguage = "en-US,en;q=0.9"

	uploadPackRequestType  = "application/x-git-upload-pack-request"
	receivePackRequestType = "application/x-git-receive-pack-request"
)

// requestAllowList holds the request headers that may reach the upstream.
// Cookie and Content-Type are further gated by shape and body presence.
var requestAllowList = []string{
	"Authorization",
	"User-Agent",
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Cache-Control",
	"Content-Type",
	"Git-Protocol",
	"Cookie",
}

// responseDenyList holds the upstream response headers never relayed to the
// client. Framing is re-established on the client connection.
var responseDenyList = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Server":              true,
}

// Context carries the per-request facts the request policy depends on.
type Context struct {
	Shape   route.Shape
	HasBody bool
}

// Result is a filtered header set plus the names the policy injected or rewrote.
type Result struct {
	Header   http.Header
	Injected []string
}

// Policy filters headers. It is stateless after construction and safe for
// concurrent use.
type Policy struct {
	userAgent string
}

// NewPolicy creates a Policy. userAgent is sent when the client supplies
// none; the proxy's product token is appended if it is missing.
func NewPolicy(userAgent string) *Policy {
	userAgent = strings.TrimSpace(userAgent)
	switch {
	case userAgent == "":
		userAgent = "git/2.0.0 (" + ProductToken + ")"
	case !strings.Contains(userAgent, tokenMarker):
		userAgent += " " + ProductToken
	}
	return &Policy{userAgent: userAgent}
}

// UserAgent returns the agent string used when the client sends none.
func (p *Policy) UserAgent() string {
	return p.userAgent
}

// Filter applies the policy for the given direction. The source header is
// not modified.
func (p *Policy) Filter(dir Direction, src http.Header, ctx Context) Result {
	if dir == Response {
		return p.filterResponse(src)
	}
	return p.filterRequest(src, ctx)
}

func (p *Policy) filterRequest(src http.Header, ctx Context) Result {
	dst := make(http.Header, len(requestAllowList))
	for _, key := range requestAllowList {
		switch key {
		case "Cookie":
			if ctx.Shape != route.WebBrowsePrefixed {
				continue
			}
		case "Content-Type":
			if !ctx.HasBody {
				continue
			}
		}
		if vals := src.Values(key); len(vals) > 0 {
			dst[key] = slices.Clone(vals)
		}
	}

	var injected []string
	if ua, changed := p.rewriteUserAgent(src.Get("User-Agent"), ctx.Shape); changed {
		dst.Set("User-Agent", ua)
		injected = append(injected, "User-Agent")
	}

	if ctx.HasBody && dst.Get("Content-Type") == "" {
		switch ctx.Shape {
		case route.GitUploadPack:
			dst.Set("Content-Type", uploadPackRequestType)
			injected = append(injected, "Content-Type")
		case route.GitReceivePack:
			dst.Set("Content-Type", receivePackRequestType)
			injected = append(injected, "Content-Type")
		}
	}

	if ctx.Shape == route.WebBrowsePrefixed {
		if dst.Get("Accept") == "" {
			dst.Set("Accept", defaultWebAccept)
			injected = append(injected, "Accept")
		}
		if dst.Get("Accept-Language") == "" {
			dst.Set("Accept-Language", defaultWebLanguage)
			injected = append(injected, "Accept-Language")
		}
	}

	slices.Sort(injected)
	return Result{Header: dst, Injected: injected}
}

// rewriteUserAgent returns the agent to forward and whether it differs from ua.
// Agents that already carry the proxy token pass unchanged, which keeps the
// rewrite idempotent.
func (p *Policy) rewriteUserAgent(ua string, shape route.Shape) (string, bool) {
	switch {
	case strings.Contains(ua, tokenMarker):
		return ua, false
	case strings.TrimSpace(ua) == "":
		return p.userAgent, true
	case shape == route.WebBrowsePrefixed && !strings.Contains(ua, "Mozilla"):
		return browserAgent, true
	default:
		return ua + " " + ProductToken, true
	}
}

func (p *Policy) filterResponse(src http.Header) Result {
	drop := connectionTokens(src)
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if responseDenyList[ck] || drop[ck] {
			continue
		}
		dst[ck] = slices.Clone(vals)
	}
	return Result{Header: dst}
}

// connectionTokens returns the header names listed in Connection, which are
// hop-by-hop for this response.
func connectionTokens(h http.Header) map[string]bool {
	vals := h.Values("Connection")
	if len(vals) == 0 {
		return nil
	}
	names := make(map[string]bool)
	for _, v := range vals {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if httpguts.ValidHeaderFieldName(tok) {
				names[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return names
}
