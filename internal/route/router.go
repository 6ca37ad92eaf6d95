package route

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrUnmatched is returned when a path fits none of the supported shapes.
	ErrUnmatched = errors.New("path does not match any supported shape")
	// ErrDisallowedHost is returned for explicit URLs naming a host other than the upstream.
	ErrDisallowedHost = errors.New("upstream host not allowed")
)

// Options tunes path classification.
type Options struct {
	// BrowsePrefix is the leading segment that selects the web-browse shape.
	BrowsePrefix string
	// RedirectBrowsers sends browsers asking for a bare owner/repo page to the upstream.
	RedirectBrowsers bool
}

// Router selects a Shape for each request and resolves it against a single
// fixed upstream origin. It holds no per-request state and is safe for
// concurrent use.
type Router struct {
	origin           *url.URL
	host             string
	browsePrefix     string
	redirectBrowsers bool
}

// New creates a Router for the given upstream origin. Only the scheme and
// host of origin are used.
func New(origin *url.URL, opts Options) *Router {
	prefix := strings.Trim(opts.BrowsePrefix, "/")
	if prefix == "" {
		prefix = "web"
	}
	return &Router{
		origin:           &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		host:             strings.ToLower(origin.Host),
		browsePrefix:     strings.ToLower(prefix),
		redirectBrowsers: opts.RedirectBrowsers,
	}
}

type matcher struct {
	shape Shape
	match func(rt *Router, req *Request) bool
}

// table lists the matchers from most to least specific. The first match wins.
var table = []matcher{
	{GitInfoRefs, (*Router).matchInfoRefs},
	{GitUploadPack, (*Router).matchUploadPack},
	{GitReceivePack, (*Router).matchReceivePack},
	{ExplicitUpstreamURL, (*Router).matchExplicit},
	{DomainPrefixed, (*Router).matchDomain},
	{WebBrowsePrefixed, (*Router).matchBrowse},
	{OwnerRepoSimple, (*Router).matchOwnerRepo},
	{Root, (*Router).matchRoot},
}

// Priority returns the shapes in the order the router tries them.
func Priority() []Shape {
	shapes := make([]Shape, 0, len(table)+1)
	for _, m := range table {
		shapes = append(shapes, m.shape)
	}
	return append(shapes, Unmatched)
}

// Select returns the most specific shape matching req.
func (rt *Router) Select(req *Request) Shape {
	for _, m := range table {
		if m.match(rt, req) {
			return m.shape
		}
	}
	return Unmatched
}

// Route selects a shape and resolves it in one step.
func (rt *Router) Route(req *Request) (*Target, error) {
	return rt.Resolve(req, rt.Select(req))
}

func (rt *Router) matchInfoRefs(req *Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if _, _, ok := rt.splitTemplate(req.Path, "info/refs"); !ok {
		return false
	}
	return serviceParam(req.RawQuery) != ""
}

func (rt *Router) matchUploadPack(req *Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	_, _, ok := rt.splitTemplate(req.Path, "git-upload-pack")
	return ok
}

func (rt *Router) matchReceivePack(req *Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	_, _, ok := rt.splitTemplate(req.Path, "git-receive-pack")
	return ok
}

func (rt *Router) matchExplicit(req *Request) bool {
	_, _, ok := splitExplicit(req.Path)
	return ok
}

func (rt *Router) matchDomain(req *Request) bool {
	_, ok := rt.trimDomain(req.Path)
	return ok
}

func (rt *Router) matchBrowse(req *Request) bool {
	rest, ok := rt.trimBrowse(req.Path)
	return ok && strings.Trim(rest, "/") != ""
}

func (rt *Router) matchOwnerRepo(req *Request) bool {
	_, _, _, ok := splitOwnerRepo(req.Path)
	return ok
}

func (rt *Router) matchRoot(req *Request) bool {
	p := strings.Trim(req.Path, "/")
	return p == "" || strings.EqualFold(p, rt.browsePrefix)
}

// splitTemplate matches "{owner}/{repo}/{endpoint}" exactly. Owners that
// belong to a more specific shape (browse prefix, upstream host, URL scheme)
// are refused.
func (rt *Router) splitTemplate(path, endpoint string) (owner, repo string, ok bool) {
	parts := strings.Split(path, "/")
	tail := strings.Split(endpoint, "/")
	if len(parts) != 2+len(tail) {
		return "", "", false
	}
	for i, seg := range tail {
		if parts[2+i] != seg {
			return "", "", false
		}
	}
	owner, repo = parts[0], parts[1]
	if !validSegment(owner) || !validSegment(repo) || trimGitSuffix(repo) == "" {
		return "", "", false
	}
	if strings.EqualFold(owner, rt.browsePrefix) || strings.EqualFold(owner, rt.host) || strings.HasSuffix(owner, ":") {
		return "", "", false
	}
	return owner, repo, true
}

// trimDomain strips a leading "<upstream-host>/" and returns the remainder
// including its leading slash.
func (rt *Router) trimDomain(path string) (string, bool) {
	i := strings.IndexByte(path, '/')
	if i < 0 || !strings.EqualFold(path[:i], rt.host) {
		return "", false
	}
	return path[i:], true
}

// trimBrowse strips the browse prefix segment and returns the remainder
// including its leading slash.
func (rt *Router) trimBrowse(path string) (string, bool) {
	i := strings.IndexByte(path, '/')
	if i < 0 || !strings.EqualFold(path[:i], rt.browsePrefix) {
		return "", false
	}
	return path[i:], true
}

// splitExplicit parses "scheme://host/rest". The collapsed "scheme:/host/rest"
// form is accepted too. rest keeps its leading slash and may be empty.
func splitExplicit(path string) (host, rest string, ok bool) {
	i := strings.Index(path, ":/")
	if i <= 0 {
		return "", "", false
	}
	switch strings.ToLower(path[:i]) {
	case "http", "https":
	default:
		return "", "", false
	}
	rest = strings.TrimPrefix(path[i+2:], "/")
	j := strings.IndexByte(rest, '/')
	if j < 0 {
		host, rest = rest, ""
	} else {
		host, rest = rest[:j], rest[j:]
	}
	if host == "" {
		return "", "", false
	}
	return host, rest, true
}

// splitOwnerRepo returns the first two non-empty segments of path and the
// remaining subpath, which is empty or starts with '/'.
func splitOwnerRepo(path string) (owner, repo, sub string, ok bool) {
	var segs [2]string
	rest := path
	for i := range segs {
		rest = strings.TrimLeft(rest, "/")
		if rest == "" {
			return "", "", "", false
		}
		j := strings.IndexByte(rest, '/')
		if j < 0 {
			segs[i], rest = rest, ""
		} else {
			segs[i], rest = rest[:j], rest[j:]
		}
	}
	owner, repo = segs[0], segs[1]
	if !validSegment(owner) || !validSegment(repo) || trimGitSuffix(repo) == "" {
		return "", "", "", false
	}
	return owner, repo, rest, true
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	if s, err := url.PathUnescape(seg); err == nil {
		seg = s
	}
	return seg != "." && seg != ".."
}

func serviceParam(rawQuery string) string {
	// ParseQuery keeps the valid pairs even when it reports an error.
	q, _ := url.ParseQuery(rawQuery)
	return q.Get("service")
}
