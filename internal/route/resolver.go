package route

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// downloadPrefixes are the first subpath segments served as web pages or
// raw content by the upstream. They never get a .git suffix.
var downloadPrefixes = map[string]bool{
	"archive":     true,
	"raw":         true,
	"releases":    true,
	"blob":        true,
	"tree":        true,
	"commits":     true,
	"commit":      true,
	"issues":      true,
	"pull":        true,
	"pulls":       true,
	"wiki":        true,
	"actions":     true,
	"security":    true,
	"pulse":       true,
	"graphs":      true,
	"tags":        true,
	"branches":    true,
	"compare":     true,
	"blame":       true,
	"discussions": true,
	"projects":    true,
	"network":     true,
	"stargazers":  true,
	"watchers":    true,
	"forks":       true,
	"labels":      true,
	"milestones":  true,
	"tarball":     true,
	"zipball":     true,
	"suites":      true,
	"packages":    true,
	"deployments": true,
	"activity":    true,
	"find":        true,
	"search":      true,
	"settings":    true,
}

const gitSuffix = ".git"

// Resolve computes the upstream target for req under the given shape.
// Explicit URLs naming a foreign host yield ErrDisallowedHost; a shape that
// does not fit the path yields ErrUnmatched.
func (rt *Router) Resolve(req *Request, shape Shape) (*Target, error) {
	switch shape {
	case GitInfoRefs, GitUploadPack, GitReceivePack:
		return rt.resolveGit(req, shape)
	case ExplicitUpstreamURL:
		host, rest, ok := splitExplicit(req.Path)
		if !ok {
			return nil, ErrUnmatched
		}
		if !strings.EqualFold(host, rt.host) {
			return nil, fmt.Errorf("%w: %s", ErrDisallowedHost, host)
		}
		return rt.verbatim(shape, rest, req.RawQuery), nil
	case DomainPrefixed:
		rest, ok := rt.trimDomain(req.Path)
		if !ok {
			return nil, ErrUnmatched
		}
		return rt.verbatim(shape, rest, req.RawQuery), nil
	case WebBrowsePrefixed:
		rest, ok := rt.trimBrowse(req.Path)
		if !ok || strings.Trim(rest, "/") == "" {
			return nil, ErrUnmatched
		}
		return rt.verbatim(shape, rest, req.RawQuery), nil
	case OwnerRepoSimple:
		return rt.resolveOwnerRepo(req)
	case Root:
		if !rt.matchRoot(req) {
			return nil, ErrUnmatched
		}
		return &Target{Shape: Root, Origin: rt.origin, Path: "/"}, nil
	default:
		return nil, ErrUnmatched
	}
}

func (rt *Router) resolveGit(req *Request, shape Shape) (*Target, error) {
	var endpoint, query string
	switch shape {
	case GitInfoRefs:
		endpoint = "info/refs"
		service := serviceParam(req.RawQuery)
		if service == "" {
			return nil, ErrUnmatched
		}
		query = "service=" + url.QueryEscape(service)
	case GitUploadPack:
		endpoint = "git-upload-pack"
	default:
		endpoint = "git-receive-pack"
	}

	owner, repo, ok := rt.splitTemplate(req.Path, endpoint)
	if !ok {
		return nil, ErrUnmatched
	}
	return &Target{
		Shape:    shape,
		Origin:   rt.origin,
		Path:     "/" + owner + "/" + trimGitSuffix(repo) + gitSuffix + "/" + endpoint,
		RawQuery: query,
	}, nil
}

func (rt *Router) resolveOwnerRepo(req *Request) (*Target, error) {
	owner, repo, sub, ok := splitOwnerRepo(req.Path)
	if !ok {
		return nil, ErrUnmatched
	}
	if sub == "/" {
		sub = ""
	}

	t := &Target{Shape: OwnerRepoSimple, Origin: rt.origin, RawQuery: req.RawQuery}
	switch {
	case sub == "" && rt.redirectBrowsers && IsBrowser(req.Header):
		t.Path = "/" + owner + "/" + trimGitSuffix(repo)
		t.DownloadStyle = true
		t.Redirect = true
	case isDownloadStyle(sub):
		t.Path = "/" + owner + "/" + repo + sub
		t.DownloadStyle = true
	default:
		t.Path = "/" + owner + "/" + trimGitSuffix(repo) + gitSuffix + sub
	}
	return t, nil
}

// verbatim builds a target whose path is forwarded without normalization.
func (rt *Router) verbatim(shape Shape, rest, rawQuery string) *Target {
	if rest == "" {
		rest = "/"
	}
	return &Target{
		Shape:         shape,
		Origin:        rt.origin,
		Path:          rest,
		RawQuery:      rawQuery,
		DownloadStyle: true,
	}
}

func isDownloadStyle(sub string) bool {
	seg := strings.TrimPrefix(sub, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	return downloadPrefixes[strings.ToLower(seg)]
}

func trimGitSuffix(repo string) string {
	if len(repo) >= len(gitSuffix) && strings.EqualFold(repo[len(repo)-len(gitSuffix):], gitSuffix) {
		return repo[:len(repo)-len(gitSuffix)]
	}
	return repo
}

// IsBrowser reports whether the request headers look like they come from a
// web browser rather than a Git client or a download tool.
func IsBrowser(h http.Header) bool {
	if h == nil {
		return false
	}
	if strings.Contains(h.Get("Accept"), "text/html") {
		return true
	}
	ua := h.Get("User-Agent")
	return strings.Contains(ua, "Mozilla") || strings.Contains(ua, "Chrome") || strings.Contains(ua, "Safari")
}
