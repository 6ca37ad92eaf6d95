// Package route classifies inbound paths and resolves them to upstream targets.
package route

import (
	"net/http"
	"net/url"
	"strings"
)

// Shape identifies which inbound path form a request matched.
type Shape int

const (
	Unmatched Shape = iota
	ExplicitUpstreamURL
	DomainPrefixed
	WebBrowsePrefixed
	OwnerRepoSimple
	GitInfoRefs
	GitUploadPack
	GitReceivePack
	Root
)

var shapeNames = map[Shape]string{
	Unmatched:           "unmatched",
	ExplicitUpstreamURL: "explicit_url",
	DomainPrefixed:      "domain_prefixed",
	WebBrowsePrefixed:   "web",
	OwnerRepoSimple:     "owner_repo",
	GitInfoRefs:         "git_info_refs",
	GitUploadPack:       "git_upload_pack",
	GitReceivePack:      "git_receive_pack",
	Root:                "root",
}

// String returns a stable lowercase name, safe for use as a metrics label.
func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsGitProtocol reports whether the shape is one of the Smart HTTP endpoints.
func (s Shape) IsGitProtocol() bool {
	return s == GitInfoRefs || s == GitUploadPack || s == GitReceivePack
}

// Request is the part of an inbound request the router looks at.
type Request struct {
	Method string
	// Path is the escaped request path without its leading '/'.
	Path     string
	RawQuery string
	Header   http.Header
}

// Target is a resolved upstream destination.
type Target struct {
	Shape  Shape
	Origin *url.URL
	// Path is escaped and always starts with '/'.
	Path     string
	RawQuery string
	// DownloadStyle marks browse/raw paths that must not get a .git suffix.
	DownloadStyle bool
	// Redirect asks the caller to send the client to URL() instead of proxying.
	Redirect bool
}

// URL renders the absolute upstream URL.
func (t *Target) URL() string {
	var b strings.Builder
	b.WriteString(t.Origin.Scheme)
	b.WriteString("://")
	b.WriteString(t.Origin.Host)
	b.WriteString(t.Path)
	if t.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(t.RawQuery)
	}
	return b.String()
}
