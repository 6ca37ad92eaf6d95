// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound client request as the forwarding engine sees it.
type ProxyRequest struct {
	Ctx context.Context
	ID  string

	Method   string
	Path     string // escaped, without the leading slash
	RawQuery string
	Header   http.Header

	// Body is nil when the request has none. ContentLength is -1 when the
	// length is unknown.
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse is an upstream response to be streamed back to the client.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}
