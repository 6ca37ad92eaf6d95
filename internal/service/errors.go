package service

import (
	"fmt"
	"net/http"
)

// Kind classifies why an exchange failed.
type Kind int

const (
	KindInternal Kind = iota
	// KindClassification: the path fits no supported shape. No upstream call.
	KindClassification
	// KindConfiguration: the request names an upstream the gateway does not serve.
	KindConfiguration
	// KindRequestBody: the inbound body could not be read in full.
	KindRequestBody
	KindUpstreamTransport
	// KindUpstreamTimeout: the budget expired before response headers arrived.
	KindUpstreamTimeout
	// KindCanceled: the client went away before response headers arrived.
	KindCanceled
	// KindMidStream: the relay broke after response headers were sent.
	KindMidStream
)

// StatusClientClosedRequest is reported for exchanges the client abandoned.
// Nothing is written to the client; the value only appears in logs and metrics.
const StatusClientClosedRequest = 499

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindClassification:    "classification",
	KindConfiguration:     "configuration",
	KindRequestBody:       "request_body",
	KindUpstreamTransport: "upstream_transport",
	KindUpstreamTimeout:   "upstream_timeout",
	KindCanceled:          "canceled",
	KindMidStream:         "mid_stream",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Status returns the HTTP status for an error of this kind. Mid-stream
// failures have no status because headers are already on the wire.
func (k Kind) Status() int {
	switch k {
	case KindClassification, KindRequestBody:
		return http.StatusBadRequest
	case KindConfiguration:
		return http.StatusForbidden
	case KindUpstreamTransport:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return StatusClientClosedRequest
	case KindMidStream:
		return 0
	default:
		return http.StatusInternalServerError
	}
}

// Error is the error type returned by the forwarding engine.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
