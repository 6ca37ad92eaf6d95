// Package client provides the pooled HTTP client for the upstream origin.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gitproxy-go/internal/config"
	"gitproxy-go/internal/metrics"
	"gitproxy-go/internal/model"
)

// maxRedirects bounds redirects followed inside the gateway. The response
// that would exceed it is relayed to the client.
const maxRedirects = 10

const (
	probeTimeout   = 10 * time.Second
	probeUserAgent = "gitproxy/1.0 (connectivity probe)"
)

// UpstreamClient sends requests to the upstream origin over one shared,
// process-wide connection pool.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	origin     *url.URL
	upstream   config.UpstreamConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// dial timeouts. The end-to-end budget is carried by each request's context,
// so the client itself has no overall timeout. The metrics parameter is
// optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	origin, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if origin.Host == "" {
		return nil, errors.New("upstream base url has no host")
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		MaxConnsPerHost:       cfg.Upstream.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.Upstream.IdleTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		// Bodies are relayed as the origin encoded them.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &UpstreamClient{
		transport: transport,
		origin:    &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		upstream:  cfg.Upstream,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
	c.httpClient = &http.Client{
		Transport:     transport,
		CheckRedirect: c.checkRedirect,
	}
	return c, nil
}

// Origin returns the scheme and host every request is sent to.
func (c *UpstreamClient) Origin() *url.URL {
	u := *c.origin
	return &u
}

// checkRedirect follows redirects only to HTTPS hosts on the allow-list.
// Anything else is handed back to the caller as the final response.
func (c *UpstreamClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if !c.upstream.FollowsRedirects() || len(via) > maxRedirects {
		return http.ErrUseLastResponse
	}
	if req.URL.Scheme != "https" || !c.upstream.Allows(req.URL.Hostname()) {
		c.logger.Debug("relaying redirect to non-allowed host",
			"location", req.URL.Redacted(),
		)
		return http.ErrUseLastResponse
	}
	return nil
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

// DoStream sends one request and returns the response with its body still
// streaming. contentLength is the body length or -1 when unknown; a nil body
// is sent as an empty request. The provided context controls the lifetime of
// the upstream request and its response body: when the context is canceled
// (e.g. client disconnects), the upstream request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, target string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		req.ContentLength = contentLength
	}
	req.Header = header

	return c.Do(req)
}

// ProbeResult reports one connectivity check against the upstream origin.
type ProbeResult struct {
	URL        string
	StatusCode int
	Latency    time.Duration
}

// Probe sends a HEAD request to the origin root. Any HTTP response counts as
// reachable; only transport failures are returned as errors.
func (c *UpstreamClient) Probe(ctx context.Context) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	target := c.origin.String() + "/"
	start := time.Now()
	resp, err := c.DoStream(ctx, http.MethodHead, target, http.Header{"User-Agent": {probeUserAgent}}, nil, 0)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()

	return &ProbeResult{
		URL:        target,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}, nil
}

// Close releases idle pooled connections.
func (c *UpstreamClient) Close() {
	c.transport.CloseIdleConnections()
}
