// Package service implements the forwarding engine: one inbound request,
// one upstream attempt, one relayed response.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gitproxy-go/internal/client"
	"gitproxy-go/internal/config"
	"gitproxy-go/internal/header"
	"gitproxy-go/internal/metrics"
	"gitproxy-go/internal/model"
	"gitproxy-go/internal/relay"
	"gitproxy-go/internal/route"
)

// ProxyService drives exchanges through routing, header policy, dispatch and
// relay. It keeps no per-request state and is safe for concurrent use.
type ProxyService struct {
	client  *client.UpstreamClient
	router  *route.Router
	policy  *header.Policy
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService that forwards to the client's origin.
// The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client: c,
		router: route.New(c.Origin(), route.Options{
			BrowsePrefix:     cfg.Proxy.BrowsePrefix,
			RedirectBrowsers: cfg.Proxy.RedirectBrowsers(),
		}),
		policy:  header.NewPolicy(cfg.Proxy.UserAgent),
		timeout: cfg.Upstream.Timeout(),
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Forward runs an exchange up to the arrival of upstream response headers.
//
// When the returned Exchange is Local the gateway answers the request itself
// (usage page or browser redirect) and the response is nil. Otherwise the
// caller writes the response headers, then calls Relay, and must Close the
// exchange when done. On error the exchange is Errored and the error is an
// *Error.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*Exchange, *model.ProxyResponse, error) {
	ex := newExchange(pr.ID, pr.Method)

	rreq := &route.Request{
		Method:   pr.Method,
		Path:     pr.Path,
		RawQuery: pr.RawQuery,
		Header:   pr.Header,
	}
	ex.Shape = s.router.Select(rreq)
	target, err := s.router.Resolve(rreq, ex.Shape)
	if err != nil {
		kind := KindClassification
		if errors.Is(err, route.ErrDisallowedHost) {
			kind = KindConfiguration
		}
		return ex, nil, s.failed(ex, kind, err)
	}
	ex.Target = target
	if err := ex.advance(StateResolved); err != nil {
		return ex, nil, err
	}

	if ex.Local() {
		return ex, nil, ex.advance(StateCompleted)
	}

	hasBody := pr.Body != nil && pr.Body != http.NoBody && pr.ContentLength != 0
	filtered := s.policy.Filter(header.Request, pr.Header, header.Context{Shape: ex.Shape, HasBody: hasBody})
	if err := ex.advance(StateHeadersFiltered); err != nil {
		return ex, nil, err
	}

	ex.ctx, ex.cancel = s.budget(pr.Ctx)

	var body io.Reader
	if hasBody {
		ex.body = relay.NewBody(pr.Body, pr.ContentLength, s.countUpstream)
		body = ex.body
	}

	s.logger.Debug("forwarding request",
		"request_id", ex.ID,
		"method", pr.Method,
		"shape", ex.Shape.String(),
		"target", target.URL(),
		"injected", filtered.Injected,
	)

	if err := ex.advance(StateDispatched); err != nil {
		return ex, nil, err
	}
	resp, err := s.client.DoStream(ex.ctx, pr.Method, target.URL(), filtered.Header, body, pr.ContentLength)
	if ex.body != nil {
		ex.BytesIn = ex.body.N()
	}
	if err != nil {
		kind := s.dispatchErrorKind(ex, pr.Ctx, err)
		if kind == KindRequestBody {
			err = ex.body.Err()
		}
		ex.Close()
		return ex, nil, s.failed(ex, kind, err)
	}

	if err := ex.advance(StateResponseReceived); err != nil {
		_ = resp.Body.Close()
		ex.Close()
		return ex, nil, err
	}
	resp.Header = s.policy.Filter(header.Response, resp.Header, header.Context{Shape: ex.Shape}).Header
	return ex, resp, nil
}

// Relay streams the response body to w and closes it. A non-nil error means
// the client received an incomplete body; it is always of kind KindMidStream.
func (s *ProxyService) Relay(ex *Exchange, w io.Writer, resp *model.ProxyResponse) error {
	defer ex.Close()
	defer func() { _ = resp.Body.Close() }()

	if err := ex.advance(StateRelaying); err != nil {
		return err
	}

	declared := resp.ContentLength
	if ex.Method == http.MethodHead {
		declared = -1
	}

	n, err := relay.Copy(w, resp.Body, declared)
	ex.BytesOut = n
	if s.metrics != nil {
		s.metrics.RelayedBytes.WithLabelValues(metrics.DirectionDownstream).Add(float64(n))
	}
	if err != nil {
		if ex.ctx != nil && errors.Is(ex.ctx.Err(), context.DeadlineExceeded) {
			err = errors.Join(err, context.DeadlineExceeded)
		}
		return s.failed(ex, KindMidStream, err)
	}
	return ex.advance(StateCompleted)
}

// budget bounds the exchange from dispatch until the relay ends. A zero
// timeout leaves the request bounded only by the client.
func (s *ProxyService) budget(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if s.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.timeout)
}

func (s *ProxyService) dispatchErrorKind(ex *Exchange, parent context.Context, err error) Kind {
	switch {
	case errors.Is(ex.ctx.Err(), context.DeadlineExceeded):
		return KindUpstreamTimeout
	// A failed body read cancels the server's request context too, so it
	// must be checked before cancellation.
	case ex.body != nil && ex.body.Err() != nil:
		return KindRequestBody
	case parent != nil && parent.Err() != nil:
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	default:
		return KindUpstreamTransport
	}
}

func (s *ProxyService) failed(ex *Exchange, kind Kind, err error) error {
	ferr := ex.fail(kind, err)
	if s.metrics != nil {
		var e *Error
		if errors.As(ferr, &e) {
			s.metrics.ExchangeErrors.WithLabelValues(e.Kind.String()).Inc()
		}
	}
	return ferr
}

func (s *ProxyService) countUpstream(n int) {
	if s.metrics != nil {
		s.metrics.RelayedBytes.WithLabelValues(metrics.DirectionUpstream).Add(float64(n))
	}
}
