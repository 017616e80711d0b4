// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"tana-proxy-go/internal/client"
	"tana-proxy-go/internal/config"
	"tana-proxy-go/internal/metrics"
	"tana-proxy-go/internal/model"
)

// Failure reasons reported to the caller in the 502 body.
const (
	ReasonTimeout          = "upstream request timed out"
	ReasonRefused          = "upstream connection refused"
	ReasonConnection       = "upstream connection failed"
	ReasonMalformed        = "upstream response malformed"
	ReasonFailed           = "upstream request failed"
	ReasonClientGone       = "client disconnected"
	ReasonRequestBodyShort = "request body incomplete"
)

// droppedRequestHeaders never travel upstream; Host is rewritten separately.
var droppedRequestHeaders = map[string]bool{
	"Connection":        true,
	"Transfer-Encoding": true,
	"Host":              true,
}

// droppedResponseHeaders never travel back to the caller.
var droppedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Transfer-Encoding": true,
}

// ForwardService relays requests to the single configured upstream.
type ForwardService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	origin  *url.URL
}

// NewForwardService creates a ForwardService. The upstream must be a
// loopback origin. The metrics parameter may be nil.
func NewForwardService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ForwardService, error) {
	origin, err := cfg.Upstream.Origin()
	if err != nil {
		return nil, err
	}
	if !config.IsLoopbackHost(origin.Hostname()) {
		return nil, fmt.Errorf("upstream host %q is not a loopback address", origin.Hostname())
	}

	return &ForwardService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "forward_service"),
		metrics: m,
		origin:  origin,
	}, nil
}

// Forward issues exactly one upstream request for pr and returns its outcome.
// It never returns a nil Outcome.
func (s *ForwardService) Forward(pr *model.ProxyRequest) model.Outcome {
	out := s.forward(pr)
	s.record(pr.Method, out)
	return out
}

func (s *ForwardService) forward(pr *model.ProxyRequest) model.Outcome {
	body, err := readBody(pr.Body, pr.ContentLength)
	if err != nil {
		return model.Failed{Reason: ReasonRequestBodyShort, Err: err}
	}

	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", pr.Target,
		"body_bytes", len(body),
	)

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := s.client.Send(ctx, pr.Method, s.origin, pr.Target, header, body)
	if err != nil {
		failed := model.Failed{Reason: describeFailure(err), Err: err}
		s.logger.Warn("upstream failure",
			"method", pr.Method,
			"target", pr.Target,
			"reason", failed.Reason,
			"err", err,
		)
		return failed
	}

	if isSuccess(resp.StatusCode) || s.cfg.Upstream.ForwardErrorHeaders {
		resp.Header = filterResponseHeaders(resp.Header)
		return *resp
	}
	return model.Rejected{StatusCode: resp.StatusCode, Body: resp.Body}
}

func (s *ForwardService) record(method string, out model.Outcome) {
	if s.metrics == nil {
		return
	}
	var label string
	switch out.(type) {
	case model.Responded:
		label = metrics.OutcomeResponded
	case model.Rejected:
		label = metrics.OutcomeRejected
	default:
		label = metrics.OutcomeFailed
	}
	s.metrics.UpstreamOutcomes.WithLabelValues(metrics.NormalizeMethod(method), label).Inc()
}

func (s *ForwardService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if droppedRequestHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if droppedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}

// readBody reads exactly n bytes when n > 0. Anything else, including a
// chunked body of unknown length, is treated as no body.
func readBody(r io.Reader, n int64) ([]byte, error) {
	if n <= 0 || r == nil {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read %d byte request body: %w", n, err)
	}
	return buf, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// describeFailure turns a transport error into a short caller-facing reason.
func describeFailure(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonClientGone
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonRefused
	}
	if errors.Is(err, client.ErrBodyRead) {
		return ReasonMalformed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ReasonConnection
	}
	return ReasonFailed
}
