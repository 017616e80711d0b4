// Package client provides the HTTP client for the loopback upstream.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tana-proxy-go/internal/config"
	"tana-proxy-go/internal/metrics"
	"tana-proxy-go/internal/model"
)

// ErrBodyRead marks failures that happen after the upstream sent its
// status line, while the response body was being read.
var ErrBodyRead = errors.New("read upstream body")

// UpstreamClient sends requests to the upstream API.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and a
// fixed overall timeout covering connect, headers and body.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		// Relay Content-Encoding and Content-Length untouched.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and reads the whole
// response body. Any status code is a successful call; only transport
// and read failures return an error.
func (c *UpstreamClient) Do(req *http.Request) (*model.Responded, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.Host,
		"target", req.URL.RequestURI(),
	)

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(metrics.NormalizeMethod(req.Method)).
				Observe(time.Since(start).Seconds())
		}
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
	}

	return &model.Responded{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Send issues method against origin and executes it. target is written on
// the request line exactly as given, without normalization or re-escaping.
// The outbound Host header is origin's host:port.
func (c *UpstreamClient) Send(ctx context.Context, method string, origin *url.URL, target string, header http.Header, body []byte) (*model.Responded, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, origin.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.URL = withRawTarget(origin, target)
	req.Host = origin.Host

	if header == nil {
		header = make(http.Header)
	}
	// An empty User-Agent keeps the transport from adding its own.
	if _, ok := header["User-Agent"]; !ok {
		header["User-Agent"] = []string{""}
	}
	req.Header = header

	return c.Do(req)
}

// withRawTarget returns a copy of origin whose RequestURI is target verbatim.
func withRawTarget(origin *url.URL, target string) *url.URL {
	u := *origin
	path, query, hasQuery := strings.Cut(target, "?")
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	u.RawQuery = query
	u.ForceQuery = hasQuery && query == ""

	// An opaque value starting with "//" is read as an authority, so such
	// paths go through RawPath instead.
	if strings.HasPrefix(path, "//") {
		if p, err := url.PathUnescape(path); err == nil {
			u.Path = p
			u.RawPath = path
			return &u
		}
	}
	u.Opaque = path
	u.RawPath = ""
	return &u
}
