// Package remote performs upstream table calls over HTTP on behalf of the
// cache policy.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/observability"
	"github.com/offsync/offsync/internal/policy"
)

// DefaultMaxResponseBytes bounds how much of an upstream response is read.
const DefaultMaxResponseBytes = 64 << 20

// Client issues calls against one upstream service.
type Client struct {
	base     *url.URL
	http     *http.Client
	forward  []string
	logger   *slog.Logger
	metrics  *observability.Metrics
	maxBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets a per-call timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithForwardHeaders names the inbound headers copied onto upstream calls.
func WithForwardHeaders(names []string) Option {
	return func(c *Client) { c.forward = names }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxResponseBytes bounds the size of an upstream response body. Larger
// responses fail instead of being truncated.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL %q must be http or https", baseURL)
	}
	c := &Client{
		base:     base,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		maxBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve maps a service-relative URI onto the upstream.
func (c *Client) Resolve(uri *url.URL) *url.URL {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + strings.TrimPrefix(uri.Path, "/")
	u.RawPath = ""
	u.RawQuery = uri.RawQuery
	u.Fragment = ""
	return &u
}

// Bind returns the delegate for one intercepted request. Calls that leave
// URI or Method empty use the request's own; header supplies the values of
// the forwarded headers.
func (c *Client) Bind(method string, uri *url.URL, header http.Header) policy.RemoteFunc {
	return func(ctx context.Context, call policy.RemoteCall) ([]byte, error) {
		m, u := call.Method, call.URI
		if m == "" {
			m = method
		}
		if u == nil {
			u = uri
		}
		return c.Do(ctx, m, u, call.Body, header)
	}
}

// Do performs one call. A non-2xx answer fails with REMOTE_FAILURE carrying
// the status and body; no answer at all fails with REMOTE_UNREACHABLE.
func (c *Client) Do(ctx context.Context, method string, uri *url.URL, body []byte, header http.Header) ([]byte, error) {
	target := c.Resolve(uri)
	start := time.Now()

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), rd)
	if err != nil {
		return nil, offerr.NewInternalError("failed to build upstream request", err)
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, name := range c.forward {
		if v := header.Values(name); len(v) > 0 {
			req.Header[http.CanonicalHeaderKey(name)] = v
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRemote(method, "unreachable", time.Since(start))
		c.logger.Debug("upstream unreachable", "method", method, "url", target.Redacted(), "error", err)
		return nil, offerr.NewRemoteUnreachable(fmt.Sprintf("%s %s", method, target.Redacted()), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		c.metrics.ObserveRemote(method, "unreachable", time.Since(start))
		return nil, offerr.NewRemoteUnreachable("failed to read upstream response", err)
	}
	if int64(len(data)) > c.maxBytes {
		c.metrics.ObserveRemote(method, "unreachable", time.Since(start))
		return nil, offerr.NewRemoteUnreachable(
			fmt.Sprintf("upstream response to %s %s exceeds %d bytes", method, target.Redacted(), c.maxBytes), nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.ObserveRemote(method, "failure", time.Since(start))
		c.logger.Debug("upstream failure", "method", method, "url", target.Redacted(), "status", resp.StatusCode)
		return nil, offerr.NewRemoteFailure(resp.StatusCode, data)
	}
	c.metrics.ObserveRemote(method, "ok", time.Since(start))
	return data, nil
}
