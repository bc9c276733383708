// Package connectivity answers whether the upstream service is reachable.
//
// Oracles never cache their answer: every Online call samples the current
// state, since the host may change networks between two policy decisions.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Oracle reports whether the network is currently usable.
type Oracle interface {
	Online(ctx context.Context) bool
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context) bool

// Online calls f(ctx).
func (f Func) Online(ctx context.Context) bool { return f(ctx) }

// Static is a fixed oracle that can be toggled at runtime. The zero value
// reports offline.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static oracle with the given initial state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Online returns the current state.
func (s *Static) Online(context.Context) bool { return s.online.Load() }

// Set changes the state reported by subsequent calls.
func (s *Static) Set(online bool) { s.online.Store(online) }

// Probe checks reachability with a HEAD request on every call.
type Probe struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithHTTPClient sets the client used for probing.
func WithHTTPClient(c *http.Client) ProbeOption {
	return func(p *Probe) { p.client = c }
}

// WithLogger sets the logger used for probe failures.
func WithLogger(l *slog.Logger) ProbeOption {
	return func(p *Probe) { p.logger = l }
}

// NewProbe creates a probe against url. A non-positive timeout defaults to 3s.
func NewProbe(url string, timeout time.Duration, opts ...ProbeOption) *Probe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	p := &Probe{
		url:     url,
		client:  http.DefaultClient,
		timeout: timeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Online reports true when the probe URL answers with a status below 500.
func (p *Probe) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("connectivity probe: bad url", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("connectivity probe failed", "url", p.url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Observed wraps an oracle and reports each answer to a callback, typically a
// metrics gauge.
func Observed(o Oracle, report func(online bool)) Oracle {
	return Func(func(ctx context.Context) bool {
		online := o.Online(ctx)
		report(online)
		return online
	})
}
