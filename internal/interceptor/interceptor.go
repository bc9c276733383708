// Package interceptor is the single entry point for table operations. It
// dispatches by verb into the cache policy and runs every dispatch inside
// the serial access gate.
package interceptor

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/gate"
	"github.com/offsync/offsync/internal/observability"
	"github.com/offsync/offsync/internal/policy"
	"github.com/offsync/offsync/internal/store"
	"github.com/offsync/offsync/pkg/types"
)

// Request describes one intercepted table operation.
type Request struct {
	// Method is the HTTP verb
	Method string

	// URI is relative to the service root, e.g. /tables/todoitem?$top=10
	URI *url.URL

	// Body is the request payload; may be empty
	Body []byte

	// Remote performs the actual upstream call
	Remote policy.RemoteFunc
}

// Response is the normalized result of an intercepted operation.
type Response struct {
	StatusCode int
	Body       []byte
	Source     policy.Source
}

// Interceptor routes table operations through a cache policy.
type Interceptor struct {
	gate    *gate.Gate
	policy  policy.Policy
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// New creates an interceptor. All interceptors of one cache subsystem must
// share g.
func New(g *gate.Gate, p policy.Policy, opts ...Option) *Interceptor {
	i := &Interceptor{gate: g, policy: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Policy returns the policy operations are dispatched to.
func (i *Interceptor) Policy() policy.Policy { return i.policy }

// ParseResource maps a request URI onto a cached resource. The table is the
// path segment following "tables"; an optional next segment is the key.
func ParseResource(method string, uri *url.URL) (policy.Resource, error) {
	if uri == nil {
		return policy.Resource{}, policy.NotCacheable("request without URI")
	}
	segments := strings.Split(strings.Trim(uri.Path, "/"), "/")
	at := -1
	for n, s := range segments {
		if strings.EqualFold(s, "tables") {
			at = n
			break
		}
	}
	if at < 0 || at+1 >= len(segments) || len(segments) > at+3 {
		return policy.Resource{}, policy.NotCacheable("%s is not a table resource", uri.Path)
	}

	res := policy.Resource{Table: segments[at+1], URI: uri}
	if err := store.ValidateTableName(res.Table); err != nil {
		return policy.Resource{}, policy.NotCacheable("table %q: %v", res.Table, err)
	}
	if at+2 < len(segments) {
		res.Key = segments[at+2]
		if res.Key == "" {
			return policy.Resource{}, policy.NotCacheable("empty record key")
		}
	}

	if method == http.MethodGet && res.Key == "" {
		q, err := ParseQuery(uri.Query())
		if err != nil {
			return policy.Resource{}, policy.NotCacheable("%v", err)
		}
		res.Query = q
	}
	return res, nil
}

// Handle runs one table operation. The gate is held from dispatch until the
// response is built; a remote failure is returned unchanged after release.
func (i *Interceptor) Handle(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := i.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = i.dispatch(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	i.metrics.ObserveRequest(req.Method, string(resp.Source))
	return resp, nil
}

func (i *Interceptor) dispatch(ctx context.Context, req Request) (*Response, error) {
	switch req.Method {
	case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete:
	default:
		return i.passthrough(ctx, req)
	}

	res, err := ParseResource(req.Method, req.URI)
	if err != nil {
		i.logger.Debug("passing request through", "method", req.Method, "reason", err)
		return i.passthrough(ctx, req)
	}

	var out policy.Result
	switch req.Method {
	case http.MethodGet:
		out, err = i.policy.Read(ctx, res, req.Remote)
	case http.MethodPost:
		out, err = i.policy.Insert(ctx, res, req.Body, req.Remote)
	case http.MethodPatch:
		out, err = i.policy.Update(ctx, res, req.Body, req.Remote)
	case http.MethodDelete:
		out, err = i.policy.Delete(ctx, res, req.Remote)
	}
	if err != nil {
		if policy.IsNotCacheable(err) {
			i.logger.Debug("resource not cacheable, passing through", "method", req.Method, "table", res.Table, "reason", err)
			return i.passthrough(ctx, req)
		}
		return nil, err
	}
	return &Response{StatusCode: statusFor(req.Method, out.Body), Body: out.Body, Source: out.Source}, nil
}

func (i *Interceptor) passthrough(ctx context.Context, req Request) (*Response, error) {
	body, err := req.Remote(ctx, policy.RemoteCall{Body: req.Body})
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: statusFor(req.Method, body), Body: body, Source: policy.SourcePassthrough}, nil
}

func statusFor(method string, body []byte) int {
	switch method {
	case http.MethodPost:
		return http.StatusCreated
	case http.MethodDelete:
		if len(body) == 0 {
			return http.StatusNoContent
		}
	}
	return http.StatusOK
}

func (i *Interceptor) reconciler() (policy.Reconciler, error) {
	r, ok := i.policy.(policy.Reconciler)
	if !ok {
		return nil, offerr.NewPolicyError(offerr.CodeNotCacheable, "configured policy keeps no pending records")
	}
	return r, nil
}

// Pending lists the pending records of table.
func (i *Interceptor) Pending(ctx context.Context, table string) ([]*types.Record, error) {
	r, err := i.reconciler()
	if err != nil {
		return nil, err
	}
	var recs []*types.Record
	err = i.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		recs, err = r.Pending(ctx, table)
		return err
	})
	return recs, err
}

// Push replays the pending records of table inside the gate.
func (i *Interceptor) Push(ctx context.Context, table string, remote policy.RemoteFunc) (policy.PushReport, error) {
	r, err := i.reconciler()
	if err != nil {
		return policy.PushReport{Table: table}, err
	}
	var report policy.PushReport
	err = i.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		report, err = r.Push(ctx, table, remote)
		return err
	})
	return report, err
}

// PushAll pushes each table in turn and stops at the first failure. The
// reports of every attempted table are returned.
func (i *Interceptor) PushAll(ctx context.Context, tables []string, remote policy.RemoteFunc) ([]policy.PushReport, error) {
	reports := make([]policy.PushReport, 0, len(tables))
	for _, t := range tables {
		report, err := i.Push(ctx, t, remote)
		if policy.IsNotCacheable(err) {
			continue
		}
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
