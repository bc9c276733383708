package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/interceptor"
	"github.com/offsync/offsync/internal/policy"
)

// SourceHeader reports where a proxied response came from.
const SourceHeader = "X-Offsync-Source"

// maxRequestBytes bounds a proxied request body.
const maxRequestBytes = 32 << 20

// Binder produces the upstream delegate for one proxied request.
type Binder interface {
	Bind(method string, uri *url.URL, header http.Header) policy.RemoteFunc
}

// ProxyHandler serves table requests through the interceptor.
type ProxyHandler struct {
	interceptor *interceptor.Interceptor
	upstream    Binder
	logger      *slog.Logger
}

// NewProxyHandler creates a proxy handler. A nil upstream makes every remote
// call fail as unreachable, so only cached data is served.
func NewProxyHandler(ic *interceptor.Interceptor, upstream Binder, logger *slog.Logger) *ProxyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHandler{interceptor: ic, upstream: upstream, logger: logger}
}

// ServeHTTP handles one proxied request.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", offerr.CodeInvalidPayload, requestID)
		return
	}

	uri := &url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	resp, err := h.interceptor.Handle(r.Context(), interceptor.Request{
		Method: r.Method,
		URI:    uri,
		Body:   body,
		Remote: h.bind(r.Method, uri, r.Header),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	w.Header().Set(SourceHeader, string(resp.Source))
	if len(resp.Body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (h *ProxyHandler) bind(method string, uri *url.URL, header http.Header) policy.RemoteFunc {
	if h.upstream == nil {
		return func(context.Context, policy.RemoteCall) ([]byte, error) {
			return nil, offerr.NewRemoteUnreachable("no upstream configured", nil)
		}
	}
	return h.upstream.Bind(method, uri, header)
}

// writeFailure maps an operation error onto a response. Upstream failures
// are relayed with the upstream's own status and body.
func (h *ProxyHandler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	requestID := GetRequestID(r.Context())

	if offerr.HasCode(err, offerr.CodeRemoteFailure) {
		body := offerr.RemoteBody(err)
		if len(body) > 0 {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(offerr.RemoteStatus(err))
		w.Write(body)
		return
	}

	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("proxy request failed", "method", r.Method, "path", r.URL.Path, "error", err, "request_id", requestID)
	}
	writeError(w, status, err.Error(), offerr.GetCode(err), requestID)
}

// StatusFor maps a cache error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case offerr.HasCode(err, offerr.CodeRemoteFailure):
		if s := offerr.RemoteStatus(err); s > 0 {
			return s
		}
		return http.StatusBadGateway
	case offerr.HasCode(err, offerr.CodeRemoteUnreachable):
		return http.StatusBadGateway
	case offerr.HasCode(err, offerr.CodeRecordNotFound):
		return http.StatusNotFound
	case offerr.HasCode(err, offerr.CodeSchemaConflict):
		return http.StatusConflict
	case offerr.HasCode(err, offerr.CodeNotCacheable):
		return http.StatusBadRequest
	case offerr.HasCode(err, offerr.CodeStoreUnavailable):
		return http.StatusServiceUnavailable
	case offerr.GetCategory(err) == offerr.ErrCategoryValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
