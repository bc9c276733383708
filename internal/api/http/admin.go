package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/offsync/offsync/internal/policy"
	"github.com/offsync/offsync/internal/snapshot"
	"github.com/offsync/offsync/internal/store"
	"github.com/offsync/offsync/pkg/types"
)

// Controller is the administrative surface of a cache session.
type Controller interface {
	Tables(ctx context.Context) ([]string, error)
	SchemaHistory(ctx context.Context, table string) ([]store.SchemaVersion, error)
	Pending(ctx context.Context, table string) ([]*types.Record, error)
	Push(ctx context.Context, tables []string, header http.Header) ([]policy.PushReport, error)
	SetOnline(online bool) error
	Online(ctx context.Context) bool
	Snapshot(ctx context.Context) (snapshot.Info, error)
	Snapshots(ctx context.Context) ([]snapshot.Info, error)
}

// PendingRecord summarizes a record awaiting replay.
type PendingRecord struct {
	GUID      string `json:"guid"`
	ID        string `json:"id,omitempty"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// PendingResponse lists pending records of one table.
type PendingResponse struct {
	Table   string          `json:"table"`
	Records []PendingRecord `json:"records"`
}

// NewPendingResponse summarizes the pending records of table.
func NewPendingResponse(table string, recs []*types.Record) PendingResponse {
	resp := PendingResponse{Table: table, Records: make([]PendingRecord, 0, len(recs))}
	for _, rec := range recs {
		p := PendingRecord{GUID: rec.GUID, Status: rec.Status.String(), Timestamp: rec.Timestamp}
		if rec.HasServerID() {
			p.ID = rec.ID.AsText()
		}
		resp.Records = append(resp.Records, p)
	}
	return resp
}

// SchemaChange is one version of a table's schema.
type SchemaChange struct {
	Version     int               `json:"version"`
	Fingerprint string            `json:"fingerprint"`
	CreatedAt   time.Time         `json:"created_at"`
	Columns     []types.ColumnDef `json:"columns"`
	Added       []string          `json:"added"`
}

// NewSchemaHistory lists versions together with the columns each one added.
func NewSchemaHistory(versions []store.SchemaVersion) []SchemaChange {
	out := make([]SchemaChange, 0, len(versions))
	var previous types.TableSchema
	for _, v := range versions {
		added := lo.Map(store.ColumnDiff(previous, v.Schema), func(c types.ColumnDef, _ int) string { return c.Name })
		out = append(out, SchemaChange{
			Version:     v.Version,
			Fingerprint: v.Fingerprint,
			CreatedAt:   v.CreatedAt,
			Columns:     v.Schema.Columns,
			Added:       added,
		})
		previous = v.Schema
	}
	return out
}

// PushResponse reports a replay.
type PushResponse struct {
	Reports []policy.PushReport `json:"reports"`
	Error   string              `json:"error,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Online bool   `json:"online"`
}

// AdminHandler serves the admin endpoints.
type AdminHandler struct {
	ctl Controller
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(ctl Controller) *AdminHandler {
	return &AdminHandler{ctl: ctl}
}

// Register adds the admin routes to mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /admin/tables", h.tables)
	mux.HandleFunc("GET /admin/tables/{table}/schema", h.schema)
	mux.HandleFunc("GET /admin/pending", h.pending)
	mux.HandleFunc("POST /admin/push", h.push)
	mux.HandleFunc("PUT /admin/online", h.online)
	mux.HandleFunc("GET /admin/snapshots", h.snapshots)
	mux.HandleFunc("POST /admin/snapshots", h.snapshot)
}

func (h *AdminHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Online: h.ctl.Online(r.Context())})
}

func (h *AdminHandler) tables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.ctl.Tables(r.Context())
	if err != nil {
		writeError(w, StatusFor(err), err.Error(), "", GetRequestID(r.Context()))
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tables": tables})
}

func (h *AdminHandler) schema(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	table := r.PathValue("table")
	versions, err := h.ctl.SchemaHistory(r.Context(), table)
	if err != nil {
		writeError(w, StatusFor(err), err.Error(), "", requestID)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "table "+table+" has no recorded schema", "", requestID)
		return
	}
	writeJSON(w, http.StatusOK, NewSchemaHistory(versions))
}

func (h *AdminHandler) pending(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	tables := r.URL.Query()["table"]
	if len(tables) == 0 {
		var err error
		if tables, err = h.ctl.Tables(r.Context()); err != nil {
			writeError(w, StatusFor(err), err.Error(), "", requestID)
			return
		}
	}

	out := make([]PendingResponse, 0, len(tables))
	for _, table := range tables {
		recs, err := h.ctl.Pending(r.Context(), table)
		if err != nil {
			writeError(w, StatusFor(err), err.Error(), "", requestID)
			return
		}
		out = append(out, NewPendingResponse(table, recs))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) push(w http.ResponseWriter, r *http.Request) {
	reports, err := h.ctl.Push(r.Context(), r.URL.Query()["table"], r.Header)
	if reports == nil {
		reports = []policy.PushReport{}
	}
	if err != nil {
		status := StatusFor(err)
		if status < http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, PushResponse{Reports: reports, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, PushResponse{Reports: reports})
}

func (h *AdminHandler) online(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	value, err := strconv.ParseBool(r.URL.Query().Get("value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "value must be true or false", "", requestID)
		return
	}
	if err := h.ctl.SetOnline(value); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "", requestID)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Online: h.ctl.Online(r.Context())})
}

func (h *AdminHandler) snapshots(w http.ResponseWriter, r *http.Request) {
	infos, err := h.ctl.Snapshots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", GetRequestID(r.Context()))
		return
	}
	if infos == nil {
		infos = []snapshot.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *AdminHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.ctl.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusCreated, info)
}
