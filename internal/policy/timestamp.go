package policy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/offsync/offsync/internal/connectivity"
	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/observability"
	"github.com/offsync/offsync/internal/store"
	"github.com/offsync/offsync/pkg/types"
)

// visibleStatuses are the statuses a read returns. Tombstones stay hidden.
var visibleStatuses = []types.Status{types.StatusUnchanged, types.StatusInserted, types.StatusChanged}

// TimestampPolicy caches every table it is allowed to and tracks local
// mutations with a status and a revision timestamp until the server confirms
// them. It is the only component that changes a record's status.
type TimestampPolicy struct {
	store     store.Store
	oracle    connectivity.Oracle
	cacheable func(string) bool
	clock     *types.RevisionClock
	newGUID   func() string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewTimestampPolicy creates the reference dirty-tracking policy.
func NewTimestampPolicy(deps Deps) *TimestampPolicy {
	p := &TimestampPolicy{
		store:     deps.Store,
		oracle:    deps.Oracle,
		cacheable: deps.Cacheable,
		clock:     types.NewRevisionClock(),
		newGUID:   uuid.NewString,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
	if p.cacheable == nil {
		p.cacheable = func(string) bool { return true }
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

func (p *TimestampPolicy) check(res Resource) error {
	if res.Table == "" || !p.cacheable(res.Table) {
		return NotCacheable("table %q is not cached", res.Table)
	}
	return nil
}

// degrade serves an operation from the network after the store failed.
func (p *TimestampPolicy) degrade(ctx context.Context, op string, cause error, body []byte, remote RemoteFunc) (Result, error) {
	p.logger.Warn("store unavailable, serving from network", "op", op, "error", cause)
	p.metrics.ObserveDegraded("store_unavailable")
	resp, err := remote(ctx, RemoteCall{Body: body})
	if err != nil {
		return Result{}, err
	}
	return Result{Body: resp, Source: SourceNetwork}, nil
}

func storeDown(err error) bool {
	return offerr.HasCode(err, offerr.CodeStoreUnavailable)
}

// unreachable reports whether a remote error means no response arrived.
// Cancellation and timeouts count as unreachable.
func unreachable(err error) bool {
	return offerr.HasCode(err, offerr.CodeRemoteUnreachable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// keyValue converts a URI key into the id value the server most likely used.
func keyValue(key string) types.Value {
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return types.Integer(n)
	}
	return types.Text(key)
}

// findByKey locates a record by guid, then by server id in text and integer
// form. It returns nil when nothing matches.
func (p *TimestampPolicy) findByKey(ctx context.Context, table, key string) (*types.Record, error) {
	candidates := []store.Filter{
		{Column: types.FieldGUID, Op: store.OpEq, Value: types.Text(key)},
		{Column: types.FieldID, Op: store.OpEq, Value: types.Text(key)},
	}
	if v := keyValue(key); v.Kind() == types.KindInteger {
		candidates = append(candidates, store.Filter{Column: types.FieldID, Op: store.OpEq, Value: v})
	}
	for _, f := range candidates {
		recs, err := p.store.Fetch(ctx, table, store.Query{Filters: []store.Filter{f}, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs[0], nil
		}
	}
	return nil, nil
}

// serverKey is the key the server knows a record by.
func serverKey(r *types.Record) string {
	if r.HasServerID() {
		return r.ID.AsText()
	}
	return r.GUID
}

// Read implements Policy.
func (p *TimestampPolicy) Read(ctx context.Context, res Resource, remote RemoteFunc) (Result, error) {
	if err := p.check(res); err != nil {
		return Result{}, err
	}

	if !p.oracle.Online(ctx) {
		return p.readLocal(ctx, res, SourceCache, remote)
	}

	body, err := remote(ctx, RemoteCall{})
	if err != nil {
		if !unreachable(err) {
			return Result{}, err
		}
		p.logger.Warn("remote unreachable, serving read from cache", "table", res.Table, "error", err)
		p.metrics.ObserveDegraded("remote_unreachable")
		return p.readLocal(context.WithoutCancel(ctx), res, SourceCache, remote)
	}

	payload, ok := parsePayload(body)
	if !ok {
		return Result{Body: body, Source: SourceNetwork}, nil
	}
	complete := res.Key == "" && unpaged(res.Query) && len(res.Query.Filters) == 0 && payload.complete()
	view, err := p.refresh(ctx, res.Table, payload.rows, complete)
	if err != nil {
		if storeDown(err) {
			p.logger.Warn("store unavailable, serving read from network", "table", res.Table, "error", err)
			p.metrics.ObserveDegraded("store_unavailable")
			return Result{Body: body, Source: SourceNetwork}, nil
		}
		if IsNotCacheable(err) || rejectedRow(err) {
			p.logger.Debug("server rows not cacheable", "table", res.Table, "error", err)
			return Result{Body: body, Source: SourceNetwork}, nil
		}
		return Result{}, err
	}

	if res.Key != "" {
		rec, err := p.findByKey(ctx, res.Table, res.Key)
		switch {
		case storeDown(err):
			return Result{Body: body, Source: SourceNetwork}, nil
		case err != nil:
			return Result{}, err
		case rec == nil:
			return Result{Body: body, Source: SourceNetwork}, nil
		case rec.Status == types.StatusDeleted:
			return Result{}, notFound(res)
		}
		return Result{Body: encodeRecord(rec), Source: SourceMerged}, nil
	}

	if unpaged(res.Query) {
		if view, err = p.withLocalChanges(ctx, res, view); err != nil {
			if storeDown(err) {
				return Result{Body: body, Source: SourceNetwork}, nil
			}
			return Result{}, err
		}
	}
	return Result{Body: payload.render(view), Source: SourceMerged}, nil
}

// unpaged reports whether q reads from the start with no row limit.
func unpaged(q store.Query) bool {
	return q.Limit == 0 && q.Offset == 0
}

// rejectedRow reports whether the store refused a row it cannot represent,
// such as a field name that is not a valid column name.
func rejectedRow(err error) bool {
	return offerr.GetCategory(err) == offerr.ErrCategoryValidation
}

// withLocalChanges appends the pending local rows matching the read's filter
// that the server page did not already cover.
func (p *TimestampPolicy) withLocalChanges(ctx context.Context, res Resource, view []*types.Record) ([]*types.Record, error) {
	local, err := p.store.Fetch(ctx, res.Table, store.Query{
		Filters:  res.Query.Filters,
		OrderBy:  []store.Order{{Column: types.FieldTimestamp}},
		Statuses: []types.Status{types.StatusInserted, types.StatusChanged},
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(view))
	for _, r := range view {
		seen[strings.ToLower(r.GUID)] = true
	}
	for _, r := range local {
		if !seen[strings.ToLower(r.GUID)] {
			view = append(view, r)
		}
	}
	return view, nil
}

func notFound(res Resource) error {
	return offerr.NewPolicyError(offerr.CodeRecordNotFound, "record "+res.Key+" not found in "+res.Table).
		WithDetails(map[string]interface{}{"table": res.Table, "key": res.Key})
}

// readLocal serves a read from the store.
func (p *TimestampPolicy) readLocal(ctx context.Context, res Resource, source Source, remote RemoteFunc) (Result, error) {
	if res.Key != "" {
		rec, err := p.findByKey(ctx, res.Table, res.Key)
		if err != nil {
			if storeDown(err) {
				return p.degrade(ctx, "read", err, nil, remote)
			}
			return Result{}, err
		}
		if rec == nil || rec.Status == types.StatusDeleted {
			return Result{}, notFound(res)
		}
		return Result{Body: encodeRecord(rec), Source: source}, nil
	}

	q := res.Query
	q.Statuses = visibleStatuses
	recs, err := p.store.Fetch(ctx, res.Table, q)
	if err != nil {
		if storeDown(err) {
			return p.degrade(ctx, "read", err, nil, remote)
		}
		return Result{}, err
	}
	return Result{Body: encodeRecords(recs), Source: source}, nil
}

// refresh stores confirmed server rows as Unchanged and returns the rows in
// server order as the caller should see them. A server row whose local
// counterpart carries a pending mutation is replaced by that counterpart, or
// dropped when the mutation is a delete, so the mutation survives until it is
// pushed. When complete is set the rows are the whole table and local
// Unchanged rows the server no longer returns are purged.
func (p *TimestampPolicy) refresh(ctx context.Context, table string, rows []map[string]interface{}, complete bool) ([]*types.Record, error) {
	if len(rows) == 0 && !complete {
		return nil, nil
	}

	local, err := p.store.Fetch(ctx, table, store.Query{})
	if err != nil {
		return nil, err
	}
	byGUID := make(map[string]*types.Record, len(local))
	byID := make(map[string]*types.Record, len(local))
	for _, r := range local {
		byGUID[strings.ToLower(r.GUID)] = r
		if r.HasServerID() {
			byID[r.ID.AsText()] = r
		}
	}

	matched := make(map[string]bool, len(rows))
	view := make([]*types.Record, 0, len(rows))
	var fresh []*types.Record
	for _, raw := range rows {
		rec := types.RecordFromJSON(raw)
		if rec.GUID == "" && !rec.HasServerID() {
			return nil, NotCacheable("server row in %s has neither id nor guid", table)
		}

		var match *types.Record
		if rec.GUID != "" {
			match = byGUID[strings.ToLower(rec.GUID)]
		}
		if match == nil && rec.HasServerID() {
			match = byID[rec.ID.AsText()]
		}
		if match != nil {
			matched[strings.ToLower(match.GUID)] = true
			if match.Status.Pending() {
				if match.Status != types.StatusDeleted {
					view = append(view, match)
				}
				continue
			}
			rec.GUID = match.GUID
		}
		if rec.GUID == "" {
			rec.GUID = p.newGUID()
		}
		rec.Status = types.StatusUnchanged
		rec.Timestamp = p.clock.Next()
		fresh = append(fresh, rec)
		view = append(view, rec)
	}
	if err := p.store.Store(ctx, table, fresh); err != nil {
		return nil, err
	}

	if complete {
		var stale []string
		for _, r := range local {
			if r.Status == types.StatusUnchanged && !matched[strings.ToLower(r.GUID)] {
				stale = append(stale, r.GUID)
			}
		}
		if len(stale) > 0 {
			if err := p.store.Remove(ctx, table, stale); err != nil {
				return nil, err
			}
			p.logger.Debug("purged rows deleted on the server", "table", table, "count", len(stale))
		}
	}
	return view, nil
}

// Insert implements Policy.
func (p *TimestampPolicy) Insert(ctx context.Context, res Resource, body []byte, remote RemoteFunc) (Result, error) {
	if err := p.check(res); err != nil {
		return Result{}, err
	}
	rec, err := parseRecord(body)
	if err != nil {
		return Result{}, NotCacheable("insert body: %v", err)
	}
	if rec.GUID == "" {
		rec.GUID = p.newGUID()
	}
	rec.Status = types.StatusInserted
	rec.Timestamp = p.clock.Next()

	if err := p.store.Store(ctx, res.Table, []*types.Record{rec}); err != nil {
		if storeDown(err) {
			return p.degrade(ctx, "insert", err, body, remote)
		}
		if rejectedRow(err) {
			return Result{}, NotCacheable("insert into %s: %v", res.Table, err)
		}
		return Result{}, err
	}

	if !p.oracle.Online(ctx) {
		return Result{Body: encodeRecord(rec), Source: SourceCache}, nil
	}

	resp, err := remote(ctx, RemoteCall{Body: encodeRecord(rec)})
	if err != nil {
		return Result{}, err
	}
	p.confirm(ctx, res.Table, rec, resp)
	return Result{Body: resp, Source: SourceNetwork}, nil
}

// confirm merges a server response into rec and marks it Unchanged. A
// response that is not a record leaves the local row pending.
func (p *TimestampPolicy) confirm(ctx context.Context, table string, rec *types.Record, resp []byte) {
	server, err := parseRecord(resp)
	if err != nil {
		p.logger.Warn("server response is not a record, keeping local row pending", "table", table, "guid", rec.GUID)
		return
	}
	confirmed := rec.Clone()
	confirmed.Merge(server)
	confirmed.Status = types.StatusUnchanged
	confirmed.Timestamp = p.clock.Next()
	if err := p.store.Store(ctx, table, []*types.Record{confirmed}); err != nil {
		p.logger.Warn("failed to record server confirmation", "table", table, "guid", rec.GUID, "error", err)
		return
	}
	*rec = *confirmed
}

// Update implements Policy.
func (p *TimestampPolicy) Update(ctx context.Context, res Resource, body []byte, remote RemoteFunc) (Result, error) {
	if err := p.check(res); err != nil {
		return Result{}, err
	}
	if res.Key == "" {
		return Result{}, NotCacheable("update without a record key")
	}
	patch, err := parseRecord(body)
	if err != nil {
		return Result{}, NotCacheable("update body: %v", err)
	}

	existing, err := p.findByKey(ctx, res.Table, res.Key)
	if err != nil {
		if storeDown(err) {
			return p.degrade(ctx, "update", err, body, remote)
		}
		return Result{}, err
	}
	online := p.oracle.Online(ctx)

	var updated *types.Record
	switch {
	case existing == nil && online:
		resp, err := remote(ctx, RemoteCall{Body: body})
		if err != nil {
			return Result{}, err
		}
		if server, err := parseRecord(resp); err == nil && (server.HasServerID() || server.GUID != "") {
			if server.GUID == "" {
				server.GUID = p.newGUID()
			}
			server.Status = types.StatusUnchanged
			server.Timestamp = p.clock.Next()
			if err := p.store.Store(ctx, res.Table, []*types.Record{server}); err != nil {
				p.logger.Warn("failed to cache updated record", "table", res.Table, "error", err)
			}
		}
		return Result{Body: resp, Source: SourceNetwork}, nil
	case existing == nil:
		updated = patch.Clone()
		if updated.GUID == "" {
			updated.GUID = p.newGUID()
		}
		if updated.ID.IsNull() {
			updated.ID = keyValue(res.Key)
		}
		updated.Status = types.StatusChanged
	case existing.Status == types.StatusDeleted:
		return Result{}, notFound(res)
	default:
		updated = existing.Clone()
		updated.Merge(patch)
		if existing.Status != types.StatusInserted {
			updated.Status = types.StatusChanged
		}
	}
	updated.Timestamp = p.clock.Next()

	if err := p.store.Store(ctx, res.Table, []*types.Record{updated}); err != nil {
		if storeDown(err) {
			return p.degrade(ctx, "update", err, body, remote)
		}
		if rejectedRow(err) {
			return Result{}, NotCacheable("update of %s: %v", res.Table, err)
		}
		return Result{}, err
	}

	if !online {
		return Result{Body: encodeRecord(updated), Source: SourceCache}, nil
	}

	call := RemoteCall{Body: encodeRecord(patch)}
	if updated.Status == types.StatusInserted {
		call = RemoteCall{URI: CollectionURI(res.Table), Method: http.MethodPost, Body: encodeRecord(updated)}
	} else if key := serverKey(updated); key != res.Key {
		call.URI = ItemURI(res.Table, key)
	}
	resp, err := remote(ctx, call)
	if err != nil {
		return Result{}, err
	}
	p.confirm(ctx, res.Table, updated, resp)
	return Result{Body: resp, Source: SourceNetwork}, nil
}

// Delete implements Policy.
func (p *TimestampPolicy) Delete(ctx context.Context, res Resource, remote RemoteFunc) (Result, error) {
	if err := p.check(res); err != nil {
		return Result{}, err
	}
	if res.Key == "" {
		return Result{}, NotCacheable("delete without a record key")
	}

	existing, err := p.findByKey(ctx, res.Table, res.Key)
	if err != nil {
		if storeDown(err) {
			return p.degrade(ctx, "delete", err, nil, remote)
		}
		return Result{}, err
	}
	online := p.oracle.Online(ctx)

	if existing != nil && existing.Status == types.StatusInserted {
		// Never reached the server: nothing to replay.
		if err := p.store.Remove(ctx, res.Table, []string{existing.GUID}); err != nil {
			if storeDown(err) {
				return p.degrade(ctx, "delete", err, nil, remote)
			}
			return Result{}, err
		}
		return Result{Source: SourceCache}, nil
	}

	var tomb *types.Record
	if existing == nil {
		if online {
			resp, err := remote(ctx, RemoteCall{})
			if err != nil {
				return Result{}, err
			}
			return Result{Body: resp, Source: SourceNetwork}, nil
		}
		tomb = types.NewRecord()
		tomb.GUID = p.newGUID()
		tomb.ID = keyValue(res.Key)
	} else {
		tomb = existing.Clone()
	}
	tomb.Status = types.StatusDeleted
	tomb.Timestamp = p.clock.Next()

	if err := p.store.Store(ctx, res.Table, []*types.Record{tomb}); err != nil {
		if storeDown(err) {
			return p.degrade(ctx, "delete", err, nil, remote)
		}
		return Result{}, err
	}

	if !online {
		return Result{Source: SourceCache}, nil
	}

	call := RemoteCall{}
	if key := serverKey(tomb); key != res.Key {
		call.URI = ItemURI(res.Table, key)
	}
	resp, err := remote(ctx, call)
	if err != nil {
		return Result{}, err
	}
	if err := p.store.Remove(ctx, res.Table, []string{tomb.GUID}); err != nil {
		p.logger.Warn("failed to purge confirmed delete", "table", res.Table, "guid", tomb.GUID, "error", err)
	}
	return Result{Body: resp, Source: SourceNetwork}, nil
}
