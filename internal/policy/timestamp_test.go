package policy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/offsync/offsync/internal/config"
	"github.com/offsync/offsync/internal/connectivity"
	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/observability"
	"github.com/offsync/offsync/internal/store"
	"github.com/offsync/offsync/pkg/types"
)

const table = "todoitem"

type fixture struct {
	policy *TimestampPolicy
	store  *store.SQLiteStore
	oracle *connectivity.Static
	server *fakeServer
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "offsync.db"), store.WithLogger(observability.NopLogger()))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	oracle := connectivity.NewStatic(online)
	p := NewTimestampPolicy(Deps{
		Store:     st,
		Oracle:    oracle,
		Cacheable: func(name string) bool { return name != "uncached" },
		Logger:    observability.NopLogger(),
	})
	return &fixture{policy: p, store: st, oracle: oracle, server: newFakeServer()}
}

func collection() Resource {
	return Resource{Table: table, URI: CollectionURI(table)}
}

func item(key string) Resource {
	return Resource{Table: table, Key: key, URI: ItemURI(table, key)}
}

func (f *fixture) all(t *testing.T) []*types.Record {
	t.Helper()
	recs, err := f.store.Fetch(context.Background(), table, store.Query{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	return recs
}

func (f *fixture) one(t *testing.T) *types.Record {
	t.Helper()
	recs := f.all(t)
	if len(recs) != 1 {
		t.Fatalf("expected exactly one local record, got %d", len(recs))
	}
	return recs[0]
}

func (f *fixture) insert(t *testing.T, body string) (*types.Record, Result) {
	t.Helper()
	res, err := f.policy.Insert(context.Background(), collection(), []byte(body), f.server.remote(http.MethodPost, "/tables/"+table))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rec, err := parseRecord(res.Body)
	if err != nil {
		t.Fatalf("Insert returned a non-record body %q", res.Body)
	}
	return rec, res
}

func decodeArray(t *testing.T, body []byte) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return out
}

func TestInsertOfflineThenPush(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	rec, res := f.insert(t, `{"text": "buy milk", "complete": false}`)
	if res.Source != SourceCache {
		t.Errorf("offline insert source: %s", res.Source)
	}
	if rec.GUID == "" {
		t.Fatal("insert must assign a guid")
	}

	local := f.one(t)
	if local.Status != types.StatusInserted || local.HasServerID() || local.GUID != rec.GUID {
		t.Fatalf("after offline insert: status=%v id=%v guid=%s", local.Status, local.ID, local.GUID)
	}
	if f.server.callCount() != 0 {
		t.Fatal("offline insert must not call the remote")
	}

	f.oracle.Set(true)
	report, err := f.policy.Push(ctx, table, f.server.remote("", ""))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if report.Pushed != 1 || report.Remaining != 0 {
		t.Errorf("report: %+v", report)
	}

	local = f.one(t)
	if local.Status != types.StatusUnchanged || !local.HasServerID() {
		t.Fatalf("after push: status=%v id=%v", local.Status, local.ID)
	}
	if local.GUID != rec.GUID {
		t.Errorf("guid changed by server round-trip: %s → %s", rec.GUID, local.GUID)
	}
	call := f.server.lastCall()
	if call.Method != http.MethodPost || call.URI.Path != "/tables/todoitem" {
		t.Errorf("push call: %s %s", call.Method, call.URI)
	}
	var sent map[string]interface{}
	json.Unmarshal(call.Body, &sent)
	if sent["guid"] != rec.GUID || sent["text"] != "buy milk" {
		t.Errorf("pushed body: %v", sent)
	}
	if _, ok := sent["status"]; ok {
		t.Error("local status must not be sent upstream")
	}
}

func TestInsertOnline(t *testing.T) {
	f := newFixture(t, true)

	_, res := f.insert(t, `{"text": "walk dog"}`)
	if res.Source != SourceNetwork {
		t.Errorf("online insert source: %s", res.Source)
	}
	local := f.one(t)
	if local.Status != types.StatusUnchanged || local.ID.AsInteger() != 1 {
		t.Errorf("after online insert: status=%v id=%v", local.Status, local.ID)
	}
}

func TestInsertRemoteFailureLeavesInserted(t *testing.T) {
	f := newFixture(t, true)
	f.server.setFail(offerr.NewRemoteFailure(http.StatusInternalServerError, []byte("boom")))

	_, err := f.policy.Insert(context.Background(), collection(), []byte(`{"text": "x"}`), f.server.remote(http.MethodPost, "/tables/todoitem"))
	if offerr.RemoteStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected the remote failure, got %v", err)
	}
	if local := f.one(t); local.Status != types.StatusInserted {
		t.Errorf("status after failed insert: %v", local.Status)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// An Inserted record stays Inserted.
	rec, _ := f.insert(t, `{"text": "a"}`)
	before := f.one(t)
	if _, err := f.policy.Update(ctx, item(rec.GUID), []byte(`{"text": "b"}`), f.server.remote(http.MethodPatch, "")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	after := f.one(t)
	if after.Status != types.StatusInserted {
		t.Errorf("updated Inserted record: %v", after.Status)
	}
	if after.Timestamp <= before.Timestamp {
		t.Errorf("timestamp not advanced: %s → %s", before.Timestamp, after.Timestamp)
	}
	if after.Fields["text"].AsText() != "b" {
		t.Errorf("text: %v", after.Fields["text"])
	}

	// An Unchanged record becomes Changed.
	unchanged := after.Clone()
	unchanged.Status = types.StatusUnchanged
	unchanged.ID = types.Integer(7)
	f.store.Store(ctx, table, []*types.Record{unchanged})

	if _, err := f.policy.Update(ctx, item("7"), []byte(`{"complete": true}`), f.server.remote(http.MethodPatch, "")); err != nil {
		t.Fatalf("Update by id: %v", err)
	}
	changed := f.one(t)
	if changed.Status != types.StatusChanged {
		t.Errorf("updated Unchanged record: %v", changed.Status)
	}
	if changed.Timestamp <= after.Timestamp {
		t.Error("timestamp not advanced")
	}
	if changed.GUID != rec.GUID {
		t.Errorf("guid changed by update: %s → %s", rec.GUID, changed.GUID)
	}
	if !changed.Fields["complete"].AsBool() || changed.Fields["text"].AsText() != "b" {
		t.Errorf("merged fields: %v", changed.Fields)
	}
}

func TestUpdateOnlinePatchesAndConfirms(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.server.seed(table, map[string]interface{}{"text": "server"})

	if _, err := f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem")); err != nil {
		t.Fatalf("Read: %v", err)
	}
	guid := f.one(t).GUID

	res, err := f.policy.Update(ctx, item(guid), []byte(`{"text": "edited"}`), f.server.remote(http.MethodPatch, "/tables/todoitem/"+guid))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Source != SourceNetwork {
		t.Errorf("source: %s", res.Source)
	}
	call := f.server.lastCall()
	if call.Method != http.MethodPatch || call.URI.Path != "/tables/todoitem/1" {
		t.Errorf("update must target the server id, got %s %s", call.Method, call.URI)
	}
	local := f.one(t)
	if local.Status != types.StatusUnchanged || local.Fields["text"].AsText() != "edited" {
		t.Errorf("after confirmed update: %v %v", local.Status, local.Fields)
	}
}

func TestUpdateOnlineOfNeverSyncedInsertPosts(t *testing.T) {
	f := newFixture(t, false)
	rec, _ := f.insert(t, `{"text": "draft"}`)

	f.oracle.Set(true)
	if _, err := f.policy.Update(context.Background(), item(rec.GUID), []byte(`{"text": "final"}`), f.server.remote(http.MethodPatch, "/tables/todoitem/"+rec.GUID)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	call := f.server.lastCall()
	if call.Method != http.MethodPost || call.URI.Path != "/tables/todoitem" {
		t.Errorf("expected POST to the collection, got %s %s", call.Method, call.URI)
	}
	local := f.one(t)
	if local.Status != types.StatusUnchanged || !local.HasServerID() || local.GUID != rec.GUID {
		t.Errorf("after confirm: %v %v %s", local.Status, local.ID, local.GUID)
	}
}

func TestUpdateUnknownOfflineStoresChanged(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.policy.Update(context.Background(), item("42"), []byte(`{"text": "x"}`), f.server.remote(http.MethodPatch, "")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	local := f.one(t)
	if local.Status != types.StatusChanged || local.ID.AsInteger() != 42 || local.GUID == "" {
		t.Errorf("partial record: %v %v %q", local.Status, local.ID, local.GUID)
	}
}

func TestDeleteTombstoneThenPurge(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.server.seed(table, map[string]interface{}{"text": "a"})
	f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
	guid := f.one(t).GUID

	f.server.setFail(offerr.NewRemoteFailure(http.StatusServiceUnavailable, nil))
	if _, err := f.policy.Delete(ctx, item("1"), f.server.remote(http.MethodDelete, "/tables/todoitem/1")); err == nil {
		t.Fatal("expected the remote failure")
	}
	local := f.one(t)
	if local.Status != types.StatusDeleted || local.GUID != guid {
		t.Fatalf("after failed delete: status=%v guid=%s", local.Status, local.GUID)
	}

	f.server.setFail(nil)
	res, err := f.policy.Delete(ctx, item("1"), f.server.remote(http.MethodDelete, "/tables/todoitem/1"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Source != SourceNetwork {
		t.Errorf("source: %s", res.Source)
	}
	if recs := f.all(t); len(recs) != 0 {
		t.Errorf("confirmed delete must purge the row, found %d", len(recs))
	}
}

func TestDeleteNeverSyncedInsertIsPurgedLocally(t *testing.T) {
	f := newFixture(t, false)
	rec, _ := f.insert(t, `{"text": "oops"}`)

	f.oracle.Set(true)
	res, err := f.policy.Delete(context.Background(), item(rec.GUID), f.server.remote(http.MethodDelete, "/tables/todoitem/"+rec.GUID))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Source != SourceCache || f.server.callCount() != 0 {
		t.Errorf("never-synced delete should not reach the server: source=%s calls=%d", res.Source, f.server.callCount())
	}
	if len(f.all(t)) != 0 {
		t.Error("row should be purged")
	}
}

func TestDeleteOfflineAndPush(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.server.seed(table, map[string]interface{}{"text": "a"}, map[string]interface{}{"text": "b"})
	f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))

	f.oracle.Set(false)
	if _, err := f.policy.Delete(ctx, item("2"), f.server.remote(http.MethodDelete, "/tables/todoitem/2")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	res, err := f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rows := decodeArray(t, res.Body); len(rows) != 1 {
		t.Errorf("tombstones must be hidden from reads, got %v", rows)
	}
	if _, err := f.policy.Read(ctx, item("2"), f.server.remote(http.MethodGet, "/tables/todoitem/2")); !offerr.HasCode(err, offerr.CodeRecordNotFound) {
		t.Errorf("key read of a tombstone: %v", err)
	}

	f.oracle.Set(true)
	report, err := f.policy.Push(ctx, table, f.server.remote("", ""))
	if err != nil || report.Pushed != 1 {
		t.Fatalf("Push: %+v %v", report, err)
	}
	if len(f.server.tables[table]) != 1 {
		t.Errorf("server should have 1 row left, has %d", len(f.server.tables[table]))
	}
	if len(f.all(t)) != 1 {
		t.Error("pushed delete should purge the tombstone")
	}
}

func TestReadMergePreservesPendingRows(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.server.seed(table, map[string]interface{}{"text": "one"}, map[string]interface{}{"text": "two"})
	f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))

	f.oracle.Set(false)
	f.policy.Update(ctx, item("1"), []byte(`{"text": "local edit"}`), f.server.remote(http.MethodPatch, ""))
	f.insert(t, `{"text": "local only"}`)

	f.oracle.Set(true)
	res, err := f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Source != SourceMerged {
		t.Errorf("source: %s", res.Source)
	}
	rows := decodeArray(t, res.Body)
	if len(rows) != 3 {
		t.Fatalf("expected server rows plus the pending insert, got %v", rows)
	}
	texts := map[string]bool{}
	for _, r := range rows {
		texts[r["text"].(string)] = true
	}
	if !texts["local edit"] || texts["one"] || !texts["two"] || !texts["local only"] {
		t.Errorf("merge result: %v", texts)
	}
}

func TestReadWrappedShapeIsPreserved(t *testing.T) {
	f := newFixture(t, true)
	remote := func(ctx context.Context, call RemoteCall) ([]byte, error) {
		return []byte(`{"results": [{"id": 1, "text": "a"}], "count": 10}`), nil
	}
	res, err := f.policy.Read(context.Background(), collection(), remote)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(res.Body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["count"] != float64(10) || len(out["results"].([]interface{})) != 1 {
		t.Errorf("wrapped shape lost: %v", out)
	}
}

func TestReadFallsBackWhenUnreachable(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.server.seed(table, map[string]interface{}{"text": "cached"})
	f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))

	f.server.setFail(offerr.NewRemoteUnreachable("dial tcp: connection refused", nil))
	res, err := f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
	if err != nil {
		t.Fatalf("unreachable remote should fall back to cache: %v", err)
	}
	if res.Source != SourceCache || len(decodeArray(t, res.Body)) != 1 {
		t.Errorf("fallback: %s %s", res.Source, res.Body)
	}

	cctx, cancel := context.WithCancel(ctx)
	f.server.setFail(nil)
	cancel()
	res, err = f.policy.Read(cctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
	if err != nil || res.Source != SourceCache {
		t.Errorf("cancelled read should be served from cache: %v %s", err, res.Source)
	}
}

func TestReadPropagatesRemoteFailure(t *testing.T) {
	f := newFixture(t, true)
	f.server.setFail(offerr.NewRemoteFailure(http.StatusUnauthorized, []byte(`{"error":"auth"}`)))

	_, err := f.policy.Read(context.Background(), collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
	if offerr.RemoteStatus(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 to propagate, got %v", err)
	}
}

func TestReadOfflineUnknownTable(t *testing.T) {
	f := newFixture(t, false)
	res, err := f.policy.Read(context.Background(), collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Body) != "[]" {
		t.Errorf("expected empty array, got %s", res.Body)
	}
}

func TestNotCacheable(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	remote := f.server.remote(http.MethodGet, "/tables/uncached")

	if _, err := f.policy.Read(ctx, Resource{Table: "uncached"}, remote); !IsNotCacheable(err) {
		t.Errorf("Read: %v", err)
	}
	if _, err := f.policy.Insert(ctx, collection(), []byte(`[1,2]`), remote); !IsNotCacheable(err) {
		t.Errorf("Insert with non-object body: %v", err)
	}
	if _, err := f.policy.Update(ctx, collection(), []byte(`{}`), remote); !IsNotCacheable(err) {
		t.Errorf("Update without key: %v", err)
	}
	if _, err := f.policy.Delete(ctx, collection(), remote); !IsNotCacheable(err) {
		t.Errorf("Delete without key: %v", err)
	}
}

func TestStoreUnavailableDegradesToNetwork(t *testing.T) {
	f := newFixture(t, true)
	f.store.Close()

	res, err := f.policy.Insert(context.Background(), collection(), []byte(`{"text": "x"}`), f.server.remote(http.MethodPost, "/tables/todoitem"))
	if err != nil {
		t.Fatalf("Insert should degrade to network: %v", err)
	}
	if res.Source != SourceNetwork || len(f.server.tables[table]) != 1 {
		t.Errorf("degraded insert: source=%s server rows=%d", res.Source, len(f.server.tables[table]))
	}

	f.server.seed(table, map[string]interface{}{"text": "y"})
	res, err = f.policy.Read(context.Background(), collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
	if err != nil || res.Source != SourceNetwork {
		t.Errorf("degraded read: %v %s", err, res.Source)
	}
}

func TestPushStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.insert(t, `{"text": "first"}`)
	f.insert(t, `{"text": "second"}`)

	f.oracle.Set(true)
	calls := 0
	remote := func(ctx context.Context, call RemoteCall) ([]byte, error) {
		calls++
		if calls == 2 {
			return nil, offerr.NewRemoteUnreachable("connection reset", errors.New("reset"))
		}
		return f.server.serve(ctx, call)
	}
	report, err := f.policy.Push(ctx, table, remote)
	if err == nil || report.Pushed != 1 || report.Remaining != 1 {
		t.Fatalf("report=%+v err=%v", report, err)
	}

	pending, _ := f.policy.Pending(ctx, table)
	if len(pending) != 1 || pending[0].Fields["text"].AsText() != "second" {
		t.Errorf("pending after partial push: %v", pending)
	}
}

func TestNetworkPolicy(t *testing.T) {
	p, err := New(config.PolicyNetwork, Deps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var got RemoteCall
	remote := func(ctx context.Context, call RemoteCall) ([]byte, error) {
		got = call
		return []byte(`{"ok":true}`), nil
	}
	res, err := p.Insert(context.Background(), collection(), []byte(`{"a":1}`), remote)
	if err != nil || res.Source != SourceNetwork || string(res.Body) != `{"ok":true}` {
		t.Fatalf("Insert: %v %+v", err, res)
	}
	if string(got.Body) != `{"a":1}` || got.URI != nil || got.Method != "" {
		t.Errorf("network policy must forward the request untouched: %+v", got)
	}
}

func TestNewRegistry(t *testing.T) {
	if _, err := New("lru", Deps{}); err == nil {
		t.Error("unknown policy should fail")
	}
	if _, err := New(config.PolicyTimestamp, Deps{}); err == nil {
		t.Error("timestamp policy without a store should fail")
	}
	if p, _ := New("", Deps{}); p == nil {
		t.Error("empty name should default to the network policy")
	}
}

func textsOf(rows []map[string]interface{}) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r["text"].(string)
	}
	return out
}

func TestReadPagedKeepsServerPage(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	page := func(ctx context.Context, call RemoteCall) ([]byte, error) {
		return []byte(`[{"id": 4, "text": "d"}, {"id": 3, "text": "c"}]`), nil
	}
	res := collection()
	res.Query = store.Query{Limit: 2, Offset: 2}

	out, err := f.policy.Read(ctx, res, page)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := textsOf(decodeArray(t, out.Body)); len(got) != 2 || got[0] != "d" || got[1] != "c" {
		t.Fatalf("first paged read should return the server page in order, got %v", got)
	}
	if out.Source != SourceMerged {
		t.Errorf("source: %s", out.Source)
	}

	f.oracle.Set(false)
	if _, err := f.policy.Update(ctx, item("3"), []byte(`{"text": "c local"}`), f.server.remote(http.MethodPatch, "")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.insert(t, `{"text": "new"}`)
	f.oracle.Set(true)

	out, err = f.policy.Read(ctx, res, page)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := textsOf(decodeArray(t, out.Body)); len(got) != 2 || got[0] != "d" || got[1] != "c local" {
		t.Errorf("paged read should swap in pending edits without growing the page, got %v", got)
	}
}

func TestReadFilteredDoesNotPurge(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.server.seed(table, map[string]interface{}{"text": "a"}, map[string]interface{}{"text": "b"})

	res := collection()
	res.Query = store.Query{Filters: []store.Filter{{Column: "text", Op: store.OpEq, Value: types.Text("b")}}}
	onlyB := func(ctx context.Context, call RemoteCall) ([]byte, error) {
		return []byte(`[{"id": 2, "text": "b"}]`), nil
	}

	out, err := f.policy.Read(ctx, res, onlyB)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := textsOf(decodeArray(t, out.Body)); len(got) != 1 || got[0] != "b" {
		t.Fatalf("filtered first read: %v", got)
	}

	if _, err := f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem")); err != nil {
		t.Fatalf("full Read: %v", err)
	}
	if _, err := f.policy.Read(ctx, res, onlyB); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n := len(f.all(t)); n != 2 {
		t.Errorf("filtered read must not purge rows outside the filter, have %d", n)
	}
}

func TestReadPurgesRowsDeletedOnServer(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.server.seed(table,
		map[string]interface{}{"text": "a"},
		map[string]interface{}{"text": "b"},
		map[string]interface{}{"text": "c"},
	)
	read := func() []string {
		t.Helper()
		out, err := f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem"))
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		return textsOf(decodeArray(t, out.Body))
	}
	read()

	f.oracle.Set(false)
	if _, err := f.policy.Update(ctx, item("3"), []byte(`{"text": "c local"}`), f.server.remote(http.MethodPatch, "")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.oracle.Set(true)

	f.server.mu.Lock()
	delete(f.server.tables[table], "2")
	delete(f.server.tables[table], "3")
	f.server.mu.Unlock()

	if got := read(); len(got) != 2 || got[0] != "a" || got[1] != "c local" {
		t.Fatalf("merged read after server deletes: %v", got)
	}

	f.oracle.Set(false)
	if got := read(); len(got) != 2 || got[0] == "b" || got[1] == "b" {
		t.Errorf("offline read still returns a row deleted on the server: %v", got)
	}
	for _, r := range f.all(t) {
		if r.Fields["text"].AsText() == "c local" && r.Status != types.StatusChanged {
			t.Errorf("pending edit lost its status: %v", r.Status)
		}
	}
}

func TestInvalidFieldNamesFallThroughToNetwork(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.policy.Insert(ctx, collection(), []byte(`{"due-date": "x"}`), f.server.remote(http.MethodPost, "/tables/todoitem"))
	if !IsNotCacheable(err) {
		t.Fatalf("Insert with an unstorable field: %v", err)
	}
	if len(f.all(t)) != 0 {
		t.Error("rejected insert must not leave a local row")
	}

	f.server.seed(table, map[string]interface{}{"text": "a"})
	if _, err := f.policy.Read(ctx, collection(), f.server.remote(http.MethodGet, "/tables/todoitem")); err != nil {
		t.Fatalf("Read: %v", err)
	}
	_, err = f.policy.Update(ctx, item("1"), []byte(`{"first name": "x"}`), f.server.remote(http.MethodPatch, ""))
	if !IsNotCacheable(err) {
		t.Fatalf("Update with an unstorable field: %v", err)
	}
	if rec := f.one(t); rec.Status != types.StatusUnchanged {
		t.Errorf("rejected update changed the local row: %v", rec.Status)
	}
}

func TestPushAddressesGUIDOnlyRowsByGUID(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const guid = "5f1c2b9e-8d44-4c1a-9f0e-3a7d6c2b1e90"

	var calls []RemoteCall
	remote := func(ctx context.Context, call RemoteCall) ([]byte, error) {
		calls = append(calls, call)
		if call.Method == "" {
			return []byte(`[{"guid": "` + guid + `", "text": "a"}]`), nil
		}
		return []byte(`{"guid": "` + guid + `", "text": "b"}`), nil
	}
	if _, err := f.policy.Read(ctx, collection(), remote); err != nil {
		t.Fatalf("Read: %v", err)
	}

	f.oracle.Set(false)
	if _, err := f.policy.Update(ctx, item(guid), []byte(`{"text": "b"}`), remote); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.oracle.Set(true)
	if _, err := f.policy.Push(ctx, table, remote); err != nil {
		t.Fatalf("Push: %v", err)
	}
	last := calls[len(calls)-1]
	if last.Method != http.MethodPatch || last.URI.Path != "/tables/todoitem/"+guid {
		t.Fatalf("changed row without server id replayed as %s %s", last.Method, last.URI)
	}
	if rec := f.one(t); rec.Status != types.StatusUnchanged {
		t.Errorf("status after push: %v", rec.Status)
	}

	f.oracle.Set(false)
	if _, err := f.policy.Delete(ctx, item(guid), remote); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	f.oracle.Set(true)
	if _, err := f.policy.Push(ctx, table, remote); err != nil {
		t.Fatalf("Push: %v", err)
	}
	last = calls[len(calls)-1]
	if last.Method != http.MethodDelete || last.URI.Path != "/tables/todoitem/"+guid {
		t.Errorf("deleted row without server id replayed as %s %s", last.Method, last.URI)
	}
	if n := len(f.all(t)); n != 0 {
		t.Errorf("confirmed delete should purge the tombstone, %d rows left", n)
	}
}
