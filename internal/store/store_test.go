package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/observability"
	"github.com/offsync/offsync/pkg/types"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	opts = append([]Option{WithLogger(observability.NopLogger())}, opts...)
	s, err := Open(filepath.Join(t.TempDir(), "offsync.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func row(guid string, status types.Status, fields map[string]types.Value) *types.Record {
	r := types.NewRecord()
	r.GUID = guid
	r.Status = status
	for k, v := range fields {
		r.Set(k, v)
	}
	return r
}

func columnNames(t *testing.T, s *SQLiteStore, table string) []string {
	t.Helper()
	schema, ok, err := s.Schema(context.Background(), table)
	if err != nil || !ok {
		t.Fatalf("Schema(%s): ok=%v err=%v", table, ok, err)
	}
	return schema.ColumnNames()
}

func TestFetchUnknownTableCreatesReservedColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs, err := s.Fetch(ctx, "TodoItem", Query{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if recs == nil || len(recs) != 0 {
		t.Fatalf("expected empty non-nil result, got %v", recs)
	}

	got := strings.Join(columnNames(t, s, "todoitem"), ",")
	if got != "guid,id,timestamp,status" {
		t.Errorf("reserved columns: got %s", got)
	}

	tables, err := s.Tables(ctx)
	if err != nil || len(tables) != 1 || tables[0] != "TodoItem" {
		t.Errorf("Tables: got %v, %v", tables, err)
	}
}

func TestStoreUpsertGrowsSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, "todoitem", []*types.Record{
		row("g1", types.StatusUnchanged, map[string]types.Value{"text": types.Text("a")}),
	}); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	if err := s.Store(ctx, "todoitem", []*types.Record{
		row("G1", types.StatusUnchanged, map[string]types.Value{"text": types.Text("a"), "priority": types.Integer(3)}),
	}); err != nil {
		t.Fatalf("second Store: %v", err)
	}

	schema, _, _ := s.Schema(ctx, "todoitem")
	col, ok := schema.Column("priority")
	if !ok || col.Type != types.ColumnNumeric {
		t.Fatalf("priority column: %+v ok=%v", col, ok)
	}

	recs, err := s.Fetch(ctx, "todoitem", Query{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(recs))
	}
	if recs[0].GUID != "g1" {
		t.Errorf("guid must keep its first spelling, got %s", recs[0].GUID)
	}
	if p := recs[0].Fields["priority"]; p.AsInteger() != 3 {
		t.Errorf("priority: got %v", p)
	}
}

func TestStoreEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Store(ctx, "todoitem", nil); err != nil {
		t.Fatalf("Store(nil): %v", err)
	}
	if _, ok, _ := s.Schema(ctx, "todoitem"); ok {
		t.Error("empty Store must not create the table")
	}
	if err := s.Remove(ctx, "todoitem", nil); err != nil {
		t.Fatalf("Remove(nil): %v", err)
	}
}

func TestStoreValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		table string
		rows  []*types.Record
		code  string
	}{
		{"bad table", "todo-item", []*types.Record{row("g", 0, nil)}, offerr.CodeInvalidIdentifier},
		{"reserved prefix", "__offsync_columns", []*types.Record{row("g", 0, nil)}, offerr.CodeInvalidIdentifier},
		{"sqlite prefix", "sqlite_master", []*types.Record{row("g", 0, nil)}, offerr.CodeInvalidIdentifier},
		{"bad column", "todoitem", []*types.Record{row("g", 0, map[string]types.Value{"first name": types.Text("x")})}, offerr.CodeInvalidIdentifier},
		{"missing guid", "todoitem", []*types.Record{row("", 0, nil)}, offerr.CodeInvalidPayload},
		{"bad status", "todoitem", []*types.Record{row("g", 7, nil)}, offerr.CodeInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Store(ctx, tt.table, tt.rows)
			if !offerr.HasCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}

	if tables, _ := s.Tables(ctx); len(tables) != 0 {
		t.Errorf("rejected writes must not touch storage, got tables %v", tables)
	}
}

func TestValueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	when := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)

	in := row("g1", types.StatusInserted, map[string]types.Value{
		"text":     types.Text("0001"),
		"count":    types.Integer(42),
		"ratio":    types.Float(0.25),
		"complete": types.Bool(true),
		"due":      types.Date(when),
		"payload":  types.Blob([]byte{0, 1, 2, 250}),
		"note":     types.Null(),
	})
	in.ID = types.Text("0042")
	in.Timestamp = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	if err := s.Store(ctx, "kinds", []*types.Record{in}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	recs, err := s.Fetch(ctx, "kinds", Query{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Fetch: %v, %d rows", err, len(recs))
	}
	out := recs[0]
	if out.Status != types.StatusInserted || out.Timestamp != in.Timestamp {
		t.Errorf("bookkeeping: status=%v timestamp=%q", out.Status, out.Timestamp)
	}
	if !out.ID.Equal(types.Text("0042")) {
		t.Errorf("id must stay text, got %v (%v)", out.ID, out.ID.Kind())
	}
	for name, want := range in.Fields {
		if got := out.Fields[name]; !got.Equal(want) {
			t.Errorf("%s: got %v (%v), want %v (%v)", name, got, got.Kind(), want, want.Kind())
		}
	}
}

func TestSchemaConflictWidensToText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Store(ctx, "t", []*types.Record{row("g1", 0, map[string]types.Value{"size": types.Integer(3)})})
	if err := s.Store(ctx, "t", []*types.Record{row("g2", 0, map[string]types.Value{"size": types.Text("large")})}); err != nil {
		t.Fatalf("conflicting Store should widen, got %v", err)
	}

	schema, _, _ := s.Schema(ctx, "t")
	if col, _ := schema.Column("size"); col.Type != types.ColumnText {
		t.Fatalf("expected size widened to TEXT, got %s", col.Type)
	}

	recs, _ := s.Fetch(ctx, "t", Query{OrderBy: []Order{{Column: "guid"}}})
	if len(recs) != 2 {
		t.Fatalf("expected both rows, got %d", len(recs))
	}
	if recs[0].Fields["size"].AsText() != "3" || recs[1].Fields["size"].AsText() != "large" {
		t.Errorf("widened values: %v, %v", recs[0].Fields["size"], recs[1].Fields["size"])
	}

	versions, err := s.SchemaVersions(ctx, "t")
	if err != nil || len(versions) != 3 {
		t.Fatalf("expected 3 schema versions (create, add, widen), got %d: %v", len(versions), err)
	}
	if diff := ColumnDiff(versions[0].Schema, versions[1].Schema); len(diff) != 1 || diff[0].Name != "size" {
		t.Errorf("diff between v1 and v2: %+v", diff)
	}
}

func TestRederivingEqualSchemaAddsNoVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Store(ctx, "t", []*types.Record{row(fmt.Sprintf("g%d", i), 0, map[string]types.Value{"text": types.Text("x")})})
	}
	versions, _ := s.SchemaVersions(ctx, "t")
	if len(versions) != 2 {
		t.Errorf("expected 2 versions, got %d", len(versions))
	}
}

func TestFetchFiltersOrderingPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var rows []*types.Record
	for i := 1; i <= 6; i++ {
		status := types.StatusUnchanged
		if i == 6 {
			status = types.StatusDeleted
		}
		rows = append(rows, row(fmt.Sprintf("g%d", i), status, map[string]types.Value{
			"n":        types.Integer(int64(i)),
			"complete": types.Bool(i%2 == 0),
		}))
	}
	if err := s.Store(ctx, "t", rows); err != nil {
		t.Fatalf("Store: %v", err)
	}

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"all", Query{}, []string{"g1", "g2", "g3", "g4", "g5", "g6"}},
		{"eq bool", Query{Filters: []Filter{{"complete", OpEq, types.Bool(true)}}}, []string{"g2", "g4", "g6"}},
		{"range", Query{Filters: []Filter{{"n", OpGt, types.Integer(2)}, {"n", OpLe, types.Integer(4)}}}, []string{"g3", "g4"}},
		{"ne", Query{Filters: []Filter{{"n", OpNe, types.Integer(1)}}, Limit: 2}, []string{"g2", "g3"}},
		{"order desc", Query{OrderBy: []Order{{Column: "n", Desc: true}}, Limit: 2, Offset: 1}, []string{"g5", "g4"}},
		{"offset only", Query{Offset: 4}, []string{"g5", "g6"}},
		{"statuses", Query{Statuses: []types.Status{types.StatusDeleted}}, []string{"g6"}},
		{"unknown filter column", Query{Filters: []Filter{{"missing", OpEq, types.Integer(1)}}}, []string{}},
		{"unknown order column", Query{OrderBy: []Order{{Column: "missing"}}, Limit: 1}, []string{"g1"}},
		{"guid case-insensitive", Query{Filters: []Filter{{"guid", OpEq, types.Text("G3")}}}, []string{"g3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.Fetch(ctx, "t", tt.q)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			got := make([]string, len(recs))
			for i, r := range recs {
				got[i] = r.GUID
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := s.Fetch(ctx, "t", Query{Filters: []Filter{{"n; DROP TABLE t", OpEq, types.Integer(1)}}}); !offerr.HasCode(err, offerr.CodeInvalidIdentifier) {
		t.Errorf("malformed filter column should fail fast, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, "t", []*types.Record{row("a", 0, nil), row("b", 0, nil), row("c", 0, nil)})

	if err := s.Remove(ctx, "t", []string{"A", "c", "zzz"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	recs, _ := s.Fetch(ctx, "t", Query{})
	if len(recs) != 1 || recs[0].GUID != "b" {
		t.Errorf("remaining rows: %v", recs)
	}
}

func TestCorruptedRowIsSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, "t", []*types.Record{
		row("good", 0, map[string]types.Value{"payload": types.Blob([]byte("ok"))}),
	})

	if _, err := s.db.Exec(`INSERT INTO "t" ("guid", "status") VALUES ('bad-status', 9)`); err != nil {
		t.Fatalf("raw insert: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO "t" ("guid", "status", "payload") VALUES ('bad-blob', 0, x'ffffffff')`); err != nil {
		t.Fatalf("raw insert: %v", err)
	}

	recs, err := s.Fetch(ctx, "t", Query{})
	if err != nil {
		t.Fatalf("corrupted rows must not abort Fetch: %v", err)
	}
	if len(recs) != 1 || recs[0].GUID != "good" {
		t.Errorf("expected only the good row, got %v", recs)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	s.Close()

	_, err := s.Fetch(context.Background(), "t", Query{})
	if !offerr.HasCode(err, offerr.CodeStoreUnavailable) || !offerr.IsRetryable(err) {
		t.Fatalf("expected retryable STORE_UNAVAILABLE, got %v", err)
	}
}

func TestReopenLoadsTrackedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.db")
	ctx := context.Background()

	s, err := Open(path, WithLogger(observability.NopLogger()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Store(ctx, "t", []*types.Record{row("g1", 0, map[string]types.Value{"when": types.Date(time.Unix(0, 0))})})
	s.Close()

	s, err = Open(path, WithLogger(observability.NopLogger()))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	recs, err := s.Fetch(ctx, "t", Query{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Fetch after reopen: %v, %d", err, len(recs))
	}
	if recs[0].Fields["when"].Kind() != types.KindDate {
		t.Errorf("tracked type lost across reopen: %v", recs[0].Fields["when"].Kind())
	}
}

func TestAdoptsUntrackedPhysicalColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.db.Exec(`CREATE TABLE "legacy" ("guid" TEXT PRIMARY KEY, "status" INTEGER NOT NULL DEFAULT 0, "title" TEXT)`); err != nil {
		t.Fatalf("create legacy: %v", err)
	}
	s.db.Exec(`INSERT INTO "legacy" ("guid", "title") VALUES ('g1', 'hello')`)

	recs, err := s.Fetch(ctx, "legacy", Query{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Fetch legacy: %v, %d", err, len(recs))
	}
	if recs[0].Fields["title"].AsText() != "hello" {
		t.Errorf("adopted column: %v", recs[0].Fields)
	}
	cols := strings.Join(columnNames(t, s, "legacy"), ",")
	if cols != "guid,id,timestamp,status,title" {
		t.Errorf("columns after migration: %s", cols)
	}
}

func TestConcurrentFirstStoreOnNewTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			return s.Store(ctx, "racing", []*types.Record{
				row(fmt.Sprintf("g%d", i), types.StatusInserted, map[string]types.Value{
					"text":     types.Text("x"),
					"priority": types.Integer(int64(i)),
				}),
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Store: %v", err)
	}

	names := columnNames(t, s, "racing")
	seen := make(map[string]bool)
	for _, n := range names {
		if seen[strings.ToLower(n)] {
			t.Fatalf("duplicate column %s in %v", n, names)
		}
		seen[strings.ToLower(n)] = true
	}
	if len(names) != 6 {
		t.Errorf("expected 6 columns, got %v", names)
	}
	recs, _ := s.Fetch(ctx, "racing", Query{})
	if len(recs) != 8 {
		t.Errorf("expected 8 rows, got %d", len(recs))
	}
}

func TestAutoIndex(t *testing.T) {
	stats := observability.NewFilterStats(time.Hour)
	s := newTestStore(t, WithAutoIndex(stats, 2))
	ctx := context.Background()
	s.Store(ctx, "t", []*types.Record{row("g1", 0, map[string]types.Value{"owner": types.Text("ann")})})

	q := Query{Filters: []Filter{{"owner", OpEq, types.Text("ann")}}}
	for i := 0; i < 2; i++ {
		if _, err := s.Fetch(ctx, "t", q); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}

	schema, _, _ := s.Schema(ctx, "t")
	if col, _ := schema.Column("owner"); !col.Indexed {
		t.Error("owner should be indexed after crossing the threshold")
	}
	var n int
	if err := s.db.Get(&n, `SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, indexName("t", "owner")); err != nil || n != 1 {
		t.Errorf("index missing: n=%d err=%v", n, err)
	}
}

func TestBackup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, "t", []*types.Record{row("g1", 0, map[string]types.Value{"text": types.Text("x")})})

	dst := filepath.Join(t.TempDir(), "copy.db")
	if err := s.Backup(ctx, dst); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	copyStore, err := Open(dst, WithLogger(observability.NopLogger()))
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	recs, err := copyStore.Fetch(ctx, "t", Query{})
	if err != nil || len(recs) != 1 {
		t.Errorf("backup contents: %v, %d", err, len(recs))
	}
}

func TestWideningRewritesStoredValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Store(ctx, "t", []*types.Record{
		row("g1", 0, map[string]types.Value{"done": types.Bool(true), "size": types.Integer(3)}),
		row("g2", 0, map[string]types.Value{"done": types.Bool(false), "size": types.Float(1.5)}),
	})
	if err := s.Store(ctx, "t", []*types.Record{
		row("g3", 0, map[string]types.Value{"done": types.Text("maybe"), "size": types.Text("large")}),
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	tests := []struct {
		column string
		value  string
		guid   string
	}{
		{"done", "true", "g1"},
		{"done", "false", "g2"},
		{"size", "3", "g1"},
		{"size", "1.5", "g2"},
	}
	for _, tt := range tests {
		recs, err := s.Fetch(ctx, "t", Query{Filters: []Filter{{Column: tt.column, Op: OpEq, Value: types.Text(tt.value)}}})
		if err != nil {
			t.Fatalf("Fetch %s eq %s: %v", tt.column, tt.value, err)
		}
		if len(recs) != 1 || recs[0].GUID != tt.guid {
			t.Errorf("%s eq '%s' should match %s after widening, got %d rows", tt.column, tt.value, tt.guid, len(recs))
		}
	}
}
