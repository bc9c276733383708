// Package store implements the structured store: durable, table-shaped
// storage for cached records with schema-on-write.
//
// Tables are created on first touch with the four reserved columns and grow
// a column for every new field written to them. Columns are never dropped.
// All access goes through a single SQLite connection.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/lo"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/observability"
	"github.com/offsync/offsync/pkg/types"
)

// Store is the table-level CRUD surface the cache policy depends on.
type Store interface {
	// Fetch returns the records of table matching q. An unknown table is
	// created with the reserved columns and yields an empty result.
	Fetch(ctx context.Context, table string, q Query) ([]*types.Record, error)

	// Store upserts rows keyed by guid, growing the schema as needed.
	Store(ctx context.Context, table string, rows []*types.Record) error

	// Remove physically deletes the rows with the given guids.
	Remove(ctx context.Context, table string, guids []string) error

	// Schema returns the tracked schema of table and whether it exists.
	Schema(ctx context.Context, table string) (*types.TableSchema, bool, error)

	// Tables lists every table the store knows.
	Tables(ctx context.Context) ([]string, error)

	// Close releases the backing database.
	Close() error
}

// Op is a comparison operator in a filter.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpLt Op = "lt"
	OpLe Op = "le"
	OpGt Op = "gt"
	OpGe Op = "ge"
)

// Filter is one `column op value` predicate. Filters in a query are ANDed.
type Filter struct {
	Column string
	Op     Op
	Value  types.Value
}

// Order is one ordering term.
type Order struct {
	Column string
	Desc   bool
}

// Query selects, orders and pages records.
type Query struct {
	Filters []Filter
	OrderBy []Order

	// Limit caps the number of rows; 0 means no limit
	Limit int

	// Offset skips rows before the first returned one
	Offset int

	// Statuses restricts the result to these statuses; empty means all
	Statuses []types.Status
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db   *sqlx.DB
	path string
	mu   sync.Mutex // serializes all access and guards schemas

	schemas map[string]*types.TableSchema // lower-cased table name → committed schema

	logger         *slog.Logger
	metrics        *observability.Metrics
	filterStats    *observability.FilterStats
	indexThreshold int64
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger used for warnings about skipped rows and
// widened columns.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *SQLiteStore) { s.metrics = m }
}

// WithAutoIndex records filter usage in stats and indexes a column once it
// has been filtered on threshold times.
func WithAutoIndex(stats *observability.FilterStats, threshold int64) Option {
	return func(s *SQLiteStore) {
		s.filterStats = stats
		s.indexThreshold = threshold
	}
}

// Open opens (creating if needed) the store at path.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, offerr.NewStoreError(offerr.CodeStoreUnavailable, "failed to open database", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:      db,
		path:    path,
		schemas: make(map[string]*types.TableSchema),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, stmt := range metadataSQL() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, offerr.NewStoreError(offerr.CodeStoreUnavailable, "failed to initialize metadata", err)
		}
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if offerr.GetCategory(err) != "" {
		return err
	}
	return offerr.NewStoreError(offerr.CodeStoreUnavailable, op+" failed", err)
}

// touch loads or creates the schema of table inside tx and runs migration.
// The returned schema is a working copy; callers publish it with commit.
func (s *SQLiteStore) touch(ctx context.Context, tx *sqlx.Tx, table string) (*types.TableSchema, bool, error) {
	var schema *types.TableSchema
	if cached, ok := s.schemas[strings.ToLower(table)]; ok {
		schema = cached.Clone()
	} else {
		loaded, err := loadSchema(ctx, tx, table)
		if err != nil {
			return nil, false, err
		}
		schema = loaded
	}

	created := schema == nil
	if created {
		schema = types.NewTableSchema(table)
	}

	adopted, err := migrate(ctx, tx, schema)
	if err != nil {
		return nil, false, err
	}

	dirty := adopted
	if created {
		dirty = schema.Columns
	}
	if len(dirty) > 0 {
		if err := saveColumns(ctx, tx, schema, dirty); err != nil {
			return nil, false, err
		}
		if _, err := recordVersion(ctx, tx, schema); err != nil {
			return nil, false, err
		}
	}
	return schema, len(dirty) > 0, nil
}

// Fetch implements Store.
func (s *SQLiteStore) Fetch(ctx context.Context, table string, q Query) (records []*types.Record, err error) {
	defer func() { s.metrics.ObserveStore("fetch", err) }()

	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	for _, f := range q.Filters {
		if err := ValidateIdentifier(f.Column); err != nil {
			return nil, err
		}
	}
	for _, o := range q.OrderBy {
		if err := ValidateIdentifier(o.Column); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, unavailable("fetch", err)
	}
	defer tx.Rollback()

	schema, _, err := s.touch(ctx, tx, table)
	if err != nil {
		return nil, unavailable("fetch", err)
	}

	builder, ok := s.selectFor(schema, q)
	if !ok {
		if err := tx.Commit(); err != nil {
			return nil, unavailable("fetch", err)
		}
		s.schemas[strings.ToLower(table)] = schema
		return []*types.Record{}, nil
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, offerr.NewInternalError("failed to build select", err)
	}
	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("fetch", err)
	}
	records = []*types.Record{}
	for rows.Next() {
		raw := make(map[string]interface{}, len(schema.Columns))
		if err := rows.MapScan(raw); err != nil {
			rows.Close()
			return nil, unavailable("fetch", err)
		}
		rec, err := decodeRecord(schema, raw)
		if err != nil {
			s.logger.Warn("skipping corrupted record", "table", schema.Name, "guid", raw[types.FieldGUID], "error", err)
			s.metrics.ObserveCorrupted(schema.Name)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, unavailable("fetch", err)
	}
	rows.Close()

	if err := s.autoIndex(ctx, tx, schema, q.Filters); err != nil {
		s.logger.Warn("auto index failed", "table", schema.Name, "error", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("fetch", err)
	}
	s.schemas[strings.ToLower(table)] = schema
	return records, nil
}

// selectFor builds the select for q. It reports false when a filter names a
// column the table has never had, in which case nothing can match.
func (s *SQLiteStore) selectFor(schema *types.TableSchema, q Query) (sq.SelectBuilder, bool) {
	cols := lo.Map(schema.Columns, func(c types.ColumnDef, _ int) string { return quote(c.Name) })
	builder := sq.Select(cols...).From(quote(schema.Name))

	for _, f := range q.Filters {
		col, ok := schema.Column(f.Column)
		if !ok {
			return builder, false
		}
		name := quote(col.Name)
		val := encodeValue(col.Type, f.Value)
		switch f.Op {
		case OpEq:
			builder = builder.Where(sq.Eq{name: val})
		case OpNe:
			builder = builder.Where(sq.NotEq{name: val})
		case OpLt:
			builder = builder.Where(sq.Lt{name: val})
		case OpLe:
			builder = builder.Where(sq.LtOrEq{name: val})
		case OpGt:
			builder = builder.Where(sq.Gt{name: val})
		case OpGe:
			builder = builder.Where(sq.GtOrEq{name: val})
		}
	}

	if len(q.Statuses) > 0 {
		codes := lo.Map(q.Statuses, func(st types.Status, _ int) int64 { return int64(st) })
		builder = builder.Where(sq.Eq{quote(types.FieldStatus): codes})
	}

	for _, o := range q.OrderBy {
		col, ok := schema.Column(o.Column)
		if !ok {
			continue
		}
		term := quote(col.Name)
		if o.Desc {
			term += " DESC"
		}
		builder = builder.OrderBy(term)
	}
	builder = builder.OrderBy("rowid")

	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	} else if q.Offset > 0 {
		builder = builder.Limit(math.MaxInt64)
	}
	if q.Offset > 0 {
		builder = builder.Offset(uint64(q.Offset))
	}
	return builder, true
}

// autoIndex records filter usage and indexes columns that cross the
// configured threshold.
func (s *SQLiteStore) autoIndex(ctx context.Context, tx *sqlx.Tx, schema *types.TableSchema, filters []Filter) error {
	if s.filterStats == nil || s.indexThreshold <= 0 {
		return nil
	}
	for _, f := range filters {
		col, ok := schema.Column(f.Column)
		if !ok || col.Indexed || col.PrimaryKey {
			continue
		}
		if s.filterStats.Record(schema.Name, col.Name, string(f.Op)) < s.indexThreshold {
			continue
		}
		if _, err := tx.ExecContext(ctx, createIndexSQL(schema.Name, col.Name)); err != nil {
			return err
		}
		for i := range schema.Columns {
			if schema.Columns[i].Name == col.Name {
				schema.Columns[i].Indexed = true
				col = schema.Columns[i]
			}
		}
		if err := saveColumns(ctx, tx, schema, []types.ColumnDef{col}); err != nil {
			return err
		}
		if _, err := recordVersion(ctx, tx, schema); err != nil {
			return err
		}
		s.logger.Info("indexed frequently filtered column", "table", schema.Name, "column", col.Name)
	}
	return nil
}

// decodeRecord converts one scanned row into a record. A row with a missing
// guid, an unknown status, or a field that fails to decode is corrupted.
func decodeRecord(schema *types.TableSchema, raw map[string]interface{}) (*types.Record, error) {
	rec := types.NewRecord()
	for _, c := range schema.Columns {
		v := raw[c.Name]
		switch strings.ToLower(c.Name) {
		case types.FieldGUID:
			guid, ok := v.(string)
			if !ok || guid == "" {
				return nil, corrupted(c.Type, v, nil)
			}
			rec.GUID = guid
		case types.FieldStatus:
			code, ok := v.(int64)
			if !ok || !types.Status(code).Valid() {
				return nil, offerr.New(offerr.ErrCategoryStore, offerr.CodeCorruptedRecord,
					fmt.Sprintf("invalid status %v", v))
			}
			rec.Status = types.Status(code)
		case types.FieldTimestamp:
			if v != nil {
				ts, ok := v.(string)
				if !ok {
					return nil, corrupted(c.Type, v, nil)
				}
				rec.Timestamp = ts
			}
		default:
			val, err := decodeValue(c.Type, v)
			if err != nil {
				return nil, err
			}
			if strings.EqualFold(c.Name, types.FieldID) {
				rec.ID = val
			} else {
				rec.Fields[c.Name] = val
			}
		}
	}
	return rec, nil
}

// Store implements Store. The schema change and the row upserts commit in
// one transaction.
func (s *SQLiteStore) Store(ctx context.Context, table string, rows []*types.Record) (err error) {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	defer func() { s.metrics.ObserveStore("store", err) }()

	for _, r := range rows {
		if r.GUID == "" {
			return offerr.NewValidationError(offerr.CodeInvalidPayload, "record has no guid")
		}
		if !r.Status.Valid() {
			return offerr.NewValidationError(offerr.CodeInvalidPayload, fmt.Sprintf("record %s has invalid status %d", r.GUID, r.Status))
		}
		for name := range r.Fields {
			if err := ValidateIdentifier(name); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("store", err)
	}
	defer tx.Rollback()

	schema, _, err := s.touch(ctx, tx, table)
	if err != nil {
		return unavailable("store", err)
	}

	change := applyObserved(schema, deriveColumns(rows))
	if !change.empty() {
		if err := addColumns(ctx, tx, schema.Name, change.added); err != nil {
			return err
		}
		for i, w := range change.widened {
			conflict := offerr.NewSchemaError(offerr.CodeSchemaConflict,
				fmt.Sprintf("column %s.%s widened from %s to %s", schema.Name, w.Name, change.from[i], w.Type))
			s.logger.Warn("column type conflict, widened to text", "table", schema.Name, "column", w.Name, "error", conflict)
			if err := rewriteWidened(ctx, tx, schema.Name, w.Name, change.from[i]); err != nil {
				return unavailable("store", err)
			}
		}
		if err := saveColumns(ctx, tx, schema, append(change.added, change.widened...)); err != nil {
			return unavailable("store", err)
		}
		if _, err := recordVersion(ctx, tx, schema); err != nil {
			return unavailable("store", err)
		}
	}

	for _, r := range rows {
		if err := upsert(ctx, tx, schema, r); err != nil {
			return unavailable("store", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("store", err)
	}
	s.schemas[strings.ToLower(table)] = schema
	return nil
}

// upsert writes r, updating only the columns r carries when the guid exists.
// The guid itself is never rewritten.
func upsert(ctx context.Context, tx *sqlx.Tx, schema *types.TableSchema, r *types.Record) error {
	cols := []string{quote(types.FieldGUID), quote(types.FieldTimestamp), quote(types.FieldStatus)}
	vals := []interface{}{r.GUID, r.Timestamp, int64(r.Status)}
	if !r.ID.IsNull() {
		idCol, _ := schema.Column(types.FieldID)
		cols = append(cols, quote(idCol.Name))
		vals = append(vals, encodeValue(idCol.Type, r.ID))
	}
	for name, v := range r.Fields {
		col, ok := schema.Column(name)
		if !ok {
			return fmt.Errorf("column %s missing from schema of %s", name, schema.Name)
		}
		cols = append(cols, quote(col.Name))
		vals = append(vals, encodeValue(col.Type, v))
	}

	updates := lo.Map(cols[1:], func(c string, _ int) string { return c + " = excluded." + c })
	query, args, err := sq.Insert(quote(schema.Name)).
		Columns(cols...).
		Values(vals...).
		Suffix("ON CONFLICT(" + quote(types.FieldGUID) + ") DO UPDATE SET " + strings.Join(updates, ", ")).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, table string, guids []string) (err error) {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	if len(guids) == 0 {
		return nil
	}
	defer func() { s.metrics.ObserveStore("remove", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("remove", err)
	}
	defer tx.Rollback()

	schema, _, err := s.touch(ctx, tx, table)
	if err != nil {
		return unavailable("remove", err)
	}

	query, args, err := sq.Delete(quote(schema.Name)).
		Where(sq.Eq{quote(types.FieldGUID): guids}).
		ToSql()
	if err != nil {
		return offerr.NewInternalError("failed to build delete", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return unavailable("remove", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("remove", err)
	}
	s.schemas[strings.ToLower(table)] = schema
	return nil
}

// Schema implements Store.
func (s *SQLiteStore) Schema(ctx context.Context, table string) (*types.TableSchema, bool, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.schemas[strings.ToLower(table)]; ok {
		return cached.Clone(), true, nil
	}
	schema, err := loadSchema(ctx, s.db, table)
	if err != nil {
		return nil, false, unavailable("schema", err)
	}
	if schema == nil {
		return nil, false, nil
	}
	return schema, true, nil
}

// Tables implements Store.
func (s *SQLiteStore) Tables(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tables []string
	err := s.db.SelectContext(ctx, &tables,
		"SELECT DISTINCT table_name FROM "+columnsTable+" ORDER BY table_name")
	if err != nil {
		return nil, unavailable("tables", err)
	}
	return tables, nil
}

// SchemaVersions returns the schema history of table, oldest first.
func (s *SQLiteStore) SchemaVersions(ctx context.Context, table string) ([]SchemaVersion, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := listVersions(ctx, s.db, table)
	if err != nil {
		return nil, unavailable("schema versions", err)
	}
	return versions, nil
}

// Backup writes a consistent copy of the database to path, which must not
// exist yet.
func (s *SQLiteStore) Backup(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return unavailable("backup", err)
	}
	return nil
}
