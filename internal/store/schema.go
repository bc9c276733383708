package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/pkg/types"
)

// Bookkeeping tables. The double underscore prefix is rejected for cached
// table names so these can never collide.
const (
	columnsTable  = "__offsync_columns"
	versionsTable = "__offsync_schema_versions"
)

// metadataSQL returns the statements creating the bookkeeping tables.
func metadataSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + columnsTable + ` (
			table_name  TEXT NOT NULL COLLATE NOCASE,
			column_name TEXT NOT NULL COLLATE NOCASE,
			position    INTEGER NOT NULL,
			column_type TEXT NOT NULL,
			nullable    INTEGER NOT NULL,
			primary_key INTEGER NOT NULL,
			indexed     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (table_name, column_name)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + versionsTable + ` (
			table_name  TEXT NOT NULL COLLATE NOCASE,
			version     INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			schema_json TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (table_name, version)
		)`,
	}
}

// columnDDL renders one column definition. User columns carry no declared
// type so SQLite stores every value exactly as bound; the tracked type in the
// columns table drives decoding.
func columnDDL(c types.ColumnDef) string {
	switch {
	case c.PrimaryKey:
		return quote(c.Name) + " TEXT NOT NULL PRIMARY KEY COLLATE NOCASE"
	case strings.EqualFold(c.Name, types.FieldStatus):
		return quote(c.Name) + " INTEGER NOT NULL DEFAULT 0"
	case strings.EqualFold(c.Name, types.FieldTimestamp):
		return quote(c.Name) + " TEXT"
	default:
		return quote(c.Name)
	}
}

func createTableSQL(s *types.TableSchema) string {
	defs := lo.Map(s.Columns, func(c types.ColumnDef, _ int) string { return columnDDL(c) })
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(s.Name), strings.Join(defs, ", "))
}

func indexName(table, column string) string {
	return "idx_" + strings.ToLower(table) + "_" + strings.ToLower(column)
}

func createIndexSQL(table, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", quote(indexName(table, column)), quote(table), quote(column))
}

// observedColumn is one field seen in a batch of rows.
type observedColumn struct {
	name    string
	typ     types.ColumnType
	nonNull bool
}

// deriveColumns computes the user columns present in rows. Names are matched
// case-insensitively and keep their first spelling. A column's type comes from
// its non-null values; conflicting values within the batch widen to text and
// a column that only ever held null is text. Fields are visited in sorted
// order so equivalent batches always derive the same columns.
func deriveColumns(rows []*types.Record) []observedColumn {
	var out []observedColumn
	index := make(map[string]int)

	for _, r := range rows {
		names := lo.Keys(r.Fields)
		sort.Strings(names)
		for _, name := range names {
			v := r.Fields[name]
			key := strings.ToLower(name)
			i, ok := index[key]
			if !ok {
				index[key] = len(out)
				out = append(out, observedColumn{name: name, typ: types.ColumnText})
				i = len(out) - 1
			}
			if v.IsNull() {
				continue
			}
			observed := types.ColumnTypeOf(v)
			if !out[i].nonNull {
				out[i].typ = observed
				out[i].nonNull = true
			} else {
				out[i].typ = types.Widen(out[i].typ, observed)
			}
		}
	}
	return out
}

// schemaChange describes what applyObserved did to a schema.
type schemaChange struct {
	added   []types.ColumnDef
	widened []types.ColumnDef
	from    []types.ColumnType // type of widened[i] before widening
}

func (c schemaChange) empty() bool { return len(c.added) == 0 && len(c.widened) == 0 }

// applyObserved grows schema with the observed columns. Columns are only ever
// added or widened, never removed or narrowed.
func applyObserved(schema *types.TableSchema, observed []observedColumn) schemaChange {
	var change schemaChange
	for _, o := range observed {
		idx := -1
		for i, c := range schema.Columns {
			if strings.EqualFold(c.Name, o.name) {
				idx = i
				break
			}
		}
		if idx < 0 {
			def := types.ColumnDef{Name: o.name, Type: o.typ, Nullable: true}
			schema.Columns = append(schema.Columns, def)
			change.added = append(change.added, def)
			continue
		}
		if !o.nonNull {
			continue
		}
		current := schema.Columns[idx]
		if current.Type == types.ColumnAny || current.Type == o.typ {
			continue
		}
		if widened := types.Widen(current.Type, o.typ); widened != current.Type {
			schema.Columns[idx].Type = widened
			change.widened = append(change.widened, schema.Columns[idx])
			change.from = append(change.from, current.Type)
		}
	}
	return change
}

// columnRow mirrors one row of the columns table.
type columnRow struct {
	Table      string `db:"table_name"`
	Column     string `db:"column_name"`
	Position   int    `db:"position"`
	Type       string `db:"column_type"`
	Nullable   bool   `db:"nullable"`
	PrimaryKey bool   `db:"primary_key"`
	Indexed    bool   `db:"indexed"`
}

// tableInfo mirrors one row of PRAGMA table_info.
type tableInfo struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull int            `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

// loadSchema reads the tracked schema of table. It returns nil when the
// table has never been touched.
func loadSchema(ctx context.Context, q sqlx.QueryerContext, table string) (*types.TableSchema, error) {
	query, args, err := sq.Select("table_name", "column_name", "position", "column_type", "nullable", "primary_key", "indexed").
		From(columnsTable).
		Where(sq.Eq{"table_name": table}).
		OrderBy("position").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []columnRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	schema := &types.TableSchema{Name: rows[0].Table}
	for _, r := range rows {
		schema.Columns = append(schema.Columns, types.ColumnDef{
			Name:       r.Column,
			Type:       types.ColumnType(r.Type),
			Nullable:   r.Nullable,
			PrimaryKey: r.PrimaryKey,
			Indexed:    r.Indexed,
		})
	}
	return schema, nil
}

// saveColumns upserts the metadata of cols.
func saveColumns(ctx context.Context, tx *sqlx.Tx, schema *types.TableSchema, cols []types.ColumnDef) error {
	for _, c := range cols {
		pos := lo.IndexOf(schema.ColumnNames(), c.Name)
		query, args, err := sq.Insert(columnsTable).
			Columns("table_name", "column_name", "position", "column_type", "nullable", "primary_key", "indexed").
			Values(schema.Name, c.Name, pos, string(c.Type), c.Nullable, c.PrimaryKey, c.Indexed).
			Suffix("ON CONFLICT(table_name, column_name) DO UPDATE SET column_type = excluded.column_type, indexed = excluded.indexed").
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("save column %s.%s: %w", schema.Name, c.Name, err)
		}
	}
	return nil
}

// migrate makes the physical table match schema. It runs on every schema
// touch: the table is created if missing, tracked columns absent from the
// physical table are added, and physical columns the metadata does not know
// are adopted as text. It reports the adopted columns.
func migrate(ctx context.Context, tx *sqlx.Tx, schema *types.TableSchema) ([]types.ColumnDef, error) {
	if _, err := tx.ExecContext(ctx, createTableSQL(schema)); err != nil {
		return nil, fmt.Errorf("create table %s: %w", schema.Name, err)
	}

	var physical []tableInfo
	if err := tx.SelectContext(ctx, &physical, "PRAGMA table_info("+quote(schema.Name)+")"); err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", schema.Name, err)
	}
	present := make(map[string]bool, len(physical))
	for _, p := range physical {
		present[strings.ToLower(p.Name)] = true
	}

	for _, c := range schema.Columns {
		if present[strings.ToLower(c.Name)] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(schema.Name), columnDDL(c))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("add column %s.%s: %w", schema.Name, c.Name, err)
		}
	}

	var adopted []types.ColumnDef
	for _, p := range physical {
		if _, ok := schema.Column(p.Name); ok || ValidateIdentifier(p.Name) != nil {
			continue
		}
		def := types.ColumnDef{Name: p.Name, Type: types.ColumnText, Nullable: true}
		schema.Columns = append(schema.Columns, def)
		adopted = append(adopted, def)
	}

	for _, c := range schema.Columns {
		if !c.Indexed {
			continue
		}
		if _, err := tx.ExecContext(ctx, createIndexSQL(schema.Name, c.Name)); err != nil {
			return nil, fmt.Errorf("index %s.%s: %w", schema.Name, c.Name, err)
		}
	}
	return adopted, nil
}

// addColumns issues the non-destructive column additions for cols.
func addColumns(ctx context.Context, tx *sqlx.Tx, table string, cols []types.ColumnDef) error {
	for _, c := range cols {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(table), columnDDL(c))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return offerr.NewStoreError(offerr.CodeStoreUnavailable,
				fmt.Sprintf("failed to add column %s.%s", table, c.Name), err)
		}
	}
	return nil
}

// rewriteWidened re-encodes the numeric and boolean values already stored in
// a column that was widened to text, so old and new rows render and compare
// the same way. Values that do not decode as the previous type are left as
// they are.
func rewriteWidened(ctx context.Context, tx *sqlx.Tx, table, column string, from types.ColumnType) error {
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE typeof(%s) IN ('integer', 'real')",
		quote(types.FieldGUID), quote(column), quote(table), quote(column))
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("scan widened column %s.%s: %w", table, column, err)
	}

	type rewrite struct {
		guid string
		text string
	}
	var rewrites []rewrite
	for rows.Next() {
		var guid string
		var raw interface{}
		if err := rows.Scan(&guid, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan widened column %s.%s: %w", table, column, err)
		}
		v, err := decodeValue(from, raw)
		if err != nil {
			continue
		}
		rewrites = append(rewrites, rewrite{guid: guid, text: v.AsText()})
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan widened column %s.%s: %w", table, column, err)
	}

	for _, r := range rewrites {
		query, args, err := sq.Update(quote(table)).
			Set(quote(column), r.text).
			Where(sq.Eq{quote(types.FieldGUID): r.guid}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("rewrite %s.%s: %w", table, column, err)
		}
	}
	return nil
}
