package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/spaolacci/murmur3"

	"github.com/offsync/offsync/pkg/types"
)

// SchemaVersion is one entry of a table's schema history.
type SchemaVersion struct {
	Table       string
	Version     int
	Fingerprint string
	Schema      types.TableSchema
	CreatedAt   time.Time
}

type versionRow struct {
	Table       string `db:"table_name"`
	Version     int    `db:"version"`
	Fingerprint string `db:"fingerprint"`
	SchemaJSON  string `db:"schema_json"`
	CreatedAt   int64  `db:"created_at"`
}

// fingerprint hashes the structural parts of a schema. Two schemas with the
// same columns in the same order, with equal types and flags, share a
// fingerprint.
func fingerprint(s *types.TableSchema) string {
	var b strings.Builder
	for _, c := range s.Columns {
		fmt.Fprintf(&b, "%s:%s:%t:%t:%t;", strings.ToLower(c.Name), c.Type, c.Nullable, c.PrimaryKey, c.Indexed)
	}
	return strconv.FormatUint(murmur3.Sum64([]byte(b.String())), 16)
}

// recordVersion appends a version for schema unless the latest recorded
// version already has the same fingerprint. It returns the current version.
func recordVersion(ctx context.Context, tx *sqlx.Tx, schema *types.TableSchema) (int, error) {
	fp := fingerprint(schema)

	var latest versionRow
	query, args, err := sq.Select("table_name", "version", "fingerprint", "schema_json", "created_at").
		From(versionsTable).
		Where(sq.Eq{"table_name": schema.Name}).
		OrderBy("version DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return 0, err
	}
	err = tx.GetContext(ctx, &latest, query, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("schema_version: failed to get current version: %w", err)
	case latest.Fingerprint == fp:
		return latest.Version, nil
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("schema_version: failed to marshal schema: %w", err)
	}

	next := latest.Version + 1
	query, args, err = sq.Insert(versionsTable).
		Columns("table_name", "version", "fingerprint", "schema_json", "created_at").
		Values(schema.Name, next, fp, string(schemaJSON), time.Now().Unix()).
		ToSql()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("schema_version: failed to insert version %d: %w", next, err)
	}
	return next, nil
}

// listVersions returns the schema history of table ordered by version.
func listVersions(ctx context.Context, q sqlx.QueryerContext, table string) ([]SchemaVersion, error) {
	query, args, err := sq.Select("table_name", "version", "fingerprint", "schema_json", "created_at").
		From(versionsTable).
		Where(sq.Eq{"table_name": table}).
		OrderBy("version ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []versionRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("schema_version: failed to list versions: %w", err)
	}

	versions := make([]SchemaVersion, 0, len(rows))
	for _, r := range rows {
		var schema types.TableSchema
		if err := json.Unmarshal([]byte(r.SchemaJSON), &schema); err != nil {
			return nil, fmt.Errorf("schema_version: failed to unmarshal schema for version %d: %w", r.Version, err)
		}
		versions = append(versions, SchemaVersion{
			Table:       r.Table,
			Version:     r.Version,
			Fingerprint: r.Fingerprint,
			Schema:      schema,
			CreatedAt:   time.Unix(r.CreatedAt, 0),
		})
	}
	return versions, nil
}

// ColumnDiff returns the columns present in newer but absent from older.
func ColumnDiff(older, newer types.TableSchema) []types.ColumnDef {
	var diff []types.ColumnDef
	for _, c := range newer.Columns {
		if _, ok := older.Column(c.Name); !ok {
			diff = append(diff, c)
		}
	}
	return diff
}
