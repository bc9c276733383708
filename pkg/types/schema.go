package types

import "strings"

// ColumnType is the storage class recorded for a cached column.
type ColumnType string

const (
	ColumnText    ColumnType = "TEXT"
	ColumnNumeric ColumnType = "NUMERIC"
	ColumnBoolean ColumnType = "BOOLEAN"
	ColumnDate    ColumnType = "DATE"
	ColumnBlob    ColumnType = "BLOB"

	// ColumnAny keeps whatever the driver hands back. Only the reserved `id`
	// column uses it, since server ids may be numbers or strings.
	ColumnAny ColumnType = "ANY"
)

// TableSchema describes the columns of one cached table.
type TableSchema struct {
	// Name is the table name
	Name string `json:"name"`

	// Columns in creation order; reserved columns come first
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column.
type ColumnDef struct {
	// Name is the column name as first observed
	Name string `json:"name"`

	// Type is the tracked storage type
	Type ColumnType `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`

	// PrimaryKey marks the single key column (always `guid`)
	PrimaryKey bool `json:"primary_key"`

	// Indexed asks the store to keep a secondary index on the column
	Indexed bool `json:"indexed,omitempty"`
}

// ReservedColumns returns the four bookkeeping columns every cached table carries.
func ReservedColumns() []ColumnDef {
	return []ColumnDef{
		{Name: FieldGUID, Type: ColumnText, PrimaryKey: true},
		{Name: FieldID, Type: ColumnAny, Nullable: true, Indexed: true},
		{Name: FieldTimestamp, Type: ColumnText, Nullable: true},
		{Name: FieldStatus, Type: ColumnNumeric, Indexed: true},
	}
}

// NewTableSchema returns the default schema for a table: reserved columns only.
func NewTableSchema(name string) *TableSchema {
	return &TableSchema{Name: name, Columns: ReservedColumns()}
}

// Column looks a column up case-insensitively, matching SQLite's identifier rules.
func (s *TableSchema) Column(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// ColumnNames returns the column names in order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy.
func (s *TableSchema) Clone() *TableSchema {
	cp := &TableSchema{Name: s.Name, Columns: make([]ColumnDef, len(s.Columns))}
	copy(cp.Columns, s.Columns)
	return cp
}

// ColumnTypeOf maps a value to its column type. The mapping is total and
// deterministic; Null has no shape of its own and maps to text.
func ColumnTypeOf(v Value) ColumnType {
	switch v.Kind() {
	case KindBool:
		return ColumnBoolean
	case KindInteger, KindFloat:
		return ColumnNumeric
	case KindDate:
		return ColumnDate
	case KindBlob:
		return ColumnBlob
	default:
		return ColumnText
	}
}

// Widen resolves a conflict between a recorded type and an observed one.
// Conflicting types always widen to text.
func Widen(recorded, observed ColumnType) ColumnType {
	if recorded == observed {
		return recorded
	}
	return ColumnText
}
