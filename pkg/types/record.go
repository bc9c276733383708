// Package types provides the value, record and schema types shared by the
// cache components.
package types

import (
	"fmt"
	"strings"
)

// Reserved field names carried by every cached record.
const (
	FieldGUID      = "guid"
	FieldID        = "id"
	FieldTimestamp = "timestamp"
	FieldStatus    = "status"
)

// IsReserved reports whether name is one of the four bookkeeping fields.
func IsReserved(name string) bool {
	switch strings.ToLower(name) {
	case FieldGUID, FieldID, FieldTimestamp, FieldStatus:
		return true
	}
	return false
}

// Status is the reconciliation state of a cached record. The integer codes are
// persisted and must not change.
type Status int

const (
	StatusUnchanged Status = 0
	StatusInserted  Status = 1
	StatusChanged   Status = 2
	StatusDeleted   Status = 3
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUnchanged:
		return "unchanged"
	case StatusInserted:
		return "inserted"
	case StatusChanged:
		return "changed"
	case StatusDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Valid reports whether s is one of the four defined codes.
func (s Status) Valid() bool {
	return s >= StatusUnchanged && s <= StatusDeleted
}

// Pending reports whether the record carries a local mutation not yet
// confirmed by the server.
func (s Status) Pending() bool {
	return s != StatusUnchanged
}

// Record is one cached row: the reserved bookkeeping fields plus the user
// fields observed in payloads.
type Record struct {
	// GUID is the client-assigned primary key, compared case-insensitively
	GUID string

	// ID is the server-assigned identifier; Null until synchronized
	ID Value

	// Timestamp is the local revision, see RevisionClock
	Timestamp string

	// Status is the reconciliation state
	Status Status

	// Fields holds every non-reserved column
	Fields map[string]Value
}

// NewRecord returns an empty Unchanged record.
func NewRecord() *Record {
	return &Record{Fields: make(map[string]Value)}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Fields = make(map[string]Value, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// HasServerID reports whether the server has assigned an id.
func (r *Record) HasServerID() bool {
	return !r.ID.IsNull() && r.ID.AsText() != ""
}

// Set assigns a user field. Reserved names are routed to their typed fields;
// `status` and `timestamp` are owned by the cache and ignored.
func (r *Record) Set(name string, v Value) {
	switch strings.ToLower(name) {
	case FieldGUID:
		if !v.IsNull() && v.AsText() != "" && r.GUID == "" {
			r.GUID = v.AsText()
		}
	case FieldID:
		r.ID = v
	case FieldStatus, FieldTimestamp:
	default:
		if r.Fields == nil {
			r.Fields = make(map[string]Value)
		}
		// Reuse the existing spelling of a field that differs only in case.
		for existing := range r.Fields {
			if existing != name && strings.EqualFold(existing, name) {
				name = existing
				break
			}
		}
		r.Fields[name] = v
	}
}

// Merge applies every field of patch onto r. The guid of r is never changed.
func (r *Record) Merge(patch *Record) {
	if patch == nil {
		return
	}
	if !patch.ID.IsNull() {
		r.ID = patch.ID
	}
	for k, v := range patch.Fields {
		r.Set(k, v)
	}
}

// RecordFromJSON builds a record from a decoded JSON object.
func RecordFromJSON(obj map[string]interface{}) *Record {
	r := NewRecord()
	for k, raw := range obj {
		v := ValueFromJSON(raw)
		if strings.EqualFold(k, FieldID) && v.Kind() == KindDate {
			// An id is an opaque key, never a date.
			v = Text(fmt.Sprint(raw))
		}
		r.Set(k, v)
	}
	return r
}

// ToJSON renders the record as it is returned to callers: user fields plus
// guid and id. Local bookkeeping (`status`, `timestamp`) stays in the cache.
func (r *Record) ToJSON() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v.JSON()
	}
	if r.GUID != "" {
		out[FieldGUID] = r.GUID
	}
	if !r.ID.IsNull() {
		out[FieldID] = r.ID.JSON()
	}
	return out
}
