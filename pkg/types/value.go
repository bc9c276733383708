package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind enumerates the closed set of scalar shapes a cached field can hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindFloat
	KindText
	KindDate
	KindBlob
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindDate:
		return "date"
	case KindBlob:
		return "blob"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a dynamically typed scalar. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	blob []byte
}

// DateLayout is the wire and storage layout for Date values. Fractional
// seconds are fixed width so stored dates compare correctly as text.
const DateLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Integer wraps a 64-bit integer.
func Integer(v int64) Value { return Value{kind: KindInteger, i: v} }

// Float wraps a 64-bit float.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Text wraps a string.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Date wraps a timestamp, normalized to UTC.
func Date(v time.Time) Value { return Value{kind: KindDate, t: v.UTC()} }

// Blob wraps a copy of v.
func Blob(v []byte) Value { return Value{kind: KindBlob, blob: append([]byte(nil), v...)} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the payload of a Bool value.
func (v Value) AsBool() bool { return v.b }

// AsInteger returns the payload of an Integer value.
func (v Value) AsInteger() int64 { return v.i }

// AsDate returns the payload of a Date value.
func (v Value) AsDate() time.Time { return v.t }

// AsBlob returns the payload of a Blob value.
func (v Value) AsBlob() []byte { return v.blob }

// AsFloat returns the numeric payload of an Integer or Float value.
func (v Value) AsFloat() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.f
}

// AsText renders any value as text. Widened columns store values this way.
func (v Value) AsText() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindDate:
		return v.t.Format(DateLayout)
	case KindBlob:
		return base64.StdEncoding.EncodeToString(v.blob)
	default:
		return v.s
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInteger:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindDate:
		return v.t.Equal(o.t)
	case KindBlob:
		return bytes.Equal(v.blob, o.blob)
	default:
		return v.s == o.s
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.kind == KindNull {
		return "null"
	}
	return v.AsText()
}

// ValueFromJSON converts a value produced by encoding/json (optionally with
// UseNumber) into a Value. The mapping is total: objects and arrays become
// their JSON text.
func ValueFromJSON(raw interface{}) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Integer(i)
		}
		f, err := x.Float64()
		if err != nil {
			return Text(x.String())
		}
		return Float(f)
	case float64:
		if x == math.Trunc(x) && x >= -(1<<63) && x < 1<<63 {
			return Integer(int64(x))
		}
		return Float(x)
	case int:
		return Integer(int64(x))
	case int64:
		return Integer(x)
	case string:
		if t, ok := parseDate(x); ok {
			return Date(t)
		}
		return Text(x)
	case time.Time:
		return Date(x)
	case []byte:
		return Blob(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return Text(fmt.Sprint(x))
		}
		return Text(string(b))
	}
}

// JSON returns the value in a form encoding/json renders faithfully.
func (v Value) JSON() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindDate:
		return v.t.Format(DateLayout)
	case KindBlob:
		return v.blob
	default:
		return v.s
	}
}

// parseDate accepts RFC 3339 timestamps only; anything looser stays text so
// that ordinary strings are never reinterpreted.
func parseDate(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04:05Z") || s[4] != '-' || s[10] != 'T' {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseDate parses a stored date value.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
