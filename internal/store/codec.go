package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/golang/snappy"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/pkg/types"
)

// encodeValue converts a value to the driver representation for a column of
// type t. Blobs are snappy-compressed; dates are fixed-width UTC text; values
// in widened text columns are stored as their text rendering.
func encodeValue(t types.ColumnType, v types.Value) interface{} {
	if v.IsNull() {
		return nil
	}
	if t == types.ColumnText && v.Kind() != types.KindText {
		if v.Kind() == types.KindBlob {
			return snappy.Encode(nil, v.AsBlob())
		}
		return v.AsText()
	}
	switch v.Kind() {
	case types.KindBool:
		if v.AsBool() {
			return int64(1)
		}
		return int64(0)
	case types.KindInteger:
		return v.AsInteger()
	case types.KindFloat:
		return v.AsFloat()
	case types.KindDate:
		return v.AsDate().Format(types.DateLayout)
	case types.KindBlob:
		return snappy.Encode(nil, v.AsBlob())
	default:
		return v.AsText()
	}
}

// decodeValue converts a driver value read from a column of type t back into
// a Value. A value whose shape does not fit the tracked type is reported as a
// corrupted record.
func decodeValue(t types.ColumnType, raw interface{}) (types.Value, error) {
	if raw == nil {
		return types.Null(), nil
	}

	switch t {
	case types.ColumnAny:
		switch x := raw.(type) {
		case int64:
			return types.Integer(x), nil
		case float64:
			return types.Float(x), nil
		case string:
			return types.Text(x), nil
		case []byte:
			return types.Text(string(x)), nil
		}

	case types.ColumnText:
		switch x := raw.(type) {
		case string:
			return types.Text(x), nil
		case int64:
			return types.Text(strconv.FormatInt(x, 10)), nil
		case float64:
			return types.Text(strconv.FormatFloat(x, 'g', -1, 64)), nil
		case time.Time:
			return types.Text(x.UTC().Format(types.DateLayout)), nil
		case []byte:
			b, err := snappy.Decode(nil, x)
			if err != nil {
				return types.Value{}, corrupted(t, raw, err)
			}
			return types.Text(base64.StdEncoding.EncodeToString(b)), nil
		}

	case types.ColumnNumeric:
		switch x := raw.(type) {
		case int64:
			return types.Integer(x), nil
		case float64:
			return types.Float(x), nil
		}

	case types.ColumnBoolean:
		switch x := raw.(type) {
		case int64:
			return types.Bool(x != 0), nil
		case bool:
			return types.Bool(x), nil
		}

	case types.ColumnDate:
		switch x := raw.(type) {
		case string:
			d, err := types.ParseDate(x)
			if err != nil {
				return types.Value{}, corrupted(t, raw, err)
			}
			return types.Date(d), nil
		case time.Time:
			return types.Date(x), nil
		}

	case types.ColumnBlob:
		if x, ok := raw.([]byte); ok {
			b, err := snappy.Decode(nil, x)
			if err != nil {
				return types.Value{}, corrupted(t, raw, err)
			}
			return types.Blob(b), nil
		}
	}

	return types.Value{}, corrupted(t, raw, nil)
}

func corrupted(t types.ColumnType, raw interface{}, cause error) error {
	msg := fmt.Sprintf("cannot decode %T as %s", raw, t)
	if cause != nil {
		return offerr.Wrap(offerr.ErrCategoryStore, offerr.CodeCorruptedRecord, msg, cause)
	}
	return offerr.New(offerr.ErrCategoryStore, offerr.CodeCorruptedRecord, msg)
}
