package policy

import (
	"bytes"
	"encoding/json"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/pkg/types"
)

// shape is the layout of a server read response.
type shape int

const (
	shapeArray   shape = iota // [ {...}, ... ]
	shapeWrapped              // { "results": [ ... ], "count": n }
	shapeObject               // { ... }
)

// serverPayload is a decoded server read response.
type serverPayload struct {
	shape   shape
	rows    []map[string]interface{}
	wrapper map[string]interface{}
}

func decode(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// parsePayload decodes a read response. It reports false for anything that
// is not a JSON object or an array of objects.
func parsePayload(body []byte) (serverPayload, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return serverPayload{}, false
	}

	switch trimmed[0] {
	case '[':
		var rows []map[string]interface{}
		if err := decode(trimmed, &rows); err != nil {
			return serverPayload{}, false
		}
		return serverPayload{shape: shapeArray, rows: rows}, true
	case '{':
		var obj map[string]interface{}
		if err := decode(trimmed, &obj); err != nil {
			return serverPayload{}, false
		}
		if raw, ok := obj["results"].([]interface{}); ok {
			rows := make([]map[string]interface{}, 0, len(raw))
			for _, r := range raw {
				m, ok := r.(map[string]interface{})
				if !ok {
					return serverPayload{}, false
				}
				rows = append(rows, m)
			}
			return serverPayload{shape: shapeWrapped, rows: rows, wrapper: obj}, true
		}
		return serverPayload{shape: shapeObject, rows: []map[string]interface{}{obj}}, true
	}
	return serverPayload{}, false
}

// parseRecord decodes a request or response body holding one JSON object.
func parseRecord(body []byte) (*types.Record, error) {
	var obj map[string]interface{}
	if err := decode(body, &obj); err != nil || obj == nil {
		return nil, offerr.NewValidationError(offerr.CodeInvalidPayload, "body is not a JSON object")
	}
	return types.RecordFromJSON(obj), nil
}

func encodeRecord(r *types.Record) []byte {
	b, _ := json.Marshal(r.ToJSON())
	return b
}

func encodeRecords(recs []*types.Record) []byte {
	out := make([]map[string]interface{}, len(recs))
	for i, r := range recs {
		out[i] = r.ToJSON()
	}
	b, _ := json.Marshal(out)
	return b
}

// render lays local records out in the same shape the server used.
func (p serverPayload) render(recs []*types.Record) []byte {
	if p.shape != shapeWrapped {
		return encodeRecords(recs)
	}
	out := make(map[string]interface{}, len(p.wrapper))
	for k, v := range p.wrapper {
		out[k] = v
	}
	results := make([]map[string]interface{}, len(recs))
	for i, r := range recs {
		results[i] = r.ToJSON()
	}
	out["results"] = results
	b, _ := json.Marshal(out)
	return b
}

// complete reports whether the payload claims to hold every matching row. A
// wrapped response whose count exceeds its results is one page of many.
func (p serverPayload) complete() bool {
	switch p.shape {
	case shapeArray:
		return true
	case shapeWrapped:
		n, ok := p.wrapper["count"].(json.Number)
		if !ok {
			return true
		}
		count, err := n.Int64()
		return err == nil && count <= int64(len(p.rows))
	default:
		return false
	}
}
