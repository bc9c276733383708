package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	offerr "github.com/offsync/offsync/internal/errors"
)

// fakeServer is an in-memory table service speaking the same verbs and
// paths as the upstream.
type fakeServer struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]interface{}
	nextID int
	fail   error
	calls  []RemoteCall
}

func newFakeServer() *fakeServer {
	return &fakeServer{tables: make(map[string]map[string]map[string]interface{})}
}

func (f *fakeServer) seed(table string, rows ...map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.nextID++
		if _, ok := r["id"]; !ok {
			r["id"] = f.nextID
		}
		f.table(table)[fmt.Sprint(r["id"])] = r
	}
}

func (f *fakeServer) table(name string) map[string]map[string]interface{} {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]map[string]interface{})
		f.tables[name] = t
	}
	return t
}

func (f *fakeServer) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeServer) lastCall() RemoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// remote binds the fake to an intercepted request.
func (f *fakeServer) remote(method, rawURI string) RemoteFunc {
	original, _ := url.Parse(rawURI)
	return func(ctx context.Context, call RemoteCall) ([]byte, error) {
		if call.Method == "" {
			call.Method = method
		}
		if call.URI == nil {
			call.URI = original
		}
		return f.serve(ctx, call)
	}
}

func (f *fakeServer) serve(ctx context.Context, call RemoteCall) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)

	if err := ctx.Err(); err != nil {
		return nil, offerr.NewRemoteUnreachable("request cancelled", err)
	}
	if f.fail != nil {
		return nil, f.fail
	}

	parts := strings.Split(strings.Trim(call.URI.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "tables" {
		return nil, offerr.NewRemoteFailure(http.StatusNotFound, nil)
	}
	rows := f.table(parts[1])
	key := ""
	if len(parts) > 2 {
		key = parts[2]
	}

	switch call.Method {
	case http.MethodGet:
		if key != "" {
			row, ok := rows[key]
			if !ok {
				return nil, offerr.NewRemoteFailure(http.StatusNotFound, nil)
			}
			return json.Marshal(row)
		}
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, _ := strconv.Atoi(keys[i])
			b, _ := strconv.Atoi(keys[j])
			return a < b
		})
		out := make([]map[string]interface{}, 0, len(keys))
		for _, k := range keys {
			out = append(out, rows[k])
		}
		return json.Marshal(out)

	case http.MethodPost:
		var obj map[string]interface{}
		if err := json.Unmarshal(call.Body, &obj); err != nil {
			return nil, offerr.NewRemoteFailure(http.StatusBadRequest, nil)
		}
		f.nextID++
		obj["id"] = f.nextID
		rows[strconv.Itoa(f.nextID)] = obj
		return json.Marshal(obj)

	case http.MethodPatch:
		row, ok := rows[key]
		if !ok {
			return nil, offerr.NewRemoteFailure(http.StatusNotFound, nil)
		}
		var patch map[string]interface{}
		if err := json.Unmarshal(call.Body, &patch); err != nil {
			return nil, offerr.NewRemoteFailure(http.StatusBadRequest, nil)
		}
		for k, v := range patch {
			if k != "id" {
				row[k] = v
			}
		}
		return json.Marshal(row)

	case http.MethodDelete:
		if _, ok := rows[key]; !ok {
			return nil, offerr.NewRemoteFailure(http.StatusNotFound, nil)
		}
		delete(rows, key)
		return nil, nil
	}
	return nil, offerr.NewRemoteFailure(http.StatusMethodNotAllowed, nil)
}
