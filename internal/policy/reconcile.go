package policy

import (
	"context"
	"net/http"

	"github.com/offsync/offsync/internal/store"
	"github.com/offsync/offsync/pkg/types"
)

// PushReport summarizes one replay of pending records.
type PushReport struct {
	Table     string `json:"table"`
	Pushed    int    `json:"pushed"`
	Remaining int    `json:"remaining"`
}

var pendingStatuses = []types.Status{types.StatusInserted, types.StatusChanged, types.StatusDeleted}

// Pending implements Reconciler.
func (p *TimestampPolicy) Pending(ctx context.Context, table string) ([]*types.Record, error) {
	if err := p.check(Resource{Table: table}); err != nil {
		return nil, err
	}
	recs, err := p.store.Fetch(ctx, table, store.Query{
		Statuses: pendingStatuses,
		OrderBy:  []store.Order{{Column: types.FieldTimestamp}},
	})
	if err != nil {
		return nil, err
	}
	p.metrics.SetPending(table, len(recs))
	return recs, nil
}

// Push implements Reconciler. Records are replayed in revision order and
// the replay stops at the first remote failure, which is returned together
// with a report of what was already confirmed.
func (p *TimestampPolicy) Push(ctx context.Context, table string, remote RemoteFunc) (PushReport, error) {
	pending, err := p.Pending(ctx, table)
	if err != nil {
		return PushReport{Table: table}, err
	}

	report := PushReport{Table: table, Remaining: len(pending)}
	defer func() { p.metrics.SetPending(table, report.Remaining) }()

	for _, rec := range pending {
		if err := p.pushOne(ctx, table, rec, remote); err != nil {
			p.logger.Warn("push stopped", "table", table, "guid", rec.GUID, "status", rec.Status, "error", err)
			return report, err
		}
		report.Pushed++
		report.Remaining--
	}
	if report.Pushed > 0 {
		p.logger.Info("pushed pending records", "table", table, "count", report.Pushed)
	}
	return report, nil
}

// pushOne replays one record. Only Inserted records are new to the server;
// Changed and Deleted ones came from it and are addressed by their server
// key, which is the guid when the server row carried no id.
func (p *TimestampPolicy) pushOne(ctx context.Context, table string, rec *types.Record, remote RemoteFunc) error {
	switch rec.Status {
	case types.StatusDeleted:
		call := RemoteCall{URI: ItemURI(table, serverKey(rec)), Method: http.MethodDelete}
		if _, err := remote(ctx, call); err != nil {
			return err
		}
		return p.store.Remove(ctx, table, []string{rec.GUID})

	case types.StatusInserted:
		call := RemoteCall{URI: CollectionURI(table), Method: http.MethodPost, Body: encodeRecord(rec)}
		resp, err := remote(ctx, call)
		if err != nil {
			return err
		}
		return p.confirmReplay(ctx, table, rec, resp)

	default:
		call := RemoteCall{URI: ItemURI(table, serverKey(rec)), Method: http.MethodPatch, Body: encodeRecord(rec)}
		resp, err := remote(ctx, call)
		if err != nil {
			return err
		}
		return p.confirmReplay(ctx, table, rec, resp)
	}
}

// confirmReplay is confirm for replays. A response that is not a record
// still confirms the mutation, since the server accepted it.
func (p *TimestampPolicy) confirmReplay(ctx context.Context, table string, rec *types.Record, resp []byte) error {
	confirmed := rec.Clone()
	if server, err := parseRecord(resp); err == nil {
		confirmed.Merge(server)
	}
	confirmed.Status = types.StatusUnchanged
	confirmed.Timestamp = p.clock.Next()
	return p.store.Store(ctx, table, []*types.Record{confirmed})
}
