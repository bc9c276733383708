// Package policy holds the cache policies: the decision engines that choose,
// per operation, between the local store, the network, or both.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/offsync/offsync/internal/config"
	"github.com/offsync/offsync/internal/connectivity"
	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/observability"
	"github.com/offsync/offsync/internal/store"
	"github.com/offsync/offsync/pkg/types"
)

// Source tells where a response body came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceMerged      Source = "merged"
	SourcePassthrough Source = "passthrough"
)

// RemoteCall describes one upstream call. A nil URI or empty Method means
// "the URI or verb of the intercepted request". URIs are relative to the
// service root, e.g. /tables/todoitem/17.
type RemoteCall struct {
	URI    *url.URL
	Method string
	Body   []byte
}

// RemoteFunc performs a remote call and returns the response body. It must
// fail on any non-success status instead of returning the body as data.
type RemoteFunc func(ctx context.Context, call RemoteCall) ([]byte, error)

// Resource identifies the target of an operation.
type Resource struct {
	// Table is the cached table name
	Table string

	// Key addresses a single record (server id or guid); empty for the collection
	Key string

	// Query is the parsed read query
	Query store.Query

	// URI is the intercepted request URI relative to the service root
	URI *url.URL
}

// Result is the outcome of a policy operation.
type Result struct {
	Body   []byte
	Source Source
}

// Policy decides how each operation is served.
type Policy interface {
	Read(ctx context.Context, res Resource, remote RemoteFunc) (Result, error)
	Insert(ctx context.Context, res Resource, body []byte, remote RemoteFunc) (Result, error)
	Update(ctx context.Context, res Resource, body []byte, remote RemoteFunc) (Result, error)
	Delete(ctx context.Context, res Resource, remote RemoteFunc) (Result, error)
}

// Reconciler is implemented by policies that keep pending local mutations.
type Reconciler interface {
	// Pending lists the records of table awaiting reconciliation, oldest first.
	Pending(ctx context.Context, table string) ([]*types.Record, error)

	// Push replays the pending records of table against the remote.
	Push(ctx context.Context, table string, remote RemoteFunc) (PushReport, error)
}

// CollectionURI addresses the collection of table.
func CollectionURI(table string) *url.URL {
	return &url.URL{Path: "/tables/" + table}
}

// ItemURI addresses one record of table.
func ItemURI(table, key string) *url.URL {
	return &url.URL{Path: "/tables/" + table + "/" + key}
}

// NotCacheable is returned for resources a policy has no caching behavior
// for. Callers fall through to the network.
func NotCacheable(format string, args ...interface{}) error {
	return offerr.NewPolicyError(offerr.CodeNotCacheable, fmt.Sprintf(format, args...))
}

// IsNotCacheable reports whether err asks for a network fall-through.
func IsNotCacheable(err error) bool {
	return offerr.HasCode(err, offerr.CodeNotCacheable)
}

// NetworkPolicy always uses the network and never touches the store.
type NetworkPolicy struct{}

// NewNetworkPolicy returns the degenerate always-network policy.
func NewNetworkPolicy() *NetworkPolicy { return &NetworkPolicy{} }

func (NetworkPolicy) call(ctx context.Context, body []byte, remote RemoteFunc) (Result, error) {
	resp, err := remote(ctx, RemoteCall{Body: body})
	if err != nil {
		return Result{}, err
	}
	return Result{Body: resp, Source: SourceNetwork}, nil
}

// Read forwards the read.
func (p NetworkPolicy) Read(ctx context.Context, _ Resource, remote RemoteFunc) (Result, error) {
	return p.call(ctx, nil, remote)
}

// Insert forwards the insert.
func (p NetworkPolicy) Insert(ctx context.Context, _ Resource, body []byte, remote RemoteFunc) (Result, error) {
	return p.call(ctx, body, remote)
}

// Update forwards the update.
func (p NetworkPolicy) Update(ctx context.Context, _ Resource, body []byte, remote RemoteFunc) (Result, error) {
	return p.call(ctx, body, remote)
}

// Delete forwards the delete.
func (p NetworkPolicy) Delete(ctx context.Context, _ Resource, remote RemoteFunc) (Result, error) {
	return p.call(ctx, nil, remote)
}

// Deps are the collaborators a policy may need.
type Deps struct {
	Store     store.Store
	Oracle    connectivity.Oracle
	Cacheable func(table string) bool
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// New builds the policy registered under name. An empty name selects the
// network policy.
func New(name config.PolicyName, deps Deps) (Policy, error) {
	switch name {
	case "", config.PolicyNetwork:
		return NewNetworkPolicy(), nil
	case config.PolicyTimestamp:
		if deps.Store == nil || deps.Oracle == nil {
			return nil, fmt.Errorf("policy %s requires a store and a connectivity oracle", name)
		}
		return NewTimestampPolicy(deps), nil
	default:
		return nil, fmt.Errorf("unknown policy: %s", name)
	}
}
