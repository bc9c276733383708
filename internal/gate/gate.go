// Package gate provides the process-wide serial access gate guarding the
// cache. At most one cache-affecting operation holds the gate at a time and
// waiters are admitted in arrival order.
package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/offsync/offsync/internal/observability"
)

// Gate is an asynchronous FIFO mutex. Waiting honors context cancellation, so
// a caller is never stuck behind the holder once its own deadline passes.
type Gate struct {
	sem     *semaphore.Weighted
	metrics *observability.Metrics
}

// Token is the scoped ownership handle returned by Acquire.
type Token struct {
	gate    *Gate
	once    sync.Once
	release bool
}

type holderKey struct{ g *Gate }

// New creates a gate. metrics may be nil.
func New(metrics *observability.Metrics) *Gate {
	return &Gate{
		sem:     semaphore.NewWeighted(1),
		metrics: metrics,
	}
}

// Acquire waits for exclusive access and returns a token plus a context that
// marks the caller as the holder. Calling Acquire again with that context
// returns a no-op token instead of deadlocking.
func (g *Gate) Acquire(ctx context.Context) (*Token, context.Context, error) {
	if g.Held(ctx) {
		return &Token{gate: g}, ctx, nil
	}

	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, ctx, err
	}
	g.metrics.ObserveGateWait(time.Since(start))

	return &Token{gate: g, release: true}, context.WithValue(ctx, holderKey{g}, true), nil
}

// Held reports whether ctx was produced by an Acquire on this gate.
func (g *Gate) Held(ctx context.Context) bool {
	held, _ := ctx.Value(holderKey{g}).(bool)
	return held
}

// Release gives up the gate. It is safe to call more than once; only the
// first call has an effect.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release {
			t.gate.sem.Release(1)
		}
	})
}

// Do runs fn while holding the gate. The gate is released on every exit
// path, including a panic in fn.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	tok, held, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn(held)
}
