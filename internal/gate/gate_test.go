package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutualExclusion(t *testing.T) {
	g := New(nil)
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(context.Background(), func(context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInside.Load())
	}
}

func TestFIFOOrder(t *testing.T) {
	g := New(nil)
	first, _, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Let waiter i enqueue before waiter i+1.
		time.Sleep(10 * time.Millisecond)
	}

	first.Release()
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("waiters admitted out of order: %v", order)
		}
	}
}

func TestReleaseOnErrorAndPanic(t *testing.T) {
	g := New(nil)
	boom := errors.New("boom")

	if err := g.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	func() {
		defer func() { recover() }()
		g.Do(context.Background(), func(context.Context) error { panic("oops") })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tok, _, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("gate not released after error/panic: %v", err)
	}
	tok.Release()
	tok.Release() // idempotent
}

func TestReentrantHolder(t *testing.T) {
	g := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := g.Do(ctx, func(held context.Context) error {
		return g.Do(held, func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("nested Do with holder context should not block: %v", err)
	}

	other := New(nil)
	if other.Held(ctx) {
		t.Error("a context from one gate must not be held on another")
	}
}

func TestAcquireCancelled(t *testing.T) {
	g := New(nil)
	tok, _, _ := g.Acquire(context.Background())
	defer tok.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
