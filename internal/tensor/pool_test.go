package tensor

import (
	"sync"
	"sync/atomic"
	"testing"
)

func newTestPool(t testing.TB, size int) *Pool {
	t.Helper()
	p := NewPool(size)
	t.Cleanup(p.Close)
	return p
}

func TestPoolForVisitsEveryIndexOnce(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 4)
	for _, n := range []int{0, 1, 3, 4, 17, 1000} {
		hits := make([]int32, n)
		p.For(n, func(i int) {
			atomic.AddInt32(&hits[i], 1)
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, h)
			}
		}
	}
}

func TestPoolForConcurrentCallers(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 3)
	var wg sync.WaitGroup
	var total atomic.Int64
	for range 8 {
		wg.Go(func() {
			p.For(100, func(i int) {
				total.Add(int64(i))
			})
		})
	}
	wg.Wait()

	if got, want := total.Load(), int64(8*4950); got != want {
		t.Fatalf("sum: got %d want %d", got, want)
	}
}

func TestPoolSingleWorkerRunsInline(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1)
	order := make([]int, 0, 5)
	p.For(5, func(i int) {
		order = append(order, i)
	})
	for i, v := range order {
		if v != i {
			t.Fatalf("order: got %v", order)
		}
	}
}

func TestPoolCloseAfterUse(t *testing.T) {
	t.Parallel()

	p := NewPool(3)
	var total atomic.Int64
	p.For(10, func(i int) { total.Add(1) })
	p.Close()
	p.Close()
	if total.Load() != 10 {
		t.Fatalf("ran %d tasks, want 10", total.Load())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("For on a closed pool did not panic")
		}
	}()
	p.For(10, func(int) {})
}
