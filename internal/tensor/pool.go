package tensor

import (
	"runtime"
	"sync"
)

type poolTask struct {
	fn     func(i int)
	lo, hi int
	done   chan struct{}
}

// Pool is a fixed set of worker goroutines fed through a task channel.
// For partitions an index space across the workers and returns once every
// index has run. Calls may overlap; each call borrows its own completion
// channel. For must not be called from inside a task of the same pool.
type Pool struct {
	size      int
	tasks     chan poolTask
	doneSlots chan chan struct{}
	closeOnce sync.Once
}

// NewPool starts a pool with size workers. size <= 0 selects GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	size = max(size, 1)
	p := &Pool{
		size:      size,
		tasks:     make(chan poolTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				for i := task.lo; i < task.hi; i++ {
					task.fn(i)
				}
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// DefaultPool returns the process-wide pool, starting it on first use.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(0)
	})
	return defaultPool
}

// Close stops the workers once queued tasks finish. For must not be called
// after Close. Close is idempotent.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// For runs fn(i) for every i in [0, n). Indices are split into at most Size()
// contiguous chunks; within a chunk they run in increasing order.
func (p *Pool) For(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := min(p.size, n)
	if workers <= 1 {
		for i := range n {
			fn(i)
		}
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots
	sent := 0
	for lo := 0; lo < n; lo += chunk {
		p.tasks <- poolTask{
			fn:   fn,
			lo:   lo,
			hi:   min(lo+chunk, n),
			done: done,
		}
		sent++
	}
	for range sent {
		<-done
	}
	p.doneSlots <- done
}
