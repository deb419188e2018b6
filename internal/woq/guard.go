package woq

import (
	"fmt"
	"runtime"
)

type tileShape struct {
	rows, cols, depth int
}

// tileConfig models per-thread accumulator configuration: it must be
// acquired for a fixed tile shape before a kernel that needs it runs, and
// released before the shape changes.
type tileConfig struct {
	shape      tileShape
	active     bool
	configures int
}

// acquire configures the accumulators for shape and pins the goroutine to
// its thread. The returned func releases both and is safe to call more than
// once, so callers can write defer cfg.acquire(shape)().
func (c *tileConfig) acquire(shape tileShape) func() {
	if c.active {
		panic(fmt.Sprintf("woq: tile configuration %v still held when configuring %v", c.shape, shape))
	}
	runtime.LockOSThread()
	c.shape = shape
	c.active = true
	c.configures++
	released := false
	return func() {
		if released {
			return
		}
		released = true
		c.active = false
		c.shape = tileShape{}
		runtime.UnlockOSThread()
	}
}

// check panics unless the accumulators are configured for shape.
func (c *tileConfig) check(shape tileShape) {
	if !c.active || c.shape != shape {
		panic(fmt.Sprintf("woq: kernel for %v run without matching tile configuration", shape))
	}
}
