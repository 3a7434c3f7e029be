// Package counter provides a small concurrency-safe 64-bit counter,
// used for the peer record's sent/received message totals (spec.md §4.2,
// §8 invariant: sum of msgs_sent equals the number of successful encodes
// on a peer's socket).
package counter

import (
	"fmt"
	"sync/atomic"
)

// Counter is a concurrency-safe 64-bit monotonic counter.
type Counter struct {
	count uint64
}

// New creates a zeroed Counter.
func New() *Counter {
	return &Counter{}
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() {
	atomic.StoreUint64(&c.count, 0)
}

// Increment adds one to the counter and returns the new value.
func (c *Counter) Increment() uint64 {
	return atomic.AddUint64(&c.count, 1)
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.count)
}

// String implements fmt.Stringer.
func (c *Counter) String() string {
	return fmt.Sprintf("%d", c.Value())
}
