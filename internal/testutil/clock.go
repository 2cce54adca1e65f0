// Package testutil provides shared test fixtures: deterministic clocks
// and temp-file event stores.
package testutil

import (
	"sync"
	"time"
)

// TickingClock is a thread-safe clock that advances a fixed step on
// every read. Event timestamps drawn from it are strictly increasing
// and reproducible across runs.
type TickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewTickingClock creates a clock whose first read returns start.
func NewTickingClock(start time.Time, step time.Duration) *TickingClock {
	return &TickingClock{now: start, step: step}
}

// Now returns the current time and advances the clock by one step.
func (c *TickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.now
	c.now = c.now.Add(c.step)
	return cur
}

// Peek returns the time the next Now call will report, without
// advancing.
func (c *TickingClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// FixedClock returns a clock frozen at the given instant.
func FixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
