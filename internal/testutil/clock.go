package testutil

import (
	"sync"
	"time"
)

// FakeWallClock is a settable wall clock for tests.
//
// Pass its Now method wherever a func() time.Time is accepted.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeWallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeWallClock creates a clock frozen at t.
func NewFakeWallClock(t time.Time) *FakeWallClock {
	return &FakeWallClock{now: t}
}

// Now returns the current fake time.
func (c *FakeWallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t, forwards or backwards.
func (c *FakeWallClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FakeWallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
