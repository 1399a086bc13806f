package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeWallClock_Frozen(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeWallClock(start)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())
}

func TestFakeWallClock_SetAndAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeWallClock(start)

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), clock.Now())

	// Backwards jumps are allowed; clocks under test must cope with them.
	earlier := start.Add(-time.Hour)
	clock.Set(earlier)
	assert.Equal(t, earlier, clock.Now())
}

func TestFakeWallClock_ThreadSafe(t *testing.T) {
	clock := NewFakeWallClock(time.Unix(0, 0))
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, time.Unix(0, 0).Add(numGoroutines*time.Millisecond), clock.Now())
}
