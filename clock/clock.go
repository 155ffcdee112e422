// Package clock provides the time source consulted by the settlement engine.
//
// Invoice expiry is a stored timestamp compared against Clock.Now, never a
// scheduled timer, so a clock only needs to report the current time. Tests
// inject Fake for deterministic control.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time. Implementations must never go backwards.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to a Clock.
type Func func() time.Time

// Now implements Clock.
func (f Func) Now() time.Time { return f() }

// Real returns a Clock backed by the system clock. Wall-clock adjustments
// that move time backwards are absorbed: Now returns the latest time it has
// already reported until the system clock catches up.
func Real() Clock {
	return &realClock{}
}

type realClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *realClock) Now() time.Time {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}
