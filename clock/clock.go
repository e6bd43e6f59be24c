// Package clock provides the monotonic time source the timers count against.
package clock

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Clock returns a monotonic instant. Only differences between two values are
// meaningful.
type Clock interface {
	Now() time.Duration
}

// Monotonic reads CLOCK_MONOTONIC.
type Monotonic struct{}

// Now implements Clock.
func (Monotonic) Now() time.Duration {
	var ts unix.Timespec

	// CLOCK_MONOTONIC cannot fail with a valid pointer.
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)

	return time.Duration(ts.Nano())
}

// Manual is a clock that only moves when told to. It is used by tests and by
// dry runs that replay a recorded trace.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Duration) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Duration) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
