// Package clock provides monotonic and wall-clock time for the gateway,
// plus the drift monitor that keeps wall time aligned with an external
// reference.
package clock

import "time"

// Clock provides wall time and a reset-relative monotonic millisecond
// counter. The counter wraps after ~49 days; callers must compare via
// ElapsedMS rather than directly.
type Clock interface {
	Now() time.Time
	MonotonicMS() uint32
}

// ElapsedMS returns the milliseconds elapsed from since to now,
// correct across uint32 wrap.
func ElapsedMS(now, since uint32) uint32 {
	return now - since
}

// MIDLess reports whether a precedes b in wrap-safe message-id order.
func MIDLess(a, b uint32) bool {
	return int32(b-a) > 0
}

// SystemClock implements Clock using the Go runtime's monotonic clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a SystemClock anchored at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now returns the current wall-clock time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// MonotonicMS returns milliseconds since the clock was created.
func (c *SystemClock) MonotonicMS() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}
