package clock

import "time"

// RealClock is the Clock every non-test mount runs on: wall-clock time,
// real timers. It backs internal/rwmutex's Acquire/AcquireShared timeouts
// and internal/vfs.StartSyncLoop's block-cache writeback ticker outside of
// tests.
type RealClock struct{}

// Now returns the current local time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// After notifies on the returned channel once d has elapsed.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
