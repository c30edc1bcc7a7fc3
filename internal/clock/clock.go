// Package clock gives the VFS core one narrow time source, so ramfs
// timestamps, the cache writeback ticker, and the rwmutex timeout paths
// can all run against a SimulatedClock in tests instead of racing
// real wall-clock time. Mirrors gcsfuse's clock.Clock (Now/After)
// used throughout fs/inode and gcsx to decouple that code from time.Now.
package clock

import "time"

// Clock is the current-time and timer abstraction threaded through the
// VFS core. RealClock satisfies it outside tests; FakeClock and
// SimulatedClock satisfy it inside them.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
