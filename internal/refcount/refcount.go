// Package refcount implements the atomic reference count attached to every
// heap-owned, shared object in the VFS core: file objects, cache-entry
// buffers, and dirent cache entries (spec §3, invariants I1-I3, I7-I8).
//
// The shape mirrors the lookup-count bookkeeping in gcsfuse's
// fs/inode/lookup_count.go (a plain counter mutated under the owning
// object's lock) generalized into a free-standing atomic so it can also
// back the lock-free block cache buffers of §4.3, which are not guarded by
// any single object's lock.
package refcount

import "sync/atomic"

// Count is an atomic reference count. The zero value is not valid; use New.
type Count struct {
	n atomic.Int64
}

// New returns a Count initialized to the given number of shares (normally
// 1, the share returned to whoever created the object).
func New(initial int64) *Count {
	c := &Count{}
	c.n.Store(initial)
	return c
}

// Inc adds one share and returns the new count.
func (c *Count) Inc() int64 { return c.n.Add(1) }

// Add adds delta shares (possibly negative, for symmetry with Dec) and
// returns the new count.
func (c *Count) Add(delta int64) int64 { return c.n.Add(delta) }

// Dec drops one share, returning true when the count reached zero as a
// result of this call -- the caller that observes true is the one
// responsible for destroying the object (spec I2/I3).
func (c *Count) Dec() bool {
	return c.n.Add(-1) == 0
}

// Load returns the current count without mutating it.
func (c *Count) Load() int64 { return c.n.Load() }
