// Package radix implements a concurrent sparse uint64->pointer map. It backs
// the block cache's block-index table and is available for any other
// global table that wants the same lock-free-read contract.
//
// Grounded on github.com/hashicorp/go-immutable-radix/v2 (pulled in as a
// dependency of moby/moby, the container-runtime repo this library is
// sourced from): that tree is path-copying, so a reader holding an old root
// never observes a concurrent writer's mutation and never needs a lock to
// iterate it. We keep the "current" root behind an atomic.Pointer and swap
// it on every write; a root that no writer can reach anymore becomes
// unreachable and is freed by the Go garbage collector once the last
// reader drops it -- an RCU-style grace period without hand-rolling one.
// Writers still need to serialize with each other (read root, copy, swap)
// so a single mutex orders them top-down, and a per-key striped lock from
// github.com/moby/locker (the same package) serializes CompareAndSwap calls
// on one key; CompareAndSwap then also takes the global writer mutex for its
// write.
package radix

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/moby/locker"
)

// ErrOutOfMemory is returned when a write would exceed the tree's
// configured capacity. Go has no graceful recovery from true allocator
// exhaustion, so capacity is the idiomatic stand-in, the same approach
// gcsfuse's lease.FileLeaser takes with its own configured byte limit
// rather than a raw malloc check.
var ErrOutOfMemory = errors.New("radix: out of memory")

// Tree is a concurrent sparse map from uint64 key to an arbitrary value.
type Tree struct {
	root atomic.Pointer[iradix.Tree[any]]

	writeMu sync.Mutex
	keyMu   *locker.Locker

	// capacity is the maximum number of entries, or 0 for unbounded.
	capacity int
}

// New returns an empty tree. capacity <= 0 means unbounded.
func New(capacity int) *Tree {
	t := &Tree{
		keyMu:    locker.New(),
		capacity: capacity,
	}
	t.root.Store(iradix.New[any]())
	return t
}

func keyBytes(key uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	return b[:]
}

// Get performs a lock-free lookup. The returned value may be concurrently
// removed from the tree by another goroutine immediately after this call
// returns; callers that need the value to outlive this call must share-own
// it (e.g. via internal/refcount) before using it further.
func (t *Tree) Get(key uint64) (any, bool) {
	root := t.root.Load()
	return root.Get(keyBytes(key))
}

// Set installs value at key, returning whatever was previously there.
func (t *Tree) Set(key uint64, value any) (previous any, err error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.setLocked(key, value)
}

func (t *Tree) setLocked(key uint64, value any) (any, error) {
	root := t.root.Load()
	if t.capacity > 0 && root.Len() >= t.capacity {
		if _, exists := root.Get(keyBytes(key)); !exists {
			return nil, ErrOutOfMemory
		}
	}
	newRoot, old, _ := root.Insert(keyBytes(key), value)
	t.root.Store(newRoot)
	return old, nil
}

// Delete removes key, returning the removed value if any.
func (t *Tree) Delete(key uint64) (removed any, existed bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.deleteLocked(key)
}

func (t *Tree) deleteLocked(key uint64) (any, bool) {
	root := t.root.Load()
	newRoot, old, ok := root.Delete(keyBytes(key))
	if ok {
		t.root.Store(newRoot)
	}
	return old, ok
}

// CompareAndSwap atomically replaces the value at key: if expected is nil
// it requires the key to currently be absent (optimizing to a plain Set);
// if new is nil on a successful match it deletes the key, triggering the
// path GC described in §4.1. Returns whether the swap happened.
func (t *Tree) CompareAndSwap(key uint64, expected, new any) (bool, error) {
	name := stripeName(key)
	t.keyMu.Lock(name)
	defer t.keyMu.Unlock(name)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	root := t.root.Load()
	current, exists := root.Get(keyBytes(key))

	if expected == nil {
		if exists {
			return false, nil
		}
		_, err := t.setLocked(key, new)
		return err == nil, err
	}

	if !exists || current != expected {
		return false, nil
	}

	if new == nil {
		t.deleteLocked(key)
		return true, nil
	}

	_, err := t.setLocked(key, new)
	return err == nil, err
}

// Len returns the number of entries currently in the tree.
func (t *Tree) Len() int {
	return t.root.Load().Len()
}

// View runs fn with a read-consistent iterator over a single snapshot of
// the tree, in ascending key order. Per §4.1, the iterator is only valid
// for the lifetime of this call.
func (t *Tree) View(fn func(it *Iterator)) {
	root := t.root.Load()
	fn(&Iterator{it: root.Root().Iterator()})
}

// Iterator walks a single immutable snapshot in ascending key order.
type Iterator struct {
	it *iradix.Iterator[any]
}

// Next returns the next key/value pair, or ok=false when exhausted.
func (it *Iterator) Next() (key uint64, value any, ok bool) {
	k, v, ok := it.it.Next()
	if !ok {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(k), v, true
}

func stripeName(key uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	return string(b[:])
}
