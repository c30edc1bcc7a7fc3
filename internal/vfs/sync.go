package vfs

import (
	"fmt"
	"time"

	"github.com/badger-os/vfscore/internal/clock"
)

// registerInstance/unregisterInstance track the live mount set so SyncAll
// has something to iterate without walking the whole mount tree.
func (s *State) registerInstance(inst *vfsInstance) {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	s.instances = append(s.instances, inst)
}

func (s *State) unregisterInstance(inst *vfsInstance) {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	for i, cur := range s.instances {
		if cur == inst {
			s.instances = append(s.instances[:i], s.instances[i+1:]...)
			return
		}
	}
}

// MountIDs returns the correlation ID of every currently mounted
// filesystem instance, in mount order. Used by diagnostics (cmd/badgerfs
// stat) and log lines that need to name a specific mount without leaking
// a pointer address.
func (s *State) MountIDs() []string {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	ids := make([]string, len(s.instances))
	for i, inst := range s.instances {
		ids[i] = inst.id
	}
	return ids
}

// SyncAll calls Flush on every currently mounted filesystem, the
// writeback half of spec §4.3's block cache (cache entries marked dirty
// by Write are pushed to the underlying device here rather than only on
// Unmount). Returns the first error encountered, tagged with the mount ID
// that produced it, but still attempts every instance rather than
// stopping short.
func (s *State) SyncAll() error {
	s.instancesMu.Lock()
	insts := append([]*vfsInstance(nil), s.instances...)
	s.instancesMu.Unlock()

	var first error
	for _, inst := range insts {
		if err := inst.mount.Flush(); err != nil && first == nil {
			first = fmt.Errorf("sync mount %s: %w", inst.id, err)
		}
	}
	return first
}

// StartSyncLoop runs SyncAll every interval until the returned func is
// called. A zero interval disables the loop (CacheConfig.SyncIntervalSecs
// <= 0 means "sync only on Unmount").
func (s *State) StartSyncLoop(clk clock.Clock, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-clk.After(interval):
				s.SyncAll()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
