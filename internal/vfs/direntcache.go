package vfs

import (
	"time"

	"github.com/badger-os/vfscore/internal/fsdriver"
)

// negativeCacheTTL bounds how long a failed lookup is remembered before
// the next lookup re-walks the driver. Grounded on gcsfuse's
// fs/inode typeCache, which caches the *kind* of a resolved name (file,
// directory, explicit-dir, implicit-dir, or none) for a bounded interval
// rather than re-querying GCS on every lookup; this is the "none" case of
// that same idea, generalized from a GCS-object listing to any driver's
// DirFindEnt.
const negativeCacheTTL = 2 * time.Second

// negKey identifies one (mount instance, parent directory, child name)
// lookup that resolved to ENOENT.
type negKey struct {
	vfsRef *vfsInstance
	parent fsdriver.InodeNum
	name   string
}

// negativeLookup reports whether name is currently cached as absent
// under parent within vfsRef's instance.
func (s *State) negativeLookup(vfsRef *vfsInstance, parent fsdriver.InodeNum, name string) bool {
	key := negKey{vfsRef, parent, name}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	exp, ok := s.negCache[key]
	if !ok {
		return false
	}
	if !s.clk.Now().Before(exp) {
		delete(s.negCache, key)
		return false
	}
	return true
}

// negativeInsert remembers that name does not currently exist under
// parent, for negativeCacheTTL.
func (s *State) negativeInsert(vfsRef *vfsInstance, parent fsdriver.InodeNum, name string) {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	s.negCache[negKey{vfsRef, parent, name}] = s.clk.Now().Add(negativeCacheTTL)
}

// negativeInvalidate drops any cached negative entry for name under
// parent. Called by every operation that can make a previously-absent
// name newly resolvable (create, mkdir, symlink, mkfifo, link), so a
// stale ENOENT never outlives the creation that disproves it.
func (s *State) negativeInvalidate(vfsRef *vfsInstance, parent fsdriver.InodeNum, name string) {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	delete(s.negCache, negKey{vfsRef, parent, name})
}
