// Package vfs implements the VFS core from spec §4.6: path walking with
// mount transparency and bounded symlink following, a file-object intern
// table keyed by (vfs instance, inode), three-layer reference counting
// (descriptor -> fobj -> driver inode), and the mount/unmount state
// machine.
//
// Grounded on gcsfuse's fs.fileSystem (fs/fs.go): the lock-ordering
// discipline -- a directory-tree-wide mutex taken around mutating path
// walks, a separate mutex guarding the descriptor table and fd counter,
// and an intern table mapping a stable key to a shared, refcounted
// object -- is the same shape fs.fileSystem uses for fuseops.InodeID ->
// inode.Inode, generalized here to also span mount boundaries. The
// file-object intern/lookup-or-create sequence in openComponent follows
// the LookUpInodeOp pattern from that file (check the table, bump a
// refcount on a hit, populate and insert on a miss).
package vfs

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/badger-os/vfscore/internal/clock"
	"github.com/badger-os/vfscore/internal/errno"
	"github.com/badger-os/vfscore/internal/fsdriver"
	"github.com/badger-os/vfscore/internal/metrics"
	"github.com/badger-os/vfscore/internal/refcount"
	"github.com/badger-os/vfscore/internal/rwmutex"
	"github.com/badger-os/vfscore/internal/tracing"
)

// symlinkMax bounds symlink-chasing depth during a single walk (spec
// §4.6.1).
const symlinkMax = 8

// FD is a file descriptor handle. FDNone ("FILE_NONE") means "no
// descriptor, resolve relative to root".
type FD int64

const FDNone FD = -1

type mountState int

const (
	stateUnmounted mountState = iota
	stateMounted
	stateUnmounting
)

// vfsInstance is one mounted filesystem, spec §4.6's "VFS" entity.
type vfsInstance struct {
	driver fsdriver.Driver
	mount  fsdriver.Mount

	// id correlates this instance across log lines and metrics without
	// leaking a pointer address; assigned once at Mount time.
	id string

	rootFobj   *fobj
	mountpoint *fobj // the covered directory fobj in the parent instance, nil for the root VFS

	stateMu sync.Mutex
	state   mountState
}

// fobjKey interns fobjs per spec §4.6.2.
type fobjKey struct {
	vfsRef *vfsInstance
	inode  fsdriver.InodeNum
}

// fobj is the shared, per-inode handle (spec glossary: "fobj"). Its
// mutex is the one append atomicity and resize-upgrade rely on (§5's
// ordering guarantees).
type fobj struct {
	vfsRef *vfsInstance
	inode  fsdriver.InodeNum
	cookie fsdriver.Cookie
	kind   fsdriver.FileType

	mu   *rwmutex.RWMutex
	refs *refcount.Count

	// mountedFS is set when this fobj is a directory serving as another
	// instance's mountpoint; path walking follows through it transparently.
	mountedFS *vfsInstance

	// deviceFile, if non-nil, makes this fobj a device special file: I/O
	// routes to it instead of the driver (spec §4.6.4).
	deviceFile DeviceFile

	// fifo, if non-nil, makes this fobj a FIFO or anonymous pipe end; I/O
	// routes through the state machine in fifo.go instead of the driver.
	fifo *fifoState
}

// DeviceFile is the vtable a caller binds to a path via MkDevFile (spec
// §4.6.4's mkdevfile), e.g. devtmpfs's null/zero devices.
type DeviceFile interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
	Seekable() bool
}

// descriptor is the per-open handle (spec glossary: "fd"): independent
// offset and flags over a shared fobj.
type descriptor struct {
	fobjRef *fobj
	flags   OpenFlag

	mu     sync.Mutex // guards offset
	offset int64
}

// State is the process-wide VfsState singleton from spec §9: the
// descriptor table, the fobj intern table, the fd counter, and the root
// VFS pointer, bundled into one explicit value instead of package
// globals.
type State struct {
	drivers map[string]fsdriver.Driver

	descMu *rwmutex.RWMutex
	descs  map[FD]*descriptor
	nextFD atomic.Int64

	fobjMu    sync.Mutex
	fobjTable map[fobjKey]*fobj

	dirsMtx *rwmutex.RWMutex

	rootMu   sync.Mutex
	rootInst *vfsInstance

	devicesMu sync.Mutex
	devices   map[fobjKey]DeviceFile

	instancesMu sync.Mutex
	instances   []*vfsInstance

	tracer tracing.Handle
	clk    clock.Clock

	// negMu/negCache back the directory child-type negative-lookup cache:
	// a name that just resolved to ENOENT under a given parent is
	// remembered for negativeCacheTTL so repeated lookups of a name that
	// does not exist (a common pattern for tools that probe for config
	// files) don't re-walk the driver every time.
	negMu    sync.Mutex
	negCache map[negKey]time.Time

	ready atomic.Bool
}

// NewState returns an empty VfsState ready for driver registration and
// the first mount.
func NewState() *State {
	return &State{
		drivers:   make(map[string]fsdriver.Driver),
		descMu:    rwmutex.New(),
		descs:     make(map[FD]*descriptor),
		fobjMu:    sync.Mutex{},
		fobjTable: make(map[fobjKey]*fobj),
		dirsMtx:   rwmutex.New(),
		devices:   make(map[fobjKey]DeviceFile),
		tracer:    tracing.NewNoopTracer(),
		clk:       clock.RealClock{},
		negCache:  make(map[negKey]time.Time),
	}
}

// SetTracer overrides the no-op default, wiring a real otel tracer.
func (s *State) SetTracer(t tracing.Handle) { s.tracer = t }

// SetClock overrides the real wall-clock default, so tests can control the
// negative-lookup cache's TTL expiry deterministically.
func (s *State) SetClock(c clock.Clock) { s.clk = c }

// RegisterDriver makes a filesystem driver available to Mount by name.
func (s *State) RegisterDriver(d fsdriver.Driver) {
	s.drivers[d.Name()] = d
}

func (s *State) fobjRef(f *fobj) {
	if f != nil {
		f.refs.Inc()
	}
}

// fobjRelease drops one share; at zero it removes the intern-table entry
// and invokes the driver's close, per spec §4.6.3's three-layer teardown.
func (s *State) fobjRelease(f *fobj) {
	if f == nil {
		return
	}
	if !f.refs.Dec() {
		return
	}
	if f.vfsRef != nil {
		s.fobjMu.Lock()
		delete(s.fobjTable, fobjKey{vfsRef: f.vfsRef, inode: f.inode})
		s.fobjMu.Unlock()
		f.vfsRef.mount.FileClose(f.inode, f.cookie)
	}
}

// resolveMountpoint consumes ownership of f and returns an owned share of
// the innermost mounted root it covers, following through chained mounts
// (spec §4.6.1's "transparently follows through to the mounted root").
func (s *State) resolveMountpoint(f *fobj) *fobj {
	for f.mountedFS != nil {
		root := f.mountedFS.rootFobj
		s.fobjRef(root)
		s.fobjRelease(f)
		f = root
	}
	return f
}

// openComponent looks up name within dir (an owned-but-borrowed share)
// and returns a freshly owned share of the resulting fobj, spec §4.6.2.
func (s *State) openComponent(dir *fobj, name string) (*fobj, error) {
	if dir.kind != fsdriver.TypeDirectory {
		return nil, errno.ENOTDIR
	}

	if s.negativeLookup(dir.vfsRef, dir.inode, name) {
		return nil, errno.ENOENT
	}

	ent, found, err := dir.vfsRef.mount.DirFindEnt(dir.inode, name)
	if err != nil {
		return nil, err
	}
	if !found {
		s.negativeInsert(dir.vfsRef, dir.inode, name)
		return nil, errno.ENOENT
	}

	key := fobjKey{vfsRef: dir.vfsRef, inode: ent.Inode}

	s.fobjMu.Lock()
	if existing, ok := s.fobjTable[key]; ok {
		existing.refs.Inc()
		s.fobjMu.Unlock()
		return existing, nil
	}
	s.fobjMu.Unlock()

	_, cookie, err := dir.vfsRef.mount.FileOpen(dir.inode, name)
	if err != nil {
		return nil, err
	}
	st, err := dir.vfsRef.mount.Stat(ent.Inode)
	if err != nil {
		dir.vfsRef.mount.FileClose(ent.Inode, cookie)
		return nil, err
	}

	f := &fobj{
		vfsRef: dir.vfsRef,
		inode:  ent.Inode,
		cookie: cookie,
		kind:   st.Type,
		mu:     rwmutex.New(),
		refs:   refcount.New(1),
	}

	// Device bindings are inode-durable, not fobj-lifetime-scoped: a
	// special file closed down to zero refs and reopened must still
	// dispatch to its device rather than falling through to the driver's
	// ordinary FileRead/FileWrite.
	s.devicesMu.Lock()
	f.deviceFile = s.devices[key]
	s.devicesMu.Unlock()

	s.fobjMu.Lock()
	if existing, ok := s.fobjTable[key]; ok {
		existing.refs.Inc()
		s.fobjMu.Unlock()
		dir.vfsRef.mount.FileClose(ent.Inode, cookie)
		return existing, nil
	}
	s.fobjTable[key] = f
	s.fobjMu.Unlock()

	return f, nil
}

// resolveAt returns a borrowed fobj to start a walk from: the root if at
// is FDNone, otherwise the descriptor's own fobj.
func (s *State) resolveAt(at FD) (*fobj, error) {
	if at == FDNone {
		s.rootMu.Lock()
		inst := s.rootInst
		s.rootMu.Unlock()
		if inst == nil {
			return nil, errno.EAGAIN
		}
		return inst.rootFobj, nil
	}

	s.descMu.AcquireShared(0)
	d, ok := s.descs[at]
	s.descMu.ReleaseShared()
	if !ok {
		return nil, errno.EBADF
	}
	return d.fobjRef, nil
}

// splitPath collapses consecutive slashes and drops empty components.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Walk resolves path starting from start (spec §4.6.1). It returns owned
// shares in parent and, when the terminal component exists, in file;
// callers must release whichever of parent/file are non-nil exactly
// once, even when they are the same pointer (a bare "/" or trailing
// "." resolves to one owned fobj referenced twice). filename is the
// terminal path component, used by creation callers.
func (s *State) Walk(start *fobj, path string, noFollowSymlink bool) (parent, file *fobj, filename string, err error) {
	_, span := s.tracer.StartSpan(context.Background(), "vfs.Walk")
	defer func() {
		metrics.ObserveOp(metrics.OpWalk, err)
		s.tracer.EndSpan(span)
	}()

	cur := start
	if strings.HasPrefix(path, "/") {
		s.rootMu.Lock()
		inst := s.rootInst
		s.rootMu.Unlock()
		if inst == nil {
			return nil, nil, "", errno.EAGAIN
		}
		cur = inst.rootFobj
	}
	s.fobjRef(cur)
	cur = s.resolveMountpoint(cur)

	parts := splitPath(path)
	if len(parts) == 0 {
		s.fobjRef(cur)
		return cur, cur, "", nil
	}

	depth := 0
	for idx := 0; idx < len(parts); idx++ {
		comp := parts[idx]
		last := idx == len(parts)-1

		next, oerr := s.openComponent(cur, comp)
		if oerr != nil {
			if oerr == errno.ENOENT && last {
				return cur, nil, comp, nil
			}
			s.fobjRelease(cur)
			return nil, nil, "", oerr
		}

		if next.kind == fsdriver.TypeSymlink && !(last && noFollowSymlink) {
			depth++
			if depth > symlinkMax {
				s.fobjRelease(next)
				s.fobjRelease(cur)
				return nil, nil, "", errno.ELOOP
			}

			target, lerr := next.vfsRef.mount.ReadSymlink(next.inode)
			s.fobjRelease(next)
			if lerr != nil {
				s.fobjRelease(cur)
				return nil, nil, "", lerr
			}

			rest := parts[idx+1:]
			if strings.HasPrefix(target, "/") {
				s.fobjRelease(cur)
				s.rootMu.Lock()
				inst := s.rootInst
				s.rootMu.Unlock()
				cur = inst.rootFobj
				s.fobjRef(cur)
				cur = s.resolveMountpoint(cur)
			}
			parts = append(append([]string{}, splitPath(target)...), rest...)
			idx = -1
			continue
		}

		if last {
			return cur, next, comp, nil
		}

		resolved := s.resolveMountpoint(next)
		s.fobjRelease(cur)
		cur = resolved
	}

	s.fobjRef(cur)
	return cur, cur, "", nil
}
