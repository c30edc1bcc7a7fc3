package vfs

import (
	"context"

	"github.com/google/uuid"

	"github.com/badger-os/vfscore/internal/errno"
	"github.com/badger-os/vfscore/internal/fsdriver"
	"github.com/badger-os/vfscore/internal/metrics"
	"github.com/badger-os/vfscore/internal/refcount"
	"github.com/badger-os/vfscore/internal/rwmutex"
)

// Mount attaches a filesystem, spec §4.6.4. The first call in a State's
// lifetime must have at=FDNone and path="/"; every later call mounts at
// an existing empty directory.
func (s *State) Mount(driverName string, media fsdriver.MediaReader, at FD, path string, readOnly bool) (err error) {
	_, span := s.tracer.StartSpan(context.Background(), "vfs.Mount")
	defer func() {
		metrics.ObserveOp(metrics.OpMount, err)
		if err == nil {
			metrics.MountedInstances.Inc()
		}
		s.tracer.EndSpan(span)
	}()

	drv, ok := s.drivers[driverName]
	if !ok {
		return errno.EINVAL
	}

	s.rootMu.Lock()
	firstMount := s.rootInst == nil
	s.rootMu.Unlock()

	if firstMount {
		if at != FDNone || path != "/" {
			return errno.EINVAL
		}
		m, err := drv.Mount(media, readOnly)
		if err != nil {
			return err
		}
		cookie, err := m.RootOpen()
		if err != nil {
			return err
		}

		st, err := m.Stat(m.RootInode())
		if err != nil {
			return err
		}

		inst := &vfsInstance{driver: drv, mount: m, state: stateMounted, id: uuid.NewString()}
		root := &fobj{vfsRef: inst, inode: m.RootInode(), cookie: cookie, kind: st.Type, mu: rwmutex.New(), refs: refcount.New(1)}
		inst.rootFobj = root

		s.fobjMu.Lock()
		s.fobjTable[fobjKey{vfsRef: inst, inode: root.inode}] = root
		s.fobjMu.Unlock()

		s.rootMu.Lock()
		s.rootInst = inst
		s.rootMu.Unlock()
		s.registerInstance(inst)
		s.ready.Store(true)
		return nil
	}

	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}

	s.dirsMtx.Acquire(0)
	parent, file, _, werr := s.Walk(start, path, false)
	s.dirsMtx.Release()
	if werr != nil {
		return werr
	}
	s.fobjRelease(parent)
	if file == nil {
		return errno.ENOENT
	}
	defer s.fobjRelease(file)

	if file.kind != fsdriver.TypeDirectory {
		return errno.ENOTDIR
	}
	if file.mountedFS != nil {
		return errno.EEXIST
	}
	entries, err := file.vfsRef.mount.DirRead(file.inode)
	if err != nil {
		return err
	}
	if len(entries) > 2 {
		return errno.ENOTSUP
	}

	m, err := drv.Mount(media, readOnly)
	if err != nil {
		return err
	}
	cookie, err := m.RootOpen()
	if err != nil {
		return err
	}
	st, err := m.Stat(m.RootInode())
	if err != nil {
		return err
	}

	inst := &vfsInstance{driver: drv, mount: m, state: stateMounted, mountpoint: file, id: uuid.NewString()}
	root := &fobj{vfsRef: inst, inode: m.RootInode(), cookie: cookie, kind: st.Type, mu: rwmutex.New(), refs: refcount.New(1)}
	inst.rootFobj = root

	s.fobjMu.Lock()
	s.fobjTable[fobjKey{vfsRef: inst, inode: root.inode}] = root
	s.fobjMu.Unlock()

	// file.mountedFS now permanently owns the fobj share this function
	// would otherwise have released via the deferred call above; retain
	// one extra share so the deferred release leaves a net +1 with it.
	s.fobjRef(file)
	file.mountedFS = inst
	s.registerInstance(inst)

	return nil
}

// Unmount detaches the filesystem mounted at path, spec §4.6.5's Mount
// state machine: mounted -> unmounting -> unmounted, legal only with no
// open fds beyond the mountpoint's own baseline share.
func (s *State) Unmount(at FD, path string) (err error) {
	_, span := s.tracer.StartSpan(context.Background(), "vfs.Unmount")
	defer func() {
		metrics.ObserveOp(metrics.OpUnlink, err)
		if err == nil {
			metrics.MountedInstances.Dec()
		}
		s.tracer.EndSpan(span)
	}()

	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}

	s.dirsMtx.Acquire(0)
	defer s.dirsMtx.Release()

	parent, file, _, werr := s.Walk(start, path, false)
	if werr != nil {
		return werr
	}
	s.fobjRelease(parent)
	if file == nil {
		return errno.ENOENT
	}
	defer s.fobjRelease(file)

	if file.mountedFS == nil {
		return errno.EINVAL
	}
	inst := file.mountedFS

	inst.stateMu.Lock()
	if inst.state != stateMounted {
		inst.stateMu.Unlock()
		return errno.EINVAL
	}
	// The mountpoint fobj holds one structural share, and the root fobj
	// itself holds its own baseline share; anything beyond that means a
	// descriptor is still open somewhere under this instance.
	if inst.rootFobj.refs.Load() > 1 {
		inst.stateMu.Unlock()
		return errno.ENOTSUP
	}
	inst.state = stateUnmounting
	inst.stateMu.Unlock()

	if err := inst.mount.Unmount(); err != nil {
		inst.stateMu.Lock()
		inst.state = stateMounted
		inst.stateMu.Unlock()
		return err
	}

	s.fobjMu.Lock()
	delete(s.fobjTable, fobjKey{vfsRef: inst, inode: inst.rootFobj.inode})
	s.fobjMu.Unlock()

	file.mountedFS = nil
	s.fobjRelease(file) // release the share Mount granted when attaching
	s.unregisterInstance(inst)

	inst.stateMu.Lock()
	inst.state = stateUnmounted
	inst.stateMu.Unlock()

	return nil
}
