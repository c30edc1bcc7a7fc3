package vfs

import (
	"github.com/badger-os/vfscore/internal/errno"
	"github.com/badger-os/vfscore/internal/fsdriver"
	"github.com/badger-os/vfscore/internal/refcount"
)

// Mkdir implements spec §4.6.4's mkdir.
func (s *State) Mkdir(at FD, path string, mode uint32) error {
	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}
	s.dirsMtx.Acquire(0)
	defer s.dirsMtx.Release()

	parent, file, name, werr := s.Walk(start, path, true)
	if werr != nil {
		return werr
	}
	defer s.fobjRelease(parent)
	if file != nil {
		s.fobjRelease(file)
		return errno.EEXIST
	}

	_, cerr := parent.vfsRef.mount.CreateDir(parent.inode, name, mode)
	if cerr == nil {
		s.negativeInvalidate(parent.vfsRef, parent.inode, name)
	}
	return cerr
}

// Rmdir implements spec §4.6.4's rmdir.
func (s *State) Rmdir(at FD, path string) error {
	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}
	s.dirsMtx.Acquire(0)
	defer s.dirsMtx.Release()

	parent, file, name, werr := s.Walk(start, path, true)
	if werr != nil {
		return werr
	}
	defer s.fobjRelease(parent)
	if file == nil {
		return errno.ENOENT
	}
	defer s.fobjRelease(file)
	if file.kind != fsdriver.TypeDirectory {
		return errno.ENOTDIR
	}

	return parent.vfsRef.mount.Unlink(parent.inode, name)
}

// Unlink implements spec §4.6.4's unlink.
func (s *State) Unlink(at FD, path string) error {
	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}
	s.dirsMtx.Acquire(0)
	defer s.dirsMtx.Release()

	parent, file, name, werr := s.Walk(start, path, true)
	if werr != nil {
		return werr
	}
	defer s.fobjRelease(parent)
	if file == nil {
		return errno.ENOENT
	}
	defer s.fobjRelease(file)
	if file.kind == fsdriver.TypeDirectory {
		return errno.EISDIR
	}

	return parent.vfsRef.mount.Unlink(parent.inode, name)
}

// Link implements spec §4.6.4's link: creates newPath as a hard link to
// the file resolved from oldPath. Both must resolve within the same
// mounted instance.
func (s *State) Link(oldAt FD, oldPath string, newAt FD, newPath string) error {
	oldStart, err := s.resolveAt(oldAt)
	if err != nil {
		return err
	}
	newStart, err := s.resolveAt(newAt)
	if err != nil {
		return err
	}

	s.dirsMtx.Acquire(0)
	defer s.dirsMtx.Release()

	_, target, _, werr := s.Walk(oldStart, oldPath, false)
	if werr != nil {
		return werr
	}
	if target == nil {
		return errno.ENOENT
	}
	defer s.fobjRelease(target)

	parent, file, name, werr := s.Walk(newStart, newPath, true)
	if werr != nil {
		return werr
	}
	defer s.fobjRelease(parent)
	if file != nil {
		s.fobjRelease(file)
		return errno.EEXIST
	}
	if parent.vfsRef != target.vfsRef {
		return errno.ENOTSUP
	}

	lerr := parent.vfsRef.mount.Link(parent.inode, name, target.inode)
	if lerr == nil {
		s.negativeInvalidate(parent.vfsRef, parent.inode, name)
	}
	return lerr
}

// Symlink implements spec §4.6.4's symlink.
func (s *State) Symlink(at FD, path, target string) error {
	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}
	s.dirsMtx.Acquire(0)
	defer s.dirsMtx.Release()

	parent, file, name, werr := s.Walk(start, path, true)
	if werr != nil {
		return werr
	}
	defer s.fobjRelease(parent)
	if file != nil {
		s.fobjRelease(file)
		return errno.EEXIST
	}

	_, cerr := parent.vfsRef.mount.Symlink(parent.inode, name, target)
	if cerr == nil {
		s.negativeInvalidate(parent.vfsRef, parent.inode, name)
	}
	return cerr
}

// Mkfifo implements spec §4.6.4's mkfifo: creates a named FIFO visible in
// the directory tree. Its actual I/O state machine is created lazily on
// first Open, not here.
func (s *State) Mkfifo(at FD, path string, mode uint32) error {
	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}
	s.dirsMtx.Acquire(0)
	defer s.dirsMtx.Release()

	parent, file, name, werr := s.Walk(start, path, true)
	if werr != nil {
		return werr
	}
	defer s.fobjRelease(parent)
	if file != nil {
		s.fobjRelease(file)
		return errno.EEXIST
	}

	_, cerr := parent.vfsRef.mount.Mkfifo(parent.inode, name, mode)
	if cerr == nil {
		s.negativeInvalidate(parent.vfsRef, parent.inode, name)
	}
	return cerr
}

// MkDevFile implements spec §4.6.4's mkdevfile: creates a regular dirent
// at path and binds dev to it, so subsequent opens route I/O to dev
// instead of the driver.
func (s *State) MkDevFile(at FD, path string, dev DeviceFile, mode uint32) error {
	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}
	s.dirsMtx.Acquire(0)
	defer s.dirsMtx.Release()

	parent, file, name, werr := s.Walk(start, path, true)
	if werr != nil {
		return werr
	}
	if !parent.vfsRef.driver.SupportsDeviceFiles() {
		s.fobjRelease(parent)
		if file != nil {
			s.fobjRelease(file)
		}
		return errno.ENOTSUP
	}
	defer s.fobjRelease(parent)
	if file != nil {
		s.fobjRelease(file)
		return errno.EEXIST
	}

	_, cerr := parent.vfsRef.mount.CreateFile(parent.inode, name, mode)
	if cerr != nil {
		return cerr
	}
	s.negativeInvalidate(parent.vfsRef, parent.inode, name)

	created, cerr := s.openComponent(parent, name)
	if cerr != nil {
		return cerr
	}
	created.deviceFile = dev

	s.devicesMu.Lock()
	s.devices[fobjKey{vfsRef: created.vfsRef, inode: created.inode}] = dev
	s.devicesMu.Unlock()

	s.fobjRelease(created)
	return nil
}

// Pipe implements spec §4.6.4's pipe: two descriptors referring to the
// same anonymous FIFO, not visible in any directory. Both ends exist from
// creation, so the state machine starts directly in open{R,W} rather than
// going through openDirection's wait-for-the-opposite-side dance.
func (s *State) Pipe(flags OpenFlag) (readFD, writeFD FD, err error) {
	f := &fobj{kind: fsdriver.TypeFIFO, fifo: newFifoState(), refs: refcount.New(2)}
	f.fifo.readers = 1
	f.fifo.writers = 1

	rd := &descriptor{fobjRef: f, flags: FlagRead | (flags & FlagNonblock)}
	wd := &descriptor{fobjRef: f, flags: FlagWrite | (flags & FlagNonblock)}

	readFD = s.allocFD(rd)
	writeFD = s.allocFD(wd)
	return readFD, writeFD, nil
}

// Stat implements spec §4.6.4's stat: resolves path relative to fd when
// given, otherwise stats fd itself.
func (s *State) Stat(fd FD, path string, followLink bool) (fsdriver.Stat, error) {
	if path != "" {
		start, err := s.resolveAt(fd)
		if err != nil {
			return fsdriver.Stat{}, err
		}
		parent, file, _, werr := s.Walk(start, path, !followLink)
		if werr != nil {
			return fsdriver.Stat{}, werr
		}
		s.fobjRelease(parent)
		if file == nil {
			return fsdriver.Stat{}, errno.ENOENT
		}
		defer s.fobjRelease(file)
		return file.vfsRef.mount.Stat(file.inode)
	}

	if fd == FDNone {
		return fsdriver.Stat{}, errno.EINVAL
	}
	d, err := s.lookupDescriptor(fd)
	if err != nil {
		return fsdriver.Stat{}, err
	}
	return d.fobjRef.vfsRef.mount.Stat(d.fobjRef.inode)
}

// Getdents implements spec §6's getdents.
func (s *State) Getdents(fd FD) ([]fsdriver.Dirent, error) {
	d, err := s.lookupDescriptor(fd)
	if err != nil {
		return nil, err
	}
	if d.fobjRef.kind != fsdriver.TypeDirectory {
		return nil, errno.ENOTDIR
	}
	return d.fobjRef.vfsRef.mount.DirRead(d.fobjRef.inode)
}
