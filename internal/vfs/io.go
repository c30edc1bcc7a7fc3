package vfs

import (
	"github.com/badger-os/vfscore/internal/errno"
	"github.com/badger-os/vfscore/internal/fsdriver"
)

func (s *State) lookupDescriptor(fd FD) (*descriptor, error) {
	s.descMu.AcquireShared(0)
	d, ok := s.descs[fd]
	s.descMu.ReleaseShared()
	if !ok {
		return nil, errno.EBADF
	}
	return d, nil
}

func (s *State) allocFD(d *descriptor) FD {
	fd := FD(s.nextFD.Add(1) - 1)
	s.descMu.Acquire(0)
	s.descs[fd] = d
	s.descMu.Release()
	return fd
}

// Open implements spec §4.6.4's open contract.
func (s *State) Open(at FD, path string, flags OpenFlag) (FD, error) {
	if err := ValidateFlags(flags); err != nil {
		return FDNone, err
	}
	if !s.ready.Load() {
		return FDNone, errno.EAGAIN
	}

	start, err := s.resolveAt(at)
	if err != nil {
		return FDNone, err
	}

	creating := flags&FlagCreate != 0
	if creating {
		s.dirsMtx.Acquire(0)
	} else {
		s.dirsMtx.AcquireShared(0)
	}
	unlockDirs := func() {
		if creating {
			s.dirsMtx.Release()
		} else {
			s.dirsMtx.ReleaseShared()
		}
	}

	parent, file, name, werr := s.Walk(start, path, false)
	if werr != nil {
		unlockDirs()
		return FDNone, werr
	}

	if file == nil {
		if !creating {
			s.fobjRelease(parent)
			unlockDirs()
			return FDNone, errno.ENOENT
		}

		var cerr error
		if flags&FlagDirectory != 0 {
			_, cerr = parent.vfsRef.mount.CreateDir(parent.inode, name, 0755)
		} else {
			_, cerr = parent.vfsRef.mount.CreateFile(parent.inode, name, 0644)
		}
		if cerr != nil {
			s.fobjRelease(parent)
			unlockDirs()
			return FDNone, cerr
		}
		s.negativeInvalidate(parent.vfsRef, parent.inode, name)

		file, werr = s.openComponent(parent, name)
		if werr != nil {
			s.fobjRelease(parent)
			unlockDirs()
			return FDNone, werr
		}
	} else if flags&FlagExclusive != 0 {
		s.fobjRelease(parent)
		s.fobjRelease(file)
		unlockDirs()
		return FDNone, errno.EEXIST
	}
	s.fobjRelease(parent)
	unlockDirs()

	if flags&FlagDirectory != 0 && file.kind != fsdriver.TypeDirectory {
		s.fobjRelease(file)
		return FDNone, errno.ENOTDIR
	}

	if flags&FlagTruncate != 0 && file.kind == fsdriver.TypeRegular {
		file.mu.Acquire(0)
		terr := file.vfsRef.mount.FileResize(file.cookie, 0)
		file.mu.Release()
		if terr != nil {
			s.fobjRelease(file)
			return FDNone, terr
		}
	}

	d := &descriptor{fobjRef: file, flags: flags}
	if file.kind == fsdriver.TypeFIFO {
		if file.fifo == nil {
			file.fifo = newFifoState()
		}
		wantRead := flags&FlagRead != 0
		if oerr := file.fifo.openDirection(wantRead, flags&FlagNonblock != 0); oerr != nil {
			s.fobjRelease(file)
			return FDNone, oerr
		}
	}

	return s.allocFD(d), nil
}

// Close implements spec §4.6.4's close contract.
func (s *State) Close(fd FD) error {
	s.descMu.Acquire(0)
	d, ok := s.descs[fd]
	if ok {
		delete(s.descs, fd)
	}
	s.descMu.Release()
	if !ok {
		return errno.EBADF
	}

	f := d.fobjRef
	if f.deviceFile != nil {
		f.deviceFile.Close()
	}
	if f.fifo != nil {
		f.fifo.closeDirection(d.flags&FlagRead != 0)
	}
	s.fobjRelease(f)
	return nil
}

// Read implements spec §4.6.4's read contract.
func (s *State) Read(fd FD, buf []byte) (int, error) {
	d, err := s.lookupDescriptor(fd)
	if err != nil {
		return 0, err
	}
	if d.flags&FlagRead == 0 {
		return 0, errno.EACCES
	}
	f := d.fobjRef

	if f.deviceFile != nil {
		n, err := f.deviceFile.Read(buf)
		if err == nil && f.deviceFile.Seekable() {
			d.mu.Lock()
			d.offset += int64(n)
			d.mu.Unlock()
		}
		return n, err
	}

	if f.kind == fsdriver.TypeFIFO {
		return f.fifo.read(buf, d.flags&FlagNonblock != 0)
	}

	f.mu.AcquireShared(0)
	defer f.mu.ReleaseShared()

	st, err := f.vfsRef.mount.Stat(f.inode)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	offset := d.offset
	d.mu.Unlock()

	if offset >= st.Size {
		return 0, nil
	}
	want := len(buf)
	if remaining := st.Size - offset; int64(want) > remaining {
		want = int(remaining)
	}

	n, err := f.vfsRef.mount.FileRead(f.cookie, buf[:want], offset)
	d.mu.Lock()
	d.offset += int64(n)
	d.mu.Unlock()
	return n, err
}

// Write implements spec §4.6.4's write contract, including the append-
// atomicity and resize-upgrade rules from spec §5.
func (s *State) Write(fd FD, buf []byte) (int, error) {
	d, err := s.lookupDescriptor(fd)
	if err != nil {
		return 0, err
	}
	if d.flags&FlagWrite == 0 {
		return 0, errno.EACCES
	}
	f := d.fobjRef

	if f.deviceFile != nil {
		n, err := f.deviceFile.Write(buf)
		if err == nil && f.deviceFile.Seekable() {
			d.mu.Lock()
			d.offset += int64(n)
			d.mu.Unlock()
		}
		return n, err
	}

	if f.kind == fsdriver.TypeFIFO {
		return f.fifo.write(buf, d.flags&FlagNonblock != 0)
	}

	if d.flags&FlagAppend != 0 {
		f.mu.Acquire(0)
		defer f.mu.Release()

		st, err := f.vfsRef.mount.Stat(f.inode)
		if err != nil {
			return 0, err
		}
		offset := st.Size
		if err := f.vfsRef.mount.FileResize(f.cookie, offset+int64(len(buf))); err != nil {
			return 0, err
		}
		n, err := f.vfsRef.mount.FileWrite(f.cookie, buf, offset)
		d.mu.Lock()
		d.offset = offset + int64(n)
		d.mu.Unlock()
		return n, err
	}

	f.mu.AcquireShared(0)
	d.mu.Lock()
	offset := d.offset
	d.mu.Unlock()

	st, err := f.vfsRef.mount.Stat(f.inode)
	if err != nil {
		f.mu.ReleaseShared()
		return 0, err
	}

	if offset+int64(len(buf)) > st.Size {
		f.mu.ReleaseShared()
		f.mu.Acquire(0)
		st2, err := f.vfsRef.mount.Stat(f.inode)
		if err == nil && offset+int64(len(buf)) > st2.Size {
			err = f.vfsRef.mount.FileResize(f.cookie, offset+int64(len(buf)))
		}
		f.mu.Release()
		if err != nil {
			return 0, err
		}
		f.mu.AcquireShared(0)
	}

	n, err := f.vfsRef.mount.FileWrite(f.cookie, buf, offset)
	f.mu.ReleaseShared()

	d.mu.Lock()
	d.offset += int64(n)
	d.mu.Unlock()
	return n, err
}

func (s *State) seekable(f *fobj) bool {
	if f.kind == fsdriver.TypeFIFO {
		return false
	}
	if f.deviceFile != nil {
		return f.deviceFile.Seekable()
	}
	return true
}

// Tell implements spec §4.6.4's tell contract.
func (s *State) Tell(fd FD) (int64, error) {
	d, err := s.lookupDescriptor(fd)
	if err != nil {
		return 0, err
	}
	if !s.seekable(d.fobjRef) {
		return 0, errno.ESPIPE
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset, nil
}

// Whence values for Seek.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// Seek implements spec §4.6.4's seek contract, clamping to [0, size].
func (s *State) Seek(fd FD, offset int64, whence int) (int64, error) {
	d, err := s.lookupDescriptor(fd)
	if err != nil {
		return 0, err
	}
	f := d.fobjRef
	if !s.seekable(f) {
		return 0, errno.ESPIPE
	}

	st, err := f.vfsRef.mount.Stat(f.inode)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = d.offset
	case SeekEnd:
		base = st.Size
	default:
		return 0, errno.EINVAL
	}

	newOffset := base + offset
	if newOffset < 0 {
		newOffset = 0
	}
	if newOffset > st.Size {
		newOffset = st.Size
	}
	d.offset = newOffset
	return newOffset, nil
}
