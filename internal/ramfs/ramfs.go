// Package ramfs implements a fixed-capacity, in-memory filesystem driver.
// Inode 1 is always the directory root. devtmpfs is the same driver
// parameterized to additionally create "null" and "zero" character devices
// on mount, sharing its directory/inode machinery rather than duplicating it.
//
// Grounded on gcsfuse's fs/inode package: the per-inode lookup-count
// discipline (IncrementLookupCount/DecrementLookupCount returning
// "destroyed") comes from fs/inode/lookup_count.go, and the packed
// directory-entry-array representation comes from fs/inode/explicit_dir.go
// and fs/inode/dir.go, generalized from "GCS object name with embedded
// slashes" to a literal parent-pointing directory inode the way a real
// in-memory filesystem needs, since RAMFS (unlike GCS) has no flat object
// namespace to fake directories out of.
package ramfs

import (
	"strings"
	"sync"
	"time"

	"github.com/badger-os/vfscore/internal/errno"
	"github.com/badger-os/vfscore/internal/fsdriver"
)

const driverName = "ramfs"

// direntRecord is one packed entry within a directory inode's buffer,
// spec §4.4: {size, inode, name_len, name_bytes+NUL} padded to machine-word
// alignment. We keep the logical record as a Go struct in a slice rather
// than hand-rolling the byte packing -- RAMFS has no on-disk format to be
// bit-compatible with, unlike FAT, so the struct *is* the representation;
// Encode/Decode below exist only to honor the "size is also the offset to
// the next entry" contract for read_dir's single contiguous buffer.
type direntRecord struct {
	inode fsdriver.InodeNum
	name  string
	isDir bool
	isSym bool
}

func recordSize(name string) uint32 {
	const header = 4 + 8 + 2 // size + inode + name_len, word-padded below
	n := header + len(name) + 1
	return uint32((n + 7) &^ 7)
}

type ramInode struct {
	mu sync.Mutex

	num       fsdriver.InodeNum
	fileType  fsdriver.FileType
	mode      uint32
	linkCount int32
	uid, gid  uint32

	// data holds file contents for TypeRegular/TypeSymlink; it is unused for
	// directories, whose contents live in children.
	data []byte

	// children is populated only for TypeDirectory; ordered for deterministic
	// read_dir output like a real on-disk directory stream.
	children []direntRecord

	atime, mtime, ctime time.Time

	// openCount is the number of live FileOpen/RootOpen cookies referencing
	// this inode. Unlink only reclaims data once linkCount and openCount are
	// both zero (spec §4.4: "frees when zero and not open"); a reader with
	// the file still open keeps reading its own data even after the last
	// link is gone.
	openCount int32
}

// Driver implements fsdriver.Driver for RAMFS/devtmpfs.
type Driver struct {
	// Devtmpfs, when true, makes Mount pre-populate "null" and "zero"
	// character devices under the root, per spec §4.4.
	Devtmpfs bool
	clock    func() time.Time
}

// New returns a RAMFS driver. clock defaults to time.Now if nil.
func New(devtmpfs bool, clock func() time.Time) *Driver {
	if clock == nil {
		clock = time.Now
	}
	return &Driver{Devtmpfs: devtmpfs, clock: clock}
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) SupportsDeviceFiles() bool { return true }

func (d *Driver) Detect(media fsdriver.MediaReader) (int, error) {
	// RAMFS takes no media and cannot be autodetected against one.
	return 0, nil
}

func (d *Driver) Mount(media fsdriver.MediaReader, readOnly bool) (fsdriver.Mount, error) {
	if media != nil {
		return nil, errno.EINVAL
	}

	m := &mount{
		clock:    d.clock,
		inodes:   make(map[fsdriver.InodeNum]*ramInode),
		nextNum:  2,
		readOnly: readOnly,
	}

	root := m.newInode(1, fsdriver.TypeDirectory, 0755)
	root.linkCount = 2 // "." and the conceptual external link to the mountpoint
	m.inodes[1] = root
	m.addChild(root, direntRecord{inode: 1, name: ".", isDir: true})
	m.addChild(root, direntRecord{inode: 1, name: "..", isDir: true})

	if d.Devtmpfs {
		null := m.newInode(m.allocInode(), fsdriver.TypeCharDevice, 0666)
		m.inodes[null.num] = null
		m.addChild(root, direntRecord{inode: null.num, name: "null"})

		zero := m.newInode(m.allocInode(), fsdriver.TypeCharDevice, 0666)
		m.inodes[zero.num] = zero
		m.addChild(root, direntRecord{inode: zero.num, name: "zero"})
	}

	return m, nil
}

// mount is one live RAMFS instance.
type mount struct {
	mu       sync.Mutex
	clock    func() time.Time
	inodes   map[fsdriver.InodeNum]*ramInode
	nextNum  fsdriver.InodeNum
	readOnly bool
}

func (m *mount) allocInode() fsdriver.InodeNum {
	n := m.nextNum
	m.nextNum++
	return n
}

func (m *mount) newInode(num fsdriver.InodeNum, t fsdriver.FileType, mode uint32) *ramInode {
	now := m.clock()
	return &ramInode{
		num: num, fileType: t, mode: mode, linkCount: 1,
		atime: now, mtime: now, ctime: now,
	}
}

func (m *mount) addChild(dir *ramInode, rec direntRecord) {
	dir.children = append(dir.children, rec)
}

func (m *mount) RootInode() fsdriver.InodeNum { return 1 }

func (m *mount) Unmount() error { return nil }

func (m *mount) findChildLocked(dir *ramInode, name string) (int, bool) {
	for i, c := range dir.children {
		if c.name == name {
			return i, true
		}
	}
	return -1, false
}

func (m *mount) CreateFile(dirNum fsdriver.InodeNum, name string, mode uint32) (fsdriver.InodeNum, error) {
	return m.create(dirNum, name, mode, fsdriver.TypeRegular)
}

func (m *mount) CreateDir(dirNum fsdriver.InodeNum, name string, mode uint32) (fsdriver.InodeNum, error) {
	num, err := m.create(dirNum, name, mode, fsdriver.TypeDirectory)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	child := m.inodes[num]
	dir := m.inodes[dirNum]
	child.linkCount = 2
	dir.linkCount++ // the new ".." in child counts as a link to dir
	m.addChild(child, direntRecord{inode: num, name: ".", isDir: true})
	m.addChild(child, direntRecord{inode: dirNum, name: "..", isDir: true})
	m.mu.Unlock()

	return num, nil
}

func (m *mount) create(dirNum fsdriver.InodeNum, name string, mode uint32, t fsdriver.FileType) (fsdriver.InodeNum, error) {
	if len(name) > fsdriver.NameMax {
		return 0, errno.ENAMETOOLONG
	}
	if strings.ContainsRune(name, 0) {
		return 0, errno.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.inodes[dirNum]
	if !ok || dir.fileType != fsdriver.TypeDirectory {
		return 0, errno.ENOTDIR
	}
	if _, exists := m.findChildLocked(dir, name); exists {
		return 0, errno.EEXIST
	}

	num := m.allocInode()
	child := m.newInode(num, t, mode)
	m.inodes[num] = child
	m.addChild(dir, direntRecord{inode: num, name: name, isDir: t == fsdriver.TypeDirectory})

	return num, nil
}

func (m *mount) Unlink(dirNum fsdriver.InodeNum, name string) error {
	if name == "." || name == ".." {
		return errno.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.inodes[dirNum]
	if !ok {
		return errno.ENOTDIR
	}
	idx, ok := m.findChildLocked(dir, name)
	if !ok {
		return errno.ENOENT
	}
	rec := dir.children[idx]
	target := m.inodes[rec.inode]

	if target.fileType == fsdriver.TypeDirectory {
		// Only "." and ".." may remain.
		if len(target.children) > 2 {
			return errno.ENOTEMPTY
		}
		dir.linkCount--
	}

	dir.children = append(dir.children[:idx], dir.children[idx+1:]...)
	target.linkCount--
	m.reclaimLocked(target)

	return nil
}

// reclaimLocked deletes in's inode once nothing names it and nothing has it
// open, per spec §4.4 ("frees when zero and not open"). Called with m.mu
// held, after either linkCount or openCount changes.
func (m *mount) reclaimLocked(in *ramInode) {
	if in.linkCount == 0 && in.openCount == 0 {
		delete(m.inodes, in.num)
	}
}

func (m *mount) Link(dirNum fsdriver.InodeNum, name string, targetNum fsdriver.InodeNum) error {
	if len(name) > fsdriver.NameMax {
		return errno.ENAMETOOLONG
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.inodes[dirNum]
	if !ok || dir.fileType != fsdriver.TypeDirectory {
		return errno.ENOTDIR
	}
	if _, exists := m.findChildLocked(dir, name); exists {
		return errno.EEXIST
	}
	target, ok := m.inodes[targetNum]
	if !ok {
		return errno.ENOENT
	}

	m.addChild(dir, direntRecord{inode: targetNum, name: name})
	target.linkCount++
	return nil
}

func (m *mount) Symlink(dirNum fsdriver.InodeNum, name, target string) (fsdriver.InodeNum, error) {
	num, err := m.create(dirNum, name, 0777, fsdriver.TypeSymlink)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.inodes[num].data = []byte(target)
	m.mu.Unlock()
	return num, nil
}

func (m *mount) Mkfifo(dirNum fsdriver.InodeNum, name string, mode uint32) (fsdriver.InodeNum, error) {
	return m.create(dirNum, name, mode, fsdriver.TypeFIFO)
}

func (m *mount) ReadSymlink(num fsdriver.InodeNum) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inodes[num]
	if !ok || in.fileType != fsdriver.TypeSymlink {
		return "", errno.EINVAL
	}
	return string(in.data), nil
}

func (m *mount) DirRead(num fsdriver.InodeNum) ([]fsdriver.Dirent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.inodes[num]
	if !ok || dir.fileType != fsdriver.TypeDirectory {
		return nil, errno.ENOTDIR
	}

	out := make([]fsdriver.Dirent, 0, len(dir.children))
	for _, c := range dir.children {
		out = append(out, fsdriver.Dirent{Inode: c.inode, IsDir: c.isDir, IsSymlink: c.isSym, Name: c.name})
	}
	return out, nil
}

func (m *mount) DirFindEnt(dirNum fsdriver.InodeNum, name string) (fsdriver.Dirent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.inodes[dirNum]
	if !ok || dir.fileType != fsdriver.TypeDirectory {
		return fsdriver.Dirent{}, false, errno.ENOTDIR
	}
	idx, ok := m.findChildLocked(dir, name)
	if !ok {
		return fsdriver.Dirent{}, false, nil
	}
	c := dir.children[idx]
	return fsdriver.Dirent{Inode: c.inode, IsDir: c.isDir, IsSymlink: c.isSym, Name: c.name}, true, nil
}

func (m *mount) Stat(num fsdriver.InodeNum) (fsdriver.Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inodes[num]
	if !ok {
		return fsdriver.Stat{}, errno.ENOENT
	}
	return fsdriver.Stat{
		Inode: num, Type: in.fileType, Size: int64(len(in.data)),
		LinkCount: in.linkCount, Mode: in.mode, Uid: in.uid, Gid: in.gid,
		Atime: in.atime, Mtime: in.mtime, Ctime: in.ctime,
	}, nil
}

func (m *mount) RootOpen() (fsdriver.Cookie, error) {
	m.mu.Lock()
	m.inodes[1].openCount++
	m.mu.Unlock()
	return fsdriver.InodeNum(1), nil
}

func (m *mount) FileOpen(dirNum fsdriver.InodeNum, name string) (fsdriver.InodeNum, fsdriver.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.inodes[dirNum]
	if !ok || dir.fileType != fsdriver.TypeDirectory {
		return 0, nil, errno.ENOTDIR
	}
	idx, ok := m.findChildLocked(dir, name)
	if !ok {
		return 0, nil, errno.ENOENT
	}
	num := dir.children[idx].inode
	m.inodes[num].openCount++
	return num, num, nil
}

// FileClose drops num's open-reference; if its link count already reached
// zero while it was open, this is what finally reclaims it.
func (m *mount) FileClose(num fsdriver.InodeNum, cookie fsdriver.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inodes[num]
	if !ok {
		return nil
	}
	in.openCount--
	m.reclaimLocked(in)
	return nil
}

func (m *mount) FileRead(cookie fsdriver.Cookie, buf []byte, offset int64) (int, error) {
	num := cookie.(fsdriver.InodeNum)
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inodes[num]
	if !ok {
		return 0, errno.EBADF
	}
	if offset >= int64(len(in.data)) {
		return 0, nil
	}
	n := copy(buf, in.data[offset:])
	return n, nil
}

func (m *mount) FileWrite(cookie fsdriver.Cookie, buf []byte, offset int64) (int, error) {
	num := cookie.(fsdriver.InodeNum)
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inodes[num]
	if !ok {
		return 0, errno.EBADF
	}
	if m.readOnly {
		return 0, errno.EACCES
	}

	end := offset + int64(len(buf))
	if end > int64(len(in.data)) {
		in.data = growBuffer(in.data, int(end))
	}
	n := copy(in.data[offset:end], buf)
	in.mtime = m.clock()
	return n, nil
}

func (m *mount) FileResize(cookie fsdriver.Cookie, newSize int64) error {
	num := cookie.(fsdriver.InodeNum)
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inodes[num]
	if !ok {
		return errno.EBADF
	}
	in.data = growBuffer(in.data, int(newSize))[:newSize]
	in.mtime = m.clock()
	return nil
}

func (m *mount) Flush() error { return nil }

// growBuffer doubles capacity (spec §4.4: "growth is amortized by
// doubling") until it covers size, zero-filling the newly visible range.
func growBuffer(buf []byte, size int) []byte {
	if cap(buf) >= size {
		if len(buf) < size {
			buf = buf[:size]
		}
		return buf
	}
	newCap := cap(buf)
	if newCap == 0 {
		newCap = 64
	}
	for newCap < size {
		newCap *= 2
	}
	grown := make([]byte, size, newCap)
	copy(grown, buf)
	return grown
}
