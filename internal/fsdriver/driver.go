// Package fsdriver defines the pluggable filesystem driver contract from
// spec §6: a vtable of operations each concrete driver (internal/ramfs,
// internal/fat) implements, plus the shared data types (inode numbers, file
// types, dirents, stat records, open flags) those operations trade in.
//
// Grounded on two shapes from gcsfuse: github.com/jacobsa/fuse's
// fuseutil.FileSystem (one big interface a concrete filesystem
// implements, dispatched by a generic server) for the overall vtable
// shape, and fs/inode's split of inode behavior into narrower pieces
// (DirInode vs file/symlink inodes) for the per-design-note-4.9 capability
// split: every driver returns a Mount, and most Mount methods are common,
// but RAMFS and FAT diverge sharply on FileOpen/FileRead/FileWrite/
// FileResize, which is where gcsfuse's fs/inode/file.go and
// fs/inode/dir.go diverge too.
package fsdriver

import "time"

// InodeNum is a filesystem-local inode number. 0 means absent; a
// filesystem guarantees uniqueness among its own live inodes (spec §3).
type InodeNum int64

// FileType enumerates the kinds of file spec §3 requires.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
	TypeFIFO
	TypeSocket
	TypeBlockDevice
	TypeCharDevice
)

// Stat mirrors a POSIX struct stat closely enough for every driver in this
// module to fill completely.
type Stat struct {
	Inode     InodeNum
	Type      FileType
	Size      int64
	LinkCount int32
	Mode      uint32
	Uid, Gid  uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// Dirent is a directory entry as produced by DirRead (spec §3).
type Dirent struct {
	Inode     InodeNum
	IsDir     bool
	IsSymlink bool
	Name      string
}

// NameMax bounds dirent names (spec §3).
const NameMax = 255

// Cookie is driver-private per-open-file state: for FAT, the containing
// directory's location, dirent index, and eagerly-read cluster chain (spec
// §4.5); for
// RAMFS, nothing more than the inode index (the whole file already lives in
// the inode table).
type Cookie any

// Driver is a static, stateless record identifying one filesystem type
// and producing Mount instances.
type Driver interface {
	// Name is the driver identifier used in the VFS core's mount(type, ...).
	Name() string
	// SupportsDeviceFiles reports whether this driver lets mkdevfile bind a
	// device vtable to one of its inodes (RAMFS/devtmpfs: yes; FAT: no).
	SupportsDeviceFiles() bool
	// Detect sniffs media for this driver's signature: 1 = yes, 0 = no,
	// negative = an I/O error occurred while sniffing. A driver that
	// cannot autodetect (RAMFS, which takes no media) returns 0, nil.
	Detect(media MediaReader) (int, error)
	// Mount brings up a filesystem instance. media is nil for RAMFS.
	Mount(media MediaReader, readOnly bool) (Mount, error)
}

// MediaReader is the minimal slice of internal/media.Media a driver's
// Detect/Mount need; expressed narrowly here to avoid fsdriver depending on
// the media package's RAM/throttling machinery.
type MediaReader interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
}

// Mount is one mounted filesystem instance: the driver vtable bound to its
// private on-disk or in-memory state (spec §3's "Mount" entity, minus the
// VFS-core-owned bookkeeping like the root fobj and open-fd counter, which
// live in internal/vfs).
type Mount interface {
	RootInode() InodeNum
	Unmount() error

	CreateFile(dirInode InodeNum, name string, mode uint32) (InodeNum, error)
	CreateDir(dirInode InodeNum, name string, mode uint32) (InodeNum, error)
	Unlink(dirInode InodeNum, name string) error
	Link(dirInode InodeNum, name string, target InodeNum) error
	Symlink(dirInode InodeNum, name, target string) (InodeNum, error)
	Mkfifo(dirInode InodeNum, name string, mode uint32) (InodeNum, error)
	ReadSymlink(inode InodeNum) (string, error)

	DirRead(inode InodeNum) ([]Dirent, error)
	DirFindEnt(dirInode InodeNum, name string) (Dirent, bool, error)

	Stat(inode InodeNum) (Stat, error)

	// RootOpen and FileOpen intern driver-private state (Cookie) for an
	// inode the VFS core is about to attach to a fresh fobj.
	RootOpen() (Cookie, error)
	FileOpen(dirInode InodeNum, name string) (InodeNum, Cookie, error)
	FileClose(inode InodeNum, cookie Cookie) error
	FileRead(cookie Cookie, buf []byte, offset int64) (int, error)
	FileWrite(cookie Cookie, buf []byte, offset int64) (int, error)
	FileResize(cookie Cookie, newSize int64) error

	Flush() error
}
