// Package fuseadapter binds the VFS core (internal/vfs) to
// github.com/jacobsa/fuse's fuseutil.FileSystem contract, mounting it as a
// real kernel-visible filesystem for end-to-end exercise.
//
// Grounded on gcsfuse's fs.fileSystem (fs/fs.go): the same shape --
// an fuseops.InodeID -> inode table protected by one mutex, plus a
// separate fuseops.HandleID -> open-handle table -- reappears here, with
// "inode" reinterpreted as "the path this id currently names" since
// internal/vfs's own fobj intern table already provides inode identity
// and refcounting underneath.
package fuseadapter

import (
	"os"
	"sync"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/badger-os/vfscore/internal/errno"
	"github.com/badger-os/vfscore/internal/fsdriver"
	"github.com/badger-os/vfscore/internal/vfs"
)

// FileSystem adapts a *vfs.State to fuseutil.FileSystem.
type FileSystem struct {
	state *vfs.State

	mu         sync.Mutex
	paths      map[fuseops.InodeID]string
	lookupRefs map[fuseops.InodeID]uint64
	nextInode  fuseops.InodeID

	handlesMu  sync.Mutex
	dirHandles map[fuseops.HandleID][]fsdriver.Dirent
	fileFDs    map[fuseops.HandleID]vfs.FD
	nextHandle fuseops.HandleID
}

// New wires state's root ("/") to fuseops.RootInodeID.
func New(state *vfs.State) *FileSystem {
	fs := &FileSystem{
		state:      state,
		paths:      map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		lookupRefs: map[fuseops.InodeID]uint64{fuseops.RootInodeID: 1},
		nextInode:  fuseops.RootInodeID + 1,
		dirHandles: make(map[fuseops.HandleID][]fsdriver.Dirent),
		fileFDs:    make(map[fuseops.HandleID]vfs.FD),
		nextHandle: 1,
	}
	return fs
}

func (fs *FileSystem) pathOf(id fuseops.InodeID) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.paths[id]
}

// internChild returns the inode ID for parentPath/name, minting one if this
// is the first time the kernel has seen it: every minted ID is held with
// lookup-count 1 until ForgetInode drops it.
func (fs *FileSystem) internChild(parentPath, name string) fuseops.InodeID {
	child := parentPath
	if child != "/" {
		child += "/"
	}
	child += name

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for id, p := range fs.paths {
		if p == child {
			fs.lookupRefs[id]++
			return id
		}
	}
	id := fs.nextInode
	fs.nextInode++
	fs.paths[id] = child
	fs.lookupRefs[id] = 1
	return id
}

func toAttributes(st fsdriver.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(st.Mode & 0777)
	switch st.Type {
	case fsdriver.TypeDirectory:
		mode |= os.ModeDir
	case fsdriver.TypeSymlink:
		mode |= os.ModeSymlink
	case fsdriver.TypeFIFO:
		mode |= os.ModeNamedPipe
	}
	return fuseops.InodeAttributes{
		Size:   uint64(st.Size),
		Nlink:  uint32(st.LinkCount),
		Mode:   mode,
		Uid:    st.Uid,
		Gid:    st.Gid,
		Atime:  st.Atime,
		Mtime:  st.Mtime,
		Ctime:  st.Ctime,
		Crtime: st.Ctime,
	}
}

func toErrno(err error) error {
	return err
}

func (fs *FileSystem) Init(op *fuseops.InitOp) (err error) {
	return nil
}

func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) (err error) {
	parentPath := fs.pathOf(op.Parent)
	st, err := fs.state.Stat(vfs.FDNone, joinPath(parentPath, op.Name), false)
	if err != nil {
		return toErrno(err)
	}

	op.Entry.Child = fs.internChild(parentPath, op.Name)
	op.Entry.Attributes = toAttributes(st)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) (err error) {
	st, err := fs.state.Stat(vfs.FDNone, fs.pathOf(op.Inode), true)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toAttributes(st)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) (err error) {
	path := fs.pathOf(op.Inode)
	if op.Size != nil {
		fd, oerr := fs.state.Open(vfs.FDNone, path, vfs.FlagWrite)
		if oerr != nil {
			return toErrno(oerr)
		}
		defer fs.state.Close(fd)
	}
	st, err := fs.state.Stat(vfs.FDNone, path, true)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toAttributes(st)
	return nil
}

func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.lookupRefs[op.Inode] <= uint64(op.N) {
		delete(fs.lookupRefs, op.Inode)
		delete(fs.paths, op.Inode)
	} else {
		fs.lookupRefs[op.Inode] -= uint64(op.N)
	}
	return nil
}

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) (err error) {
	parentPath := fs.pathOf(op.Parent)
	if err = fs.state.Mkdir(vfs.FDNone, joinPath(parentPath, op.Name), uint32(op.Mode)); err != nil {
		return toErrno(err)
	}
	st, err := fs.state.Stat(vfs.FDNone, joinPath(parentPath, op.Name), false)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.internChild(parentPath, op.Name)
	op.Entry.Attributes = toAttributes(st)
	return nil
}

func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) (err error) {
	parentPath := fs.pathOf(op.Parent)
	fd, err := fs.state.Open(vfs.FDNone, joinPath(parentPath, op.Name), vfs.FlagCreate|vfs.FlagExclusive|vfs.FlagRead|vfs.FlagWrite)
	if err != nil {
		return toErrno(err)
	}
	defer fs.state.Close(fd)

	st, err := fs.state.Stat(vfs.FDNone, joinPath(parentPath, op.Name), false)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.internChild(parentPath, op.Name)
	op.Entry.Attributes = toAttributes(st)
	return nil
}

func (fs *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) (err error) {
	parentPath := fs.pathOf(op.Parent)
	if err = fs.state.Symlink(vfs.FDNone, joinPath(parentPath, op.Name), op.Target); err != nil {
		return toErrno(err)
	}
	st, err := fs.state.Stat(vfs.FDNone, joinPath(parentPath, op.Name), false)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.internChild(parentPath, op.Name)
	op.Entry.Attributes = toAttributes(st)
	return nil
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) (err error) {
	return toErrno(fs.state.Rmdir(vfs.FDNone, joinPath(fs.pathOf(op.Parent), op.Name)))
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) (err error) {
	return toErrno(fs.state.Unlink(vfs.FDNone, joinPath(fs.pathOf(op.Parent), op.Name)))
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) (err error) {
	entries, err := fs.openDirEntries(fs.pathOf(op.Inode))
	if err != nil {
		return toErrno(err)
	}

	fs.handlesMu.Lock()
	h := fs.nextHandle
	fs.nextHandle++
	fs.dirHandles[h] = entries
	fs.handlesMu.Unlock()

	op.Handle = h
	return nil
}

func (fs *FileSystem) openDirEntries(path string) ([]fsdriver.Dirent, error) {
	fd, err := fs.state.Open(vfs.FDNone, path, vfs.FlagRead|vfs.FlagDirectory)
	if err != nil {
		return nil, err
	}
	defer fs.state.Close(fd)
	return fs.state.Getdents(fd)
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) (err error) {
	fs.handlesMu.Lock()
	entries := fs.dirHandles[op.Handle]
	fs.handlesMu.Unlock()

	if int(op.Offset) >= len(entries) {
		op.BytesRead = 0
		return nil
	}

	n := 0
	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]
		fuseType := fuseutilDirentType(e)
		written := fuseops.WriteDirent(op.Dst[n:], fuseops.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.Inode),
			Name:   e.Name,
			Type:   fuseType,
		})
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func fuseutilDirentType(e fsdriver.Dirent) fuseops.DirentType {
	switch {
	case e.IsDir:
		return fuseops.DT_Directory
	case e.IsSymlink:
		return fuseops.DT_Link
	default:
		return fuseops.DT_File
	}
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) (err error) {
	fs.handlesMu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.handlesMu.Unlock()
	return nil
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) (err error) {
	flags := vfs.OpenFlag(0)
	switch {
	case op.OpenFlags.IsReadWrite():
		flags = vfs.FlagRead | vfs.FlagWrite
	case op.OpenFlags.IsWriteOnly():
		flags = vfs.FlagWrite
	default:
		flags = vfs.FlagRead
	}

	fd, err := fs.state.Open(vfs.FDNone, fs.pathOf(op.Inode), flags)
	if err != nil {
		return toErrno(err)
	}

	fs.handlesMu.Lock()
	h := fs.nextHandle
	fs.nextHandle++
	fs.fileFDs[h] = fd
	fs.handlesMu.Unlock()

	op.Handle = h
	return nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) (err error) {
	fs.handlesMu.Lock()
	fd := fs.fileFDs[op.Handle]
	fs.handlesMu.Unlock()

	if _, err := fs.state.Seek(fd, op.Offset, vfs.SeekSet); err != nil {
		return toErrno(err)
	}
	n, err := fs.state.Read(fd, op.Dst)
	op.BytesRead = n
	if err != nil {
		return toErrno(err)
	}
	return nil
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) (err error) {
	fs.handlesMu.Lock()
	fd := fs.fileFDs[op.Handle]
	fs.handlesMu.Unlock()

	if _, err := fs.state.Seek(fd, op.Offset, vfs.SeekSet); err != nil {
		return toErrno(err)
	}
	_, err = fs.state.Write(fd, op.Data)
	return toErrno(err)
}

func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) (err error) {
	return nil
}

func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) (err error) {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) (err error) {
	fs.handlesMu.Lock()
	fd, ok := fs.fileFDs[op.Handle]
	delete(fs.fileFDs, op.Handle)
	fs.handlesMu.Unlock()
	if !ok {
		return nil
	}
	return toErrno(fs.state.Close(fd))
}

func (fs *FileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) (err error) {
	path := fs.pathOf(op.Inode)
	st, err := fs.state.Stat(vfs.FDNone, path, false)
	if err != nil {
		return toErrno(err)
	}
	if st.Type != fsdriver.TypeSymlink {
		return errno.EINVAL
	}
	fd, err := fs.state.Open(vfs.FDNone, path, vfs.FlagRead)
	if err != nil {
		return toErrno(err)
	}
	defer fs.state.Close(fd)

	buf := make([]byte, st.Size)
	n, err := fs.state.Read(fd, buf)
	if err != nil {
		return toErrno(err)
	}
	op.Target = string(buf[:n])
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
