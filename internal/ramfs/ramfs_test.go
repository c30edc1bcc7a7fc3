package ramfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badger-os/vfscore/internal/fsdriver"
)

func mustMount(t *testing.T, devtmpfs bool) fsdriver.Mount {
	t.Helper()
	d := New(devtmpfs, time.Now)
	m, err := d.Mount(nil, false)
	require.NoError(t, err)
	return m
}

func TestDriverNameAndDetect(t *testing.T) {
	d := New(false, nil)
	assert.Equal(t, "ramfs", d.Name())
	assert.True(t, d.SupportsDeviceFiles())

	detected, err := d.Detect(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, detected)
}

func TestMountRejectsNonNilMedia(t *testing.T) {
	d := New(false, nil)
	_, err := d.Mount(struct {
		fsdriver.MediaReader
	}{}, false)
	assert.Error(t, err)
}

func TestRootInodeIsOneAndADirectory(t *testing.T) {
	m := mustMount(t, false)
	assert.EqualValues(t, 1, m.RootInode())

	st, err := m.Stat(m.RootInode())
	require.NoError(t, err)
	assert.Equal(t, fsdriver.TypeDirectory, st.Type)
	assert.EqualValues(t, 2, st.LinkCount)
}

func TestDevtmpfsPrePopulatesNullAndZero(t *testing.T) {
	m := mustMount(t, true)

	_, ok, err := m.DirFindEnt(m.RootInode(), "null")
	require.NoError(t, err)
	assert.True(t, ok)

	ent, ok, err := m.DirFindEnt(m.RootInode(), "zero")
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := m.Stat(ent.Inode)
	require.NoError(t, err)
	assert.Equal(t, fsdriver.TypeCharDevice, st.Type)
}

func TestCreateFileWriteReadRoundTrip(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()

	_, err := m.CreateFile(root, "a.txt", 0644)
	require.NoError(t, err)

	inode, cookie, err := m.FileOpen(root, "a.txt")
	require.NoError(t, err)

	n, err := m.FileWrite(cookie, []byte("ramfs data"), 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	buf := make([]byte, 10)
	n, err = m.FileRead(cookie, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ramfs data", string(buf[:n]))

	st, err := m.Stat(inode)
	require.NoError(t, err)
	assert.EqualValues(t, 10, st.Size)
}

func TestFileWriteGrowsBufferPastCurrentSize(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	_, err := m.CreateFile(root, "grow.txt", 0644)
	require.NoError(t, err)
	_, cookie, err := m.FileOpen(root, "grow.txt")
	require.NoError(t, err)

	_, err = m.FileWrite(cookie, []byte("short"), 0)
	require.NoError(t, err)
	_, err = m.FileWrite(cookie, []byte("!"), 100)
	require.NoError(t, err)

	buf := make([]byte, 101)
	n, err := m.FileRead(cookie, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 101, n)
	assert.Equal(t, byte('!'), buf[100])
}

func TestFileResizeShrinksAndGrows(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	_, err := m.CreateFile(root, "r.txt", 0644)
	require.NoError(t, err)
	inode, cookie, err := m.FileOpen(root, "r.txt")
	require.NoError(t, err)

	_, err = m.FileWrite(cookie, []byte("0123456789"), 0)
	require.NoError(t, err)

	require.NoError(t, m.FileResize(cookie, 4))
	st, err := m.Stat(inode)
	require.NoError(t, err)
	assert.EqualValues(t, 4, st.Size)

	require.NoError(t, m.FileResize(cookie, 8))
	st, err = m.Stat(inode)
	require.NoError(t, err)
	assert.EqualValues(t, 8, st.Size)
}

func TestCreateDirAndNestedFile(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()

	dirInode, err := m.CreateDir(root, "sub", 0755)
	require.NoError(t, err)

	_, err = m.CreateFile(dirInode, "n.txt", 0644)
	require.NoError(t, err)

	ents, err := m.DirRead(dirInode)
	require.NoError(t, err)
	var names []string
	for _, e := range ents {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "n.txt")
	assert.Contains(t, names, ".")
	assert.Contains(t, names, "..")
}

func TestUnlinkRejectsDotAndDotDot(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	assert.Error(t, m.Unlink(root, "."))
	assert.Error(t, m.Unlink(root, ".."))
}

func TestUnlinkNonEmptyDirFails(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	dirInode, err := m.CreateDir(root, "full", 0755)
	require.NoError(t, err)
	_, err = m.CreateFile(dirInode, "x", 0644)
	require.NoError(t, err)

	assert.Error(t, m.Unlink(root, "full"))
}

func TestUnlinkFreesInodeAtZeroLinkCount(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	inode, err := m.CreateFile(root, "doomed", 0644)
	require.NoError(t, err)

	require.NoError(t, m.Unlink(root, "doomed"))
	_, err = m.Stat(inode)
	assert.Error(t, err)
}

func TestUnlinkKeepsDataReadableWhileFileStillOpen(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	_, err := m.CreateFile(root, "doomed", 0644)
	require.NoError(t, err)

	inode, cookie, err := m.FileOpen(root, "doomed")
	require.NoError(t, err)
	_, err = m.FileWrite(cookie, []byte("still here"), 0)
	require.NoError(t, err)

	require.NoError(t, m.Unlink(root, "doomed"))

	// The name is gone...
	_, ok, err := m.DirFindEnt(root, "doomed")
	require.NoError(t, err)
	assert.False(t, ok)

	// ...but the still-open cookie keeps reading its own data rather than
	// EBADF from a reclaimed inode.
	buf := make([]byte, len("still here"))
	n, err := m.FileRead(cookie, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))

	// Closing the last open reference is what finally reclaims it.
	require.NoError(t, m.FileClose(inode, cookie))
	_, err = m.Stat(inode)
	assert.Error(t, err)
}

func TestLinkIncreasesLinkCountAndAddsSecondName(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	inode, err := m.CreateFile(root, "orig", 0644)
	require.NoError(t, err)

	require.NoError(t, m.Link(root, "alias", inode))

	st, err := m.Stat(inode)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.LinkCount)

	_, ok, err := m.DirFindEnt(root, "alias")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLinkRejectsDuplicateNameAndMissingTarget(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	inode, err := m.CreateFile(root, "orig", 0644)
	require.NoError(t, err)

	assert.Error(t, m.Link(root, "orig", inode))
	assert.Error(t, m.Link(root, "ghost", fsdriver.InodeNum(9999)))
}

func TestSymlinkAndReadSymlink(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	num, err := m.Symlink(root, "link", "/target/path")
	require.NoError(t, err)

	target, err := m.ReadSymlink(num)
	require.NoError(t, err)
	assert.Equal(t, "/target/path", target)
}

func TestReadSymlinkOnNonSymlinkFails(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	inode, err := m.CreateFile(root, "notlink", 0644)
	require.NoError(t, err)

	_, err = m.ReadSymlink(inode)
	assert.Error(t, err)
}

func TestMkfifoCreatesFIFOType(t *testing.T) {
	m := mustMount(t, false)
	root := m.RootInode()
	num, err := m.Mkfifo(root, "pipe", 0644)
	require.NoError(t, err)

	st, err := m.Stat(num)
	require.NoError(t, err)
	assert.Equal(t, fsdriver.TypeFIFO, st.Type)
}

func TestReadOnlyMountRejectsWrite(t *testing.T) {
	d := New(false, time.Now)
	m, err := d.Mount(nil, true)
	require.NoError(t, err)

	root := m.RootInode()
	_, err = m.CreateFile(root, "a.txt", 0644)
	require.NoError(t, err)

	_, cookie, err := m.FileOpen(root, "a.txt")
	require.NoError(t, err)
	_, err = m.FileWrite(cookie, []byte("x"), 0)
	assert.Error(t, err)
}

func TestFlushAndUnmountAreNoops(t *testing.T) {
	m := mustMount(t, false)
	assert.NoError(t, m.Flush())
	assert.NoError(t, m.Unmount())
}
