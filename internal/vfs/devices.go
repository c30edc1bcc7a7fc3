package vfs

// NullDevice implements DeviceFile as /dev/null: discards writes, reads
// return EOF immediately.
type NullDevice struct{}

func (NullDevice) Read(buf []byte) (int, error)  { return 0, nil }
func (NullDevice) Write(buf []byte) (int, error) { return len(buf), nil }
func (NullDevice) Close() error                  { return nil }
func (NullDevice) Seekable() bool                { return false }

// ZeroDevice implements DeviceFile as /dev/zero: reads always yield
// zero bytes, writes are discarded.
type ZeroDevice struct{}

func (ZeroDevice) Read(buf []byte) (int, error) {
	clear(buf)
	return len(buf), nil
}
func (ZeroDevice) Write(buf []byte) (int, error) { return len(buf), nil }
func (ZeroDevice) Close() error                  { return nil }
func (ZeroDevice) Seekable() bool                { return false }

// BootstrapDevtmpfs binds the built-in null/zero devices to the
// placeholder character-device dirents a devtmpfs-parameterized
// internal/ramfs mount pre-creates at "/dev/null" and "/dev/zero" (spec
// §4.4/glossary "devtmpfs").
func (s *State) BootstrapDevtmpfs(at FD, mountPath string) error {
	start, err := s.resolveAt(at)
	if err != nil {
		return err
	}

	bind := func(name string, dev DeviceFile) error {
		path := mountPath + "/" + name
		parent, file, _, werr := s.Walk(start, path, true)
		if werr != nil {
			return werr
		}
		defer s.fobjRelease(parent)
		if file == nil {
			return nil
		}
		defer s.fobjRelease(file)

		file.deviceFile = dev
		s.devicesMu.Lock()
		s.devices[fobjKey{vfsRef: file.vfsRef, inode: file.inode}] = dev
		s.devicesMu.Unlock()
		return nil
	}

	if err := bind("null", NullDevice{}); err != nil {
		return err
	}
	return bind("zero", ZeroDevice{})
}
