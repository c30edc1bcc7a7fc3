package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"

	"github.com/badger-os/vfscore/fuseadapter"
	"github.com/badger-os/vfscore/internal/clock"
	"github.com/badger-os/vfscore/internal/errno"
	"github.com/badger-os/vfscore/internal/fat"
	"github.com/badger-os/vfscore/internal/fsdriver"
	"github.com/badger-os/vfscore/internal/logger"
	"github.com/badger-os/vfscore/internal/media"
	"github.com/badger-os/vfscore/internal/ramfs"
	"github.com/badger-os/vfscore/internal/vfs"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Boot the configured mount table and serve it over FUSE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return runMount(args[0])
	},
}

// fileDevice adapts an *os.File to media.BlockDevice, the CLI's only
// collaborator the core media package doesn't already provide (RamDevice
// covers in-memory testing; real FAT images need a host file).
type fileDevice struct {
	f    *os.File
	size int64
}

func openFileDevice(path string) (*fileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileDevice{f: f, size: info.Size()}, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *fileDevice) Erase(off, length int64) error {
	zero := make([]byte, length)
	_, err := d.f.WriteAt(zero, off)
	return err
}
func (d *fileDevice) Sync() error  { return d.f.Sync() }
func (d *fileDevice) Size() int64  { return d.size }
func (d *fileDevice) Close() error { return d.f.Close() }

func runMount(mountPoint string) error {
	state := vfs.NewState()
	ramDriver := ramfs.New(true, time.Now)
	fatDriver := fat.New()
	state.RegisterDriver(ramDriver)
	state.RegisterDriver(fatDriver)

	if len(mountConfig.Mounts) == 0 {
		return errno.EINVAL
	}
	if mountConfig.Mounts[0].Type != "ramfs" {
		return fmt.Errorf("the first boot mount must be type \"ramfs\" at \"/\", got %q", mountConfig.Mounts[0].Type)
	}
	if err := state.Mount("ramfs", nil, vfs.FDNone, "/", false); err != nil {
		return fmt.Errorf("mounting root: %w", err)
	}
	if err := state.BootstrapDevtmpfs(vfs.FDNone, "/dev"); err != nil {
		logger.Warnf("devtmpfs bootstrap: %v", err)
	}

	for _, m := range mountConfig.Mounts[1:] {
		var rdr fsdriver.MediaReader
		if m.Type == "fat" {
			dev, err := openFileDevice(m.Source)
			if err != nil {
				return fmt.Errorf("opening %q: %w", m.Source, err)
			}
			rdr = media.NewBlockDeviceMedia(dev, 0, dev.Size())
		}
		if err := state.Mount(m.Type, rdr, vfs.FDNone, m.Target, m.ReadOnly); err != nil {
			return fmt.Errorf("mounting %q at %q: %w", m.Source, m.Target, err)
		}
		logger.Infof("mounted %s at %s", m.Type, m.Target)
	}

	stopSync := state.StartSyncLoop(clock.RealClock{}, time.Duration(mountConfig.Cache.SyncIntervalSecs)*time.Second)
	defer stopSync()
	stopTracer := wireTracer(state, mountConfig.Debug.EnableTracing)
	defer stopTracer()
	stopDebugServer := serveDebugEndpoints(mountConfig.Debug.ListenAddr)
	defer stopDebugServer()

	adapter := fuseadapter.New(state)
	server := fuseutil.NewFileSystemServer(adapter)

	mfs, err := fuse.Mount(mountPoint, server, &fuse.MountConfig{
		FSName:  "badgerfs",
		Subtype: "badgerfs",
	})
	if err != nil {
		return fmt.Errorf("fuse.Mount: %w", err)
	}

	logger.Infof("badgerfs mounted at %s", mountPoint)
	return mfs.Join(context.Background())
}
