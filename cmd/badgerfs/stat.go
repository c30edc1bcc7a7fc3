package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/badger-os/vfscore/internal/fat"
	"github.com/badger-os/vfscore/internal/fsdriver"
	"github.com/badger-os/vfscore/internal/media"
	"github.com/badger-os/vfscore/internal/ramfs"
	"github.com/badger-os/vfscore/internal/vfs"
)

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Boot the configured mount table in-process and stat a path, without serving FUSE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return runStat(args[0])
	},
}

func runStat(path string) error {
	state := vfs.NewState()
	state.RegisterDriver(ramfs.New(true, time.Now))
	state.RegisterDriver(fat.New())

	if len(mountConfig.Mounts) == 0 || mountConfig.Mounts[0].Type != "ramfs" {
		return fmt.Errorf("boot mount table must start with a ramfs root")
	}
	if err := state.Mount("ramfs", nil, vfs.FDNone, "/", false); err != nil {
		return err
	}
	for _, m := range mountConfig.Mounts[1:] {
		var rdr fsdriver.MediaReader
		if m.Type == "fat" {
			dev, err := openFileDevice(m.Source)
			if err != nil {
				return err
			}
			defer dev.Close()
			rdr = media.NewBlockDeviceMedia(dev, 0, dev.Size())
		}
		if err := state.Mount(m.Type, rdr, vfs.FDNone, m.Target, m.ReadOnly); err != nil {
			return err
		}
	}

	st, err := state.Stat(vfs.FDNone, path, false)
	if err != nil {
		return err
	}

	fmt.Printf("inode:      %d\n", st.Inode)
	fmt.Printf("type:       %s\n", typeName(st.Type))
	fmt.Printf("size:       %d\n", st.Size)
	fmt.Printf("link count: %d\n", st.LinkCount)
	fmt.Printf("mode:       %04o\n", st.Mode)
	fmt.Printf("uid/gid:    %d/%d\n", st.Uid, st.Gid)
	fmt.Printf("mtime:      %s\n", st.Mtime.Format(time.RFC3339))
	fmt.Printf("mounts:     %v\n", state.MountIDs())
	return nil
}

func typeName(t fsdriver.FileType) string {
	switch t {
	case fsdriver.TypeDirectory:
		return "directory"
	case fsdriver.TypeSymlink:
		return "symlink"
	case fsdriver.TypeFIFO:
		return "fifo"
	default:
		return "regular"
	}
}
