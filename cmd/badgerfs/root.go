// Command badgerfs mounts a badger-os/vfscore boot configuration as a FUSE
// filesystem, for exercising the VFS core outside the RISC-V kernel it was
// written for.
//
// Grounded on gcsfuse's cmd/root.go (the cobra root command plus
// cfg.BindFlags/viper.Unmarshal sequence, generalized from "one GCS
// bucket" to "a boot-time mount table") and cmd/mount.go (the
// fuseutil.NewFileSystemServer -> fuse.Mount wiring).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/badger-os/vfscore/internal/config"
	"github.com/badger-os/vfscore/internal/logger"
)

var (
	bindErr     error
	mountConfig config.MountConfig
)

var rootCmd = &cobra.Command{
	Use:   "badgerfs",
	Short: "Mount a badger-os vfscore boot configuration as a FUSE filesystem",
	Long: `badgerfs drives the badger-os/vfscore VFS core from a boot-time
mount table (RAMFS/devtmpfs root plus any number of FAT mounts), exposing
it through FUSE for inspection and testing on a development machine.`,
}

func init() {
	bindErr = config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(configPrintCmd)
	rootCmd.AddCommand(statCmd)
}

func loadConfig() error {
	if bindErr != nil {
		return bindErr
	}
	v := viper.GetViper()
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	mountConfig = cfg

	if mountConfig.Log.File != "" {
		if err := logger.InitLogFile(mountConfig.Log.LogRotateConfig, mountConfig.Log); err != nil {
			return fmt.Errorf("initializing log file: %w", err)
		}
	} else {
		logger.SetLogFormat(mountConfig.Log.Format)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
