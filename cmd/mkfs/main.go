// Command mkfs formats a fresh filesystem image: a zeroed free-map
// reserving the boot, free-map, and root-directory sectors, plus a root
// directory inode self-linked with "." and "..".
//
// Grounded on _examples/original_source/src/filesys/filesys.c's filesys_init
// do_format path, using github.com/spf13/cobra and github.com/spf13/viper
// for the CLI/config surface, matching the pack's (gcsfuse) convention of a
// cobra command reading its flags through viper rather than raw flag.Parse.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kcore/internal/bcache"
	"kcore/internal/blockdev"
	"kcore/internal/defs"
	"kcore/internal/directory"
	"kcore/internal/freemap"
	"kcore/internal/inode"
	"kcore/internal/metrics"
)

const (
	bootSector     = 0
	freeMapSector  = 1
	rootDirSector  = 2
	reservedCount  = 3
	bcachePoolSize = 256
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "mkfs",
		Short: "Format a kcore filesystem image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	root.Flags().String("image", "", "path to the disk image file")
	root.Flags().Int64("sectors", 65536, "total sector count of the image")
	v.BindPFlag("image", root.Flags().Lookup("image"))
	v.BindPFlag("sectors", root.Flags().Lookup("sectors"))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	path := v.GetString("image")
	sectors := v.GetInt64("sectors")
	if path == "" {
		return fmt.Errorf("mkfs: --image is required")
	}
	if sectors < int64(reservedCount+1) {
		return fmt.Errorf("mkfs: --sectors too small")
	}

	dev, err := blockdev.OpenFile(path, blockdev.RoleFilesys, sectors)
	if err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}
	defer dev.Close()

	cache := bcache.New(bcachePoolSize, metrics.NewCacheUnregistered(), nil)
	free := freemap.New(sectors)
	free.MarkReserved(0, reservedCount)
	itab := inode.New(dev, cache, free)

	ctx := context.Background()
	if !itab.Create(ctx, rootDirSector, 2*20, defs.I_DIR) {
		return fmt.Errorf("mkfs: could not create root directory inode")
	}
	root, derr := itab.Open(ctx, rootDirSector)
	if derr != 0 {
		return fmt.Errorf("mkfs: %w", derr)
	}
	if err := directory.Add(ctx, itab, root, ".", rootDirSector); err != 0 {
		return fmt.Errorf("mkfs: %w", err)
	}
	if err := directory.Add(ctx, itab, root, "..", rootDirSector); err != 0 {
		return fmt.Errorf("mkfs: %w", err)
	}
	if err := itab.Close(ctx, root); err != 0 {
		return fmt.Errorf("mkfs: %w", err)
	}
	if err := cache.FlushAll(ctx); err != nil {
		return fmt.Errorf("mkfs: flush: %w", err)
	}
	fmt.Printf("mkfs: formatted %s (%d sectors)\n", path, sectors)
	return nil
}
