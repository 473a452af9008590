package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/flag"
	"github.com/diskforge/diskforge/pkg/registry"
	"github.com/diskforge/diskforge/pkg/vfs"

	// Register every filesystem family with the formatter registry.
	_ "github.com/diskforge/diskforge/pkg/ext4"
	_ "github.com/diskforge/diskforge/pkg/fat"
	_ "github.com/diskforge/diskforge/pkg/ntfs"
)

var (
	formatFSFlag = flag.NewStringFlag("fs", "filesystem to create (ext2, ext3, ext4, fat, fat16, fat32, exfat, ntfs)", false, func(f flag.StringFlag) error {
		if f.Value == "" {
			return errors.New("--fs is required")
		}
		if _, ok := registry.Lookup(f.Value); !ok {
			return fmt.Errorf("unknown filesystem %q (known: %s)", f.Value, strings.Join(registry.Names(), ", "))
		}
		return nil
	})
	formatLabelFlag   = flag.NewStringFlag("label", "volume label", false, nil)
	formatClusterFlag = flag.NewInt64Flag("cluster", "cluster/block size in bytes (0 lets the filesystem choose)", false, func(f flag.Int64Flag) error {
		if f.Value != 0 && (f.Value < 512 || f.Value > 65536 || f.Value&(f.Value-1) != 0) {
			return fmt.Errorf("--cluster must be a power of two between 512 and 65536, got %d", f.Value)
		}
		return nil
	})
	formatQuickFlag = flag.NewBoolFlag("quick", "skip writing zeros over the full data region", false, nil)
	formatSizeFlag  = flag.NewStringFlag("size", "size of the image to create when the target does not exist (e.g. 256MiB)", false, nil)
	formatOptsFlag  = flag.NewStringSliceFlag("option", "additional variant option as key=value (has_journal, use_extents, use_64bit, use_checksums, filesystem_revision)", false, nil)
	formatForceFlag = flag.NewBoolFlag("force", "skip the system-device safety probe", true, nil)

	formatFlags = flag.FlagsList{
		&formatFSFlag, &formatLabelFlag, &formatClusterFlag,
		&formatQuickFlag, &formatSizeFlag, &formatOptsFlag, &formatForceFlag,
	}
)

var formatCmd = &cobra.Command{
	Use:   "format TARGET",
	Short: "Format a device or image file with a fresh filesystem",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := formatFlags.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBadArgs)
		}
		if err := runFormat(args[0]); err != nil {
			log.Errorf("%v", err)
			if errors.Is(err, ferr.ErrInvalidArgument) {
				os.Exit(exitBadArgs)
			}
			os.Exit(exitFailure)
		}
	},
}

func init() {
	formatFlags.AddTo(formatCmd.Flags())
}

func runFormat(target string) error {
	target, err := homedir.Expand(target)
	if err != nil {
		return err
	}

	f, size, err := openTarget(target, formatSizeFlag.Value)
	if err != nil {
		return err
	}
	defer f.Close()

	d := &device.Device{Path: target, Size: size}
	if !formatForceFlag.Value {
		device.FillMountPoints(d)
		if err := device.CheckSafe(d); err != nil {
			return err
		}
	}

	opts := vfs.FormatOptions{
		Name:              formatFSFlag.Value,
		Label:             formatLabelFlag.Value,
		ClusterSize:       formatClusterFlag.Value,
		Quick:             formatQuickFlag.Value,
		AdditionalOptions: map[string]string{},
		Logger:            log,
	}
	for _, kv := range formatOptsFlag.Value {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad --option %q, want key=value: %w", kv, ferr.ErrInvalidArgument)
		}
		opts.AdditionalOptions[parts[0]] = parts[1]
	}

	formatter, _ := registry.Lookup(opts.Name)
	log.Printf("formatting %s (%s) as %s", target, humanize.IBytes(uint64(size)), opts.Name)
	opts.Progress = log.NewProgress(opts.Name, "%", 0)
	w, err := device.WriteSeeker(f)
	if err != nil {
		return err
	}
	if err := formatter.Format(d, w, opts); err != nil {
		opts.Progress.Finish(false)
		return err
	}
	// The WriteSeeker wrapper hides the file's Sync method from the
	// formatter's own flush, so sync here before the handle is released.
	if err := f.Sync(); err != nil {
		return err
	}
	log.Printf("format complete")
	return nil
}

// openTarget opens an existing device/image for writing, or creates a
// fresh image of the requested --size when the path does not exist yet.
func openTarget(target, sizeSpec string) (*os.File, int64, error) {
	if st, err := os.Stat(target); err == nil {
		f, err := os.OpenFile(target, os.O_RDWR, 0)
		if err != nil {
			return nil, 0, err
		}
		return f, st.Size(), nil
	}

	if sizeSpec == "" {
		return nil, 0, fmt.Errorf("%s does not exist and no --size was given: %w", target, ferr.ErrInvalidArgument)
	}
	size, err := humanize.ParseBytes(sizeSpec)
	if err != nil {
		return nil, 0, fmt.Errorf("bad --size %q: %w", sizeSpec, ferr.ErrInvalidArgument)
	}
	f, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, 0, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, int64(size), nil
}
