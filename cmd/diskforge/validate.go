package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/registry"
)

var validateCmd = &cobra.Command{
	Use:   "validate TARGET",
	Short: "Check an image's on-disk structures and print a compliance report",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ok, err := runValidate(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBadArgs)
		}
		if !ok {
			os.Exit(exitFailure)
		}
	},
}

type report struct {
	failed bool
}

func (r *report) check(field string, ok bool, detail string) {
	mark := color.GreenString("ok")
	if !ok {
		mark = color.RedString("FAIL")
		r.failed = true
	}
	fmt.Printf("  %-28s %-4s %s\n", field, mark, detail)
}

func runValidate(target string) (bool, error) {
	target, err := homedir.Expand(target)
	if err != nil {
		return false, err
	}
	f, err := os.Open(target)
	if err != nil {
		return false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	d := &device.Device{Path: target, Size: st.Size()}
	io := device.New(f, device.SectorSize)

	name, r, err := detectAndCheck(io)
	if err != nil {
		return false, err
	}
	fmt.Printf("%s: detected %s (%s)\n", target, name, humanize.IBytes(uint64(st.Size())))

	formatter, ok := registry.Lookup(name)
	if !ok {
		r.check("formatter", false, "no formatter registered for "+name)
		return !r.failed, nil
	}
	fs, err := formatter.Open(d, f)
	if err != nil {
		r.check("open", false, err.Error())
		return !r.failed, nil
	}
	r.check("open", true, "")

	stat, err := fs.StatFS()
	r.check("statfs", err == nil, fmt.Sprintf("type=%s label=%q total=%s free=%s", stat.Type, stat.Label, humanize.IBytes(uint64(stat.Total)), humanize.IBytes(uint64(stat.Free))))

	entries, err := fs.ReadDir("/")
	if err != nil {
		r.check("readdir /", false, err.Error())
	} else {
		r.check("readdir /", true, fmt.Sprintf("%d entries", len(entries)))
	}

	return !r.failed, nil
}

// detectAndCheck sniffs the filesystem by signature and runs the raw
// structure checks that don't need a mounted handle.
func detectAndCheck(io *device.AlignedIO) (string, *report, error) {
	r := &report{}

	boot, err := io.ReadAt(0, 512)
	if err != nil {
		return "", nil, err
	}

	switch {
	case string(boot[3:11]) == "NTFS    ":
		r.check("boot OEM id", true, `"NTFS    "`)
		r.check("boot signature", binary.LittleEndian.Uint16(boot[510:]) == 0xAA55, "0x55AA at offset 510")
		totalSectors := binary.LittleEndian.Uint64(boot[40:])
		last, err := io.ReadAt(int64(totalSectors-1)*512, 512)
		backupOK := err == nil && string(last[3:11]) == "NTFS    "
		r.check("backup boot sector", backupOK, "last sector of volume")
		return "ntfs", r, nil

	case string(boot[3:11]) == "EXFAT   ":
		r.check("boot OEM id", true, `"EXFAT   "`)
		r.check("boot signature", binary.LittleEndian.Uint16(boot[510:]) == 0xAA55, "0x55AA at offset 510")
		zero := true
		for _, b := range boot[11 : 11+53] {
			if b != 0 {
				zero = false
			}
		}
		r.check("reserved zero region", zero, "53 zero bytes after OEM id")
		return "exfat", r, nil
	}

	// ext superblock lives at byte offset 1024 regardless of block size.
	sb, err := io.ReadAt(1024, 1024)
	if err == nil && binary.LittleEndian.Uint16(sb[56:]) == 0xEF53 {
		r.check("superblock magic", true, "0xEF53 at offset 56")
		blockSize := int64(1024) << binary.LittleEndian.Uint32(sb[24:])
		r.check("block size", blockSize >= 1024 && blockSize <= 65536, fmt.Sprintf("%d bytes", blockSize))
		incompat := binary.LittleEndian.Uint32(sb[96:])
		name := "ext2"
		if incompat&0x40 != 0 { // extents
			name = "ext4"
		} else if binary.LittleEndian.Uint32(sb[92:])&0x4 != 0 { // has_journal
			name = "ext3"
		}
		return name, r, nil
	}

	if binary.LittleEndian.Uint16(boot[510:]) == 0xAA55 {
		r.check("boot signature", true, "0x55AA at offset 510")
		// FAT16 stores the extended signature at offset 38, FAT32 at 66.
		switch {
		case boot[66] == 0x29:
			return "fat32", r, nil
		case boot[38] == 0x29:
			return "fat16", r, nil
		}
	}

	return "", nil, fmt.Errorf("no recognizable filesystem signature (ext/FAT/exFAT/NTFS)")
}
