//go:build linux

package device

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// FillMountPoints populates d.MountPoints from /proc/mounts and flags
// d.System when the running root filesystem lives on the device, so
// CheckSafe has real data even when the caller supplied a bare path.
// Errors are swallowed: an unreadable mount table just means the probe
// contributes nothing, and CheckSafe falls back to the caller's flags.
func FillMountPoints(d *Device) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		source, target := fields[0], fields[1]
		// /dev/sda matches /dev/sda1, /dev/sda2, ... too.
		if source == d.Path || strings.HasPrefix(source, d.Path) {
			d.MountPoints = append(d.MountPoints, target)
		}
	}

	var devStat, rootStat unix.Stat_t
	if unix.Stat(d.Path, &devStat) != nil || unix.Stat("/", &rootStat) != nil {
		return
	}
	// A block device whose major number matches the device backing "/"
	// is (or contains) the system disk.
	if devStat.Mode&unix.S_IFMT == unix.S_IFBLK && unix.Major(devStat.Rdev) == unix.Major(rootStat.Dev) {
		d.System = true
	}
}
