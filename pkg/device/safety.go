package device

import (
	"fmt"
	"strings"

	"github.com/diskforge/diskforge/pkg/ferr"
)

// rootLikePaths are mount points a safety probe always treats as system
// paths, regardless of what the Device descriptor claims.
var rootLikePaths = []string{"/", "/boot", "/boot/efi", "/System", "/System/Volumes/Data", "C:\\"}

// CheckSafe rejects formatting a Device that is flagged as hosting the
// running system or that is currently mounted at a root-like path. Callers
// that already know better (explicit --force equivalent) can skip this
// check; format.go always calls it unless told otherwise.
func CheckSafe(d *Device) error {
	if d.System {
		return fmt.Errorf("%s is marked as a system device: %w", d.Path, ferr.ErrDeviceUnsafe)
	}
	for _, mp := range d.MountPoints {
		for _, root := range rootLikePaths {
			if strings.EqualFold(mp, root) {
				return fmt.Errorf("%s is mounted at %s: %w", d.Path, mp, ferr.ErrDeviceUnsafe)
			}
		}
	}
	return nil
}

// CheckCapacity rejects a layout that needs more bytes than the device
// declares.
func CheckCapacity(d *Device, needed int64) error {
	if needed > d.Size {
		return fmt.Errorf("layout needs %d bytes, device %s has %d: %w", needed, d.Path, d.Size, ferr.ErrDeviceTooSmall)
	}
	return nil
}
