package fat

import (
	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/registry"
	"github.com/diskforge/diskforge/pkg/vfs"
)

// Open sniffs the boot sector's OEM id to decide which concrete
// implementation mounts the volume, independent of how the registered
// Formatter itself was constructed — a FAT16-only Formatter can still be
// asked to Open an exFAT image reached via the generic "fat" name.
func (f Formatter) Open(d *device.Device, backend device.Backend) (vfs.Filesystem, error) {
	io := device.New(backend, sectorSize)
	boot, err := io.ReadAt(0, sectorSize)
	if err != nil {
		return nil, err
	}

	if string(boot[3:11]) == "EXFAT   " {
		fs := &ExFATFS{}
		if err := fs.Init(d, backend); err != nil {
			return nil, err
		}
		return fs, nil
	}

	fs := &FS{}
	if err := fs.Init(d, backend); err != nil {
		return nil, err
	}
	return fs, nil
}

func init() {
	registry.Register("fat16", Formatter{Variant: VariantFAT16})
	registry.Register("fat32", Formatter{Variant: VariantFAT32})
	registry.Register("fat", Formatter{AutoSelect: true})
	registry.Register("exfat", Formatter{Variant: VariantExFAT})
}
