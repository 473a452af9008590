package ext4

import (
	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/registry"
	"github.com/diskforge/diskforge/pkg/vfs"
)

func (f Formatter) Open(d *device.Device, backend device.Backend) (vfs.Filesystem, error) {
	fs := &FS{}
	if err := fs.Init(d, backend); err != nil {
		return nil, err
	}
	return fs, nil
}

func init() {
	registry.Register("ext2", Formatter{Revision: RevExt2})
	registry.Register("ext3", Formatter{Revision: RevExt3})
	registry.Register("ext4", Formatter{Revision: RevExt4})
}
