package ntfs

import "github.com/diskforge/diskforge/pkg/registry"

func init() {
	registry.Register("ntfs", Formatter{})
}
