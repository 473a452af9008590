// Package vfs defines the shared data model and operations façade every
// filesystem family in this module implements (ext, FAT, NTFS), matching
// the "polymorphism over filesystem variants" design note: rather than an
// inheritance hierarchy, each family is a Filesystem implementation keyed
// into a registry by name.
package vfs

import (
	"io"
	"time"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/elog"
)

// FormatOptions is consumed once per format call. AdditionalOptions keys
// are drawn from a per-variant enumeration (HasJournal, UseExtents,
// Use64Bit, UseChecksums, FilesystemRevision) rather than a fixed struct
// field per option, so new variant knobs don't change this type's shape.
type FormatOptions struct {
	Name        string // "ext2", "ext3", "ext4", "fat16", "fat32", "fat", "exfat", "ntfs"
	Label       string
	ClusterSize int64 // 0 means "let the family choose"
	Quick       bool

	AdditionalOptions map[string]string

	Logger   elog.Logger
	Progress elog.Progress

	// Cancel is checked at safe points only: once the primary
	// superblock/boot-sector write is reachable the format runs to
	// completion regardless.
	Cancel CancelToken
}

// Option keys recognized in FormatOptions.AdditionalOptions.
const (
	OptHasJournal         = "has_journal"
	OptUseExtents         = "use_extents"
	OptUse64Bit           = "use_64bit"
	OptUseChecksums       = "use_checksums"
	OptFilesystemRevision = "filesystem_revision"
)

// Bool reads a boolean-valued additional option, defaulting to def when
// absent or unparseable.
func (o *FormatOptions) Bool(key string, def bool) bool {
	v, ok := o.AdditionalOptions[key]
	if !ok {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// StatFS reports filesystem-wide metadata, the return value of statfs().
type StatFS struct {
	Type      string
	Total     int64
	Free      int64
	BlockSize int64
	Label     string
}

// Stat reports per-path metadata, the return value of stat(path).
type Stat struct {
	Size        int64
	IsDir       bool
	IsFile      bool
	IsSymlink   bool
	ModTime     time.Time
	AccessTime  time.Time
	ChangeTime  time.Time
	Permissions uint32
}

// DirEntry is one entry returned by readdir(path).
type DirEntry struct {
	Name  string
	Stat  Stat
	Inode uint64 // inode number, MFT reference, or cluster of the entry's directory record
}

// Filesystem is the uniform operations capability set every family (ext,
// FAT, NTFS) implements against its own on-disk layout; callers never
// type-switch on the concrete family.
type Filesystem interface {
	// Init mounts/opens an already-formatted filesystem against d.
	Init(d *device.Device, backend device.Backend) error

	StatFS() (StatFS, error)
	Stat(path string) (Stat, error)
	ReadDir(path string) ([]DirEntry, error)

	Read(path string, offset int64, length int64) ([]byte, error)
	// Write extends the file when offset+len(data) passes the current
	// end; families that cannot write a particular representation (e.g.
	// compressed NTFS attributes) return ErrUnsupported.
	Write(path string, offset int64, data []byte) (int, error)

	Create(path string, mode uint32) error
	Unlink(path string) error
	Mkdir(path string, mode uint32) error
	Rmdir(path string) error
	Rename(oldPath, newPath string) error
	Truncate(path string, newSize int64) error

	// Flush commits any pending writes (journal checkpoint, dirty FAT
	// cache, MFT flush) before the handle is released.
	Flush() error
}

// Formatter formats a fresh filesystem of some family onto a device. Each
// family package registers one Formatter per name it supports (e.g. ext4
// registers "ext2", "ext3", "ext4").
type Formatter interface {
	// Format writes a complete, empty filesystem to w, sized to fit opts
	// and the device's declared capacity. Implementations must follow the
	// write ordering every family observes: payload structures first,
	// backups second, primary superblock/boot-sector last as the commit
	// point, flush mandatory before returning.
	Format(d *device.Device, w io.WriteSeeker, opts FormatOptions) error

	// Open constructs a Filesystem bound to an already-formatted image.
	Open(d *device.Device, backend device.Backend) (Filesystem, error)
}

// CancelToken is the cooperative cancellation signal a format operation
// checks between safe points (before a structural write commences). Once
// the superblock/boot-sector has been written the operation ignores it
// and runs to completion or fails fatally.
type CancelToken <-chan struct{}

// Cancelled reports whether tok has fired. A nil token is never cancelled.
func (tok CancelToken) Cancelled() bool {
	if tok == nil {
		return false
	}
	select {
	case <-tok:
		return true
	default:
		return false
	}
}
