// Package device models the caller-owned device descriptor plus the
// sector-aligned positional I/O layer beneath every filesystem engine.
// Device discovery and platform-specific dismount/lock glue live with the
// caller; this package only borrows a descriptor the caller already
// produced and reads/writes through it.
package device

import (
	"fmt"
	"io"
)

// Device is an opaque descriptor for a block device or image file. The
// engine never mutates it and never outlives the caller's ownership of it.
type Device struct {
	// Path identifies the device (a block device node or a regular file).
	Path string
	// Size is the declared byte size of the device.
	Size int64
	// Removable marks a removable drive (USB, SD) as opposed to a fixed
	// internal disk.
	Removable bool
	// System marks the device as hosting the running OS — formatting it
	// is always rejected by the safety probe in safety.go.
	System bool
	// MountPoints lists where the device (or a partition on it) is
	// currently mounted, if the caller already knows. Empty is valid and
	// simply skips the "currently mounted" half of the safety probe.
	MountPoints []string
}

// SectorSize is the default physical sector size assumed for aligned I/O
// when a device doesn't report one explicitly.
const SectorSize = 512

// Backend is the minimal interface a raw block device or image file must
// satisfy to back an AlignedIO. Real backends are *os.File opened O_RDWR
// (or read-only); tests use an in-memory implementation.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// AlignedIO provides the only two operations the engines perform against
// a backend: positional read and positional write. Both fail with an
// *IoFailure-style error (see pkg/ferr) on short reads, permission
// denial, or device disappearance. Unaligned requests against a direct
// backend are handled by read-modify-write of the enclosing sector(s);
// callers that already know they're sector-aligned pay no extra cost.
type AlignedIO struct {
	backend    Backend
	sectorSize int64
}

// New wraps backend with the given sector size (SectorSize if zero).
func New(backend Backend, sectorSize int64) *AlignedIO {
	if sectorSize <= 0 {
		sectorSize = SectorSize
	}
	return &AlignedIO{backend: backend, sectorSize: sectorSize}
}

// SectorSize reports the sector size this AlignedIO was constructed with.
func (a *AlignedIO) SectorSize() int64 { return a.sectorSize }

// alignDown rounds offset down to the nearest sector boundary.
func (a *AlignedIO) alignDown(offset int64) int64 {
	return offset - offset%a.sectorSize
}

// ReadAt reads length bytes starting at offset, transparently expanding to
// sector boundaries if offset or length isn't already aligned.
func (a *AlignedIO) ReadAt(offset, length int64) ([]byte, error) {
	begin := a.alignDown(offset)
	end := offset + length
	if rem := end % a.sectorSize; rem != 0 {
		end += a.sectorSize - rem
	}

	buf := make([]byte, end-begin)
	n, err := a.backend.ReadAt(buf, begin)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading %d bytes at offset %d: %w", length, offset, err)
	}
	// Short reads past the declared device size are padded with zeros so
	// that reading the tail of a sparse file never fails spuriously.
	for ; n < len(buf); n++ {
		buf[n] = 0
	}

	lo := offset - begin
	return buf[lo : lo+length], nil
}

// WriteAt writes data at offset, performing a read-modify-write of the
// enclosing sector(s) when offset or len(data) isn't sector-aligned.
func (a *AlignedIO) WriteAt(offset int64, data []byte) error {
	begin := a.alignDown(offset)
	end := offset + int64(len(data))
	if rem := end % a.sectorSize; rem != 0 {
		end += a.sectorSize - rem
	}

	if begin == offset && end == offset+int64(len(data)) {
		if _, err := a.backend.WriteAt(data, offset); err != nil {
			return fmt.Errorf("writing %d bytes at offset %d: %w", len(data), offset, err)
		}
		return nil
	}

	buf, err := a.ReadAt(begin, end-begin)
	if err != nil {
		return err
	}
	copy(buf[offset-begin:], data)
	if _, err := a.backend.WriteAt(buf, begin); err != nil {
		return fmt.Errorf("writing %d bytes at offset %d: %w", len(data), offset, err)
	}
	return nil
}

// Flush commits any pending writes to the backend. Every format
// operation must call this before releasing the handle.
func (a *AlignedIO) Flush() error {
	return a.backend.Sync()
}
