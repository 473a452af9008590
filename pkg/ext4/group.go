package ext4

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/diskforge/diskforge/pkg/checksum"
)

// GroupDescriptor32 is the 32-byte on-disk group descriptor.
// The 64-bit variant appends the four "Hi" halves plus padding; both
// share this prefix so Encode/Decode always read/write 32 bytes then
// conditionally the extra 32.
type GroupDescriptor32 struct {
	BlockBitmapLo uint32
	InodeBitmapLo uint32
	InodeTableLo  uint32
	FreeBlocksLo  uint16
	FreeInodesLo  uint16
	UsedDirsLo    uint16
	Flags         uint16
	_             uint32
	_, _          uint16
	UnusedInodes  uint16
	Checksum      uint16
}

// GroupDescriptor64Extra holds the high-order halves appended when
// INCOMPAT_64BIT is set.
type GroupDescriptor64Extra struct {
	BlockBitmapHi uint32
	InodeBitmapHi uint32
	InodeTableHi  uint32
	FreeBlocksHi  uint16
	FreeInodesHi  uint16
	UsedDirsHi    uint16
	_             uint16
	_             uint32
	_             uint32
	_             uint32
}

// GroupSummary is the per-group bookkeeping needed to emit a descriptor:
// free-block, free-inode and used-directory counts (the addresses come
// from the Layout), kept in memory across a format
// session and updated by the incremental allocator thereafter.
type GroupSummary struct {
	FreeBlocks  int64
	FreeInodes  int64
	UsedDirs    int64
}

func EncodeGroupDescriptor(l *Layout, g int64, s GroupSummary) []byte {
	d := GroupDescriptor32{
		BlockBitmapLo: uint32(l.BlockBitmapBlock(g)),
		InodeBitmapLo: uint32(l.InodeBitmapBlock(g)),
		InodeTableLo:  uint32(l.InodeTableStartBlock(g)),
		FreeBlocksLo:  uint16(s.FreeBlocks),
		FreeInodesLo:  uint16(s.FreeInodes),
		UsedDirsLo:    uint16(s.UsedDirs),
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &d); err != nil {
		panic(err)
	}

	if l.Use64Bit {
		extra := GroupDescriptor64Extra{
			BlockBitmapHi: uint32(l.BlockBitmapBlock(g) >> 32),
			InodeBitmapHi: uint32(l.InodeBitmapBlock(g) >> 32),
			InodeTableHi:  uint32(l.InodeTableStartBlock(g) >> 32),
			FreeBlocksHi:  uint16(s.FreeBlocks >> 16),
			FreeInodesHi:  uint16(s.FreeInodes >> 16),
			UsedDirsHi:    uint16(s.UsedDirs >> 16),
		}
		if err := binary.Write(buf, binary.LittleEndian, &extra); err != nil {
			panic(err)
		}
	}

	out := buf.Bytes()
	if l.UseChecksums {
		stampGroupChecksum(l, g, out)
	}
	return out
}

// stampGroupChecksum computes the CRC16 over (UUID || group_number ||
// descriptor-without-checksum-field), matching the classic (pre
// metadata_csum) gdt_csum algorithm implied by ChecksumType=1.
func stampGroupChecksum(l *Layout, g int64, desc []byte) {
	var gnum [4]byte
	binary.LittleEndian.PutUint32(gnum[:], uint32(g))

	seed := checksum.CRC16CCITTInit
	seed = checksum.CRC16CCITT(seed, l.UUID[:])
	seed = checksum.CRC16CCITT(seed, gnum[:])
	seed = checksum.CRC16CCITT(seed, desc[:30])
	// the two checksum bytes themselves are skipped, not folded in
	if len(desc) > 32 {
		seed = checksum.CRC16CCITT(seed, desc[32:])
	}
	desc[30] = byte(seed)
	desc[31] = byte(seed >> 8)
}

func WriteGDT(w io.WriteSeeker, l *Layout, offset int64, summaries []GroupSummary) error {
	if _, err := w.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	for g := int64(0); g < l.TotalGroups(); g++ {
		if _, err := w.Write(EncodeGroupDescriptor(l, g, summaries[g])); err != nil {
			return err
		}
	}
	return nil
}
