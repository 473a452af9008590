package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

const ExtentMagic = 0xF30A

// ExtentHeader is the 12-byte header of an extent tree node, living
// either inline in an inode's 60-byte block area (depth-limited to 4
// leaf extents) or in a full block (up to 340 for 4K blocks).
type ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

// ExtentIndex is an internal (depth > 0) node: points at a child block
// holding the next tree level.
type ExtentIndex struct {
	Block  uint32
	LeafLo uint32
	LeafHi uint16
	_      uint16
}

// Extent is a depth-0 leaf: a contiguous logical->physical block range.
type Extent struct {
	Block   uint32
	Len     uint16
	StartHi uint16
	StartLo uint32
}

// Run is the decoded, in-memory form of one leaf extent.
type Run struct {
	Logical  int64
	Physical int64
	Length   int64
}

const inlineMaxExtents = 4 // (60 - 12) / 12

// EncodeInlineExtents packs up to inlineMaxExtents leaf runs directly
// into a 60-byte inode block area. Callers needing more must spill to an
// index node (not yet implemented — see DESIGN.md).
func EncodeInlineExtents(runs []Run) ([60]byte, error) {
	var out [60]byte
	if len(runs) > inlineMaxExtents {
		return out, fmt.Errorf("file needs %d extents, only %d fit inline: %w", len(runs), inlineMaxExtents, ferr.ErrUnsupported)
	}

	hdr := ExtentHeader{Magic: ExtentMagic, Entries: uint16(len(runs)), Max: inlineMaxExtents}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return out, err
	}
	for _, r := range runs {
		e := Extent{
			Block:   uint32(r.Logical),
			Len:     uint16(r.Length),
			StartLo: uint32(r.Physical),
			StartHi: uint16(r.Physical >> 32),
		}
		if err := binary.Write(buf, binary.LittleEndian, &e); err != nil {
			return out, err
		}
	}
	copy(out[:], buf.Bytes())
	return out, nil
}

// DecodeInlineExtents reads leaf runs directly out of a 60-byte inode
// block area (depth must be 0; deeper trees require BlockReader and are
// handled by DecodeExtentTree).
func DecodeInlineExtents(block [60]byte) ([]Run, error) {
	var hdr ExtentHeader
	if err := binary.Read(bytes.NewReader(block[:12]), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != ExtentMagic {
		return nil, &ferr.StructureInvalid{Structure: "ExtentHeader", Field: "Magic"}
	}
	if hdr.Depth != 0 {
		return nil, fmt.Errorf("inline extent root has depth %d: %w", hdr.Depth, ferr.ErrUnsupported)
	}
	return decodeExtentEntries(block[12:], int(hdr.Entries))
}

func decodeExtentEntries(data []byte, n int) ([]Run, error) {
	var runs []Run
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		var e Extent
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		runs = append(runs, Run{
			Logical:  int64(e.Block),
			Physical: int64(e.StartLo) | int64(e.StartHi)<<32,
			Length:   int64(e.Len),
		})
	}
	return runs, nil
}

// BlockReader reads one filesystem block by physical block number, used
// when an extent tree's depth exceeds what fits inline.
type BlockReader interface {
	ReadBlock(physical int64) ([]byte, error)
}

// DecodeExtentTree walks an arbitrary-depth extent tree rooted in a
// 60-byte inode block area, following index nodes via br.
func DecodeExtentTree(block [60]byte, l *Layout, br BlockReader) ([]Run, error) {
	var hdr ExtentHeader
	if err := binary.Read(bytes.NewReader(block[:12]), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != ExtentMagic {
		return nil, &ferr.StructureInvalid{Structure: "ExtentHeader", Field: "Magic"}
	}
	if hdr.Depth == 0 {
		return decodeExtentEntries(block[12:], int(hdr.Entries))
	}

	r := bytes.NewReader(block[12:])
	var runs []Run
	for i := 0; i < int(hdr.Entries); i++ {
		var idx ExtentIndex
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, err
		}
		child, err := br.ReadBlock(int64(idx.LeafLo) | int64(idx.LeafHi)<<32)
		if err != nil {
			return nil, err
		}
		childRuns, err := decodeExtentBlockNode(child, l, br)
		if err != nil {
			return nil, err
		}
		runs = append(runs, childRuns...)
	}
	return runs, nil
}

func decodeExtentBlockNode(block []byte, l *Layout, br BlockReader) ([]Run, error) {
	var hdr ExtentHeader
	if err := binary.Read(bytes.NewReader(block[:12]), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != ExtentMagic {
		return nil, &ferr.StructureInvalid{Structure: "ExtentHeader", Field: "Magic"}
	}
	if hdr.Depth == 0 {
		return decodeExtentEntries(block[12:], int(hdr.Entries))
	}
	r := bytes.NewReader(block[12:])
	var runs []Run
	for i := 0; i < int(hdr.Entries); i++ {
		var idx ExtentIndex
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, err
		}
		child, err := br.ReadBlock(int64(idx.LeafLo) | int64(idx.LeafHi)<<32)
		if err != nil {
			return nil, err
		}
		childRuns, err := decodeExtentBlockNode(child, l, br)
		if err != nil {
			return nil, err
		}
		runs = append(runs, childRuns...)
	}
	return runs, nil
}

// EncodeClassicDirect encodes up to 12 direct block pointers into the
// 60-byte area for ext2/ext3 images that don't use extents. Indirect
// (single/double/triple) pointers are not implemented; files needing more
// than 12 blocks on a non-extents revision return ErrUnsupported — see
// DESIGN.md.
func EncodeClassicDirect(physical []int64) ([60]byte, error) {
	var out [60]byte
	if len(physical) > 12 {
		return out, fmt.Errorf("classic block mapping needs %d blocks, only 12 direct pointers supported: %w", len(physical), ferr.ErrUnsupported)
	}
	for i, p := range physical {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(p))
	}
	return out, nil
}

// DecodeClassicDirect reads up to 12 direct block pointers (stopping at
// the first zero entry).
func DecodeClassicDirect(block [60]byte) []int64 {
	var out []int64
	for i := 0; i < 12; i++ {
		p := binary.LittleEndian.Uint32(block[i*4:])
		if p == 0 {
			break
		}
		out = append(out, int64(p))
	}
	return out
}
