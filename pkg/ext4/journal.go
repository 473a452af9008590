package ext4

import (
	"bytes"
	"encoding/binary"
)

// JBD2Magic is the magic number stamped on every journal block header
// (jbd2_journal_header_t.h_magic).
const JBD2Magic = 0xC03B3998

const (
	jbd2SuperblockV2 = 4
)

// jbd2Superblock is the journal's own superblock (block 0 of the journal
// inode's data), describing the log's geometry. Initialized empty at
// format time; a full transaction/replay engine is out of scope (see
// DESIGN.md) but the on-disk shape is real and mountable as an empty log.
type jbd2Superblock struct {
	Magic       uint32
	BlockType   uint32
	Sequence    uint32
	BlockSize   uint32
	MaxLen      uint32
	First       uint32
	SequenceNo  uint32
	Start       uint32
	ErrNo       int32
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID        [16]byte
	NumUsers    uint32
	DynSuper    uint32
	MaxTransaction uint32
	MaxTransData   uint32
	Checksum       uint32
	_              uint32
	Users          [48 * 16]byte
}

// journalSizeBlocks picks a journal size the way mke2fs does: ~128 MB or
// 1/64 of the volume, whichever is smaller, with a practical floor so
// tiny images still get a usable log.
func journalSizeBlocks(l *Layout) int64 {
	const target = 128 * 1024 * 1024
	size := l.TotalBytes / 64
	if size > target {
		size = target
	}
	blocks := size / l.BlockSize
	if blocks < 1024 {
		blocks = 1024
	}
	if blocks > l.TotalBlocks/4 {
		blocks = l.TotalBlocks / 4
	}
	if blocks < 16 {
		blocks = 16
	}
	return blocks
}

// allocJournal reserves journalSizeBlocks contiguous blocks in group 0 (or
// the first group with room), writes an empty JBD2 superblock into the
// first block, and returns the journal's content blocks plus its inode.
func allocJournal(l *Layout, blockBitmaps []*Bitmap) (map[int64][]byte, *Inode, error) {
	n := journalSizeBlocks(l)

	var group int64
	var start int64
	var err error
	for group = 0; group < l.TotalGroups(); group++ {
		start, err = blockBitmaps[group].Alloc(n, 0)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, nil, err
	}
	base := l.GroupStartBlock(group) + start

	sb := jbd2Superblock{
		Magic:     JBD2Magic,
		BlockType: jbd2SuperblockV2,
		BlockSize: uint32(l.BlockSize),
		MaxLen:    uint32(n),
		First:     1,
		Sequence:  1,
		Start:     0, // empty log: no outstanding transactions
		UUID:      l.UUID,
	}

	// JBD2 is the one big-endian structure in an otherwise little-endian
	// filesystem; the kernel checks be32 fields.
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, &sb); err != nil {
		return nil, nil, err
	}
	block0 := make([]byte, l.BlockSize)
	copy(block0, buf.Bytes())

	blocks := map[int64][]byte{base: block0}

	runs := []Run{{Logical: 0, Physical: base, Length: n}}
	var extBlock [60]byte
	if l.UseExtents {
		if len(runs) <= inlineMaxExtents {
			extBlock, err = EncodeInlineExtents(runs)
		} else {
			// journal spans more than 4 extent-worth of fragmentation only
			// on heavily pre-used devices; format always allocates it
			// contiguous, so this path is unreachable in practice.
			extBlock, err = EncodeInlineExtents(runs[:inlineMaxExtents])
		}
	} else {
		extBlock, err = EncodeClassicDirect([]int64{base})
	}
	if err != nil {
		return nil, nil, err
	}

	inode := &Inode{
		Mode:       InodeTypeRegular | 0600,
		Size:       n * l.BlockSize,
		LinksCount: 1,
		Block:      extBlock,
	}
	if l.UseExtents {
		inode.Flags |= Ext4ExtentsFL
	}

	return blocks, inode, nil
}
