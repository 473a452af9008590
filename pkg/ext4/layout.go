// Package ext4 formats and reads ext2/ext3/ext4 filesystems: superblock,
// 32-byte (or 64-byte) group descriptors, 128/256-byte inodes, extent
// trees, and the TEA-hashed directory index. Format produces the minimal
// valid image (reserved inodes, root, lost+found) and later
// Create/Write/Mkdir calls extend it incrementally.
//
// Flex_bg group placement is dropped in favor of the classic per-group
// layout (every group is self-contained: its own bitmaps and inode table
// sit at the start of the group) — see DESIGN.md for the reasoning.
package ext4

import "github.com/diskforge/diskforge/pkg/checksum"

// Revision selects the ext2/ext3/ext4 feature set a Layout targets.
type Revision int

const (
	RevExt2 Revision = iota
	RevExt3
	RevExt4
)

const (
	Signature     = 0xEF53
	RootInode     = 2
	LostFoundIno  = 11
	FirstUserIno  = 12
	JournalInode  = 8
	ReservedCount = 11 // inodes 1..10 reserved, 11 is lost+found
)

const (
	SectorSize = 512
)

// Layout is the immutable parameter record derived from the device size.
// One Layout is computed once per format call and then threaded through
// every writer.
type Layout struct {
	Revision Revision

	BlockSize  int64
	InodeSize  int64
	TotalBytes int64

	TotalBlocks    int64
	BlocksPerGroup int64
	InodesPerGroup int64

	HasJournal    bool
	UseExtents    bool
	Use64Bit      bool
	UseChecksums  bool
	JournalBlocks int64

	UUID        [16]byte
	Label       string
	ChecksumSeed uint32
}

func divide(a, b int64) int64 { return (a + b - 1) / b }
func align(a, b int64) int64  { return divide(a, b) * b }

// DescriptorSize returns 32 bytes, or 64 when INCOMPAT_64BIT is set.
func (l *Layout) DescriptorSize() int64 {
	if l.Use64Bit {
		return 64
	}
	return 32
}

func (l *Layout) descriptorsPerBlock() int64 { return l.BlockSize / l.DescriptorSize() }
func (l *Layout) inodesPerBlock() int64      { return l.BlockSize / l.InodeSize }

// TotalGroups is the number of block groups the volume is divided into.
func (l *Layout) TotalGroups() int64 { return divide(l.TotalBlocks, l.BlocksPerGroup) }

// GDTBlocks is the number of blocks the group descriptor table occupies.
func (l *Layout) GDTBlocks() int64 {
	return divide(l.TotalGroups(), l.descriptorsPerBlock())
}

// ReservedGDTBlocks reserves descriptor-table room for future growth,
// capped modestly since this engine does not implement online resize.
func (l *Layout) ReservedGDTBlocks() int64 {
	grown := align(l.TotalGroups()*32, l.descriptorsPerBlock())
	return divide(grown, l.descriptorsPerBlock()) - l.GDTBlocks()
}

// InodeTableBlocksPerGroup is the number of blocks the inode table
// occupies within one group.
func (l *Layout) InodeTableBlocksPerGroup() int64 {
	return divide(l.InodesPerGroup, l.inodesPerBlock())
}

// IsSparseSuperGroup reports whether group g carries a backup superblock
// and GDT under SPARSE_SUPER: group 0, 1, and powers of 3, 5, 7.
func IsSparseSuperGroup(g int64) bool {
	if g == 0 || g == 1 {
		return true
	}
	for _, base := range []int64{3, 5, 7} {
		p := base
		for p <= g {
			if p == g {
				return true
			}
			p *= base
		}
	}
	return false
}

// GroupOverheadBlocks returns the number of blocks at the start of group g
// consumed by (optional superblock+GDT) + block bitmap + inode bitmap +
// inode table.
func (l *Layout) GroupOverheadBlocks(g int64) int64 {
	overhead := int64(2) + l.InodeTableBlocksPerGroup() // block bitmap + inode bitmap + inode table
	if IsSparseSuperGroup(g) {
		overhead += 1 + l.GDTBlocks() + l.ReservedGDTBlocks()
	}
	return overhead
}

// GroupStartBlock returns the first block address belonging to group g.
func (l *Layout) GroupStartBlock(g int64) int64 { return g * l.BlocksPerGroup }

// GDTStartBlock returns the first block of the group descriptor table
// copy carried by sparse-super group g: the block after the one holding
// the (primary or backup) superblock.
func (l *Layout) GDTStartBlock(g int64) int64 { return l.GroupStartBlock(g) + 1 }

// BlockBitmapBlock, InodeBitmapBlock, and InodeTableStartBlock locate the
// three fixed regions at the start of group g.
func (l *Layout) BlockBitmapBlock(g int64) int64 {
	start := l.GroupStartBlock(g)
	if IsSparseSuperGroup(g) {
		start += 1 + l.GDTBlocks() + l.ReservedGDTBlocks()
	}
	return start
}

func (l *Layout) InodeBitmapBlock(g int64) int64 { return l.BlockBitmapBlock(g) + 1 }

func (l *Layout) InodeTableStartBlock(g int64) int64 { return l.InodeBitmapBlock(g) + 1 }

// GroupDataStartBlock is the first block in group g available for file or
// directory content.
func (l *Layout) GroupDataStartBlock(g int64) int64 {
	return l.InodeTableStartBlock(g) + l.InodeTableBlocksPerGroup()
}

// BlocksInGroup returns how many blocks actually belong to group g
// (the last group may be short).
func (l *Layout) BlocksInGroup(g int64) int64 {
	if (g+1)*l.BlocksPerGroup <= l.TotalBlocks {
		return l.BlocksPerGroup
	}
	return l.TotalBlocks - g*l.BlocksPerGroup
}

// InodeLocation returns the (group, indexWithinGroup) pair for inode
// number ino: group = (ino-1)/inodes_per_group, index = (ino-1)%.
func (l *Layout) InodeLocation(ino int64) (group, index int64) {
	group = (ino - 1) / l.InodesPerGroup
	index = (ino - 1) % l.InodesPerGroup
	return
}

// InodeByteOffset returns the absolute byte offset of inode ino.
func (l *Layout) InodeByteOffset(ino int64) int64 {
	group, index := l.InodeLocation(ino)
	return l.InodeTableStartBlock(group)*l.BlockSize + index*l.InodeSize
}

// NewLayout derives a Layout from a target device size: 4 KB blocks by
// default, 32768 blocks/group, inode count from a bytes-per-inode
// heuristic (16 KB/inode, clamped).
func NewLayout(totalBytes int64, rev Revision, blockSize int64, uuid [16]byte, label string) *Layout {
	if blockSize <= 0 {
		blockSize = 4096
	}

	l := &Layout{
		Revision:       rev,
		BlockSize:      blockSize,
		TotalBytes:     totalBytes,
		TotalBlocks:    totalBytes / blockSize,
		BlocksPerGroup: blockSize * 8,
		UUID:           uuid,
		Label:          label,
	}

	if rev == RevExt2 {
		l.InodeSize = 128
	} else {
		l.InodeSize = 256
	}

	const bytesPerInode = 16 * 1024
	inodesTotal := divide(totalBytes, bytesPerInode)
	groups := divide(l.TotalBlocks, l.BlocksPerGroup)
	if groups < 1 {
		groups = 1
	}
	ipg := divide(inodesTotal, groups)
	// round up to a full block of inodes so every group's inode table is
	// a whole number of blocks
	inodesPerBlock := blockSize / l.InodeSize
	ipg = align(ipg, inodesPerBlock)
	if ipg < inodesPerBlock {
		ipg = inodesPerBlock
	}
	l.InodesPerGroup = ipg

	l.UseExtents = rev == RevExt4
	l.Use64Bit = rev == RevExt4
	l.UseChecksums = rev == RevExt4
	l.HasJournal = rev != RevExt2

	l.ChecksumSeed = checksum.CRC32cSeed(uuid)

	return l
}
