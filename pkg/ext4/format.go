package ext4

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/elog"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

// Formatter implements vfs.Formatter for ext2/ext3/ext4, registered
// under those three names (see init in register.go).
type Formatter struct {
	Revision Revision
}

func revisionName(r Revision) string {
	switch r {
	case RevExt2:
		return "ext2"
	case RevExt3:
		return "ext3"
	default:
		return "ext4"
	}
}

// Format builds a minimal valid ext2/3/4 image: reserved inodes, root
// directory (#2), and lost+found (#11). Later Create/Mkdir/Write calls
// extend it. Write ordering: payload structures (bitmaps, inode table,
// directory and journal blocks) first, backup superblocks/GDT copies
// second, then the primary GDT, and the primary superblock last as the
// commit point.
func (f Formatter) Format(d *device.Device, w io.WriteSeeker, opts vfs.FormatOptions) error {
	log := opts.Logger
	if log == nil {
		log = &elog.CLI{}
	}

	if len(opts.Label) > 16 {
		return fmt.Errorf("label %q exceeds 16 bytes: %w", opts.Label, ferr.ErrInvalidArgument)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generating volume UUID: %w", err)
	}
	var rawUUID [16]byte
	copy(rawUUID[:], id[:])

	blockSize := opts.ClusterSize
	l := NewLayout(d.Size, f.Revision, blockSize, rawUUID, opts.Label)
	l.HasJournal = opts.Bool(vfs.OptHasJournal, f.Revision != RevExt2)
	l.UseExtents = opts.Bool(vfs.OptUseExtents, f.Revision == RevExt4)
	l.Use64Bit = opts.Bool(vfs.OptUse64Bit, f.Revision == RevExt4)
	l.UseChecksums = opts.Bool(vfs.OptUseChecksums, f.Revision == RevExt4)

	if l.TotalGroups() < 1 {
		return fmt.Errorf("device too small for one block group: %w", ferr.ErrDeviceTooSmall)
	}

	log.Infof("formatting %s: %d bytes, %d groups, %d bytes/block", revisionName(f.Revision), d.Size, l.TotalGroups(), l.BlockSize)

	if opts.Cancel.Cancelled() {
		return fmt.Errorf("format cancelled: %w", ferr.ErrInvalidArgument)
	}

	step := func(desc string) {
		log.Infof(desc)
		if opts.Progress != nil {
			opts.Progress.Increment(1)
		}
	}

	groups := l.TotalGroups()
	blockBitmaps := make([]*Bitmap, groups)
	inodeBitmaps := make([]*Bitmap, groups)
	summaries := make([]GroupSummary, groups)

	for g := int64(0); g < groups; g++ {
		blockBitmaps[g] = NewBitmap(l.BlocksPerGroup)
		inodeBitmaps[g] = NewBitmap(l.InodesPerGroup)
		overhead := l.GroupOverheadBlocks(g)
		for b := int64(0); b < overhead; b++ {
			blockBitmaps[g].Set(b)
		}
		blocksHere := l.BlocksInGroup(g)
		for b := blocksHere; b < l.BlocksPerGroup; b++ {
			blockBitmaps[g].Set(b)
		}
	}

	// Reserved inodes 1..11 all live in group 0; marking them in later
	// groups would burn valid inodes there for nothing.
	for i := int64(0); i < ReservedCount; i++ {
		inodeBitmaps[0].Set(i)
	}

	step("allocating root directory")
	rootBlockAddr, err := allocBlock(l, blockBitmaps, 0, 0)
	if err != nil {
		return err
	}
	lfBlockAddr, err := allocBlock(l, blockBitmaps, 0, rootBlockAddr+1)
	if err != nil {
		return err
	}

	rootBlock, err := NewRootDirBlock(l.BlockSize, RootInode, RootInode, []Dirent{
		{Inode: LostFoundIno, FileType: FTypeDir, Name: "lost+found"},
	})
	if err != nil {
		return err
	}
	lfBlock, err := NewRootDirBlock(l.BlockSize, LostFoundIno, RootInode, nil)
	if err != nil {
		return err
	}

	rootInode, err := newDirInode(l, RootInode, []int64{rootBlockAddr}, 2)
	if err != nil {
		return err
	}
	lfInode, err := newDirInode(l, LostFoundIno, []int64{lfBlockAddr}, 2)
	if err != nil {
		return err
	}

	inodes := map[int64]*Inode{RootInode: rootInode, LostFoundIno: lfInode}
	blocks := map[int64][]byte{rootBlockAddr: rootBlock, lfBlockAddr: lfBlock}

	if l.HasJournal {
		jBlocks, jInode, err := allocJournal(l, blockBitmaps)
		if err != nil {
			return err
		}
		inodes[JournalInode] = jInode
		for addr, buf := range jBlocks {
			blocks[addr] = buf
		}
	}

	for g := int64(0); g < groups; g++ {
		summaries[g] = GroupSummary{
			FreeBlocks: blockBitmaps[g].FreeCount(),
			FreeInodes: inodeBitmaps[g].FreeCount(),
			UsedDirs:   2, // root + lost+found both live in group 0; refined below
		}
	}
	if groups > 1 {
		summaries[0].UsedDirs = 2
		for g := int64(1); g < groups; g++ {
			summaries[g].UsedDirs = 0
		}
	}

	step("writing bitmaps and inode table")
	for g := int64(0); g < groups; g++ {
		if err := writeAt(w, l.BlockBitmapBlock(g)*l.BlockSize, blockBitmaps[g].Bytes(l.BlockSize)); err != nil {
			return err
		}
		if err := writeAt(w, l.InodeBitmapBlock(g)*l.BlockSize, inodeBitmaps[g].Bytes(l.BlockSize)); err != nil {
			return err
		}
		if err := writeInodeTable(w, l, g, inodes); err != nil {
			return err
		}
	}

	for addr, buf := range blocks {
		if err := writeAt(w, addr*l.BlockSize, buf); err != nil {
			return err
		}
	}

	step("writing backup superblocks")
	for g := int64(1); g < groups; g++ {
		if !IsSparseSuperGroup(g) {
			continue
		}
		if err := WriteSuperblockCopy(w, l, g, summaries[g].FreeBlocks, summaries[g].FreeInodes, summaries[g].UsedDirs); err != nil {
			return err
		}
		if err := WriteGDT(w, l, l.GDTStartBlock(g)*l.BlockSize, summaries); err != nil {
			return err
		}
	}

	step("writing primary group descriptor table")
	if err := WriteGDT(w, l, l.GDTStartBlock(0)*l.BlockSize, summaries); err != nil {
		return err
	}

	step("writing primary superblock")
	var totalFree, totalFreeInodes, totalDirs int64
	for _, s := range summaries {
		totalFree += s.FreeBlocks
		totalFreeInodes += s.FreeInodes
		totalDirs += s.UsedDirs
	}
	if err := WriteSuperblockCopy(w, l, 0, totalFree, totalFreeInodes, totalDirs); err != nil {
		return err
	}

	if opts.Progress != nil {
		opts.Progress.Finish(true)
	}
	if s, ok := w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func writeAt(w io.WriteSeeker, offset int64, buf []byte) error {
	if _, err := w.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func allocBlock(l *Layout, bitmaps []*Bitmap, group int64, hint int64) (int64, error) {
	idx, err := bitmaps[group].Alloc(1, hint)
	if err != nil {
		return 0, err
	}
	return l.GroupStartBlock(group) + idx, nil
}

func newDirInode(l *Layout, ino int64, blockAddrs []int64, links uint16) (*Inode, error) {
	var runs []Run
	for i, addr := range blockAddrs {
		runs = append(runs, Run{Logical: int64(i), Physical: addr, Length: 1})
	}

	in := &Inode{
		Mode:       InodeTypeDirectory | 0755,
		Size:       int64(len(blockAddrs)) * l.BlockSize,
		LinksCount: links,
	}

	if l.UseExtents {
		in.Flags |= Ext4ExtentsFL
		block, err := EncodeInlineExtents(runs)
		if err != nil {
			return nil, err
		}
		in.Block = block
	} else {
		block, err := EncodeClassicDirect(blockAddrs)
		if err != nil {
			return nil, err
		}
		in.Block = block
	}
	return in, nil
}

func writeInodeTable(w io.WriteSeeker, l *Layout, g int64, inodes map[int64]*Inode) error {
	base := l.InodeTableStartBlock(g) * l.BlockSize
	if _, err := w.Seek(base, io.SeekStart); err != nil {
		return err
	}
	for i := int64(0); i < l.InodesPerGroup; i++ {
		ino := i + 1 + g*l.InodesPerGroup
		in, ok := inodes[ino]
		if !ok {
			in = &Inode{}
		}
		if _, err := w.Write(EncodeInode(l, in)); err != nil {
			return err
		}
	}
	return nil
}
