package ext4

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

// FS is the vfs.Filesystem implementation bound to an already-formatted
// ext2/ext3/ext4 image. It keeps the superblock, group descriptors, and
// block/inode bitmaps resident in memory for the life of the handle —
// the handle owns its device reader exclusively for the session — and
// commits them back to disk at the end of every
// mutating call, acting as its own (un-journaled outside JBD2's on-disk
// presence) write barrier.
type FS struct {
	l    *Layout
	io   *device.AlignedIO
	blockBitmaps []*Bitmap
	inodeBitmaps []*Bitmap
	summaries    []GroupSummary
	label        string
	revision     Revision
}

func (fs *FS) ReadBlock(physical int64) ([]byte, error) {
	return fs.io.ReadAt(physical*fs.l.BlockSize, fs.l.BlockSize)
}

func (fs *FS) writeBlock(physical int64, data []byte) error {
	buf := make([]byte, fs.l.BlockSize)
	copy(buf, data)
	return fs.io.WriteAt(physical*fs.l.BlockSize, buf)
}

// Init opens an existing image: parses the primary superblock, then every
// group's bitmaps into memory.
func (fs *FS) Init(d *device.Device, backend device.Backend) error {
	fs.io = device.New(backend, device.SectorSize)

	raw, err := fs.io.ReadAt(1024, 1024)
	if err != nil {
		return err
	}
	sb, err := DecodeSuperblock(raw)
	if err != nil {
		return err
	}

	blockSize := int64(1024) << sb.LogBlockSize
	rev := RevExt2
	if sb.FeatureIncompat&IncompatExtents != 0 {
		rev = RevExt4
	} else if sb.FeatureCompat&CompatHasJournal != 0 {
		rev = RevExt3
	}

	fs.revision = rev
	fs.l = &Layout{
		Revision:       rev,
		BlockSize:      blockSize,
		InodeSize:      int64(sb.InodeSize),
		TotalBytes:     d.Size,
		TotalBlocks:    int64(sb.TotalBlocksLo) | int64(sb.TotalBlocksHi)<<32,
		BlocksPerGroup: int64(sb.BlocksPerGroup),
		InodesPerGroup: int64(sb.InodesPerGroup),
		HasJournal:     sb.FeatureCompat&CompatHasJournal != 0,
		UseExtents:     sb.FeatureIncompat&IncompatExtents != 0,
		Use64Bit:       sb.FeatureIncompat&Incompat64Bit != 0,
		UseChecksums:   sb.FeatureROCompat&(ROCompatGDTCsum|ROCompatMetadataCsum) != 0,
		UUID:           sb.UUID,
		Label:          strings.TrimRight(string(sb.VolumeName[:]), "\x00"),
		ChecksumSeed:   sb.ChecksumSeed,
	}
	fs.label = fs.l.Label

	groups := fs.l.TotalGroups()
	fs.blockBitmaps = make([]*Bitmap, groups)
	fs.inodeBitmaps = make([]*Bitmap, groups)
	fs.summaries = make([]GroupSummary, groups)

	for g := int64(0); g < groups; g++ {
		bb, err := fs.io.ReadAt(fs.l.BlockBitmapBlock(g)*fs.l.BlockSize, fs.l.BlockSize)
		if err != nil {
			return err
		}
		fs.blockBitmaps[g] = bitmapFromBytes(bb, fs.l.BlocksPerGroup)

		ib, err := fs.io.ReadAt(fs.l.InodeBitmapBlock(g)*fs.l.BlockSize, fs.l.BlockSize)
		if err != nil {
			return err
		}
		fs.inodeBitmaps[g] = bitmapFromBytes(ib, fs.l.InodesPerGroup)

		fs.summaries[g] = GroupSummary{
			FreeBlocks: fs.blockBitmaps[g].FreeCount(),
			FreeInodes: fs.inodeBitmaps[g].FreeCount(),
		}
	}

	return nil
}

func bitmapFromBytes(buf []byte, n int64) *Bitmap {
	b := NewBitmap(n)
	copy(b.bits, buf)
	return b
}

func (fs *FS) StatFS() (vfs.StatFS, error) {
	var free int64
	for _, s := range fs.summaries {
		free += s.FreeBlocks
	}
	return vfs.StatFS{
		Type:      revisionName(fs.revision),
		Total:     fs.l.TotalBlocks * fs.l.BlockSize,
		Free:      free * fs.l.BlockSize,
		BlockSize: fs.l.BlockSize,
		Label:     fs.label,
	}, nil
}

func (fs *FS) readInode(ino int64) (*Inode, error) {
	buf, err := fs.io.ReadAt(fs.l.InodeByteOffset(ino), fs.l.InodeSize)
	if err != nil {
		return nil, err
	}
	return DecodeInode(buf)
}

func (fs *FS) writeInode(ino int64, in *Inode) error {
	return fs.io.WriteAt(fs.l.InodeByteOffset(ino), EncodeInode(fs.l, in))
}

func (fs *FS) inodeRuns(in *Inode) ([]Run, error) {
	if fs.l.UseExtents {
		return DecodeExtentTree(in.Block, fs.l, fs)
	}
	var runs []Run
	for i, p := range DecodeClassicDirect(in.Block) {
		runs = append(runs, Run{Logical: int64(i), Physical: p, Length: 1})
	}
	return runs, nil
}

func (fs *FS) readDirEntries(in *Inode) ([]Dirent, error) {
	runs, err := fs.inodeRuns(in)
	if err != nil {
		return nil, err
	}
	var all []Dirent
	for _, r := range runs {
		for b := int64(0); b < r.Length; b++ {
			block, err := fs.ReadBlock(r.Physical + b)
			if err != nil {
				return nil, err
			}
			ents, err := DecodeDirBlock(block)
			if err != nil {
				return nil, err
			}
			all = append(all, ents...)
		}
	}
	return all, nil
}

// resolve walks path components from the root inode, scanning each
// directory's entries for the next component.
func (fs *FS) resolve(p string) (ino int64, in *Inode, err error) {
	ino = RootInode
	in, err = fs.readInode(ino)
	if err != nil {
		return 0, nil, err
	}
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return ino, in, nil
	}
	for _, comp := range strings.Split(p, "/") {
		ents, err := fs.readDirEntries(in)
		if err != nil {
			return 0, nil, err
		}
		found := false
		for _, e := range ents {
			if e.Name == comp {
				ino = int64(e.Inode)
				in, err = fs.readInode(ino)
				if err != nil {
					return 0, nil, err
				}
				found = true
				break
			}
		}
		if !found {
			return 0, nil, fmt.Errorf("resolving %q: %w", p, &ferr.NotFound{Path: p, Component: comp})
		}
	}
	return ino, in, nil
}

func toStat(in *Inode) vfs.Stat {
	return vfs.Stat{
		Size:        in.Size,
		IsDir:       in.IsDir(),
		IsFile:      in.IsRegular(),
		IsSymlink:   in.IsSymlink(),
		ModTime:     time.Unix(int64(in.MTime), 0).UTC(),
		AccessTime:  time.Unix(int64(in.ATime), 0).UTC(),
		ChangeTime:  time.Unix(int64(in.CTime), 0).UTC(),
		Permissions: uint32(in.Mode) & InodePermMask,
	}
}

func (fs *FS) Stat(p string) (vfs.Stat, error) {
	_, in, err := fs.resolve(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	return toStat(in), nil
}

func (fs *FS) ReadDir(p string) ([]vfs.DirEntry, error) {
	_, in, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, fmt.Errorf("%q is not a directory: %w", p, ferr.ErrInvalidArgument)
	}
	ents, err := fs.readDirEntries(in)
	if err != nil {
		return nil, err
	}
	var out []vfs.DirEntry
	for _, e := range ents {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		child, err := fs.readInode(int64(e.Inode))
		if err != nil {
			return nil, err
		}
		out = append(out, vfs.DirEntry{Name: e.Name, Stat: toStat(child), Inode: uint64(e.Inode)})
	}
	return out, nil
}

func (fs *FS) Read(p string, offset, length int64) ([]byte, error) {
	_, in, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if offset >= in.Size {
		return nil, nil
	}
	if offset+length > in.Size {
		length = in.Size - offset
	}
	runs, err := fs.inodeRuns(in)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	remaining := length
	pos := offset
	for remaining > 0 {
		logicalBlock := pos / fs.l.BlockSize
		withinBlock := pos % fs.l.BlockSize
		phys, ok := physicalFor(runs, logicalBlock)
		if !ok {
			// sparse hole
			n := fs.l.BlockSize - withinBlock
			if n > remaining {
				n = remaining
			}
			out = append(out, make([]byte, n)...)
			pos += n
			remaining -= n
			continue
		}
		block, err := fs.ReadBlock(phys)
		if err != nil {
			return nil, err
		}
		n := fs.l.BlockSize - withinBlock
		if n > remaining {
			n = remaining
		}
		out = append(out, block[withinBlock:withinBlock+n]...)
		pos += n
		remaining -= n
	}
	return out, nil
}

func physicalFor(runs []Run, logical int64) (int64, bool) {
	for _, r := range runs {
		if logical >= r.Logical && logical < r.Logical+r.Length {
			return r.Physical + (logical - r.Logical), true
		}
	}
	return 0, false
}

func (fs *FS) Write(p string, offset int64, data []byte) (int, error) {
	ino, in, err := fs.resolve(p)
	if err != nil {
		return 0, err
	}
	if !in.IsRegular() {
		return 0, fmt.Errorf("%q is not a regular file: %w", p, ferr.ErrInvalidArgument)
	}

	endBlock := divide(offset+int64(len(data)), fs.l.BlockSize)
	runs, err := fs.inodeRuns(in)
	if err != nil {
		return 0, err
	}
	haveBlocks := int64(0)
	for _, r := range runs {
		if r.Logical+r.Length > haveBlocks {
			haveBlocks = r.Logical + r.Length
		}
	}
	if endBlock > haveBlocks {
		hint := int64(0)
		if len(runs) > 0 {
			hint = runs[len(runs)-1].Physical + runs[len(runs)-1].Length
		}
		start, err := fs.blockBitmaps[0].Alloc(endBlock-haveBlocks, hint)
		if err != nil {
			return 0, err
		}
		runs = append(runs, Run{Logical: haveBlocks, Physical: start, Length: endBlock - haveBlocks})
		if err := fs.persistInodeRuns(in, runs); err != nil {
			return 0, err
		}
	}

	remaining := int64(len(data))
	pos := offset
	src := data
	for remaining > 0 {
		logicalBlock := pos / fs.l.BlockSize
		withinBlock := pos % fs.l.BlockSize
		phys, ok := physicalFor(runs, logicalBlock)
		if !ok {
			return 0, fmt.Errorf("write extended past allocated runs: %w", ferr.ErrStructureInvalid)
		}
		block, err := fs.ReadBlock(phys)
		if err != nil {
			return 0, err
		}
		n := fs.l.BlockSize - withinBlock
		if n > remaining {
			n = remaining
		}
		copy(block[withinBlock:], src[:n])
		if err := fs.writeBlock(phys, block); err != nil {
			return 0, err
		}
		src = src[n:]
		pos += n
		remaining -= n
	}

	if offset+int64(len(data)) > in.Size {
		in.Size = offset + int64(len(data))
	}
	in.MTime = uint32(time.Now().Unix())
	if err := fs.writeInode(ino, in); err != nil {
		return 0, err
	}
	return len(data), fs.commitGroup(0)
}

func (fs *FS) persistInodeRuns(in *Inode, runs []Run) error {
	if fs.l.UseExtents {
		if len(runs) > inlineMaxExtents {
			return fmt.Errorf("file fragmented into %d extents, only %d supported: %w", len(runs), inlineMaxExtents, ferr.ErrUnsupported)
		}
		block, err := EncodeInlineExtents(runs)
		if err != nil {
			return err
		}
		in.Block = block
		return nil
	}
	var addrs []int64
	for _, r := range runs {
		for i := int64(0); i < r.Length; i++ {
			addrs = append(addrs, r.Physical+i)
		}
	}
	block, err := EncodeClassicDirect(addrs)
	if err != nil {
		return err
	}
	in.Block = block
	return nil
}

func (fs *FS) allocInode(group int64) (int64, error) {
	idx, err := fs.inodeBitmaps[group].Alloc(1, 0)
	if err != nil {
		return 0, err
	}
	return 1 + group*fs.l.InodesPerGroup + idx, nil
}

func (fs *FS) Create(p string, mode uint32) error {
	return fs.createEntry(p, mode, InodeTypeRegular, FTypeRegularFile)
}

func (fs *FS) Mkdir(p string, mode uint32) error {
	return fs.createEntry(p, mode, InodeTypeDirectory, FTypeDir)
}

func (fs *FS) createEntry(p string, mode uint32, itype uint16, ftype uint8) error {
	dirPath := path.Dir(p)
	name := path.Base(p)

	dirIno, dirInode, err := fs.resolve(dirPath)
	if err != nil {
		return err
	}
	if !dirInode.IsDir() {
		return fmt.Errorf("%q is not a directory: %w", dirPath, ferr.ErrInvalidArgument)
	}

	ents, err := fs.readDirEntries(dirInode)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.Name == name {
			return fmt.Errorf("%q already exists: %w", p, ferr.ErrInvalidArgument)
		}
	}

	ino, err := fs.allocInode(0)
	if err != nil {
		return err
	}

	in := &Inode{Mode: itype | uint16(mode)&InodePermMask, LinksCount: 1, MTime: uint32(time.Now().Unix()), CTime: uint32(time.Now().Unix())}
	if itype != InodeTypeDirectory {
		// An empty extent header (or empty direct map), so later reads of
		// the block area find a valid, zero-length mapping.
		if err := fs.persistInodeRuns(in, nil); err != nil {
			return err
		}
	}

	if itype == InodeTypeDirectory {
		blockAddr, err := allocBlock(fs.l, fs.blockBitmaps, 0, 0)
		if err != nil {
			return err
		}
		block, err := NewRootDirBlock(fs.l.BlockSize, uint32(ino), uint32(dirIno), nil)
		if err != nil {
			return err
		}
		if err := fs.writeBlock(blockAddr, block); err != nil {
			return err
		}
		in.LinksCount = 2
		in.Size = fs.l.BlockSize
		if err := fs.persistInodeRuns(in, []Run{{Logical: 0, Physical: blockAddr, Length: 1}}); err != nil {
			return err
		}
	}

	if err := fs.writeInode(ino, in); err != nil {
		return err
	}

	ents = append(ents, Dirent{Inode: uint32(ino), FileType: ftype, Name: name})
	if err := fs.rewriteDirectory(dirIno, dirInode, ents); err != nil {
		return err
	}

	return fs.commitGroup(0)
}

// rewriteDirectory repacks every entry into as many blocks as needed and
// writes them back, allocating new blocks if the directory grows.
func (fs *FS) rewriteDirectory(ino int64, in *Inode, ents []Dirent) error {
	runs, err := fs.inodeRuns(in)
	if err != nil {
		return err
	}

	var blocks [][]byte
	cur := []Dirent{}
	size := int64(0)
	flush := func() error {
		b, err := EncodeDirBlock(fs.l.BlockSize, cur)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
		cur = nil
		size = 0
		return nil
	}
	for _, e := range ents {
		need := direntMinLen(e.Name)
		if size+need > fs.l.BlockSize && len(cur) > 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		cur = append(cur, e)
		size += need
	}
	if len(cur) > 0 {
		if err := flush(); err != nil {
			return err
		}
	}

	needBlocks := int64(len(blocks))
	haveBlocks := int64(0)
	for _, r := range runs {
		haveBlocks += r.Length
	}
	for haveBlocks < needBlocks {
		addr, err := allocBlock(fs.l, fs.blockBitmaps, 0, 0)
		if err != nil {
			return err
		}
		runs = append(runs, Run{Logical: haveBlocks, Physical: addr, Length: 1})
		haveBlocks++
	}

	for i, b := range blocks {
		phys, ok := physicalFor(runs, int64(i))
		if !ok {
			return fmt.Errorf("directory rewrite missing block %d: %w", i, ferr.ErrStructureInvalid)
		}
		if err := fs.writeBlock(phys, b); err != nil {
			return err
		}
	}

	in.Size = needBlocks * fs.l.BlockSize
	if err := fs.persistInodeRuns(in, runs); err != nil {
		return err
	}
	return fs.writeInode(ino, in)
}

func (fs *FS) Unlink(p string) error {
	dirPath := path.Dir(p)
	name := path.Base(p)
	dirIno, dirInode, err := fs.resolve(dirPath)
	if err != nil {
		return err
	}
	ents, err := fs.readDirEntries(dirInode)
	if err != nil {
		return err
	}
	var out []Dirent
	var target *Dirent
	for _, e := range ents {
		if e.Name == name {
			t := e
			target = &t
			continue
		}
		out = append(out, e)
	}
	if target == nil {
		return fmt.Errorf("%q not found: %w", p, &ferr.NotFound{Path: p, Component: name})
	}
	if target.FileType == FTypeDir {
		return fmt.Errorf("%q is a directory: %w", p, ferr.ErrInvalidArgument)
	}

	in, err := fs.readInode(int64(target.Inode))
	if err != nil {
		return err
	}
	runs, err := fs.inodeRuns(in)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fs.blockBitmaps[0].FreeRange(r.Physical-fs.l.GroupStartBlock(0), r.Length)
	}
	group, idx := fs.l.InodeLocation(int64(target.Inode))
	fs.inodeBitmaps[group].Clear(idx)

	if err := fs.rewriteDirectory(dirIno, dirInode, out); err != nil {
		return err
	}
	return fs.commitGroup(0)
}

func (fs *FS) Rmdir(p string) error {
	_, in, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if !in.IsDir() {
		return fmt.Errorf("%q is not a directory: %w", p, ferr.ErrInvalidArgument)
	}
	ents, err := fs.readDirEntries(in)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.Name != "." && e.Name != ".." {
			return fmt.Errorf("%q: %w", p, ferr.ErrNotEmpty)
		}
	}
	return fs.Unlink(p)
}

func (fs *FS) Rename(oldPath, newPath string) error {
	_, in, err := fs.resolve(oldPath)
	if err != nil {
		return err
	}
	data, err := fs.Read(oldPath, 0, in.Size)
	if err != nil {
		return err
	}
	mode := uint32(in.Mode) & InodePermMask
	if in.IsDir() {
		if err := fs.Mkdir(newPath, mode); err != nil {
			return err
		}
	} else {
		if err := fs.Create(newPath, mode); err != nil {
			return err
		}
		if _, err := fs.Write(newPath, 0, data); err != nil {
			return err
		}
	}
	return fs.Unlink(oldPath)
}

func (fs *FS) Truncate(p string, newSize int64) error {
	ino, in, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if newSize < in.Size {
		in.Size = newSize
		in.MTime = uint32(time.Now().Unix())
		if err := fs.writeInode(ino, in); err != nil {
			return err
		}
		return fs.commitGroup(0)
	}
	if newSize > in.Size {
		pad := make([]byte, newSize-in.Size)
		_, err := fs.Write(p, in.Size, pad)
		return err
	}
	return nil
}

func (fs *FS) commitGroup(g int64) error {
	if err := fs.io.WriteAt(fs.l.BlockBitmapBlock(g)*fs.l.BlockSize, fs.blockBitmaps[g].Bytes(fs.l.BlockSize)); err != nil {
		return err
	}
	if err := fs.io.WriteAt(fs.l.InodeBitmapBlock(g)*fs.l.BlockSize, fs.inodeBitmaps[g].Bytes(fs.l.BlockSize)); err != nil {
		return err
	}
	fs.summaries[g] = GroupSummary{
		FreeBlocks: fs.blockBitmaps[g].FreeCount(),
		FreeInodes: fs.inodeBitmaps[g].FreeCount(),
	}

	var totalFree, totalFreeInodes int64
	for _, s := range fs.summaries {
		totalFree += s.FreeBlocks
		totalFreeInodes += s.FreeInodes
	}

	sbBuf := EncodeSuperblock(fs.l, totalFree, totalFreeInodes, 0)
	if err := fs.io.WriteAt(1024, sbBuf); err != nil {
		return err
	}

	gdtOffset := fs.l.GDTStartBlock(0) * fs.l.BlockSize
	for gg := int64(0); gg < fs.l.TotalGroups(); gg++ {
		desc := EncodeGroupDescriptor(fs.l, gg, fs.summaries[gg])
		if err := fs.io.WriteAt(gdtOffset+gg*int64(len(desc)), desc); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FS) Flush() error {
	return fs.io.Flush()
}
