package fat

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

// FS implements vfs.Filesystem for FAT16 and FAT32. exFAT has a
// sufficiently different on-disk shape (no fixed root region, typed
// directory entry sets, separate bitmap) that it gets its own type,
// ExFATFS, in exfat_fs.go.
type FS struct {
	l     *Layout
	io    *device.AlignedIO
	table *Table
}

func (fs *FS) Init(d *device.Device, backend device.Backend) error {
	fs.io = device.New(backend, sectorSize)

	boot, err := fs.io.ReadAt(0, sectorSize)
	if err != nil {
		return err
	}
	l, err := DecodeBootSector(boot)
	if err != nil {
		return err
	}
	fs.l = l

	tableBytes, err := fs.io.ReadAt(l.ReservedSectors*sectorSize, l.SectorsPerFAT*sectorSize)
	if err != nil {
		return err
	}
	fs.table = DecodeTable(l.Variant, tableBytes)
	return nil
}

func (fs *FS) StatFS() (vfs.StatFS, error) {
	free := fs.table.FreeClusterCount(fs.l.TotalClusters())
	return vfs.StatFS{
		Type:      fs.l.Variant.String(),
		Total:     fs.l.TotalSectors * fs.l.BytesPerSector,
		Free:      free * fs.l.ClusterSize(),
		BlockSize: fs.l.ClusterSize(),
		Label:     fs.l.Label,
	}, nil
}

// readDirRegion returns the raw bytes of a directory: the fixed root
// region for FAT16's root, or the concatenated cluster chain otherwise.
func (fs *FS) readDirRegion(firstCluster int64, isRoot bool) ([]byte, error) {
	if isRoot && fs.l.Variant == VariantFAT16 {
		return fs.io.ReadAt(fs.l.RootDirSector()*sectorSize, fs.l.RootEntries*dirEntrySize)
	}
	chain, err := fs.table.ReadChain(firstCluster)
	if err != nil {
		return nil, err
	}
	var buf []byte
	for _, c := range chain {
		data, err := fs.io.ReadAt(fs.l.ClusterToSector(c)*sectorSize, fs.l.ClusterSize())
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

func (fs *FS) rootFirstCluster() int64 {
	if fs.l.Variant == VariantFAT32 {
		return fs.l.RootCluster
	}
	return 0
}

// resolve walks path components starting at the root directory, returning
// the matched entry and (if a directory) its first cluster, or whether it
// is the root itself.
func (fs *FS) resolve(p string) (entry *Dirent83, isRoot bool, err error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil, true, nil
	}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	curCluster := fs.rootFirstCluster()
	curIsRoot := true
	var found *Dirent83

	for i, part := range parts {
		buf, err := fs.readDirRegion(curCluster, curIsRoot)
		if err != nil {
			return nil, false, err
		}
		entries, err := DecodeDirectory(buf)
		if err != nil {
			return nil, false, err
		}

		found = nil
		for j := range entries {
			if strings.EqualFold(entries[j].Name, part) {
				found = &entries[j]
				break
			}
		}
		if found == nil {
			return nil, false, fmt.Errorf("fat: %s: %w", p, &ferr.NotFound{Path: p, Component: part})
		}
		if i < len(parts)-1 {
			if !found.IsDir() {
				return nil, false, fmt.Errorf("fat: %s: not a directory: %w", p, ferr.ErrStructureInvalid)
			}
			curCluster = found.FirstCluster
			curIsRoot = false
		}
	}
	return found, false, nil
}

func fatDateTime(d, t uint16) time.Time {
	year := int(d>>9) + 1980
	month := int((d >> 5) & 0xF)
	day := int(d & 0x1F)
	hour := int(t >> 11)
	min := int((t >> 5) & 0x3F)
	sec := int((t & 0x1F) * 2)
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}

func (fs *FS) toStat(e *Dirent83) vfs.Stat {
	return vfs.Stat{
		Size:    e.Size,
		IsDir:   e.IsDir(),
		IsFile:  !e.IsDir(),
		ModTime: fatDateTime(e.ModDate, e.ModTime),
	}
}

func (fs *FS) Stat(p string) (vfs.Stat, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	if isRoot {
		return vfs.Stat{IsDir: true}, nil
	}
	return fs.toStat(e), nil
}

func (fs *FS) ReadDir(p string) ([]vfs.DirEntry, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	var cluster int64
	if isRoot {
		cluster = fs.rootFirstCluster()
	} else {
		if !e.IsDir() {
			return nil, fmt.Errorf("fat: %s: not a directory: %w", p, ferr.ErrStructureInvalid)
		}
		cluster = e.FirstCluster
	}

	buf, err := fs.readDirRegion(cluster, isRoot)
	if err != nil {
		return nil, err
	}
	entries, err := DecodeDirectory(buf)
	if err != nil {
		return nil, err
	}

	var out []vfs.DirEntry
	for _, ent := range entries {
		if ent.Attr&attrVolumeID != 0 {
			continue
		}
		if ent.Name == "." || ent.Name == ".." {
			continue
		}
		out = append(out, vfs.DirEntry{
			Name:  ent.Name,
			Stat:  fs.toStat(&ent),
			Inode: uint64(ent.FirstCluster),
		})
	}
	return out, nil
}

func (fs *FS) Read(p string, offset, length int64) ([]byte, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if isRoot || e.IsDir() {
		return nil, fmt.Errorf("fat: %s: is a directory: %w", p, ferr.ErrStructureInvalid)
	}
	if offset >= e.Size {
		return nil, nil
	}
	if offset+length > e.Size {
		length = e.Size - offset
	}

	chain, err := fs.table.ReadChain(e.FirstCluster)
	if err != nil {
		return nil, err
	}

	clusterSize := fs.l.ClusterSize()
	out := make([]byte, 0, length)
	startCluster := offset / clusterSize
	skip := offset % clusterSize

	for i := startCluster; i < int64(len(chain)) && int64(len(out)) < length; i++ {
		data, err := fs.io.ReadAt(fs.l.ClusterToSector(chain[i])*sectorSize, clusterSize)
		if err != nil {
			return nil, err
		}
		if i == startCluster {
			data = data[skip:]
		}
		remaining := length - int64(len(out))
		if int64(len(data)) > remaining {
			data = data[:remaining]
		}
		out = append(out, data...)
	}
	return out, nil
}

func (fs *FS) Flush() error {
	return fs.io.Flush()
}

func toFATDateTime(t time.Time) (date, timeField uint16) {
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	timeField = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return
}

// writeTable flushes the in-memory FAT (mutated by the allocator) back to
// every on-disk copy (number-of-FATs is typically 2, both kept in sync).
func (fs *FS) writeTable() error {
	data := fs.table.Bytes()
	for i := int64(0); i < fs.l.NumFATs; i++ {
		off := (fs.l.ReservedSectors + i*fs.l.SectorsPerFAT) * sectorSize
		if err := fs.io.WriteAt(off, data); err != nil {
			return err
		}
	}
	return nil
}

// writeDirRegion writes buf back to the fixed FAT16 root region, or to the
// (possibly grown/shrunk) cluster chain rooted at firstCluster otherwise.
func (fs *FS) writeDirRegion(firstCluster int64, isRoot bool, buf []byte) error {
	if isRoot && fs.l.Variant == VariantFAT16 {
		region := make([]byte, fs.l.RootEntries*dirEntrySize)
		if int64(len(buf)) > int64(len(region)) {
			return fmt.Errorf("fat: root directory overflowed its fixed %d entries: %w", fs.l.RootEntries, ferr.ErrOutOfSpace)
		}
		copy(region, buf)
		return fs.io.WriteAt(fs.l.RootDirSector()*sectorSize, region)
	}

	clusterSize := fs.l.ClusterSize()
	need := (int64(len(buf)) + clusterSize - 1) / clusterSize
	if need < 1 {
		need = 1
	}

	chain, err := fs.table.ReadChain(firstCluster)
	if err != nil {
		return err
	}
	if int64(len(chain)) < need {
		extra, err := fs.table.AllocChain(need-int64(len(chain)), fs.l.TotalClusters())
		if err != nil {
			return err
		}
		fs.table.Set(chain[len(chain)-1], uint32(extra[0]))
		chain = append(chain, extra...)
	} else if int64(len(chain)) > need {
		fs.table.TruncateChain(chain, need)
		chain = chain[:need]
	}

	padded := make([]byte, need*clusterSize)
	copy(padded, buf)
	for i, c := range chain {
		off := fs.l.ClusterToSector(c) * sectorSize
		if err := fs.io.WriteAt(off, padded[i*int(clusterSize):(i+1)*int(clusterSize)]); err != nil {
			return err
		}
	}
	return fs.writeTable()
}

// encodeEntries re-serializes a directory's full entry list (each already
// carrying its own 8.3 short name, long name, attributes, and times) back
// into 32-byte-entry form; the caller pads the result to a region/cluster
// boundary, which naturally supplies the zero terminator entry.
func encodeEntries(entries []Dirent83) []byte {
	var out []byte
	for _, e := range entries {
		base, ext := Split83(e.ShortName)
		entryBytes, err := EncodeEntrySet(e.Name, base, ext, e.Attr, e.FirstCluster, e.Size, e.ModTime, e.ModDate)
		if err != nil {
			continue
		}
		out = append(out, entryBytes...)
	}
	return out
}

func (fs *FS) rewriteDir(cluster int64, isRoot bool, entries []Dirent83) error {
	return fs.writeDirRegion(cluster, isRoot, encodeEntries(entries))
}

// resolveDir resolves p to a directory's first cluster, rejecting files.
func (fs *FS) resolveDir(p string) (cluster int64, isRoot bool, err error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return fs.rootFirstCluster(), true, nil
	}
	e, _, err := fs.resolve(p)
	if err != nil {
		return 0, false, err
	}
	if !e.IsDir() {
		return 0, false, fmt.Errorf("%q is not a directory: %w", p, ferr.ErrInvalidArgument)
	}
	return e.FirstCluster, false, nil
}

// uniqueShortName derives an 8.3 name for name that doesn't collide with any
// entry already in existing, falling back to a numbered "~N" tail the way
// Windows' short-name generator does.
func uniqueShortName(name string, existing []Dirent83) (base, ext string) {
	b, e := Split83(name)
	candBase := strings.ToUpper(b)
	candExt := strings.ToUpper(e)

	taken := func(cb, ce string) bool {
		for _, ent := range existing {
			eb, ee := Split83(ent.ShortName)
			if strings.EqualFold(eb, cb) && strings.EqualFold(ee, ce) {
				return true
			}
		}
		return false
	}
	if !taken(candBase, candExt) {
		return candBase, candExt
	}
	for n := 1; n < 100000; n++ {
		suffix := fmt.Sprintf("~%d", n)
		trunc := candBase
		if len(trunc) > 8-len(suffix) {
			trunc = trunc[:8-len(suffix)]
		}
		cb := trunc + suffix
		if !taken(cb, candExt) {
			return cb, candExt
		}
	}
	return candBase, candExt
}

func shortNameString(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// buildDotEntries lays out the "." and ".." entries every non-root FAT
// subdirectory starts with.
func (fs *FS) buildDotEntries(self, parentCluster int64) []byte {
	d, t := toFATDateTime(time.Now())
	dot, _ := EncodeEntrySet(".", ".", "", AttrDir, self, 0, t, d)
	dotdot, _ := EncodeEntrySet("..", "..", "", AttrDir, parentCluster, 0, t, d)
	return append(dot, dotdot...)
}

// parentClusterFor returns the cluster value a "." or ".." entry should
// store for a directory's parent: 0 for the fixed FAT16 root, its actual
// first cluster otherwise (FAT32's root is itself a normal cluster chain).
func (fs *FS) parentClusterFor(cluster int64, isRoot bool) int64 {
	if isRoot && fs.l.Variant != VariantFAT32 {
		return 0
	}
	return cluster
}

func (fs *FS) createEntry(p string, isDir bool) error {
	dirPath := path.Dir(p)
	name := path.Base(p)

	dirCluster, dirIsRoot, err := fs.resolveDir(dirPath)
	if err != nil {
		return err
	}
	buf, err := fs.readDirRegion(dirCluster, dirIsRoot)
	if err != nil {
		return err
	}
	entries, err := DecodeDirectory(buf)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return fmt.Errorf("%q already exists: %w", p, ferr.ErrInvalidArgument)
		}
	}

	var firstCluster int64
	if isDir {
		clusters, err := fs.table.AllocChain(1, fs.l.TotalClusters())
		if err != nil {
			return err
		}
		firstCluster = clusters[0]
		dotBuf := fs.buildDotEntries(firstCluster, fs.parentClusterFor(dirCluster, dirIsRoot))
		padded := make([]byte, fs.l.ClusterSize())
		copy(padded, dotBuf)
		if err := fs.io.WriteAt(fs.l.ClusterToSector(firstCluster)*sectorSize, padded); err != nil {
			return err
		}
		if err := fs.writeTable(); err != nil {
			return err
		}
	}

	d, t := toFATDateTime(time.Now())
	base, ext := uniqueShortName(name, entries)
	attr := uint8(0)
	if isDir {
		attr = AttrDir
	}
	entries = append(entries, Dirent83{
		Name:         name,
		ShortName:    shortNameString(base, ext),
		Attr:         attr,
		FirstCluster: firstCluster,
		ModTime:      t,
		ModDate:      d,
	})
	return fs.rewriteDir(dirCluster, dirIsRoot, entries)
}

func (fs *FS) Create(p string, mode uint32) error { return fs.createEntry(p, false) }
func (fs *FS) Mkdir(p string, mode uint32) error  { return fs.createEntry(p, true) }

func (fs *FS) updateEntry(p string, updated Dirent83) error {
	dirPath := path.Dir(p)
	name := path.Base(p)
	dirCluster, dirIsRoot, err := fs.resolveDir(dirPath)
	if err != nil {
		return err
	}
	buf, err := fs.readDirRegion(dirCluster, dirIsRoot)
	if err != nil {
		return err
	}
	entries, err := DecodeDirectory(buf)
	if err != nil {
		return err
	}
	found := false
	for i := range entries {
		if strings.EqualFold(entries[i].Name, name) {
			entries[i] = updated
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%q not found: %w", p, &ferr.NotFound{Path: p, Component: name})
	}
	return fs.rewriteDir(dirCluster, dirIsRoot, entries)
}

func (fs *FS) Write(p string, offset int64, data []byte) (int, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return 0, err
	}
	if isRoot || e.IsDir() {
		return 0, fmt.Errorf("%q is a directory: %w", p, ferr.ErrInvalidArgument)
	}

	clusterSize := fs.l.ClusterSize()
	endSize := offset + int64(len(data))
	needClusters := (endSize + clusterSize - 1) / clusterSize

	var chain []int64
	if e.FirstCluster == 0 {
		if needClusters > 0 {
			chain, err = fs.table.AllocChain(needClusters, fs.l.TotalClusters())
			if err != nil {
				return 0, err
			}
			e.FirstCluster = chain[0]
		}
	} else {
		chain, err = fs.table.ReadChain(e.FirstCluster)
		if err != nil {
			return 0, err
		}
		if int64(len(chain)) < needClusters {
			extra, err := fs.table.AllocChain(needClusters-int64(len(chain)), fs.l.TotalClusters())
			if err != nil {
				return 0, err
			}
			fs.table.Set(chain[len(chain)-1], uint32(extra[0]))
			chain = append(chain, extra...)
		}
	}

	pos := offset
	remaining := data
	for len(remaining) > 0 {
		idx := pos / clusterSize
		within := pos % clusterSize
		n := clusterSize - within
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		off := fs.l.ClusterToSector(chain[idx]) * sectorSize
		clusterBuf, err := fs.io.ReadAt(off, clusterSize)
		if err != nil {
			clusterBuf = make([]byte, clusterSize)
		}
		copy(clusterBuf[within:], remaining[:n])
		if err := fs.io.WriteAt(off, clusterBuf); err != nil {
			return 0, err
		}
		pos += n
		remaining = remaining[n:]
	}

	if endSize > e.Size {
		e.Size = endSize
	}
	e.ModDate, e.ModTime = toFATDateTime(time.Now())
	if err := fs.writeTable(); err != nil {
		return 0, err
	}
	if err := fs.updateEntry(p, *e); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (fs *FS) Truncate(p string, newSize int64) error {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if isRoot || e.IsDir() {
		return fmt.Errorf("%q is a directory: %w", p, ferr.ErrInvalidArgument)
	}
	if newSize == e.Size {
		return nil
	}
	if newSize > e.Size {
		pad := make([]byte, newSize-e.Size)
		_, err := fs.Write(p, e.Size, pad)
		return err
	}

	clusterSize := fs.l.ClusterSize()
	keep := (newSize + clusterSize - 1) / clusterSize
	if e.FirstCluster != 0 {
		chain, err := fs.table.ReadChain(e.FirstCluster)
		if err != nil {
			return err
		}
		fs.table.TruncateChain(chain, keep)
		if keep == 0 {
			e.FirstCluster = 0
		}
	}
	e.Size = newSize
	if err := fs.writeTable(); err != nil {
		return err
	}
	return fs.updateEntry(p, *e)
}

func (fs *FS) Unlink(p string) error {
	dirPath := path.Dir(p)
	name := path.Base(p)
	dirCluster, dirIsRoot, err := fs.resolveDir(dirPath)
	if err != nil {
		return err
	}
	buf, err := fs.readDirRegion(dirCluster, dirIsRoot)
	if err != nil {
		return err
	}
	entries, err := DecodeDirectory(buf)
	if err != nil {
		return err
	}

	var out []Dirent83
	var target *Dirent83
	for i := range entries {
		if strings.EqualFold(entries[i].Name, name) {
			t := entries[i]
			target = &t
			continue
		}
		out = append(out, entries[i])
	}
	if target == nil {
		return fmt.Errorf("%q not found: %w", p, &ferr.NotFound{Path: p, Component: name})
	}
	if target.IsDir() {
		return fmt.Errorf("%q is a directory: %w", p, ferr.ErrInvalidArgument)
	}

	if target.FirstCluster != 0 {
		if chain, err := fs.table.ReadChain(target.FirstCluster); err == nil {
			fs.table.FreeChain(chain)
		}
	}
	if err := fs.writeTable(); err != nil {
		return err
	}
	return fs.rewriteDir(dirCluster, dirIsRoot, out)
}

func (fs *FS) Rmdir(p string) error {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if isRoot {
		return fmt.Errorf("cannot remove root: %w", ferr.ErrInvalidArgument)
	}
	if !e.IsDir() {
		return fmt.Errorf("%q is not a directory: %w", p, ferr.ErrInvalidArgument)
	}

	buf, err := fs.readDirRegion(e.FirstCluster, false)
	if err != nil {
		return err
	}
	entries, err := DecodeDirectory(buf)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.Name != "." && ent.Name != ".." {
			return fmt.Errorf("%q: %w", p, ferr.ErrNotEmpty)
		}
	}

	dirPath := path.Dir(p)
	name := path.Base(p)
	dirCluster, dirIsRoot, err := fs.resolveDir(dirPath)
	if err != nil {
		return err
	}
	pbuf, err := fs.readDirRegion(dirCluster, dirIsRoot)
	if err != nil {
		return err
	}
	pentries, err := DecodeDirectory(pbuf)
	if err != nil {
		return err
	}
	var out []Dirent83
	found := false
	for _, pe := range pentries {
		if strings.EqualFold(pe.Name, name) {
			found = true
			continue
		}
		out = append(out, pe)
	}
	if !found {
		return fmt.Errorf("%q not found: %w", p, &ferr.NotFound{Path: p, Component: name})
	}

	if chain, err := fs.table.ReadChain(e.FirstCluster); err == nil {
		fs.table.FreeChain(chain)
	}
	if err := fs.writeTable(); err != nil {
		return err
	}
	return fs.rewriteDir(dirCluster, dirIsRoot, out)
}

func (fs *FS) Rename(oldPath, newPath string) error {
	oldDirPath, oldName := path.Dir(oldPath), path.Base(oldPath)
	newDirPath, newName := path.Dir(newPath), path.Base(newPath)

	oldDirCluster, oldDirIsRoot, err := fs.resolveDir(oldDirPath)
	if err != nil {
		return err
	}
	buf, err := fs.readDirRegion(oldDirCluster, oldDirIsRoot)
	if err != nil {
		return err
	}
	entries, err := DecodeDirectory(buf)
	if err != nil {
		return err
	}

	var moved *Dirent83
	var remaining []Dirent83
	for i := range entries {
		if strings.EqualFold(entries[i].Name, oldName) {
			t := entries[i]
			moved = &t
			continue
		}
		remaining = append(remaining, entries[i])
	}
	if moved == nil {
		return fmt.Errorf("%q not found: %w", oldPath, &ferr.NotFound{Path: oldPath, Component: oldName})
	}

	newDirCluster, newDirIsRoot, err := fs.resolveDir(newDirPath)
	if err != nil {
		return err
	}
	sameDir := newDirCluster == oldDirCluster && newDirIsRoot == oldDirIsRoot

	destEntries := remaining
	if !sameDir {
		destBuf, err := fs.readDirRegion(newDirCluster, newDirIsRoot)
		if err != nil {
			return err
		}
		destEntries, err = DecodeDirectory(destBuf)
		if err != nil {
			return err
		}
	}
	for _, e := range destEntries {
		if strings.EqualFold(e.Name, newName) {
			return fmt.Errorf("%q already exists: %w", newPath, ferr.ErrInvalidArgument)
		}
	}

	base, ext := uniqueShortName(newName, destEntries)
	moved.Name = newName
	moved.ShortName = shortNameString(base, ext)

	if moved.IsDir() && !sameDir {
		childBuf, err := fs.readDirRegion(moved.FirstCluster, false)
		if err != nil {
			return err
		}
		childEntries, err := DecodeDirectory(childBuf)
		if err != nil {
			return err
		}
		for i := range childEntries {
			if childEntries[i].Name == ".." {
				childEntries[i].FirstCluster = fs.parentClusterFor(newDirCluster, newDirIsRoot)
			}
		}
		if err := fs.rewriteDir(moved.FirstCluster, false, childEntries); err != nil {
			return err
		}
	}

	destEntries = append(destEntries, *moved)
	if sameDir {
		return fs.rewriteDir(oldDirCluster, oldDirIsRoot, destEntries)
	}
	if err := fs.rewriteDir(oldDirCluster, oldDirIsRoot, remaining); err != nil {
		return err
	}
	return fs.rewriteDir(newDirCluster, newDirIsRoot, destEntries)
}
