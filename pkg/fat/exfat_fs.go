package fat

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

// ExFATFS implements vfs.Filesystem for exFAT. Every directory and file
// this engine itself writes is linked through the FAT chain (never the
// NoFatChain contiguous shortcut — see format.go), but reads honor
// NoFatChain on foreign volumes so an image formatted by a different
// implementation still mounts correctly.
type ExFATFS struct {
	l      *ExFATLayout
	io     *device.AlignedIO
	table  *ExFATTable
	bitmap *ExFATBitmap
	label  string
}

func (fs *ExFATFS) Init(d *device.Device, backend device.Backend) error {
	fs.io = device.New(backend, sectorSize)

	boot, err := fs.io.ReadAt(0, sectorSize)
	if err != nil {
		return err
	}
	l, err := DecodeExFATBootSector(boot)
	if err != nil {
		return err
	}
	fs.l = l

	tableBytes, err := fs.io.ReadAt(int64(l.FatOffset)*l.BytesPerSector(), int64(l.FatLength)*l.BytesPerSector())
	if err != nil {
		return err
	}
	fs.table = DecodeExFATTable(tableBytes)

	rootBuf, err := fs.readChain(l.FirstClusterOfRoot)
	if err != nil {
		return err
	}
	bitmapCluster, bitmapLen := findSystemEntry(rootBuf, exfatEntryBitmap)
	if bitmapCluster == 0 {
		return fmt.Errorf("exfat: root directory missing $Bitmap entry: %w", ferr.ErrStructureInvalid)
	}
	bitmapBuf, err := fs.readChain(bitmapCluster)
	if err != nil {
		return err
	}
	if int64(len(bitmapBuf)) > bitmapLen {
		bitmapBuf = bitmapBuf[:bitmapLen]
	}
	fs.bitmap = DecodeExFATBitmap(bitmapBuf, int64(l.ClusterCount))
	fs.label = decodeVolumeLabel(rootBuf)
	return nil
}

// decodeVolumeLabel scans a raw root-directory buffer for the volume-label
// entry (0x83): one character-count byte followed by up to 11 UTF-16
// units.
func decodeVolumeLabel(buf []byte) string {
	n := len(buf) / 32
	for i := 0; i < n; i++ {
		e := buf[i*32 : (i+1)*32]
		if e[0] == 0 {
			break
		}
		if e[0] != exfatEntryVolLabel {
			continue
		}
		count := int(e[1])
		if count > 11 {
			count = 11
		}
		u16 := make([]uint16, count)
		for j := 0; j < count; j++ {
			u16[j] = binary.LittleEndian.Uint16(e[2+j*2:])
		}
		return utf16Decode(u16)
	}
	return ""
}

// findSystemEntry scans a raw directory buffer for a $Bitmap/$UpCase system
// entry of the given type byte (without the in-use bit), returning its
// first cluster and declared length.
func findSystemEntry(buf []byte, typ byte) (cluster uint32, length int64) {
	n := len(buf) / 32
	for i := 0; i < n; i++ {
		e := buf[i*32 : (i+1)*32]
		if e[0] == 0 {
			break
		}
		if e[0] == typ|exfatInUse {
			return binary.LittleEndian.Uint32(e[20:]), int64(binary.LittleEndian.Uint64(e[24:]))
		}
	}
	return 0, 0
}

// readChain reads a cluster chain by walking the FAT table from first.
func (fs *ExFATFS) readChain(first uint32) ([]byte, error) {
	chain, err := fs.table.ReadChain(first)
	if err != nil {
		return nil, err
	}
	var buf []byte
	for _, c := range chain {
		data, err := fs.io.ReadAt(fs.l.ClusterToByteOffset(c), fs.l.ClusterSize())
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// readExtent reads dataLength bytes starting at first, honoring the
// NoFatChain contiguous-run optimization when set.
func (fs *ExFATFS) readExtent(first uint32, dataLength uint64, noFatChain bool) ([]byte, error) {
	if first == 0 {
		return nil, nil
	}
	clusterSize := fs.l.ClusterSize()
	if !noFatChain {
		buf, err := fs.readChain(first)
		if err != nil {
			return nil, err
		}
		if int64(len(buf)) > int64(dataLength) {
			buf = buf[:dataLength]
		}
		return buf, nil
	}
	n := (int64(dataLength) + clusterSize - 1) / clusterSize
	var buf []byte
	for i := int64(0); i < n; i++ {
		data, err := fs.io.ReadAt(fs.l.ClusterToByteOffset(first+uint32(i)), clusterSize)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	if int64(len(buf)) > int64(dataLength) {
		buf = buf[:dataLength]
	}
	return buf, nil
}

func (fs *ExFATFS) freeClusterCount() int64 {
	var n int64
	for c := uint32(2); int64(c) < int64(fs.l.ClusterCount)+2; c++ {
		if !fs.bitmap.Test(c) {
			n++
		}
	}
	return n
}

func (fs *ExFATFS) StatFS() (vfs.StatFS, error) {
	return vfs.StatFS{
		Type:      "exfat",
		Total:     int64(fs.l.VolumeLength) * fs.l.BytesPerSector(),
		Free:      fs.freeClusterCount() * fs.l.ClusterSize(),
		BlockSize: fs.l.ClusterSize(),
		Label:     fs.label,
	}, nil
}

func (fs *ExFATFS) dirEntries(cluster uint32) ([]ExFATDirent, error) {
	buf, err := fs.readChain(cluster)
	if err != nil {
		return nil, err
	}
	return DecodeExFATEntrySets(buf), nil
}

// resolve walks path components from the root, returning the matched entry
// (nil for "/" itself, with isRoot true).
func (fs *ExFATFS) resolve(p string) (ent *ExFATDirent, isRoot bool, err error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil, true, nil
	}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	cluster := fs.l.FirstClusterOfRoot
	var found *ExFATDirent

	for i, part := range parts {
		entries, err := fs.dirEntries(cluster)
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
			return nil, false, fmt.Errorf("exfat: %s: %w", p, &ferr.NotFound{Path: p, Component: part})
		}
		if i < len(parts)-1 {
			if !found.IsDir {
				return nil, false, fmt.Errorf("exfat: %s: not a directory: %w", p, ferr.ErrStructureInvalid)
			}
			cluster = found.FirstCluster
		}
	}
	return found, false, nil
}

func (fs *ExFATFS) resolveDir(p string) (cluster uint32, err error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return fs.l.FirstClusterOfRoot, nil
	}
	e, _, err := fs.resolve(p)
	if err != nil {
		return 0, err
	}
	if !e.IsDir {
		return 0, fmt.Errorf("%q is not a directory: %w", p, ferr.ErrInvalidArgument)
	}
	return e.FirstCluster, nil
}

func (fs *ExFATFS) toStat(e *ExFATDirent) vfs.Stat {
	return vfs.Stat{
		Size:   int64(e.DataLength),
		IsDir:  e.IsDir,
		IsFile: !e.IsDir,
	}
}

func (fs *ExFATFS) Stat(p string) (vfs.Stat, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	if isRoot {
		return vfs.Stat{IsDir: true}, nil
	}
	return fs.toStat(e), nil
}

func (fs *ExFATFS) ReadDir(p string) ([]vfs.DirEntry, error) {
	cluster, err := fs.resolveDir(p)
	if err != nil {
		return nil, err
	}
	entries, err := fs.dirEntries(cluster)
	if err != nil {
		return nil, err
	}
	var out []vfs.DirEntry
	for _, ent := range entries {
		out = append(out, vfs.DirEntry{
			Name:  ent.Name,
			Stat:  fs.toStat(&ent),
			Inode: uint64(ent.FirstCluster),
		})
	}
	return out, nil
}

func (fs *ExFATFS) Read(p string, offset, length int64) ([]byte, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if isRoot || e.IsDir {
		return nil, fmt.Errorf("exfat: %s: is a directory: %w", p, ferr.ErrStructureInvalid)
	}
	data, err := fs.readExtent(e.FirstCluster, e.DataLength, e.NoFatChain)
	if err != nil {
		return nil, err
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (fs *ExFATFS) Flush() error { return fs.io.Flush() }

func (fs *ExFATFS) writeTable() error {
	return fs.io.WriteAt(int64(fs.l.FatOffset)*fs.l.BytesPerSector(), fs.table.Bytes())
}

// commitAllocation persists both the FAT table and the $Bitmap after a
// call that mutated either (AllocChain, FreeChain).
func (fs *ExFATFS) commitAllocation() error {
	if err := fs.writeTable(); err != nil {
		return err
	}
	return fs.writeBitmap()
}

func (fs *ExFATFS) writeBitmap() error {
	rootBuf, err := fs.readChain(fs.l.FirstClusterOfRoot)
	if err != nil {
		return err
	}
	cluster, _ := findSystemEntry(rootBuf, exfatEntryBitmap)
	if cluster == 0 {
		return fmt.Errorf("exfat: cannot locate $Bitmap to persist it: %w", ferr.ErrStructureInvalid)
	}
	return fs.writeChainData(cluster, fs.bitmap.Bytes())
}

// writeChainData grows or shrinks the FAT chain rooted at first to fit
// data, writes it, and persists the table. Used for every directory this
// engine writes and for the $Bitmap system file.
func (fs *ExFATFS) writeChainData(first uint32, data []byte) error {
	clusterSize := fs.l.ClusterSize()
	need := (int64(len(data)) + clusterSize - 1) / clusterSize
	if need < 1 {
		need = 1
	}

	chain, err := fs.table.ReadChain(first)
	if err != nil {
		return err
	}
	if int64(len(chain)) < need {
		extra, err := fs.table.AllocChain(fs.bitmap, need-int64(len(chain)))
		if err != nil {
			return err
		}
		fs.table.Set(chain[len(chain)-1], extra[0])
		chain = append(chain, extra...)
	} else if int64(len(chain)) > need {
		keep := chain[:need]
		freed := chain[need:]
		fs.table.Set(keep[len(keep)-1], exfatClusterEOC)
		fs.table.FreeChain(fs.bitmap, freed)
		chain = keep
	}

	padded := make([]byte, need*clusterSize)
	copy(padded, data)
	for i, c := range chain {
		off := fs.l.ClusterToByteOffset(c)
		if err := fs.io.WriteAt(off, padded[int64(i)*clusterSize:int64(i+1)*clusterSize]); err != nil {
			return err
		}
	}
	return fs.writeTable()
}

// writeChainDataCommitting is writeChainData plus a $Bitmap flush, for
// callers outside the bitmap's own chain (which would otherwise recurse).
func (fs *ExFATFS) writeChainDataCommitting(first uint32, data []byte) error {
	if err := fs.writeChainData(first, data); err != nil {
		return err
	}
	return fs.writeBitmap()
}

func encodeExFATDirEntries(entries []ExFATDirent) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, EncodeExFATEntrySet(e.Name, e.IsDir, e.FirstCluster, e.DataLength, e.NoFatChain)...)
	}
	return out
}

func (fs *ExFATFS) rewriteDir(cluster uint32, entries []ExFATDirent) error {
	data := encodeExFATDirEntries(entries)
	if cluster == fs.l.FirstClusterOfRoot {
		// Keep the root's volume-label, $Bitmap and $UpCase entries ahead
		// of the file entry sets; dirEntries does not return them.
		rootBuf, err := fs.readChain(cluster)
		if err != nil {
			return err
		}
		var sys []byte
		for i := 0; i+32 <= len(rootBuf) && rootBuf[i] != 0; i += 32 {
			switch rootBuf[i] {
			case exfatEntryVolLabel, exfatEntryBitmap, exfatEntryUpcase:
				sys = append(sys, rootBuf[i:i+32]...)
			}
		}
		data = append(sys, data...)
	}
	return fs.writeChainDataCommitting(cluster, data)
}

func (fs *ExFATFS) createEntry(p string, isDir bool) error {
	dirPath := path.Dir(p)
	name := path.Base(p)

	dirCluster, err := fs.resolveDir(dirPath)
	if err != nil {
		return err
	}
	entries, err := fs.dirEntries(dirCluster)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return fmt.Errorf("%q already exists: %w", p, ferr.ErrInvalidArgument)
		}
	}

	var firstCluster uint32
	if isDir {
		clusters, err := fs.table.AllocChain(fs.bitmap, 1)
		if err != nil {
			return err
		}
		firstCluster = clusters[0]
		if err := fs.commitAllocation(); err != nil {
			return err
		}
	}

	entries = append(entries, ExFATDirent{
		Name:         name,
		IsDir:        isDir,
		FirstCluster: firstCluster,
	})
	return fs.rewriteDir(dirCluster, entries)
}

func (fs *ExFATFS) Create(p string, mode uint32) error { return fs.createEntry(p, false) }
func (fs *ExFATFS) Mkdir(p string, mode uint32) error  { return fs.createEntry(p, true) }

func (fs *ExFATFS) updateEntry(p string, updated ExFATDirent) error {
	dirPath := path.Dir(p)
	name := path.Base(p)
	dirCluster, err := fs.resolveDir(dirPath)
	if err != nil {
		return err
	}
	entries, err := fs.dirEntries(dirCluster)
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
	return fs.rewriteDir(dirCluster, entries)
}

func (fs *ExFATFS) Write(p string, offset int64, data []byte) (int, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return 0, err
	}
	if isRoot || e.IsDir {
		return 0, fmt.Errorf("%q is a directory: %w", p, ferr.ErrInvalidArgument)
	}

	existing, err := fs.readExtent(e.FirstCluster, e.DataLength, e.NoFatChain)
	if err != nil {
		return 0, err
	}
	end := offset + int64(len(data))
	if end > int64(len(existing)) {
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)

	if e.FirstCluster == 0 {
		clusters, err := fs.table.AllocChain(fs.bitmap, 1)
		if err != nil {
			return 0, err
		}
		e.FirstCluster = clusters[0]
		if err := fs.commitAllocation(); err != nil {
			return 0, err
		}
	}
	e.NoFatChain = false
	e.DataLength = uint64(len(existing))
	if err := fs.writeChainDataCommitting(e.FirstCluster, existing); err != nil {
		return 0, err
	}
	if err := fs.updateEntry(p, *e); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (fs *ExFATFS) Truncate(p string, newSize int64) error {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if isRoot || e.IsDir {
		return fmt.Errorf("%q is a directory: %w", p, ferr.ErrInvalidArgument)
	}
	if newSize == int64(e.DataLength) {
		return nil
	}
	if newSize > int64(e.DataLength) {
		pad := make([]byte, newSize-int64(e.DataLength))
		_, err := fs.Write(p, int64(e.DataLength), pad)
		return err
	}

	data, err := fs.readExtent(e.FirstCluster, e.DataLength, e.NoFatChain)
	if err != nil {
		return err
	}
	data = data[:newSize]
	e.NoFatChain = false
	e.DataLength = uint64(newSize)
	if newSize == 0 {
		if e.FirstCluster != 0 {
			if chain, err := fs.table.ReadChain(e.FirstCluster); err == nil {
				fs.table.FreeChain(fs.bitmap, chain)
			}
			if err := fs.commitAllocation(); err != nil {
				return err
			}
		}
		e.FirstCluster = 0
		return fs.updateEntry(p, *e)
	}
	if err := fs.writeChainDataCommitting(e.FirstCluster, data); err != nil {
		return err
	}
	return fs.updateEntry(p, *e)
}

func (fs *ExFATFS) Unlink(p string) error {
	dirPath := path.Dir(p)
	name := path.Base(p)
	dirCluster, err := fs.resolveDir(dirPath)
	if err != nil {
		return err
	}
	entries, err := fs.dirEntries(dirCluster)
	if err != nil {
		return err
	}

	var out []ExFATDirent
	var target *ExFATDirent
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
	if target.IsDir {
		return fmt.Errorf("%q is a directory: %w", p, ferr.ErrInvalidArgument)
	}

	if target.FirstCluster != 0 && !target.NoFatChain {
		if chain, err := fs.table.ReadChain(target.FirstCluster); err == nil {
			fs.table.FreeChain(fs.bitmap, chain)
		}
		if err := fs.commitAllocation(); err != nil {
			return err
		}
	}
	return fs.rewriteDir(dirCluster, out)
}

func (fs *ExFATFS) Rmdir(p string) error {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if isRoot {
		return fmt.Errorf("cannot remove root: %w", ferr.ErrInvalidArgument)
	}
	if !e.IsDir {
		return fmt.Errorf("%q is not a directory: %w", p, ferr.ErrInvalidArgument)
	}

	children, err := fs.dirEntries(e.FirstCluster)
	if err != nil {
		return err
	}
	if len(children) != 0 {
		return fmt.Errorf("%q: %w", p, ferr.ErrNotEmpty)
	}

	dirPath := path.Dir(p)
	name := path.Base(p)
	dirCluster, err := fs.resolveDir(dirPath)
	if err != nil {
		return err
	}
	pentries, err := fs.dirEntries(dirCluster)
	if err != nil {
		return err
	}
	var out []ExFATDirent
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
		fs.table.FreeChain(fs.bitmap, chain)
	}
	if err := fs.commitAllocation(); err != nil {
		return err
	}
	return fs.rewriteDir(dirCluster, out)
}

func (fs *ExFATFS) Rename(oldPath, newPath string) error {
	oldDirPath, oldName := path.Dir(oldPath), path.Base(oldPath)
	newDirPath, newName := path.Dir(newPath), path.Base(newPath)

	oldDirCluster, err := fs.resolveDir(oldDirPath)
	if err != nil {
		return err
	}
	entries, err := fs.dirEntries(oldDirCluster)
	if err != nil {
		return err
	}

	var moved *ExFATDirent
	var remaining []ExFATDirent
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

	newDirCluster, err := fs.resolveDir(newDirPath)
	if err != nil {
		return err
	}
	sameDir := newDirCluster == oldDirCluster

	destEntries := remaining
	if !sameDir {
		destEntries, err = fs.dirEntries(newDirCluster)
		if err != nil {
			return err
		}
	}
	for _, e := range destEntries {
		if strings.EqualFold(e.Name, newName) {
			return fmt.Errorf("%q already exists: %w", newPath, ferr.ErrInvalidArgument)
		}
	}

	moved.Name = newName
	destEntries = append(destEntries, *moved)

	if sameDir {
		return fs.rewriteDir(oldDirCluster, destEntries)
	}
	if err := fs.rewriteDir(oldDirCluster, remaining); err != nil {
		return err
	}
	return fs.rewriteDir(newDirCluster, destEntries)
}
