package ntfs

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/diskforge/diskforge/pkg/checksum"
	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

// residentDataCap is the largest $DATA value this engine keeps resident
// before promoting the attribute to non-resident. Real NTFS derives the
// cap from remaining record space; a fixed conservative value keeps the
// promotion decision independent of what else sits in the record.
const residentDataCap = 512

// FS is the vfs.Filesystem implementation bound to an already-formatted
// NTFS volume. It keeps the $MFT run list, the cluster bitmap and the
// active $LogFile restart area resident for the life of the handle, and
// serializes every metadata mutation through the LSN allocator before
// committing the touched records, mirroring how the ext4 FS handle owns
// its bitmaps and commits per mutating call.
type FS struct {
	io           *device.AlignedIO
	boot         *BootSector
	clusterBytes int64
	recordSize   int

	mftRuns    []Run
	bitmap     []byte
	bitmapRuns []Run

	logRuns []Run
	restart *RestartArea
	lsn     *LSNAllocator

	totalClusters uint64
	label         string
	readOnly      bool

	// dirCache maps resolved directory paths to MFT record numbers so
	// repeated lookups under the same directory skip the index walk.
	dirCache map[string]uint32
}

// Init opens an already-formatted volume: boot sector, $MFT's own run
// list, the cluster bitmap, the volume label, and the $LogFile restart
// pair.
func (fs *FS) Init(d *device.Device, backend device.Backend) error {
	fs.io = device.New(backend, sectorSize)
	fs.dirCache = map[string]uint32{}

	raw, err := fs.io.ReadAt(0, sectorSize)
	if err != nil {
		return err
	}
	boot, err := DecodeBootSector(raw)
	if err != nil {
		return err
	}
	fs.boot = boot
	fs.clusterBytes = boot.ClusterSize()
	fs.recordSize = int(boot.MFTRecordSize())
	fs.totalClusters = boot.TotalSectors * uint64(boot.BytesPerSector) / uint64(fs.clusterBytes)

	// Bootstrap: record 0 must be read directly at the boot sector's MFT
	// start before the run list exists to map anything else.
	rec0, err := fs.io.ReadAt(int64(boot.MFTStartCluster)*fs.clusterBytes, int64(fs.recordSize))
	if err != nil {
		return err
	}
	_, attrs, err := DecodeRecordHeader(rec0, sectorSize)
	if err != nil {
		return fmt.Errorf("ntfs: $MFT record: %w", err)
	}
	fs.mftRuns = nil
	err = WalkAttributes(attrs, func(a interface{}) bool {
		if nr, ok := a.(*NonResidentAttribute); ok && nr.Type == AttrData && nr.Name == "" {
			fs.mftRuns = nr.Runs
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(fs.mftRuns) == 0 {
		return fmt.Errorf("ntfs: $MFT has no non-resident $DATA: %w", &ferr.StructureInvalid{Structure: "MFTRecord", Field: "DATA"})
	}

	if err := fs.loadBitmap(); err != nil {
		return err
	}
	if err := fs.loadVolumeLabel(); err != nil {
		return err
	}
	if err := fs.loadLogFile(); err != nil {
		// A damaged log means no mutation can be journaled; the handle
		// stays usable for reads only.
		fs.readOnly = true
	}
	return nil
}

func (fs *FS) loadBitmap() error {
	_, attrs, err := fs.readRecord(RecordBitmap)
	if err != nil {
		return fmt.Errorf("ntfs: $Bitmap record: %w", err)
	}
	var runs []Run
	var size uint64
	err = WalkAttributes(attrs, func(a interface{}) bool {
		if nr, ok := a.(*NonResidentAttribute); ok && nr.Type == AttrData && nr.Name == "" {
			runs = nr.Runs
			size = nr.DataSize
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("ntfs: $Bitmap has no non-resident $DATA: %w", &ferr.StructureInvalid{Structure: "MFTRecord", Field: "Bitmap"})
	}
	fs.bitmapRuns = runs
	fs.bitmap, err = fs.readRunsAt(runs, 0, int64(size))
	return err
}

func (fs *FS) loadVolumeLabel() error {
	_, attrs, err := fs.readRecord(RecordVolume)
	if err != nil {
		return fmt.Errorf("ntfs: $Volume record: %w", err)
	}
	return WalkAttributes(attrs, func(a interface{}) bool {
		if r, ok := a.(*ResidentAttribute); ok && r.Type == AttrVolumeName {
			fs.label = utf16Decode(r.Value)
			return false
		}
		return true
	})
}

func (fs *FS) loadLogFile() error {
	_, attrs, err := fs.readRecord(RecordLogFile)
	if err != nil {
		return err
	}
	var runs []Run
	err = WalkAttributes(attrs, func(a interface{}) bool {
		if nr, ok := a.(*NonResidentAttribute); ok && nr.Type == AttrData && nr.Name == "" {
			runs = nr.Runs
			return false
		}
		return true
	})
	if err != nil || len(runs) == 0 {
		return fmt.Errorf("ntfs: $LogFile has no data: %w", ferr.ErrStructureInvalid)
	}
	fs.logRuns = runs

	page1, err := fs.readRunsAt(runs, 0, logPageSize)
	if err != nil {
		return err
	}
	page2, err := fs.readRunsAt(runs, logPageSize, logPageSize)
	if err != nil {
		return err
	}
	r1, err1 := DecodeRestartArea(page1)
	r2, err2 := DecodeRestartArea(page2)
	switch {
	case err1 == nil && err2 == nil:
		fs.restart = ChooseActiveRestartArea(r1, r2)
	case err1 == nil:
		fs.restart = r1
	case err2 == nil:
		fs.restart = r2
	default:
		return err1
	}

	logSize := TotalClusters(runs) * uint64(fs.clusterBytes)
	fs.lsn = NewLSNAllocator(fs.restart.CurrentLSN, fs.restart.SequenceNumber, logSize)
	return nil
}

// logMutation reserves log space for one metadata mutation and advances
// the in-memory restart area; Flush persists it. The handle is
// single-threaded, so no further serialization is needed.
func (fs *FS) logMutation(recordSize int) {
	if fs.lsn == nil {
		return
	}
	fs.restart.CurrentLSN = fs.lsn.Reserve(recordSize)
}

// --- run mapping ---------------------------------------------------------

// mapRunsByte translates a logical byte offset within an attribute's run
// list into a physical byte offset, how many contiguous bytes are
// available from there, and whether the position falls in a sparse hole.
func (fs *FS) mapRunsByte(runs []Run, off int64) (phys int64, avail int64, sparse bool, err error) {
	logical := int64(0)
	for _, r := range runs {
		runBytes := int64(r.Length) * fs.clusterBytes
		if off < logical+runBytes {
			within := off - logical
			if r.Sparse {
				return 0, runBytes - within, true, nil
			}
			return r.LCN*fs.clusterBytes + within, runBytes - within, false, nil
		}
		logical += runBytes
	}
	return 0, 0, false, fmt.Errorf("ntfs: offset %d beyond run list: %w", off, ferr.ErrStructureInvalid)
}

func (fs *FS) readRunsAt(runs []Run, off, length int64) ([]byte, error) {
	out := make([]byte, length)
	done := int64(0)
	for done < length {
		phys, avail, sparse, err := fs.mapRunsByte(runs, off+done)
		if err != nil {
			return nil, err
		}
		chunk := length - done
		if chunk > avail {
			chunk = avail
		}
		if !sparse {
			buf, err := fs.io.ReadAt(phys, chunk)
			if err != nil {
				return nil, err
			}
			copy(out[done:], buf)
		}
		done += chunk
	}
	return out, nil
}

func (fs *FS) writeRunsAt(runs []Run, off int64, data []byte) error {
	done := int64(0)
	for done < int64(len(data)) {
		phys, avail, sparse, err := fs.mapRunsByte(runs, off+done)
		if err != nil {
			return err
		}
		chunk := int64(len(data)) - done
		if chunk > avail {
			chunk = avail
		}
		if sparse {
			return fmt.Errorf("ntfs: write into sparse run: %w", ferr.ErrUnsupported)
		}
		if err := fs.io.WriteAt(phys, data[done:done+chunk]); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// --- MFT record access ---------------------------------------------------

func (fs *FS) mftRecordCount() uint32 {
	return uint32(TotalClusters(fs.mftRuns) * uint64(fs.clusterBytes) / uint64(fs.recordSize))
}

func (fs *FS) readRecordRaw(n uint32) ([]byte, error) {
	if n >= fs.mftRecordCount() {
		return nil, fmt.Errorf("ntfs: MFT record %d out of range: %w", n, ferr.ErrStructureInvalid)
	}
	return fs.readRunsAt(fs.mftRuns, int64(n)*int64(fs.recordSize), int64(fs.recordSize))
}

func (fs *FS) readRecord(n uint32) (*RecordHeader, []byte, error) {
	raw, err := fs.readRecordRaw(n)
	if err != nil {
		return nil, nil, err
	}
	return DecodeRecordHeader(raw, sectorSize)
}

func (fs *FS) writeRecord(n uint32, raw []byte) error {
	return fs.writeRunsAt(fs.mftRuns, int64(n)*int64(fs.recordSize), raw)
}

// splitAttributes slices an attribute chain into one raw encoding per
// attribute (end marker excluded), so a caller can substitute or drop one
// and rebuild the record.
func splitAttributes(chain []byte) ([][]byte, error) {
	var out [][]byte
	off := 0
	for off+4 <= len(chain) {
		attr, n, err := DecodeAttribute(chain[off:])
		if err != nil {
			return nil, err
		}
		if attr == nil {
			return out, nil
		}
		raw := make([]byte, n)
		copy(raw, chain[off:off+n])
		out = append(out, raw)
		off += n
	}
	return out, nil
}

func attrType(raw []byte) uint32 {
	return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
}

// rebuildRecord re-encodes record n from a header and raw attribute list,
// applies a fresh fixup, logs the mutation, and writes it home.
func (fs *FS) rebuildRecord(n uint32, h *RecordHeader, attrs [][]byte) error {
	chain := bytes.Join(attrs, nil)
	chain = append(chain, encodeEndMarker()...)
	buf, err := EncodeRecordHeader(h, fs.recordSize, sectorSize, chain)
	if err != nil {
		return err
	}
	fs.logMutation(len(buf))
	return fs.writeRecord(n, buf)
}

// --- cluster allocation --------------------------------------------------

func (fs *FS) clusterUsed(c uint64) bool {
	if c/8 >= uint64(len(fs.bitmap)) {
		return true
	}
	return fs.bitmap[c/8]&(1<<(c%8)) != 0
}

func (fs *FS) setCluster(c uint64, used bool) {
	if c/8 >= uint64(len(fs.bitmap)) {
		return
	}
	if used {
		fs.bitmap[c/8] |= 1 << (c % 8)
	} else {
		fs.bitmap[c/8] &^= 1 << (c % 8)
	}
}

// allocClusters finds n free clusters, preferring a single contiguous
// range, marks them used, and returns them as runs.
func (fs *FS) allocClusters(n uint64) ([]Run, error) {
	if n == 0 {
		return nil, nil
	}
	// Contiguous first pass.
	var start, length uint64
	for c := uint64(0); c < fs.totalClusters; c++ {
		if fs.clusterUsed(c) {
			start, length = 0, 0
			continue
		}
		if length == 0 {
			start = c
		}
		length++
		if length == n {
			for i := start; i < start+n; i++ {
				fs.setCluster(i, true)
			}
			return []Run{{LCN: int64(start), Length: n}}, nil
		}
	}

	// Scattered fallback.
	var picked []uint64
	for c := uint64(0); c < fs.totalClusters && uint64(len(picked)) < n; c++ {
		if !fs.clusterUsed(c) {
			picked = append(picked, c)
		}
	}
	if uint64(len(picked)) < n {
		return nil, fmt.Errorf("ntfs: need %d clusters: %w", n, ferr.ErrOutOfSpace)
	}
	var runs []Run
	for _, c := range picked {
		fs.setCluster(c, true)
		runs = append(runs, Run{LCN: int64(c), Length: 1})
	}
	return mergeAdjacentRuns(runs), nil
}

func (fs *FS) freeClusters(runs []Run) {
	for _, r := range runs {
		if r.Sparse {
			continue
		}
		for i := uint64(0); i < r.Length; i++ {
			fs.setCluster(uint64(r.LCN)+i, false)
		}
	}
}

// --- path resolution -----------------------------------------------------

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// dirIndex reads directory record n's index. truncated reports that the
// directory has spilled into $INDEX_ALLOCATION, whose entries this
// reader does not traverse; the $INDEX_ROOT portion is still returned.
func (fs *FS) dirIndex(n uint32) (entries []IndexEntry, truncated bool, err error) {
	h, attrs, err := fs.readRecord(n)
	if err != nil {
		return nil, false, err
	}
	if !h.IsDirectory() {
		return nil, false, fmt.Errorf("ntfs: record %d is not a directory: %w", n, ferr.ErrInvalidArgument)
	}
	err = WalkAttributes(attrs, func(a interface{}) bool {
		switch attr := a.(type) {
		case *ResidentAttribute:
			if attr.Type == AttrIndexRoot {
				entries, err = DecodeIndexRoot(attr.Value)
			}
		case *NonResidentAttribute:
			if attr.Type == AttrIndexAllocation {
				truncated = true
			}
		}
		return err == nil
	})
	if err != nil {
		return nil, false, err
	}
	return entries, truncated, nil
}

// resolve walks p component by component from the root record, consulting
// and filling the directory cache.
func (fs *FS) resolve(p string) (uint32, error) {
	components := splitPath(p)
	cur := uint32(RecordRoot)
	walked := "/"
	for i, comp := range components {
		if cached, ok := fs.dirCache[path.Join(walked, comp)]; ok {
			cur = cached
			walked = path.Join(walked, comp)
			continue
		}
		entries, _, err := fs.dirIndex(cur)
		if err != nil {
			return 0, err
		}
		e, ok := FindIndexEntry(entries, comp)
		if !ok {
			return 0, &ferr.NotFound{Path: p, Component: comp}
		}
		cur = RecordNumberOf(e.FileRef)
		walked = path.Join(walked, comp)
		if i < len(components)-1 || e.FileName.FileAttributes&0x10 != 0 {
			fs.dirCache[walked] = cur
		}
	}
	return cur, nil
}

func (fs *FS) resolveParent(p string) (parent uint32, name string, err error) {
	components := splitPath(p)
	if len(components) == 0 {
		return 0, "", fmt.Errorf("ntfs: %q has no parent: %w", p, ferr.ErrInvalidArgument)
	}
	name = components[len(components)-1]
	parentPath := "/" + strings.Join(components[:len(components)-1], "/")
	parent, err = fs.resolve(parentPath)
	return parent, name, err
}

// --- read side -----------------------------------------------------------

func (fs *FS) StatFS() (vfs.StatFS, error) {
	var free int64
	for c := uint64(0); c < fs.totalClusters; c++ {
		if !fs.clusterUsed(c) {
			free++
		}
	}
	return vfs.StatFS{
		Type:      "ntfs",
		Total:     int64(fs.totalClusters) * fs.clusterBytes,
		Free:      free * fs.clusterBytes,
		BlockSize: fs.clusterBytes,
		Label:     fs.label,
	}, nil
}

// dataAttribute finds the unnamed $DATA attribute among decoded attrs.
func dataAttribute(attrs []byte) (resident *ResidentAttribute, nonResident *NonResidentAttribute, err error) {
	err = WalkAttributes(attrs, func(a interface{}) bool {
		switch attr := a.(type) {
		case *ResidentAttribute:
			if attr.Type == AttrData && attr.Name == "" {
				resident = attr
				return false
			}
		case *NonResidentAttribute:
			if attr.Type == AttrData && attr.Name == "" {
				nonResident = attr
				return false
			}
		}
		return true
	})
	return
}

func (fs *FS) statRecord(n uint32) (vfs.Stat, error) {
	h, attrs, err := fs.readRecord(n)
	if err != nil {
		return vfs.Stat{}, err
	}
	st := vfs.Stat{IsDir: h.IsDirectory(), IsFile: !h.IsDirectory()}

	res, nonRes, err := dataAttribute(attrs)
	if err != nil {
		return vfs.Stat{}, err
	}
	if res != nil {
		st.Size = int64(len(res.Value))
	} else if nonRes != nil {
		st.Size = int64(nonRes.DataSize)
	}

	err = WalkAttributes(attrs, func(a interface{}) bool {
		switch attr := a.(type) {
		case *ResidentAttribute:
			switch attr.Type {
			case AttrStandardInformation:
				si, err := DecodeStandardInformation(attr.Value)
				if err == nil {
					st.ModTime = checksum.FiletimeToUnix(si.ModifiedTime)
					st.AccessTime = checksum.FiletimeToUnix(si.AccessTime)
					st.ChangeTime = checksum.FiletimeToUnix(si.MFTChangedTime)
				}
			case AttrReparsePoint:
				rp, err := DecodeReparsePoint(attr.Value)
				if err == nil && rp.Tag == ReparseTagSymlink {
					st.IsSymlink = true
				}
			}
		}
		return true
	})
	if err != nil {
		return vfs.Stat{}, err
	}
	st.Permissions = 0o755
	return st, nil
}

func (fs *FS) Stat(p string) (vfs.Stat, error) {
	n, err := fs.resolve(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	return fs.statRecord(n)
}

func (fs *FS) ReadDir(p string) ([]vfs.DirEntry, error) {
	n, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, _, err := fs.dirIndex(n)
	if err != nil {
		return nil, err
	}
	var out []vfs.DirEntry
	for _, e := range entries {
		child := RecordNumberOf(e.FileRef)
		// System files below the first user record stay hidden from
		// listings, the way NTFS drivers hide $MFT and friends.
		if child < firstUserRecord && child != RecordRoot {
			continue
		}
		st, err := fs.statRecord(child)
		if err != nil {
			return nil, fmt.Errorf("ntfs: stat of %q: %w", e.FileName.Name, err)
		}
		out = append(out, vfs.DirEntry{Name: e.FileName.Name, Stat: st, Inode: uint64(child)})
	}
	return out, nil
}

// readCompressed reads a range from an LZNT1-compressed non-resident
// $DATA attribute by decompressing each compression unit that overlaps
// the request. A unit whose clusters are fully present is stored raw; a
// unit with a sparse tail holds LZNT1 chunks in its leading clusters; a
// fully sparse unit reads as zeros.
func (fs *FS) readCompressed(attr *NonResidentAttribute, offset, length int64) ([]byte, error) {
	unitClusters := int64(compressionUnitClusters(attr.CompressionUnit))
	unitBytes := unitClusters * fs.clusterBytes

	// Flatten the run list into per-cluster LCNs (sparse marked -1),
	// arena-style, so unit boundaries can be inspected directly.
	var lcns []int64
	for _, r := range attr.Runs {
		for i := uint64(0); i < r.Length; i++ {
			if r.Sparse {
				lcns = append(lcns, -1)
			} else {
				lcns = append(lcns, r.LCN+int64(i))
			}
		}
	}

	out := make([]byte, 0, length)
	firstUnit := offset / unitBytes
	lastUnit := (offset + length - 1) / unitBytes
	for u := firstUnit; u <= lastUnit; u++ {
		lo := u * unitClusters
		hi := lo + unitClusters
		if lo >= int64(len(lcns)) {
			out = append(out, make([]byte, unitBytes)...)
			continue
		}
		if hi > int64(len(lcns)) {
			hi = int64(len(lcns))
		}
		unit := lcns[lo:hi]

		present := 0
		for _, l := range unit {
			if l >= 0 {
				present++
			}
		}
		switch {
		case present == 0:
			out = append(out, make([]byte, unitBytes)...)
		case present == len(unit) && int64(present) == unitClusters:
			raw, err := fs.readClusterList(unit)
			if err != nil {
				return nil, err
			}
			out = append(out, raw...)
		default:
			raw, err := fs.readClusterList(unit[:present])
			if err != nil {
				return nil, err
			}
			dec, err := DecompressUnit(raw, fs.clusterBytes)
			if err != nil {
				return nil, err
			}
			if int64(len(dec)) < unitBytes {
				dec = append(dec, make([]byte, unitBytes-int64(len(dec)))...)
			}
			out = append(out, dec[:unitBytes]...)
		}
	}

	start := offset - firstUnit*unitBytes
	if start > int64(len(out)) {
		return nil, nil
	}
	end := start + length
	if end > int64(len(out)) {
		end = int64(len(out))
	}
	return out[start:end], nil
}

func (fs *FS) readClusterList(lcns []int64) ([]byte, error) {
	var out []byte
	for _, l := range lcns {
		buf, err := fs.io.ReadAt(l*fs.clusterBytes, fs.clusterBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out, nil
}

func (fs *FS) Read(p string, offset, length int64) ([]byte, error) {
	n, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	h, attrs, err := fs.readRecord(n)
	if err != nil {
		return nil, err
	}
	if h.IsDirectory() {
		return nil, fmt.Errorf("ntfs: read of directory %q: %w", p, ferr.ErrInvalidArgument)
	}
	res, nonRes, err := dataAttribute(attrs)
	if err != nil {
		return nil, err
	}

	if res != nil {
		if offset >= int64(len(res.Value)) {
			return nil, nil
		}
		end := offset + length
		if end > int64(len(res.Value)) {
			end = int64(len(res.Value))
		}
		out := make([]byte, end-offset)
		copy(out, res.Value[offset:end])
		return out, nil
	}
	if nonRes == nil {
		return nil, nil
	}

	if offset >= int64(nonRes.DataSize) {
		return nil, nil
	}
	if offset+length > int64(nonRes.DataSize) {
		length = int64(nonRes.DataSize) - offset
	}
	if nonRes.CompressionUnit > 0 {
		return fs.readCompressed(nonRes, offset, length)
	}
	return fs.readRunsAt(nonRes.Runs, offset, length)
}

// --- write side ----------------------------------------------------------

func (fs *FS) checkWritable() error {
	if fs.readOnly {
		return fmt.Errorf("ntfs: handle is read-only after a log failure: %w", ferr.ErrUnsupported)
	}
	return nil
}

func (fs *FS) Write(p string, offset int64, data []byte) (int, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	n, err := fs.resolve(p)
	if err != nil {
		return 0, err
	}
	h, attrsRaw, err := fs.readRecord(n)
	if err != nil {
		return 0, err
	}
	if h.IsDirectory() {
		return 0, fmt.Errorf("ntfs: write to directory %q: %w", p, ferr.ErrInvalidArgument)
	}
	attrs, err := splitAttributes(attrsRaw)
	if err != nil {
		return 0, err
	}

	dataIdx := -1
	for i, raw := range attrs {
		if attrType(raw) == AttrData {
			dataIdx = i
			break
		}
	}
	if dataIdx < 0 {
		return 0, fmt.Errorf("ntfs: %q has no $DATA: %w", p, &ferr.StructureInvalid{Structure: "MFTRecord", Field: "DATA"})
	}

	decoded, _, err := DecodeAttribute(attrs[dataIdx])
	if err != nil {
		return 0, err
	}

	newSize := offset + int64(len(data))

	switch attr := decoded.(type) {
	case *ResidentAttribute:
		if int64(len(attr.Value)) > newSize {
			newSize = int64(len(attr.Value))
		}
		if newSize <= residentDataCap {
			value := make([]byte, newSize)
			copy(value, attr.Value)
			copy(value[offset:], data)
			attrs[dataIdx] = EncodeResident(AttrData, "", value, attr.InstanceID)
			if err := fs.rebuildRecord(n, h, attrs); err != nil {
				return 0, err
			}
			return len(data), nil
		}
		// Promote to non-resident: old value plus the new bytes move to
		// freshly allocated clusters.
		clusters := uint64((newSize + fs.clusterBytes - 1) / fs.clusterBytes)
		runs, err := fs.allocClusters(clusters)
		if err != nil {
			return 0, err
		}
		content := make([]byte, clusters*uint64(fs.clusterBytes))
		copy(content, attr.Value)
		copy(content[offset:], data)
		if err := fs.writeRunsAt(runs, 0, content); err != nil {
			return 0, err
		}
		attrs[dataIdx] = EncodeNonResident(AttrData, "", 0, TotalClusters(runs)-1, runs, uint64(newSize), clusters*uint64(fs.clusterBytes), attr.InstanceID)
		if err := fs.rebuildRecord(n, h, attrs); err != nil {
			return 0, err
		}
		return len(data), nil

	case *NonResidentAttribute:
		if attr.CompressionUnit > 0 {
			return 0, fmt.Errorf("ntfs: write to compressed file %q: %w", p, ferr.ErrUnsupported)
		}
		if int64(attr.DataSize) > newSize {
			newSize = int64(attr.DataSize)
		}
		have := TotalClusters(attr.Runs)
		need := uint64((newSize + fs.clusterBytes - 1) / fs.clusterBytes)
		runs := attr.Runs
		if need > have {
			grown, err := fs.allocClusters(need - have)
			if err != nil {
				return 0, err
			}
			zero := make([]byte, (need-have)*uint64(fs.clusterBytes))
			if err := fs.writeRunsAt(grown, 0, zero); err != nil {
				return 0, err
			}
			runs = mergeAdjacentRuns(append(runs, grown...))
		}
		if err := fs.writeRunsAt(runs, offset, data); err != nil {
			return 0, err
		}
		attrs[dataIdx] = EncodeNonResident(AttrData, "", 0, TotalClusters(runs)-1, runs, uint64(newSize), TotalClusters(runs)*uint64(fs.clusterBytes), attr.InstanceID)
		if err := fs.rebuildRecord(n, h, attrs); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	return 0, fmt.Errorf("ntfs: unexpected $DATA shape: %w", ferr.ErrStructureInvalid)
}

// --- namespace mutation --------------------------------------------------

// findFreeRecord scans the user portion of the MFT for an unused slot,
// extending the table by a cluster's worth of records when full.
func (fs *FS) findFreeRecord() (uint32, error) {
	count := fs.mftRecordCount()
	for n := uint32(firstUserRecord); n < count; n++ {
		raw, err := fs.readRecordRaw(n)
		if err != nil {
			return 0, err
		}
		if string(raw[0:4]) != mftSignature {
			return n, nil
		}
		h, _, err := DecodeRecordHeader(raw, sectorSize)
		if err != nil {
			// A torn record past the system region is reusable space, not
			// a reason to fail the create.
			return n, nil
		}
		if !h.InUse() {
			return n, nil
		}
	}

	grown, err := fs.allocClusters(1)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, fs.clusterBytes)
	if err := fs.writeRunsAt(grown, 0, zero); err != nil {
		return 0, err
	}
	newRuns := mergeAdjacentRuns(append(fs.mftRuns, grown...))
	if err := fs.updateMFTDataRuns(newRuns); err != nil {
		return 0, err
	}
	fs.mftRuns = newRuns
	return count, nil
}

// updateMFTDataRuns rewrites record 0's unnamed $DATA attribute to cover
// the grown run list, merging an adjacent tail run instead of growing
// the run list unboundedly.
func (fs *FS) updateMFTDataRuns(runs []Run) error {
	h, attrsRaw, err := fs.readRecord(RecordMFT)
	if err != nil {
		return err
	}
	attrs, err := splitAttributes(attrsRaw)
	if err != nil {
		return err
	}
	size := TotalClusters(runs) * uint64(fs.clusterBytes)
	for i, raw := range attrs {
		if attrType(raw) != AttrData {
			continue
		}
		decoded, _, err := DecodeAttribute(raw)
		if err != nil {
			return err
		}
		nr, ok := decoded.(*NonResidentAttribute)
		if !ok {
			return fmt.Errorf("ntfs: $MFT $DATA is resident: %w", ferr.ErrStructureInvalid)
		}
		attrs[i] = EncodeNonResident(AttrData, "", 0, TotalClusters(runs)-1, runs, size, size, nr.InstanceID)
		return fs.rebuildRecord(RecordMFT, h, attrs)
	}
	return fmt.Errorf("ntfs: $MFT has no $DATA: %w", ferr.ErrStructureInvalid)
}

// insertDirEntry adds (or replaces) child's index entry in directory
// parent's $INDEX_ROOT.
func (fs *FS) insertDirEntry(parent uint32, e IndexEntry) error {
	h, attrsRaw, err := fs.readRecord(parent)
	if err != nil {
		return err
	}
	attrs, err := splitAttributes(attrsRaw)
	if err != nil {
		return err
	}
	for i, raw := range attrs {
		if attrType(raw) != AttrIndexRoot {
			continue
		}
		decoded, _, err := DecodeAttribute(raw)
		if err != nil {
			return err
		}
		res := decoded.(*ResidentAttribute)
		entries, err := DecodeIndexRoot(res.Value)
		if err != nil {
			return err
		}
		entries = InsertIndexEntry(entries, e)
		attrs[i] = EncodeResident(AttrIndexRoot, "$I30", EncodeIndexRoot(entries), res.InstanceID)
		if err := fs.rebuildRecord(parent, h, attrs); err != nil {
			// The root index outgrew the record. Splitting into an
			// $INDEX_ALLOCATION B+Tree node is not implemented; surface
			// the limitation rather than corrupt the record.
			return fmt.Errorf("ntfs: directory index full, $INDEX_ALLOCATION split not implemented: %w", ferr.ErrUnsupported)
		}
		return nil
	}
	return fmt.Errorf("ntfs: record %d has no $INDEX_ROOT: %w", parent, &ferr.StructureInvalid{Structure: "MFTRecord", Field: "INDEX_ROOT"})
}

func (fs *FS) removeDirEntry(parent uint32, name string) error {
	h, attrsRaw, err := fs.readRecord(parent)
	if err != nil {
		return err
	}
	attrs, err := splitAttributes(attrsRaw)
	if err != nil {
		return err
	}
	for i, raw := range attrs {
		if attrType(raw) != AttrIndexRoot {
			continue
		}
		decoded, _, err := DecodeAttribute(raw)
		if err != nil {
			return err
		}
		res := decoded.(*ResidentAttribute)
		entries, err := DecodeIndexRoot(res.Value)
		if err != nil {
			return err
		}
		entries, found := RemoveIndexEntry(entries, name)
		if !found {
			return &ferr.NotFound{Path: name, Component: name}
		}
		attrs[i] = EncodeResident(AttrIndexRoot, "$I30", EncodeIndexRoot(entries), res.InstanceID)
		return fs.rebuildRecord(parent, h, attrs)
	}
	return fmt.Errorf("ntfs: record %d has no $INDEX_ROOT: %w", parent, &ferr.StructureInvalid{Structure: "MFTRecord", Field: "INDEX_ROOT"})
}

func (fs *FS) createNode(p string, isDir bool) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	parent, name, err := fs.resolveParent(p)
	if err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, "\\/:*?\"<>|") {
		return fmt.Errorf("ntfs: illegal name %q: %w", name, ferr.ErrInvalidArgument)
	}
	entries, _, err := fs.dirIndex(parent)
	if err != nil {
		return err
	}
	if _, exists := FindIndexEntry(entries, name); exists {
		return fmt.Errorf("ntfs: %q already exists: %w", p, ferr.ErrInvalidArgument)
	}

	n, err := fs.findFreeRecord()
	if err != nil {
		return err
	}

	now := checksum.UnixToFiletime(formatTimeNow())
	fileAttrs := uint32(0x20)
	flags := uint16(mftFlagInUse)
	if isDir {
		fileAttrs = 0x10
		flags |= mftFlagDirectory
	}

	si := EncodeResident(AttrStandardInformation, "", EncodeStandardInformation(&StandardInformation{CreationTime: now, ModifiedTime: now, MFTChangedTime: now, AccessTime: now, FileAttributes: fileAttrs}), 0)
	fn := &FileNameAttr{
		ParentRef:      MFTReference(parent, 1),
		CreationTime:   now,
		ModifiedTime:   now,
		MFTChangedTime: now,
		AccessTime:     now,
		FileAttributes: fileAttrs,
		Name:           name,
	}
	fnRaw := EncodeResident(AttrFileName, "", EncodeFileName(fn), 1)

	var payload []byte
	if isDir {
		payload = EncodeResident(AttrIndexRoot, "$I30", EncodeIndexRoot(nil), 2)
	} else {
		payload = EncodeResident(AttrData, "", nil, 2)
	}

	chain := append(append(append([]byte{}, si...), fnRaw...), payload...)
	chain = append(chain, encodeEndMarker()...)
	rec, err := EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: flags, NextAttrID: 3}, fs.recordSize, sectorSize, chain)
	if err != nil {
		return err
	}
	fs.logMutation(len(rec))
	if err := fs.writeRecord(n, rec); err != nil {
		return err
	}

	if err := fs.insertDirEntry(parent, IndexEntry{FileRef: MFTReference(n, 1), FileName: *fn}); err != nil {
		return err
	}
	if isDir {
		fs.dirCache[path.Clean("/"+p)] = n
	}
	return nil
}

func (fs *FS) Create(p string, mode uint32) error { return fs.createNode(p, false) }
func (fs *FS) Mkdir(p string, mode uint32) error  { return fs.createNode(p, true) }

func (fs *FS) removeNode(p string, wantDir bool) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	parent, name, err := fs.resolveParent(p)
	if err != nil {
		return err
	}
	n, err := fs.resolve(p)
	if err != nil {
		return err
	}
	h, attrsRaw, err := fs.readRecord(n)
	if err != nil {
		return err
	}
	if h.IsDirectory() != wantDir {
		if wantDir {
			return fmt.Errorf("ntfs: %q is not a directory: %w", p, ferr.ErrInvalidArgument)
		}
		return fmt.Errorf("ntfs: %q is a directory: %w", p, ferr.ErrInvalidArgument)
	}
	if wantDir {
		entries, truncated, err := fs.dirIndex(n)
		if err != nil {
			return err
		}
		if len(entries) > 0 || truncated {
			return fmt.Errorf("ntfs: %q: %w", p, ferr.ErrNotEmpty)
		}
	}

	// Release any non-resident data back to the bitmap before the record
	// itself is marked free.
	err = WalkAttributes(attrsRaw, func(a interface{}) bool {
		if nr, ok := a.(*NonResidentAttribute); ok && nr.Type == AttrData {
			fs.freeClusters(nr.Runs)
		}
		return true
	})
	if err != nil {
		return err
	}

	h.Flags &^= mftFlagInUse
	h.SequenceNumber++
	if err := fs.rebuildRecord(n, h, nil); err != nil {
		return err
	}
	if err := fs.removeDirEntry(parent, name); err != nil {
		return err
	}
	delete(fs.dirCache, path.Clean("/"+p))
	return nil
}

func (fs *FS) Unlink(p string) error { return fs.removeNode(p, false) }
func (fs *FS) Rmdir(p string) error  { return fs.removeNode(p, true) }

func (fs *FS) Rename(oldPath, newPath string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	oldParent, oldName, err := fs.resolveParent(oldPath)
	if err != nil {
		return err
	}
	newParent, newName, err := fs.resolveParent(newPath)
	if err != nil {
		return err
	}
	if newName == "" || strings.ContainsAny(newName, "\\/:*?\"<>|") {
		return fmt.Errorf("ntfs: illegal name %q: %w", newName, ferr.ErrInvalidArgument)
	}
	n, err := fs.resolve(oldPath)
	if err != nil {
		return err
	}

	h, attrsRaw, err := fs.readRecord(n)
	if err != nil {
		return err
	}
	attrs, err := splitAttributes(attrsRaw)
	if err != nil {
		return err
	}
	var fn *FileNameAttr
	for i, raw := range attrs {
		if attrType(raw) != AttrFileName {
			continue
		}
		decoded, _, err := DecodeAttribute(raw)
		if err != nil {
			return err
		}
		res := decoded.(*ResidentAttribute)
		fn, err = DecodeFileName(res.Value)
		if err != nil {
			return err
		}
		fn.Name = newName
		fn.ParentRef = MFTReference(newParent, 1)
		attrs[i] = EncodeResident(AttrFileName, "", EncodeFileName(fn), res.InstanceID)
		break
	}
	if fn == nil {
		return fmt.Errorf("ntfs: record %d has no $FILE_NAME: %w", n, &ferr.StructureInvalid{Structure: "MFTRecord", Field: "FILE_NAME"})
	}
	if err := fs.rebuildRecord(n, h, attrs); err != nil {
		return err
	}

	// Within one directory the remove+insert pair touches a single
	// record, making the rename effectively atomic; across directories
	// it is a best-effort two-record sequence.
	if err := fs.removeDirEntry(oldParent, oldName); err != nil {
		return err
	}
	if err := fs.insertDirEntry(newParent, IndexEntry{FileRef: MFTReference(n, 1), FileName: *fn}); err != nil {
		return err
	}
	delete(fs.dirCache, path.Clean("/"+oldPath))
	if h.IsDirectory() {
		fs.dirCache[path.Clean("/"+newPath)] = n
	}
	return nil
}

func (fs *FS) Truncate(p string, newSize int64) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	n, err := fs.resolve(p)
	if err != nil {
		return err
	}
	h, attrsRaw, err := fs.readRecord(n)
	if err != nil {
		return err
	}
	if h.IsDirectory() {
		return fmt.Errorf("ntfs: truncate of directory %q: %w", p, ferr.ErrInvalidArgument)
	}
	attrs, err := splitAttributes(attrsRaw)
	if err != nil {
		return err
	}
	for i, raw := range attrs {
		if attrType(raw) != AttrData {
			continue
		}
		decoded, _, err := DecodeAttribute(raw)
		if err != nil {
			return err
		}
		switch attr := decoded.(type) {
		case *ResidentAttribute:
			if newSize <= residentDataCap || newSize <= int64(len(attr.Value)) {
				value := make([]byte, newSize)
				copy(value, attr.Value)
				attrs[i] = EncodeResident(AttrData, "", value, attr.InstanceID)
				return fs.rebuildRecord(n, h, attrs)
			}
			// Growing past the resident cap goes through Write, which
			// already knows how to promote.
			pad := make([]byte, newSize-int64(len(attr.Value)))
			_, err := fs.Write(p, int64(len(attr.Value)), pad)
			return err
		case *NonResidentAttribute:
			oldSize := int64(attr.DataSize)
			need := uint64((newSize + fs.clusterBytes - 1) / fs.clusterBytes)
			runs := attr.Runs
			have := TotalClusters(runs)
			if need < have {
				kept, dropped := splitRunsAt(runs, need)
				fs.freeClusters(dropped)
				runs = kept
			} else if need > have {
				grown, err := fs.allocClusters(need - have)
				if err != nil {
					return err
				}
				runs = mergeAdjacentRuns(append(runs, grown...))
			}
			// The grown region reads as zeros, whether it reuses tail
			// space in an existing cluster or freshly allocated ones.
			if newSize > oldSize && len(runs) > 0 {
				if err := fs.writeRunsAt(runs, oldSize, make([]byte, newSize-oldSize)); err != nil {
					return err
				}
			}
			if len(runs) == 0 {
				attrs[i] = EncodeResident(AttrData, "", nil, attr.InstanceID)
			} else {
				attrs[i] = EncodeNonResident(AttrData, "", 0, TotalClusters(runs)-1, runs, uint64(newSize), TotalClusters(runs)*uint64(fs.clusterBytes), attr.InstanceID)
			}
			return fs.rebuildRecord(n, h, attrs)
		}
	}
	return fmt.Errorf("ntfs: %q has no $DATA: %w", p, &ferr.StructureInvalid{Structure: "MFTRecord", Field: "DATA"})
}

// splitRunsAt cuts a run list after the first keep clusters.
func splitRunsAt(runs []Run, keep uint64) (kept, dropped []Run) {
	for _, r := range runs {
		if keep == 0 {
			dropped = append(dropped, r)
			continue
		}
		if r.Length <= keep {
			kept = append(kept, r)
			keep -= r.Length
			continue
		}
		head := r
		head.Length = keep
		kept = append(kept, head)
		tail := r
		if !r.Sparse {
			tail.LCN += int64(keep)
		}
		tail.Length = r.Length - keep
		dropped = append(dropped, tail)
		keep = 0
	}
	return kept, dropped
}

// Flush writes the in-memory cluster bitmap and both $LogFile restart
// areas home, then syncs the backend.
func (fs *FS) Flush() error {
	if err := fs.writeRunsAt(fs.bitmapRuns, 0, fs.bitmap); err != nil {
		return err
	}
	if fs.restart != nil && fs.logRuns != nil {
		page := EncodeRestartArea(fs.restart)
		if err := fs.writeRunsAt(fs.logRuns, 0, page); err != nil {
			return err
		}
		if err := fs.writeRunsAt(fs.logRuns, logPageSize, page); err != nil {
			return err
		}
	}
	return fs.io.Flush()
}
