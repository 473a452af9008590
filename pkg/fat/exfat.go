package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

// exFAT replaces the classic BPB entirely; this file models its
// boot sector, allocation bitmap, and up-case table per the published
// Microsoft exFAT specification.
const (
	exfatBootSignature = 0xAA55

	exfatEntryFile     = 0x85
	exfatEntryStream   = 0xC0
	exfatEntryFileName = 0xC1
	exfatEntryBitmap   = 0x81
	exfatEntryUpcase   = 0x82
	exfatEntryVolLabel = 0x83

	exfatInUse = 0x80 // high bit of a type byte marks the entry in-use

	exfatClusterFree = 0
	exfatClusterBad  = 0xFFFFFFF7
	exfatClusterEOC  = 0xFFFFFFFF
)

// ExFATLayout is exFAT's boot-sector geometry (sector 0 of the Main Boot
// region; a byte-identical Backup Boot region follows at sector 12).
type ExFATLayout struct {
	BytesPerSectorShift    uint8
	SectorsPerClusterShift uint8
	FatOffset              uint32
	FatLength              uint32
	ClusterHeapOffset      uint32
	ClusterCount           uint32
	FirstClusterOfRoot     uint32
	VolumeLength           uint64
	VolumeSerial           uint32
	NumberOfFats           uint8
	Label                  string
}

func (l *ExFATLayout) BytesPerSector() int64    { return int64(1) << l.BytesPerSectorShift }
func (l *ExFATLayout) SectorsPerCluster() int64 { return int64(1) << l.SectorsPerClusterShift }
func (l *ExFATLayout) ClusterSize() int64       { return l.BytesPerSector() * l.SectorsPerCluster() }

func (l *ExFATLayout) ClusterToByteOffset(cluster uint32) int64 {
	sector := int64(l.ClusterHeapOffset) + int64(cluster-2)*l.SectorsPerCluster()
	return sector * l.BytesPerSector()
}

// NewExFATLayout computes a single-FAT, single-bitmap exFAT geometry for a
// volume of totalBytes. Cluster size follows Microsoft's recommendation of
// scaling with volume size to keep the FAT and bitmap compact; this engine
// always uses 1 FAT/1 bitmap (NumberOfFats=1), never the TexFAT dual-FAT
// mode, since nothing in this engine's own writer needs it.
func NewExFATLayout(totalBytes int64, label string, serial uint32) (*ExFATLayout, error) {
	const bytesPerSectorShift = 9 // 512-byte sectors
	sectorSize := int64(1) << bytesPerSectorShift
	totalSectors := totalBytes / sectorSize

	var clusterShift uint8
	switch {
	case totalSectors <= 0x80000: // <= 256MiB
		clusterShift = 3 // 4KiB clusters
	case totalSectors <= 0x4000000: // <= 32GiB
		clusterShift = 6 // 32KiB clusters
	default:
		clusterShift = 8 // 128KiB clusters
	}

	const mainBootSectors = 12
	const backupBootSectors = 12
	reserved := uint32(mainBootSectors + backupBootSectors)

	clusterSectors := int64(1) << clusterShift
	// First pass: cluster count assuming minimal FAT.
	fatOffset := reserved
	approxClusterCount := uint32((totalSectors - int64(reserved)) / clusterSectors)
	fatLength := uint32((int64(approxClusterCount+2)*4 + sectorSize - 1) / sectorSize)

	clusterHeapOffset := fatOffset + fatLength
	clusterCount := uint32((totalSectors - int64(clusterHeapOffset)) / clusterSectors)
	if clusterCount < 1 {
		return nil, fmt.Errorf("fat: volume too small for exFAT at this cluster size")
	}

	// Bitmap and upcase table each occupy whole clusters starting right
	// after the cluster heap begins; root directory follows them.
	bitmapBytes := (int64(clusterCount) + 7) / 8
	bitmapClusters := uint32((bitmapBytes + clusterSize(clusterShift) - 1) / clusterSize(clusterShift))
	if bitmapClusters < 1 {
		bitmapClusters = 1
	}

	upcaseBytes := int64(len(defaultUpcaseTable)) * 2
	upcaseClusters := uint32((upcaseBytes + clusterSize(clusterShift) - 1) / clusterSize(clusterShift))
	if upcaseClusters < 1 {
		upcaseClusters = 1
	}

	firstClusterOfRoot := 2 + bitmapClusters + upcaseClusters

	return &ExFATLayout{
		BytesPerSectorShift:    bytesPerSectorShift,
		SectorsPerClusterShift: clusterShift,
		FatOffset:              fatOffset,
		FatLength:              fatLength,
		ClusterHeapOffset:      clusterHeapOffset,
		ClusterCount:           clusterCount,
		FirstClusterOfRoot:     firstClusterOfRoot,
		VolumeLength:           uint64(totalSectors),
		VolumeSerial:           serial,
		NumberOfFats:           1,
		Label:                  label,
	}, nil
}

func clusterSize(shift uint8) int64 { return 512 << shift }

// EncodeBootSector builds the 512-byte Main/Backup Boot Sector. The
// checksum sector (sector 11) is computed separately by EncodeBootChecksum.
func (l *ExFATLayout) EncodeBootSector() []byte {
	buf := make([]byte, 512)
	buf[0], buf[1], buf[2] = 0xEB, 0x76, 0x90
	copy(buf[3:11], []byte("EXFAT   "))
	// bytes 11..63 (MustBeZero) stay zero.

	binary.LittleEndian.PutUint64(buf[64:], 0) // PartitionOffset
	binary.LittleEndian.PutUint64(buf[72:], l.VolumeLength)
	binary.LittleEndian.PutUint32(buf[80:], l.FatOffset)
	binary.LittleEndian.PutUint32(buf[84:], l.FatLength)
	binary.LittleEndian.PutUint32(buf[88:], l.ClusterHeapOffset)
	binary.LittleEndian.PutUint32(buf[92:], l.ClusterCount)
	binary.LittleEndian.PutUint32(buf[96:], l.FirstClusterOfRoot)
	binary.LittleEndian.PutUint32(buf[100:], l.VolumeSerial)
	buf[104], buf[105] = 1, 0 // FileSystemRevision 1.00
	binary.LittleEndian.PutUint16(buf[106:], 0) // VolumeFlags
	buf[108] = l.BytesPerSectorShift
	buf[109] = l.SectorsPerClusterShift
	buf[110] = l.NumberOfFats
	buf[111] = 0x80 // DriveSelect
	buf[112] = 0xFF // PercentInUse unavailable
	// bytes 113..119 reserved and left zero; boot code 120..509 is filled with 0xF4.
	for i := 120; i < 510; i++ {
		buf[i] = 0xF4
	}
	binary.LittleEndian.PutUint16(buf[510:], exfatBootSignature)
	return buf
}

// EncodeBootChecksum computes the boot-region checksum (sector 11) over
// the main boot sector plus the 8 extended boot sectors plus the OEM
// parameters sector plus the reserved sector — every sector in the region
// except the checksum sector itself, skipping the VolumeFlags and
// PercentInUse bytes in sector 0, which the checksum definition excludes.
func EncodeBootChecksum(sectors [][]byte, sectorSize int) []byte {
	var sum uint32
	for si, sec := range sectors {
		for i, b := range sec {
			if si == 0 && (i == 106 || i == 107 || i == 112) {
				continue
			}
			sum = ((sum << 31) | (sum >> 1)) + uint32(b)
		}
	}
	out := make([]byte, sectorSize)
	for i := 0; i+4 <= sectorSize; i += 4 {
		binary.LittleEndian.PutUint32(out[i:], sum)
	}
	return out
}

// DecodeExFATBootSector parses the 512-byte Main Boot Sector read back from
// an already-formatted volume, the inverse of EncodeBootSector.
func DecodeExFATBootSector(buf []byte) (*ExFATLayout, error) {
	if len(buf) < 512 {
		return nil, fmt.Errorf("exfat: short boot sector: %w", ferr.ErrStructureInvalid)
	}
	if string(buf[3:11]) != "EXFAT   " {
		return nil, fmt.Errorf("exfat: bad OEM id: %w", ferr.ErrStructureInvalid)
	}
	if binary.LittleEndian.Uint16(buf[510:]) != exfatBootSignature {
		return nil, fmt.Errorf("exfat: bad boot signature: %w", ferr.ErrStructureInvalid)
	}
	l := &ExFATLayout{
		VolumeLength:           binary.LittleEndian.Uint64(buf[72:]),
		FatOffset:              binary.LittleEndian.Uint32(buf[80:]),
		FatLength:              binary.LittleEndian.Uint32(buf[84:]),
		ClusterHeapOffset:      binary.LittleEndian.Uint32(buf[88:]),
		ClusterCount:           binary.LittleEndian.Uint32(buf[92:]),
		FirstClusterOfRoot:     binary.LittleEndian.Uint32(buf[96:]),
		VolumeSerial:           binary.LittleEndian.Uint32(buf[100:]),
		BytesPerSectorShift:    buf[108],
		SectorsPerClusterShift: buf[109],
		NumberOfFats:           buf[110],
	}
	return l, nil
}

// ExFATTable is exFAT's optional 32-bit FAT, consulted only for directory
// entries whose Stream extension clears the "no FAT chain" flag (i.e. data
// that isn't laid out as one contiguous cluster run).
type ExFATTable struct {
	raw []byte
}

// NewExFATTable allocates a zeroed table sized for clusterCount clusters
// (plus the two reserved entries 0 and 1).
func NewExFATTable(clusterCount uint32) *ExFATTable {
	return &ExFATTable{raw: make([]byte, (uint64(clusterCount)+2)*4)}
}

// DecodeExFATTable wraps an already-read FAT region.
func DecodeExFATTable(raw []byte) *ExFATTable { return &ExFATTable{raw: raw} }

func (t *ExFATTable) Bytes() []byte { return t.raw }

func (t *ExFATTable) get(c uint32) uint32 {
	if int(c+1)*4 > len(t.raw) {
		return exfatClusterEOC
	}
	return binary.LittleEndian.Uint32(t.raw[c*4:])
}

func (t *ExFATTable) Set(c uint32, v uint32) { binary.LittleEndian.PutUint32(t.raw[c*4:], v) }

// ReadChain follows the table from first until an EOC marker, rejecting any
// cycle the same way the FAT16/32 reader does.
func (t *ExFATTable) ReadChain(first uint32) ([]uint32, error) {
	seen := make(map[uint32]bool)
	var chain []uint32
	c := first
	for {
		if c < 2 {
			return nil, fmt.Errorf("exfat: invalid cluster %d: %w", c, ferr.ErrStructureInvalid)
		}
		if seen[c] {
			return nil, fmt.Errorf("exfat: cluster %d revisited: %w", c, ferr.ErrCyclicChain)
		}
		seen[c] = true
		chain = append(chain, c)
		next := t.get(c)
		if next == exfatClusterBad {
			return nil, fmt.Errorf("exfat: cluster %d marked bad: %w", c, ferr.ErrStructureInvalid)
		}
		if next == exfatClusterEOC || next == exfatClusterFree {
			return chain, nil
		}
		c = next
	}
}

// AllocChain links n free (per bitmap) clusters into a chain and marks them
// used in bitmap, returning the cluster numbers in order.
func (t *ExFATTable) AllocChain(bitmap *ExFATBitmap, n int64) ([]uint32, error) {
	var out []uint32
	for c := uint32(2); int64(len(out)) < n && int64(c) < bitmap.n+2; c++ {
		if !bitmap.Test(c) {
			out = append(out, c)
		}
	}
	if int64(len(out)) < n {
		return nil, fmt.Errorf("exfat: out of free clusters: %w", ferr.ErrOutOfSpace)
	}
	for _, c := range out {
		bitmap.Set(c)
	}
	for i, c := range out {
		if i == len(out)-1 {
			t.Set(c, exfatClusterEOC)
		} else {
			t.Set(c, out[i+1])
		}
	}
	return out, nil
}

// FreeChain marks every cluster in chain free in both the table and bitmap.
func (t *ExFATTable) FreeChain(bitmap *ExFATBitmap, chain []uint32) {
	for _, c := range chain {
		t.Set(c, exfatClusterFree)
		bitmap.Clear(c)
	}
}

// defaultUpcaseTable is exFAT's default Unicode-to-uppercase mapping table,
// the identity-plus-Latin-folding table the exFAT specification permits
// implementations to ship verbatim (section 7.2.5). Indices map U+0000
// through U+FFFF; only the ASCII/Latin-1 range is folded non-trivially,
// everything else maps to itself.
var defaultUpcaseTable = buildDefaultUpcaseTable()

func buildDefaultUpcaseTable() []uint16 {
	t := make([]uint16, 0x10000)
	for i := range t {
		t[i] = uint16(i)
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = uint16(c - 'a' + 'A')
	}
	for c := rune(0xE0); c <= 0xFE; c++ {
		if c == 0xF7 {
			continue // division sign has no uppercase form
		}
		t[c] = uint16(c - 0x20)
	}
	return t
}

// EncodeUpcaseTable serializes the table as raw little-endian uint16s, the
// exact bytes exFAT stores in the $UpCase system file.
func EncodeUpcaseTable() []byte {
	buf := make([]byte, len(defaultUpcaseTable)*2)
	for i, v := range defaultUpcaseTable {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	return buf
}

// UpcaseChecksum is the 32-bit rolling checksum the $UpCase directory
// entry stores alongside the table, the same rotate-right form the boot
// region uses (and entrySetChecksum uses in 16-bit).
func UpcaseChecksum(table []byte) uint32 {
	var sum uint32
	for _, b := range table {
		sum = ((sum << 31) | (sum >> 1)) + uint32(b)
	}
	return sum
}

// ExFATBitmap is a simple free/used cluster bitmap, the exFAT $Bitmap
// system file contents (bit N set means cluster N+2 is allocated).
type ExFATBitmap struct {
	bits []byte
	n    int64
}

func NewExFATBitmap(clusterCount int64) *ExFATBitmap {
	return &ExFATBitmap{bits: make([]byte, (clusterCount+7)/8), n: clusterCount}
}

func (b *ExFATBitmap) Set(cluster uint32) {
	idx := cluster - 2
	b.bits[idx/8] |= 1 << (idx % 8)
}

func (b *ExFATBitmap) Test(cluster uint32) bool {
	idx := cluster - 2
	return b.bits[idx/8]&(1<<(idx%8)) != 0
}

func (b *ExFATBitmap) Clear(cluster uint32) {
	idx := cluster - 2
	b.bits[idx/8] &^= 1 << (idx % 8)
}

func (b *ExFATBitmap) Bytes() []byte { return b.bits }

// AllocContiguous finds the first run of n contiguous free clusters and
// marks them used, providing best-effort contiguity and letting the
// caller set the directory entry's NoFatChain flag
// instead of threading the allocation through the FAT.
func (b *ExFATBitmap) AllocContiguous(n int64) (uint32, bool) {
	if n <= 0 {
		return 0, false
	}
	run := int64(0)
	start := uint32(2)
	for c := uint32(2); int64(c) < b.n+2; c++ {
		if b.Test(c) {
			run = 0
			start = c + 1
			continue
		}
		run++
		if run == n {
			for x := start; x < start+uint32(n); x++ {
				b.Set(x)
			}
			return start, true
		}
	}
	return 0, false
}

// DecodeExFATBitmap wraps an already-read $Bitmap system file.
func DecodeExFATBitmap(raw []byte, n int64) *ExFATBitmap {
	return &ExFATBitmap{bits: raw, n: n}
}

// ExFATDirent is a decoded (File, Stream, FileName...) directory entry set.
type ExFATDirent struct {
	Name         string
	IsDir        bool
	FirstCluster uint32
	DataLength   uint64
	NoFatChain   bool
}

// entrySetChecksum implements the exFAT entry-set rotation, sum =
// ((sum << 15) | (sum >> 1)) + byte, over every byte of the set except
// the File entry's own checksum field (bytes 2-3).
func entrySetChecksum(entries []byte) uint16 {
	var sum uint16
	for i, b := range entries {
		if i == 2 || i == 3 {
			continue
		}
		sum = ((sum << 15) | (sum >> 1)) + uint16(b)
	}
	return sum
}

// EncodeExFATEntrySet builds a File+Stream+FileName* directory entry set for
// one exFAT directory member.
func EncodeExFATEntrySet(name string, isDir bool, firstCluster uint32, dataLength uint64, noFatChain bool) []byte {
	u16 := []uint16(utf16Encode(name))
	nameEntries := (len(u16) + 14) / 15
	if nameEntries == 0 {
		nameEntries = 1
	}
	total := make([]byte, (2+nameEntries)*32)

	stream := total[32:64]
	stream[0] = exfatEntryStream | exfatInUse
	flags := byte(0x01)
	if noFatChain {
		flags |= 0x02
	}
	stream[1] = flags
	stream[3] = byte(len(u16))
	nameHash := exfatNameHash(u16)
	binary.LittleEndian.PutUint16(stream[4:], nameHash)
	binary.LittleEndian.PutUint64(stream[8:], uint64(dataLength))
	binary.LittleEndian.PutUint32(stream[20:], firstCluster)
	binary.LittleEndian.PutUint64(stream[24:], dataLength)

	for i := 0; i < nameEntries; i++ {
		e := total[(2+i)*32 : (3+i)*32]
		e[0] = exfatEntryFileName | exfatInUse
		for j := 0; j < 15; j++ {
			idx := i*15 + j
			var c uint16
			if idx < len(u16) {
				c = u16[idx]
			}
			binary.LittleEndian.PutUint16(e[2+j*2:], c)
		}
	}

	file := total[0:32]
	file[0] = exfatEntryFile | exfatInUse
	file[1] = byte(1 + nameEntries)
	attr := uint16(0)
	if isDir {
		attr = 0x10
	}
	binary.LittleEndian.PutUint16(file[4:], attr)

	sum := entrySetChecksum(total)
	binary.LittleEndian.PutUint16(file[2:], sum)

	return total
}

func exfatNameHash(u16 []uint16) uint16 {
	var hash uint16
	for _, c := range u16 {
		up := c
		if int(up) < len(defaultUpcaseTable) {
			up = defaultUpcaseTable[up]
		}
		lo := byte(up)
		hi := byte(up >> 8)
		hash = ((hash << 15) | (hash >> 1)) + uint16(lo)
		hash = ((hash << 15) | (hash >> 1)) + uint16(hi)
	}
	return hash
}

func utf16Encode(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		if r <= 0xFFFF {
			out = append(out, uint16(r))
			continue
		}
		r -= 0x10000
		out = append(out, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return out
}

// DecodeExFATEntrySets walks a directory cluster's raw bytes and decodes
// every in-use (File, Stream, FileName...) set it finds.
func DecodeExFATEntrySets(buf []byte) []ExFATDirent {
	var out []ExFATDirent
	n := len(buf) / 32
	for i := 0; i < n; {
		e := buf[i*32 : (i+1)*32]
		typ := e[0]
		if typ == 0 {
			break
		}
		if typ != exfatEntryFile|exfatInUse {
			i++
			continue
		}
		secondaryCount := int(e[1])
		if i+1+secondaryCount > n {
			break
		}
		stream := buf[(i+1)*32 : (i+2)*32]
		isDir := binary.LittleEndian.Uint16(e[4:])&0x10 != 0
		firstCluster := binary.LittleEndian.Uint32(stream[20:])
		dataLength := binary.LittleEndian.Uint64(stream[24:])
		noFatChain := stream[1]&0x02 != 0

		nameLen := int(stream[3])
		var u16 []uint16
		for j := 2; j <= secondaryCount; j++ {
			fe := buf[(i+j)*32 : (i+j+1)*32]
			if fe[0] != exfatEntryFileName|exfatInUse {
				continue
			}
			for k := 0; k < 15; k++ {
				u16 = append(u16, binary.LittleEndian.Uint16(fe[2+k*2:]))
			}
		}
		if len(u16) > nameLen {
			u16 = u16[:nameLen]
		}

		out = append(out, ExFATDirent{
			Name:         utf16Decode(u16),
			IsDir:        isDir,
			FirstCluster: firstCluster,
			DataLength:   dataLength,
			NoFatChain:   noFatChain,
		})

		i += 1 + secondaryCount
	}
	return out
}

func utf16Decode(u16 []uint16) string {
	runes := make([]rune, 0, len(u16))
	for i := 0; i < len(u16); i++ {
		c := u16[i]
		if c >= 0xD800 && c < 0xDC00 && i+1 < len(u16) && u16[i+1] >= 0xDC00 && u16[i+1] < 0xE000 {
			runes = append(runes, (rune(c-0xD800)<<10|rune(u16[i+1]-0xDC00))+0x10000)
			i++
			continue
		}
		runes = append(runes, rune(c))
	}
	return string(runes)
}
