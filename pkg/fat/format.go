package fat

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/elog"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

// Formatter implements vfs.Formatter for one FAT family variant. A zero
// Variant with AutoSelect set picks FAT16 vs FAT32 from the trial
// cluster count, for callers that request "fat" without a version.
type Formatter struct {
	Variant    Variant
	AutoSelect bool
}

func randomSerial() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (f Formatter) Format(d *device.Device, w io.WriteSeeker, opts vfs.FormatOptions) error {
	log := opts.Logger
	if log == nil {
		log = &elog.CLI{}
	}

	if len(opts.Label) > 11 {
		return fmt.Errorf("fat: label %q exceeds 11 characters", opts.Label)
	}

	variant := f.Variant
	if f.AutoSelect {
		v, err := ChooseVariant(d.Size / sectorSize)
		if err != nil {
			return err
		}
		variant = v
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("fat: generating volume serial: %w", err)
	}
	if opts.Cancel.Cancelled() {
		return fmt.Errorf("fat: format cancelled: %w", ferr.ErrInvalidArgument)
	}

	switch variant {
	case VariantFAT16:
		err = formatFAT16(d, w, opts, log, serial)
	case VariantFAT32:
		err = formatFAT32(d, w, opts, log, serial)
	case VariantExFAT:
		err = formatExFAT(d, w, opts, log, serial)
	default:
		err = fmt.Errorf("fat: unknown variant")
	}
	if opts.Progress != nil {
		opts.Progress.Finish(err == nil)
	}
	return err
}

func writeSectors(w io.WriteSeeker, sector int64, data []byte) error {
	if _, err := w.Seek(sector*sectorSize, io.SeekStart); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func formatFAT16(d *device.Device, w io.WriteSeeker, opts vfs.FormatOptions, log elog.Logger, serial uint32) error {
	totalSectors := d.Size / sectorSize
	l, err := NewFAT16Layout(totalSectors, opts.Label, serial)
	if err != nil {
		return err
	}

	log.Infof("formatting FAT16: %d clusters, %d bytes/cluster", l.TotalClusters(), l.ClusterSize())

	// Payload first, boot sector last: the boot sector is the commit
	// point a reader trusts, so the FATs and root directory must already
	// be in place when it appears.
	table := NewTable(VariantFAT16, l.TotalClusters())
	table.Init(mediaFixed)
	for i := int64(0); i < l.NumFATs; i++ {
		off := l.ReservedSectors + i*l.SectorsPerFAT
		if err := writeSectors(w, off, table.Bytes()); err != nil {
			return err
		}
	}

	rootDir := make([]byte, l.RootEntries*dirEntrySize)
	copy(rootDir, volumeLabelEntry(opts.Label))
	if err := writeSectors(w, l.RootDirSector(), rootDir); err != nil {
		return err
	}

	boot, err := EncodeBootSector(l)
	if err != nil {
		return err
	}
	if err := writeSectors(w, 0, boot); err != nil {
		return err
	}

	return flush(w)
}

// volumeLabelEntry builds the attrVolumeID directory entry carried in the
// root of every labelled FAT16/FAT32 volume. Empty label, empty entry.
func volumeLabelEntry(label string) []byte {
	if label == "" {
		return nil
	}
	e := make([]byte, dirEntrySize)
	for i := 0; i < 11; i++ {
		e[i] = ' '
	}
	upper := strings.ToUpper(label)
	if len(upper) > 11 {
		upper = upper[:11]
	}
	copy(e[0:11], upper)
	e[11] = attrVolumeID
	return e
}

func formatFAT32(d *device.Device, w io.WriteSeeker, opts vfs.FormatOptions, log elog.Logger, serial uint32) error {
	totalSectors := d.Size / sectorSize
	l, err := NewFAT32Layout(totalSectors, opts.Label, serial)
	if err != nil {
		return err
	}

	log.Infof("formatting FAT32: %d clusters, %d bytes/cluster", l.TotalClusters(), l.ClusterSize())

	table := NewTable(VariantFAT32, l.TotalClusters())
	table.Init(mediaFixed)
	for i := int64(0); i < l.NumFATs; i++ {
		off := l.ReservedSectors + i*l.SectorsPerFAT
		if err := writeSectors(w, off, table.Bytes()); err != nil {
			return err
		}
	}

	rootCluster := make([]byte, l.ClusterSize())
	copy(rootCluster, volumeLabelEntry(opts.Label))
	if err := writeSectors(w, l.ClusterToSector(l.RootCluster), rootCluster); err != nil {
		return err
	}

	boot, err := EncodeBootSector(l)
	if err != nil {
		return err
	}
	fsinfo := EncodeFSInfo(l.TotalClusters()-1, 3)

	// Backups before primaries; the primary boot sector commits last.
	if err := writeSectors(w, l.BackupBootSector, boot); err != nil {
		return err
	}
	if err := writeSectors(w, l.BackupBootSector+l.FSInfoSector, fsinfo); err != nil {
		return err
	}
	if err := writeSectors(w, l.FSInfoSector, fsinfo); err != nil {
		return err
	}
	if err := writeSectors(w, 0, boot); err != nil {
		return err
	}

	return flush(w)
}

func formatExFAT(d *device.Device, w io.WriteSeeker, opts vfs.FormatOptions, log elog.Logger, serial uint32) error {
	l, err := NewExFATLayout(d.Size, opts.Label, serial)
	if err != nil {
		return err
	}

	log.Infof("formatting exFAT: %d clusters, %d bytes/cluster", l.ClusterCount, l.ClusterSize())

	boot := l.EncodeBootSector()

	// Main boot region: sector 0 boot sector, 8 extended-boot sectors
	// (zeroed, each still carrying the trailing 0xAA55 signature), 1 OEM
	// parameters sector, 1 reserved sector, 1 checksum sector.
	extended := make([]byte, 512)
	copy(extended[510:], []byte{0x55, 0xAA})
	oemParams := make([]byte, 512)
	for i := range oemParams {
		oemParams[i] = 0xFF
	}
	reservedSec := make([]byte, 512)

	sectors := [][]byte{boot}
	for i := 0; i < 8; i++ {
		sectors = append(sectors, extended)
	}
	sectors = append(sectors, oemParams, reservedSec)
	checksum := EncodeBootChecksum(sectors, 512)

	mainRegion := append(append([]byte{}, boot...), extended...)
	for i := 1; i < 8; i++ {
		mainRegion = append(mainRegion, extended...)
	}
	mainRegion = append(mainRegion, oemParams...)
	mainRegion = append(mainRegion, reservedSec...)
	mainRegion = append(mainRegion, checksum...)

	// FAT: the bitmap, up-case table, and root directory are each written
	// as a contiguous cluster run, but every run is still linked through
	// the FAT chain (never the NoFatChain shortcut) so one reader code
	// path — table.ReadChain — covers every system file and every
	// directory this engine itself ever writes.
	table := NewExFATTable(l.ClusterCount)
	bitmap := NewExFATBitmap(int64(l.ClusterCount))

	clusterSize := l.ClusterSize()
	bitmapClusters := uint32(((int64(l.ClusterCount)+7)/8 + clusterSize - 1) / clusterSize)
	if bitmapClusters < 1 {
		bitmapClusters = 1
	}
	upcase := EncodeUpcaseTable()
	upcaseClusters := uint32((int64(len(upcase)) + clusterSize - 1) / clusterSize)
	if upcaseClusters < 1 {
		upcaseClusters = 1
	}

	bitmapClusterIdx := uint32(2)
	upcaseClusterIdx := bitmapClusterIdx + bitmapClusters
	rootClusterIdx := l.FirstClusterOfRoot

	linkRun := func(first uint32, n uint32) {
		for i := uint32(0); i < n; i++ {
			c := first + i
			bitmap.Set(c)
			if i == n-1 {
				table.Set(c, exfatClusterEOC)
			} else {
				table.Set(c, c+1)
			}
		}
	}
	linkRun(bitmapClusterIdx, bitmapClusters)
	linkRun(upcaseClusterIdx, upcaseClusters)
	linkRun(rootClusterIdx, 1)

	if err := writeSectors(w, int64(l.FatOffset), table.Bytes()); err != nil {
		return err
	}

	bitmapBytes := bitmap.Bytes()
	if err := writeClusterRun(w, l, bitmapClusterIdx, bitmapClusters, bitmapBytes); err != nil {
		return err
	}
	if err := writeClusterRun(w, l, upcaseClusterIdx, upcaseClusters, upcase); err != nil {
		return err
	}

	bitmapEntry := make([]byte, 32)
	bitmapEntry[0] = exfatEntryBitmap | exfatInUse
	putU32(bitmapEntry[20:], bitmapClusterIdx)
	putU64(bitmapEntry[24:], uint64(len(bitmapBytes)))

	upcaseEntry := make([]byte, 32)
	upcaseEntry[0] = exfatEntryUpcase | exfatInUse
	putU32(upcaseEntry[4:], UpcaseChecksum(upcase))
	putU32(upcaseEntry[20:], upcaseClusterIdx)
	putU64(upcaseEntry[24:], uint64(len(upcase)))

	var root []byte
	if opts.Label != "" {
		root = append(root, exfatVolumeLabelEntry(opts.Label)...)
	}
	root = append(root, bitmapEntry...)
	root = append(root, upcaseEntry...)
	rootPadded := make([]byte, l.ClusterSize())
	copy(rootPadded, root)

	if err := writeClusterData(w, l, rootClusterIdx, rootPadded); err != nil {
		return err
	}

	// Boot regions last, backup before primary: the main boot sector is
	// the reader's commit point.
	if err := writeSectors(w, 12, mainRegion); err != nil {
		return err
	}
	if err := writeSectors(w, 0, mainRegion); err != nil {
		return err
	}

	return flush(w)
}

// exfatVolumeLabelEntry builds the 0x83 volume-label directory entry: a
// character count followed by up to 11 UTF-16 units.
func exfatVolumeLabelEntry(label string) []byte {
	e := make([]byte, 32)
	e[0] = exfatEntryVolLabel
	u16 := utf16Encode(label)
	if len(u16) > 11 {
		u16 = u16[:11]
	}
	e[1] = byte(len(u16))
	for i, c := range u16 {
		binary.LittleEndian.PutUint16(e[2+i*2:], c)
	}
	return e
}

// writeClusterRun writes data across n contiguous clusters starting at
// first, zero-padding the final cluster's tail.
func writeClusterRun(w io.WriteSeeker, l *ExFATLayout, first uint32, n uint32, data []byte) error {
	off := l.ClusterToByteOffset(first)
	if _, err := w.Seek(off, io.SeekStart); err != nil {
		return err
	}
	total := int64(n) * l.ClusterSize()
	padded := data
	if int64(len(data)) < total {
		padded = make([]byte, total)
		copy(padded, data)
	}
	_, err := w.Write(padded)
	return err
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func writeClusterData(w io.WriteSeeker, l *ExFATLayout, cluster uint32, data []byte) error {
	off := l.ClusterToByteOffset(cluster)
	if _, err := w.Seek(off, io.SeekStart); err != nil {
		return err
	}
	padded := data
	if int64(len(data)) < l.ClusterSize() {
		padded = make([]byte, l.ClusterSize())
		copy(padded, data)
	}
	_, err := w.Write(padded)
	return err
}

func flush(w io.WriteSeeker) error {
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	if s, ok := w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
