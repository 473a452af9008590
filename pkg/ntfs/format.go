package ntfs

import (
	"fmt"
	"io"
	"time"

	"github.com/diskforge/diskforge/pkg/checksum"
	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/elog"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

// Formatter implements vfs.Formatter for NTFS.
type Formatter struct{}

const sectorSize = 512

// Format writes a complete, minimal NTFS volume: boot sector and its
// backup, $MFT with its 16 reserved records, $MFTMirr covering the first
// four of them, the root directory, $Bitmap, $UpCase, $LogFile's pair of
// restart areas, and a handful of near-empty stub records occupying the
// remaining reserved slots. Payload is written first and the boot
// sector (the commit point) last.
func (Formatter) Format(d *device.Device, w io.WriteSeeker, opts vfs.FormatOptions) error {
	log := opts.Logger
	if log == nil {
		log = &elog.CLI{}
	}

	boot, err := NewBootSector(d.Size)
	if err != nil {
		return err
	}
	if opts.Cancel.Cancelled() {
		return fmt.Errorf("format cancelled: %w", ferr.ErrInvalidArgument)
	}

	log.Infof("formatting NTFS: %d bytes, %d bytes/cluster, %d-byte MFT records", d.Size, boot.ClusterSize(), boot.MFTRecordSize())

	milestone := func() {
		if opts.Progress != nil {
			opts.Progress.Increment(1)
		}
	}

	mftBytes := make([]byte, mftInitialClusters*clusterSize)
	recordSize := int(boot.MFTRecordSize())

	now := checksum.UnixToFiletime(formatTimeNow())

	putRecord := func(n int, buf []byte) {
		copy(mftBytes[n*recordSize:(n+1)*recordSize], buf)
	}

	mftDataRuns := []Run{{LCN: int64(boot.MFTStartCluster), Length: mftInitialClusters}}
	mftAttrs := buildSystemAttrs("$MFT", now, 0, mftInitialClusters*clusterSize, mftDataRuns, true)
	rec, err := EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: mftFlagInUse, NextAttrID: uint16(len(mftAttrs.ids))}, recordSize, sectorSize, mftAttrs.buf)
	if err != nil {
		return err
	}
	putRecord(RecordMFT, rec)

	mftMirrRuns := []Run{{LCN: int64(boot.MFTMirrStartCluster), Length: 1}}
	mftMirrAttrs := buildSystemAttrs("$MFTMirr", now, 0, clusterSize, mftMirrRuns, true)
	rec, err = EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: mftFlagInUse, NextAttrID: uint16(len(mftMirrAttrs.ids))}, recordSize, sectorSize, mftMirrAttrs.buf)
	if err != nil {
		return err
	}
	putRecord(RecordMFTMirr, rec)

	logFileClusters := uint64(8) // 32KiB: two 4KiB restart pages plus working log space
	logFileCluster := boot.MFTStartCluster + mftInitialClusters
	logRuns := []Run{{LCN: int64(logFileCluster), Length: logFileClusters}}
	logAttrs := buildSystemAttrs("$LogFile", now, 0, logFileClusters*uint64(boot.ClusterSize()), logRuns, true)
	rec, err = EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: mftFlagInUse, NextAttrID: uint16(len(logAttrs.ids))}, recordSize, sectorSize, logAttrs.buf)
	if err != nil {
		return err
	}
	putRecord(RecordLogFile, rec)

	volAttrs := buildNameAttrs("$Volume", RecordMFT, now)
	if opts.Label != "" {
		volAttrs.buf = append(volAttrs.buf, EncodeResident(AttrVolumeName, "", utf16Encode(opts.Label), volAttrs.nextID)...)
		volAttrs.nextID++
	}
	volAttrs = buildSimpleRecordAttrs(volAttrs)
	rec, err = EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: mftFlagInUse, NextAttrID: volAttrs.nextID}, recordSize, sectorSize, volAttrs.buf)
	if err != nil {
		return err
	}
	putRecord(RecordVolume, rec)

	// $AttrDef, $Bitmap, $Boot, $BadClus, $Secure, $UpCase, $Extend all get
	// minimal stub records occupying their reserved slot; only $Bitmap and
	// $UpCase carry real, exercised data ($Bitmap backs free-space
	// accounting, $UpCase backs index collation).
	bitmapTotalClusters := uint64(d.Size / boot.ClusterSize())
	bitmapBytes := (bitmapTotalClusters + 7) / 8
	bitmapClusterCount := (bitmapBytes + uint64(boot.ClusterSize()) - 1) / uint64(boot.ClusterSize())
	bitmapStartCluster := logFileCluster + logFileClusters
	bitmapRuns := []Run{{LCN: int64(bitmapStartCluster), Length: bitmapClusterCount}}
	bitmapAttrs := buildSystemAttrs("$Bitmap", now, 0, bitmapClusterCount*uint64(boot.ClusterSize()), bitmapRuns, true)
	rec, err = EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: mftFlagInUse, NextAttrID: uint16(len(bitmapAttrs.ids))}, recordSize, sectorSize, bitmapAttrs.buf)
	if err != nil {
		return err
	}
	putRecord(RecordBitmap, rec)

	upcaseTable := buildUpcaseTable()
	upcaseStartCluster := bitmapStartCluster + bitmapClusterCount
	upcaseClusterCount := (uint64(len(upcaseTable)) + uint64(boot.ClusterSize()) - 1) / uint64(boot.ClusterSize())
	upcaseRuns := []Run{{LCN: int64(upcaseStartCluster), Length: upcaseClusterCount}}
	upcaseAttrs := buildSystemAttrs("$UpCase", now, 0, uint64(len(upcaseTable)), upcaseRuns, true)
	rec, err = EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: mftFlagInUse, NextAttrID: uint16(len(upcaseAttrs.ids))}, recordSize, sectorSize, upcaseAttrs.buf)
	if err != nil {
		return err
	}
	putRecord(RecordUpCase, rec)

	for _, stub := range []struct {
		num  int
		name string
	}{
		{RecordAttrDef, "$AttrDef"},
		{RecordBoot, "$Boot"},
		{RecordBadClus, "$BadClus"},
		{RecordSecure, "$Secure"},
		{RecordExtend, "$Extend"},
	} {
		attrs := buildSimpleRecordAttrs(buildNameAttrs(stub.name, RecordMFT, now))
		rec, err = EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: mftFlagInUse, NextAttrID: attrs.nextID}, recordSize, sectorSize, attrs.buf)
		if err != nil {
			return err
		}
		putRecord(stub.num, rec)
	}

	// Root directory (#5): resident $INDEX_ROOT, empty.
	rootSI := EncodeResident(AttrStandardInformation, "", EncodeStandardInformation(&StandardInformation{CreationTime: now, ModifiedTime: now, MFTChangedTime: now, AccessTime: now, FileAttributes: 0x10}), 0)
	rootFN := EncodeResident(AttrFileName, "", EncodeFileName(&FileNameAttr{ParentRef: MFTReference(RecordRoot, 1), CreationTime: now, ModifiedTime: now, MFTChangedTime: now, AccessTime: now, FileAttributes: 0x10, Name: "."}), 1)
	rootIR := EncodeResident(AttrIndexRoot, "$I30", EncodeIndexRoot(nil), 2)
	rootBuf := append(append(append([]byte{}, rootSI...), rootFN...), rootIR...)
	rootBuf = append(rootBuf, encodeEndMarker()...)
	rec, err = EncodeRecordHeader(&RecordHeader{SequenceNumber: 1, LinkCount: 1, Flags: mftFlagInUse | mftFlagDirectory, NextAttrID: 3}, recordSize, sectorSize, rootBuf)
	if err != nil {
		return err
	}
	putRecord(RecordRoot, rec)

	// Remaining reserved records (12-15) stay zeroed/unused.

	if err := writeAt(w, int64(boot.MFTStartCluster)*boot.ClusterSize(), mftBytes); err != nil {
		return err
	}
	milestone()

	mftMirrBytes := make([]byte, clusterSize)
	copy(mftMirrBytes, mftBytes[0:4*recordSize])
	if err := writeAt(w, int64(boot.MFTMirrStartCluster)*boot.ClusterSize(), mftMirrBytes); err != nil {
		return err
	}

	restart1 := EncodeRestartArea(&RestartArea{CurrentLSN: 0, SequenceNumber: 1, LogPageSize: logPageSize})
	restart2 := EncodeRestartArea(&RestartArea{CurrentLSN: 0, SequenceNumber: 1, LogPageSize: logPageSize})
	logFileBuf := make([]byte, logFileClusters*uint64(boot.ClusterSize()))
	copy(logFileBuf[0:logPageSize], restart1)
	copy(logFileBuf[logPageSize:2*logPageSize], restart2)
	if err := writeAt(w, int64(logFileCluster)*boot.ClusterSize(), logFileBuf); err != nil {
		return err
	}
	milestone()

	bitmap := make([]byte, bitmapClusterCount*uint64(boot.ClusterSize()))
	markUsed := func(cluster uint64) {
		bitmap[cluster/8] |= 1 << (cluster % 8)
	}
	lastUsedCluster := upcaseStartCluster + upcaseClusterCount
	for c := uint64(0); c < lastUsedCluster; c++ {
		markUsed(c)
	}
	markUsed(boot.MFTMirrStartCluster)
	if bitmapTotalClusters > 0 {
		markUsed(bitmapTotalClusters - 1) // backup boot sector lives in the last cluster
	}
	if err := writeAt(w, int64(bitmapStartCluster)*boot.ClusterSize(), bitmap); err != nil {
		return err
	}

	if err := writeAt(w, int64(upcaseStartCluster)*boot.ClusterSize(), upcaseTable); err != nil {
		return err
	}
	milestone()

	// Backup boot sector first; the primary at LBA 0 is the commit point.
	bootBytes := EncodeBootSector(boot)
	if err := writeAt(w, (d.Size/sectorSize-1)*sectorSize, bootBytes); err != nil {
		return err
	}
	if err := writeAt(w, 0, bootBytes); err != nil {
		return err
	}
	milestone()

	if opts.Progress != nil {
		opts.Progress.Finish(true)
	}
	if f, ok := w.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}

func (Formatter) Open(d *device.Device, backend device.Backend) (vfs.Filesystem, error) {
	fs := &FS{}
	if err := fs.Init(d, backend); err != nil {
		return nil, err
	}
	return fs, nil
}

func writeAt(w io.WriteSeeker, off int64, data []byte) error {
	if _, err := w.Seek(off, io.SeekStart); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// formatTimeNow supplies the timestamp stamped into new records. It
// always returns the wall-clock time, so the timestamps differ from one
// run to the next.
func formatTimeNow() time.Time { return time.Now() }

type systemAttrs struct {
	buf    []byte
	ids    []uint16
	nextID uint16
}

// buildSystemAttrs builds the STANDARD_INFORMATION + FILE_NAME +
// (resident or non-resident) DATA attribute chain for one of the fixed
// system files, terminated by the end marker.
func buildSystemAttrs(name string, filetime uint64, instanceBase uint16, dataSize uint64, runs []Run, nonResident bool) systemAttrs {
	si := EncodeResident(AttrStandardInformation, "", EncodeStandardInformation(&StandardInformation{CreationTime: filetime, ModifiedTime: filetime, MFTChangedTime: filetime, AccessTime: filetime, FileAttributes: 0x20}), instanceBase)
	fn := EncodeResident(AttrFileName, "", EncodeFileName(&FileNameAttr{ParentRef: MFTReference(RecordRoot, 1), CreationTime: filetime, ModifiedTime: filetime, MFTChangedTime: filetime, AccessTime: filetime, FileAttributes: 0x20, Name: name}), instanceBase+1)

	var data []byte
	if nonResident {
		data = EncodeNonResident(AttrData, "", 0, TotalClusters(runs)-1, runs, dataSize, dataSize, instanceBase+2)
	} else {
		data = EncodeResident(AttrData, "", make([]byte, dataSize), instanceBase+2)
	}

	buf := append(append(append([]byte{}, si...), fn...), data...)
	buf = append(buf, encodeEndMarker()...)
	return systemAttrs{buf: buf, ids: []uint16{instanceBase, instanceBase + 1, instanceBase + 2}, nextID: instanceBase + 3}
}

func buildNameAttrs(name string, parent int, filetime uint64) systemAttrs {
	si := EncodeResident(AttrStandardInformation, "", EncodeStandardInformation(&StandardInformation{CreationTime: filetime, ModifiedTime: filetime, MFTChangedTime: filetime, AccessTime: filetime, FileAttributes: 0x20}), 0)
	fn := EncodeResident(AttrFileName, "", EncodeFileName(&FileNameAttr{ParentRef: MFTReference(uint32(parent), 1), CreationTime: filetime, ModifiedTime: filetime, MFTChangedTime: filetime, AccessTime: filetime, FileAttributes: 0x20, Name: name}), 1)
	buf := append(append([]byte{}, si...), fn...)
	return systemAttrs{buf: buf, ids: []uint16{0, 1}, nextID: 2}
}

func buildSimpleRecordAttrs(named systemAttrs) systemAttrs {
	named.buf = append(named.buf, encodeEndMarker()...)
	return named
}

func encodeEndMarker() []byte {
	buf := make([]byte, 8)
	buf[0], buf[1], buf[2], buf[3] = 0xFF, 0xFF, 0xFF, 0xFF
	return buf
}

func buildUpcaseTable() []byte {
	table := make([]uint16, 65536)
	for i := range table {
		table[i] = uint16(i)
	}
	// ASCII a-z -> A-Z, enough for this engine's own case-insensitive
	// lookups; full Unicode case folding belongs to golang.org/x/text, not
	// to a table this package hand-maintains.
	for c := uint16('a'); c <= uint16('z'); c++ {
		table[c] = c - ('a' - 'A')
	}
	buf := make([]byte, len(table)*2)
	for i, v := range table {
		buf[2*i] = byte(v)
		buf[2*i+1] = byte(v >> 8)
	}
	return buf
}
