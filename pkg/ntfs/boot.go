// Package ntfs formats and reads NTFS volumes: boot sector, Master File
// Table, attribute chains, data runs, the directory B+Tree index, and the
// $LogFile restart/LSN machinery. Organized the way pkg/ext4 splits its
// own on-disk model across files, one concern per file.
package ntfs

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

const (
	bootSignature = 0xAA55

	// clusterSize is fixed at 4KiB. Real NTFS scales cluster size with
	// volume size (512B..64KB); this engine always uses 4KiB, the
	// default for any volume above a few hundred MB, to keep the MFT
	// record/cluster arithmetic (4 records/cluster at the fixed 1024B
	// record size) simple. See DESIGN.md.
	clusterSize = 4096

	// mftRecordSize is fixed at 1024 bytes (boot sector byte value -10,
	// i.e. 1<<10), the size every mainstream NTFS volume uses.
	mftRecordSize = 1024

	// mftStartCluster is where $MFT's own data begins, by Windows
	// formatting convention.
	mftStartCluster = 4

	// mftInitialClusters is how many clusters $MFT's initial (and, in
	// this engine, only) data run covers: 16KiB = 16 records of 1024B,
	// exactly the 16 reserved system records.
	mftInitialClusters = 4

	recordsPerCluster = clusterSize / mftRecordSize
)

// BootSector is the decoded $Boot sector (and its identical backup at the
// last sector of the volume).
type BootSector struct {
	BytesPerSector       uint16
	SectorsPerCluster    uint8
	TotalSectors         uint64
	MFTStartCluster      uint64
	MFTMirrStartCluster  uint64
	ClustersPerMFTRecord int8
	ClustersPerIndexRec  int8
	VolumeSerial         uint64
}

func (b *BootSector) ClusterSize() int64 { return int64(b.BytesPerSector) * int64(b.SectorsPerCluster) }

// MFTRecordSize resolves the signed clusters-per-record byte: positive
// counts whole clusters, negative encodes 1<<-n bytes.
func (b *BootSector) MFTRecordSize() int64 {
	if b.ClustersPerMFTRecord >= 0 {
		return int64(b.ClustersPerMFTRecord) * b.ClusterSize()
	}
	return 1 << uint(-b.ClustersPerMFTRecord)
}

func (b *BootSector) IndexRecordSize() int64 {
	if b.ClustersPerIndexRec >= 0 {
		return int64(b.ClustersPerIndexRec) * b.ClusterSize()
	}
	return 1 << uint(-b.ClustersPerIndexRec)
}

func randomSerial64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// NewBootSector computes the fixed-shape geometry for a volume of
// totalBytes, choosing the volume serial from crypto/rand — NTFS serials
// are bare 64-bit integers, not UUIDs.
func NewBootSector(totalBytes int64) (*BootSector, error) {
	const bytesPerSector = 512
	totalSectors := totalBytes / bytesPerSector
	totalClusters := totalBytes / clusterSize
	if totalClusters < mftStartCluster+mftInitialClusters+64 {
		return nil, fmt.Errorf("ntfs: volume too small: %w", ferr.ErrDeviceTooSmall)
	}

	serial, err := randomSerial64()
	if err != nil {
		return nil, fmt.Errorf("ntfs: generating volume serial: %w", err)
	}

	return &BootSector{
		BytesPerSector:       bytesPerSector,
		SectorsPerCluster:    uint8(clusterSize / bytesPerSector),
		TotalSectors:         uint64(totalSectors),
		MFTStartCluster:      mftStartCluster,
		MFTMirrStartCluster:  uint64(totalClusters / 2),
		ClustersPerMFTRecord: -10, // 1024 bytes
		ClustersPerIndexRec:  -12, // 4096 bytes
		VolumeSerial:         serial,
	}, nil
}

// EncodeBootSector serializes b into the standard 512-byte $Boot layout.
func EncodeBootSector(b *BootSector) []byte {
	buf := make([]byte, 512)
	buf[0], buf[1], buf[2] = 0xEB, 0x52, 0x90
	copy(buf[3:11], []byte("NTFS    "))
	binary.LittleEndian.PutUint16(buf[11:], b.BytesPerSector)
	buf[13] = b.SectorsPerCluster
	buf[21] = 0xF8 // media descriptor: fixed disk
	binary.LittleEndian.PutUint64(buf[40:], b.TotalSectors)
	binary.LittleEndian.PutUint64(buf[48:], b.MFTStartCluster)
	binary.LittleEndian.PutUint64(buf[56:], b.MFTMirrStartCluster)
	buf[64] = byte(b.ClustersPerMFTRecord)
	buf[68] = byte(b.ClustersPerIndexRec)
	binary.LittleEndian.PutUint64(buf[72:], b.VolumeSerial)
	for i := 84; i < 510; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint16(buf[510:], bootSignature)
	return buf
}

// DecodeBootSector parses a $Boot sector read back from an already
// formatted volume.
func DecodeBootSector(buf []byte) (*BootSector, error) {
	if len(buf) < 512 {
		return nil, fmt.Errorf("ntfs: short boot sector: %w", ferr.ErrStructureInvalid)
	}
	if string(buf[3:11]) != "NTFS    " {
		return nil, fmt.Errorf("ntfs: bad OEM id: %w", &ferr.StructureInvalid{Structure: "BootSector", Field: "OEMID"})
	}
	if binary.LittleEndian.Uint16(buf[510:]) != bootSignature {
		return nil, fmt.Errorf("ntfs: bad boot signature: %w", &ferr.StructureInvalid{Structure: "BootSector", Field: "Signature"})
	}
	return &BootSector{
		BytesPerSector:       binary.LittleEndian.Uint16(buf[11:]),
		SectorsPerCluster:    buf[13],
		TotalSectors:         binary.LittleEndian.Uint64(buf[40:]),
		MFTStartCluster:      binary.LittleEndian.Uint64(buf[48:]),
		MFTMirrStartCluster:  binary.LittleEndian.Uint64(buf[56:]),
		ClustersPerMFTRecord: int8(buf[64]),
		ClustersPerIndexRec:  int8(buf[68]),
		VolumeSerial:         binary.LittleEndian.Uint64(buf[72:]),
	}, nil
}
