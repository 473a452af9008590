// Package fat creates and reads FAT16, FAT32, and exFAT volumes. Unlike
// ext4's variable per-group layout, a FAT volume has one flat geometry:
// reserved sectors, one or two FAT tables, an optional fixed root directory
// region (FAT16 only), and a cluster heap.
package fat

import "fmt"

// Variant distinguishes the on-disk family sharing this package.
type Variant int

const (
	VariantFAT16 Variant = iota
	VariantFAT32
	VariantExFAT
)

func (v Variant) String() string {
	switch v {
	case VariantFAT16:
		return "fat16"
	case VariantFAT32:
		return "fat32"
	case VariantExFAT:
		return "exfat"
	default:
		return "unknown"
	}
}

const (
	sectorSize = 512

	mediaFixed = 0xF8

	// Cluster-count boundaries a caller asking for generic "fat" is
	// routed through: <4085 is FAT12 (rejected), 4085..65524 FAT16,
	// >=65525 FAT32.
	minFAT16Clusters = 4085
	minFAT32Clusters = 65525
)

// Layout is the flat geometry shared by FAT16 and FAT32 (exFAT has its own,
// see exfat.go). All sizes are in sectors unless named otherwise.
type Layout struct {
	Variant Variant

	BytesPerSector    int64
	SectorsPerCluster int64
	ReservedSectors   int64
	NumFATs           int64
	RootEntries       int64 // FAT16 only, 0 for FAT32
	TotalSectors      int64
	SectorsPerFAT     int64
	RootCluster       int64 // FAT32 only
	FSInfoSector      int64 // FAT32 only
	BackupBootSector  int64 // FAT32 only

	VolumeSerial uint32
	Label        string
}

func (l *Layout) ClusterSize() int64 { return l.BytesPerSector * l.SectorsPerCluster }

func (l *Layout) rootDirSectors() int64 {
	if l.Variant != VariantFAT16 {
		return 0
	}
	return ((l.RootEntries*32 + l.BytesPerSector - 1) / l.BytesPerSector)
}

func (l *Layout) fatRegionSectors() int64 { return l.NumFATs * l.SectorsPerFAT }

// FirstDataSector is the sector index (from the start of the volume) where
// cluster 2 begins.
func (l *Layout) FirstDataSector() int64 {
	return l.ReservedSectors + l.fatRegionSectors() + l.rootDirSectors()
}

// RootDirSector is the first sector of the fixed-size FAT16 root directory.
// Only valid for FAT16.
func (l *Layout) RootDirSector() int64 {
	return l.ReservedSectors + l.fatRegionSectors()
}

func (l *Layout) TotalClusters() int64 {
	dataSectors := l.TotalSectors - l.FirstDataSector()
	return dataSectors / l.SectorsPerCluster
}

// ClusterToSector converts a cluster index (>=2) to its first sector.
func (l *Layout) ClusterToSector(cluster int64) int64 {
	return l.FirstDataSector() + (cluster-2)*l.SectorsPerCluster
}

// fat16SectorsPerCluster picks sectors-per-cluster for a given FAT16 volume size,
// Microsoft's recommended table (see fixed_calculation.rs).
func fat16SectorsPerCluster(totalSectors int64) (int64, error) {
	switch {
	case totalSectors <= 32_680:
		return 2, nil
	case totalSectors <= 262_144:
		return 4, nil
	case totalSectors <= 524_288:
		return 8, nil
	case totalSectors <= 1_048_576:
		return 16, nil
	case totalSectors <= 2_097_152:
		return 32, nil
	case totalSectors <= 4_194_304:
		return 64, nil
	case totalSectors <= 8_388_608:
		return 128, nil
	default:
		return 0, fmt.Errorf("fat: volume too large for FAT16 (max 4GB with 64KB clusters)")
	}
}

func fat32SectorsPerCluster(totalSectors int64) int64 {
	switch {
	case totalSectors <= 532_480:
		return 1
	case totalSectors <= 16_777_216:
		return 8
	case totalSectors <= 33_554_432:
		return 16
	case totalSectors <= 67_108_864:
		return 32
	case totalSectors <= 0xFFFFFFFF:
		return 64
	default:
		return 128
	}
}

// NewFAT16Layout runs the fixed-point sectors-per-FAT solve:
// sectors-per-FAT depends on cluster count, which depends on
// sectors-per-FAT, so iterate until the estimate stabilizes or bail out.
func NewFAT16Layout(totalSectors int64, label string, serial uint32) (*Layout, error) {
	spc, err := fat16SectorsPerCluster(totalSectors)
	if err != nil {
		return nil, err
	}

	const rootEntries = 512
	const reservedSectors = 1
	const numFATs = 2

	rootDirSectors := (rootEntries*32 + sectorSize - 1) / sectorSize

	var sectorsPerFAT int64 = 1
	for {
		fatSectors := numFATs * sectorsPerFAT
		systemSectors := reservedSectors + fatSectors + int64(rootDirSectors)
		if systemSectors >= totalSectors {
			return nil, fmt.Errorf("fat: not enough space for FAT16 structures")
		}
		dataSectors := totalSectors - systemSectors
		totalClusters := dataSectors / spc

		if totalClusters < minFAT16Clusters {
			return nil, fmt.Errorf("fat: too few clusters for FAT16: %d (minimum %d)", totalClusters, minFAT16Clusters)
		}

		requiredEntries := totalClusters + 2
		requiredBytes := requiredEntries * 2
		requiredSectors := (requiredBytes + sectorSize - 1) / sectorSize

		if sectorsPerFAT >= requiredSectors {
			if totalClusters >= minFAT32Clusters {
				return nil, fmt.Errorf("fat: too many clusters for FAT16: %d (maximum %d)", totalClusters, minFAT32Clusters-1)
			}
			return &Layout{
				Variant:           VariantFAT16,
				BytesPerSector:    sectorSize,
				SectorsPerCluster: spc,
				ReservedSectors:   reservedSectors,
				NumFATs:           numFATs,
				RootEntries:       rootEntries,
				TotalSectors:      totalSectors,
				SectorsPerFAT:     sectorsPerFAT,
				VolumeSerial:      serial,
				Label:             label,
			}, nil
		}

		sectorsPerFAT = requiredSectors
		if sectorsPerFAT > 256 {
			return nil, fmt.Errorf("fat: FAT16 size calculation failed to converge")
		}
	}
}

// NewFAT32Layout runs the same fixed-point solve for FAT32's 32-bit
// (28-bit-masked) entries and fixed reserved-sector layout (boot sector,
// FSInfo at sector 1, backup boot at sector 6, reserved sectors totalling
// 32 by convention).
func NewFAT32Layout(totalSectors int64, label string, serial uint32) (*Layout, error) {
	spc := fat32SectorsPerCluster(totalSectors)

	const reservedSectors = 32
	const numFATs = 2

	var sectorsPerFAT int64 = 1
	for {
		fatSectors := numFATs * sectorsPerFAT
		systemSectors := reservedSectors + fatSectors
		if systemSectors >= totalSectors {
			return nil, fmt.Errorf("fat: not enough space for FAT32 structures")
		}
		dataSectors := totalSectors - systemSectors
		totalClusters := dataSectors / spc

		if totalClusters < minFAT32Clusters {
			return nil, fmt.Errorf("fat: too few clusters for FAT32: %d (minimum %d)", totalClusters, minFAT32Clusters)
		}

		requiredEntries := totalClusters + 2
		requiredBytes := requiredEntries * 4
		requiredSectors := (requiredBytes + sectorSize - 1) / sectorSize

		if sectorsPerFAT >= requiredSectors {
			return &Layout{
				Variant:           VariantFAT32,
				BytesPerSector:    sectorSize,
				SectorsPerCluster: spc,
				ReservedSectors:   reservedSectors,
				NumFATs:           numFATs,
				RootEntries:       0,
				TotalSectors:      totalSectors,
				SectorsPerFAT:     sectorsPerFAT,
				RootCluster:       2,
				FSInfoSector:      1,
				BackupBootSector:  6,
				VolumeSerial:      serial,
				Label:             label,
			}, nil
		}

		sectorsPerFAT = requiredSectors
		if sectorsPerFAT > 0x00FFFFFF {
			return nil, fmt.Errorf("fat: FAT32 size calculation failed to converge")
		}
	}
}

// ChooseVariant applies the cluster-count-based variant selection when a
// caller asks for "fat" without specifying a version.
func ChooseVariant(totalSectors int64) (Variant, error) {
	fat16, err := NewFAT16Layout(totalSectors, "", 0)
	if err == nil && fat16.TotalClusters() >= minFAT16Clusters && fat16.TotalClusters() < minFAT32Clusters {
		return VariantFAT16, nil
	}
	fat32, err := NewFAT32Layout(totalSectors, "", 0)
	if err == nil && fat32.TotalClusters() >= minFAT32Clusters {
		return VariantFAT32, nil
	}
	return VariantFAT16, fmt.Errorf("fat: volume too small for FAT12/16/32 (FAT12 is unsupported)")
}
