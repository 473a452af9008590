package fat

import (
	"encoding/binary"
	"fmt"
)

const bootSignatureOffset = 510

var bootSignature = [2]byte{0x55, 0xAA}

// Offsets shared by the FAT16/FAT32 BPB, per the Microsoft FAT
// specification.
const (
	offJmpBoot    = 0
	offOEMName    = 3
	offBytesPerSec = 11
	offSecPerClus = 13
	offRsvdSecCnt = 14
	offNumFATs    = 16
	offRootEntCnt = 17
	offTotSec16   = 19
	offMedia      = 21
	offFATSz16    = 22
	offSecPerTrk  = 24
	offNumHeads   = 26
	offHiddSec    = 28
	offTotSec32   = 32

	// FAT16 extended BPB
	off16DrvNum     = 36
	off16Reserved1  = 37
	off16BootSig    = 38
	off16VolID      = 39
	off16VolLab     = 43
	off16FilSysType = 54

	// FAT32 extended BPB
	off32FATSz32    = 36
	off32ExtFlags   = 40
	off32FSVer      = 42
	off32RootClus   = 44
	off32FSInfo     = 48
	off32BkBootSec  = 50
	off32DrvNum     = 64
	off32Reserved1  = 65
	off32BootSig    = 66
	off32VolID      = 67
	off32VolLab     = 71
	off32FilSysType = 82
)

func padName(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// EncodeBootSector builds the 512-byte boot sector for l's variant. Caller
// supplies the volume label already uppercased/truncated as needed.
func EncodeBootSector(l *Layout) ([]byte, error) {
	buf := make([]byte, sectorSize)

	buf[offJmpBoot] = 0xEB
	if l.Variant == VariantFAT32 {
		buf[offJmpBoot+1] = 0x58
	} else {
		buf[offJmpBoot+1] = 0x3C
	}
	buf[offJmpBoot+2] = 0x90
	copy(buf[offOEMName:], padName("MSWIN4.1", 8))

	binary.LittleEndian.PutUint16(buf[offBytesPerSec:], uint16(l.BytesPerSector))
	buf[offSecPerClus] = byte(l.SectorsPerCluster)
	binary.LittleEndian.PutUint16(buf[offRsvdSecCnt:], uint16(l.ReservedSectors))
	buf[offNumFATs] = byte(l.NumFATs)
	binary.LittleEndian.PutUint16(buf[offRootEntCnt:], uint16(l.RootEntries))

	if l.TotalSectors < 65536 {
		binary.LittleEndian.PutUint16(buf[offTotSec16:], uint16(l.TotalSectors))
	} else {
		binary.LittleEndian.PutUint32(buf[offTotSec32:], uint32(l.TotalSectors))
	}

	buf[offMedia] = mediaFixed
	binary.LittleEndian.PutUint16(buf[offSecPerTrk:], 63)
	binary.LittleEndian.PutUint16(buf[offNumHeads:], 255)
	binary.LittleEndian.PutUint32(buf[offHiddSec:], 0)

	switch l.Variant {
	case VariantFAT16:
		binary.LittleEndian.PutUint16(buf[offFATSz16:], uint16(l.SectorsPerFAT))
		buf[off16DrvNum] = 0x80
		buf[off16BootSig] = 0x29
		binary.LittleEndian.PutUint32(buf[off16VolID:], l.VolumeSerial)
		copy(buf[off16VolLab:], padName(l.Label, 11))
		copy(buf[off16FilSysType:], padName("FAT16", 8))
	case VariantFAT32:
		binary.LittleEndian.PutUint16(buf[offFATSz16:], 0)
		binary.LittleEndian.PutUint32(buf[off32FATSz32:], uint32(l.SectorsPerFAT))
		binary.LittleEndian.PutUint16(buf[off32ExtFlags:], 0)
		binary.LittleEndian.PutUint16(buf[off32FSVer:], 0)
		binary.LittleEndian.PutUint32(buf[off32RootClus:], uint32(l.RootCluster))
		binary.LittleEndian.PutUint16(buf[off32FSInfo:], uint16(l.FSInfoSector))
		binary.LittleEndian.PutUint16(buf[off32BkBootSec:], uint16(l.BackupBootSector))
		buf[off32DrvNum] = 0x80
		buf[off32BootSig] = 0x29
		binary.LittleEndian.PutUint32(buf[off32VolID:], l.VolumeSerial)
		copy(buf[off32VolLab:], padName(l.Label, 11))
		copy(buf[off32FilSysType:], padName("FAT32", 8))
	default:
		return nil, fmt.Errorf("fat: EncodeBootSector called for non-FAT16/32 variant")
	}

	copy(buf[bootSignatureOffset:], bootSignature[:])
	return buf, nil
}

// DecodeBootSector parses a 512-byte FAT16/FAT32 boot sector back into a
// Layout, distinguishing the two by the conventional test: root_ent_cnt==0
// and fat_sz16==0 means FAT32.
func DecodeBootSector(buf []byte) (*Layout, error) {
	if len(buf) < sectorSize {
		return nil, fmt.Errorf("fat: boot sector short read (%d bytes)", len(buf))
	}
	if buf[bootSignatureOffset] != bootSignature[0] || buf[bootSignatureOffset+1] != bootSignature[1] {
		return nil, fmt.Errorf("fat: bad boot sector signature")
	}

	l := &Layout{
		BytesPerSector:    int64(binary.LittleEndian.Uint16(buf[offBytesPerSec:])),
		SectorsPerCluster: int64(buf[offSecPerClus]),
		ReservedSectors:   int64(binary.LittleEndian.Uint16(buf[offRsvdSecCnt:])),
		NumFATs:           int64(buf[offNumFATs]),
		RootEntries:       int64(binary.LittleEndian.Uint16(buf[offRootEntCnt:])),
	}

	tot16 := binary.LittleEndian.Uint16(buf[offTotSec16:])
	if tot16 != 0 {
		l.TotalSectors = int64(tot16)
	} else {
		l.TotalSectors = int64(binary.LittleEndian.Uint32(buf[offTotSec32:]))
	}

	fatSz16 := binary.LittleEndian.Uint16(buf[offFATSz16:])
	if l.RootEntries == 0 && fatSz16 == 0 {
		l.Variant = VariantFAT32
		l.SectorsPerFAT = int64(binary.LittleEndian.Uint32(buf[off32FATSz32:]))
		l.RootCluster = int64(binary.LittleEndian.Uint32(buf[off32RootClus:]))
		l.FSInfoSector = int64(binary.LittleEndian.Uint16(buf[off32FSInfo:]))
		l.BackupBootSector = int64(binary.LittleEndian.Uint16(buf[off32BkBootSec:]))
		l.VolumeSerial = binary.LittleEndian.Uint32(buf[off32VolID:])
		l.Label = trimPadded(buf[off32VolLab : off32VolLab+11])
	} else {
		l.Variant = VariantFAT16
		l.SectorsPerFAT = int64(fatSz16)
		l.VolumeSerial = binary.LittleEndian.Uint32(buf[off16VolID:])
		l.Label = trimPadded(buf[off16VolLab : off16VolLab+11])
	}

	return l, nil
}

func trimPadded(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return string(b[:end])
}

// EncodeFSInfo builds the FAT32 FSInfo sector (sector 1) carrying the
// free-cluster-count and next-free-cluster hints.
func EncodeFSInfo(freeClusters, nextFree int64) []byte {
	buf := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(buf[0:], 0x41615252)   // lead signature
	binary.LittleEndian.PutUint32(buf[484:], 0x61417272)  // struct signature
	binary.LittleEndian.PutUint32(buf[488:], uint32(freeClusters))
	binary.LittleEndian.PutUint32(buf[492:], uint32(nextFree))
	binary.LittleEndian.PutUint32(buf[508:], 0xAA550000) // trail signature
	return buf
}
