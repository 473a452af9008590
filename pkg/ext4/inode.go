package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

const (
	InodeTypeFIFO      = 0x1000
	InodeTypeCharDev   = 0x2000
	InodeTypeDirectory = 0x4000
	InodeTypeBlockDev  = 0x6000
	InodeTypeRegular   = 0x8000
	InodeTypeSymlink   = 0xA000
	InodeTypeSocket    = 0xC000
	InodeTypeMask      = 0xF000
	InodePermMask      = 0777

	Ext4IndexFL   = 0x00001000
	Ext4ExtentsFL = 0x00080000

	InodeMaxInlineBytes = 60
)

// InodeCore is the fixed 128-byte prefix common to every revision; ext3/4
// (InodeSize 256) appends InodeExtra.
type InodeCore struct {
	Mode             uint16
	UID              uint16
	SizeLo           uint32
	ATime            uint32
	CTime            uint32
	MTime            uint32
	DTime            uint32
	GID              uint16
	LinksCount       uint16
	BlocksLo         uint32
	Flags            uint32
	_                uint32 // osd1
	Block            [60]byte
	Generation       uint32
	FileACL          uint32
	SizeHi           uint32
	FragAddr         uint32
	_                [12]byte // osd2
}

// InodeExtra is appended when InodeSize > 128 (ext3/ext4).
type InodeExtra struct {
	ExtraIsize   uint16
	ChecksumHi   uint16
	CTimeExtra   uint32
	MTimeExtra   uint32
	ATimeExtra   uint32
	CRTime       uint32
	CRTimeExtra  uint32
	VersionHi    uint32
	ChecksumLo   uint16
	_            uint16
}

// Inode is the decoded in-memory form used by the reader and by
// incremental allocation during Create/Write/Mkdir.
type Inode struct {
	Mode       uint16
	UID        uint16
	GID        uint16
	Size       int64
	ATime      uint32
	CTime      uint32
	MTime      uint32
	LinksCount uint16
	Flags      uint32
	Block      [60]byte
}

func (i *Inode) IsDir() bool     { return i.Mode&InodeTypeMask == InodeTypeDirectory }
func (i *Inode) IsRegular() bool { return i.Mode&InodeTypeMask == InodeTypeRegular }
func (i *Inode) IsSymlink() bool { return i.Mode&InodeTypeMask == InodeTypeSymlink }

// EncodeInode serializes i into a buffer exactly l.InodeSize bytes long.
func EncodeInode(l *Layout, i *Inode) []byte {
	core := InodeCore{
		Mode:       i.Mode,
		UID:        i.UID,
		SizeLo:     uint32(i.Size),
		ATime:      i.ATime,
		CTime:      i.CTime,
		MTime:      i.MTime,
		GID:        i.GID,
		LinksCount: i.LinksCount,
		BlocksLo:   uint32((i.Size + l.BlockSize - 1) / l.BlockSize * (l.BlockSize / SectorSize)),
		Flags:      i.Flags,
		Block:      i.Block,
		SizeHi:     uint32(i.Size >> 32),
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &core); err != nil {
		panic(err)
	}
	if l.InodeSize > 128 {
		extra := InodeExtra{ExtraIsize: 32}
		if err := binary.Write(buf, binary.LittleEndian, &extra); err != nil {
			panic(err)
		}
		pad := l.InodeSize - 128 - 32
		if pad > 0 {
			buf.Write(make([]byte, pad))
		}
	}
	out := buf.Bytes()
	if int64(len(out)) < l.InodeSize {
		out = append(out, make([]byte, l.InodeSize-int64(len(out)))...)
	}
	return out[:l.InodeSize]
}

// DecodeInode parses one inode-sized buffer.
func DecodeInode(buf []byte) (*Inode, error) {
	if len(buf) < 128 {
		return nil, fmt.Errorf("inode buffer too short: %w", ferr.ErrStructureInvalid)
	}
	var core InodeCore
	if err := binary.Read(bytes.NewReader(buf[:128]), binary.LittleEndian, &core); err != nil {
		return nil, err
	}
	return &Inode{
		Mode:       core.Mode,
		UID:        core.UID,
		GID:        core.GID,
		Size:       int64(core.SizeLo) | int64(core.SizeHi)<<32,
		ATime:      core.ATime,
		CTime:      core.CTime,
		MTime:      core.MTime,
		LinksCount: core.LinksCount,
		Flags:      core.Flags,
		Block:      core.Block,
	}, nil
}
