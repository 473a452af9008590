package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

// File-type byte stored in a directory entry.
const (
	FTypeUnknown     = 0x0
	FTypeRegularFile = 0x1
	FTypeDir         = 0x2
	FTypeSymlink     = 0x7
)

// direntHeader is the fixed 8-byte prefix of a variable-length directory
// entry; the name bytes and 4-byte-aligned padding follow.
type direntHeader struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

// Dirent is the decoded form of one directory entry.
type Dirent struct {
	Inode    uint32
	FileType uint8
	Name     string
}

func direntMinLen(name string) int64 {
	return 8 + align(int64(len(name)), 4)
}

// EncodeDirBlock packs entries into exactly one block-sized buffer,
// growing the final entry's RecLen to consume the remainder of the block
// (the classic ext "last entry eats the slack" convention).
func EncodeDirBlock(blockSize int64, entries []Dirent) ([]byte, error) {
	buf := new(bytes.Buffer)
	used := int64(0)
	for i, e := range entries {
		recLen := direntMinLen(e.Name)
		if i == len(entries)-1 {
			recLen = blockSize - used
		}
		if used+recLen > blockSize {
			return nil, fmt.Errorf("directory block overflow: %w", ferr.ErrOutOfSpace)
		}
		hdr := direntHeader{
			Inode:    e.Inode,
			RecLen:   uint16(recLen),
			NameLen:  uint8(len(e.Name)),
			FileType: e.FileType,
		}
		if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		buf.WriteString(e.Name)
		pad := recLen - 8 - int64(len(e.Name))
		for k := int64(0); k < pad; k++ {
			buf.WriteByte(0)
		}
		used += recLen
	}
	out := buf.Bytes()
	if int64(len(out)) < blockSize {
		pad := make([]byte, blockSize-int64(len(out)))
		out = append(out, pad...)
	}
	return out, nil
}

// DecodeDirBlock parses every non-deleted (Inode != 0) entry out of one
// block-sized buffer.
func DecodeDirBlock(block []byte) ([]Dirent, error) {
	var out []Dirent
	pos := 0
	for pos+8 <= len(block) {
		var hdr direntHeader
		if err := binary.Read(bytes.NewReader(block[pos:pos+8]), binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		if hdr.RecLen < 8 {
			break
		}
		if hdr.Inode != 0 {
			end := pos + 8 + int(hdr.NameLen)
			if end > len(block) {
				return nil, &ferr.StructureInvalid{Structure: "Dirent", Field: "NameLen"}
			}
			out = append(out, Dirent{
				Inode:    hdr.Inode,
				FileType: hdr.FileType,
				Name:     string(block[pos+8 : end]),
			})
		}
		pos += int(hdr.RecLen)
	}
	return out, nil
}

// NewRootDirBlock builds the first (and, for small directories, only)
// data block of a directory, seeded with "." and "..".
func NewRootDirBlock(blockSize int64, selfIno, parentIno uint32, children []Dirent) ([]byte, error) {
	entries := []Dirent{
		{Inode: selfIno, FileType: FTypeDir, Name: "."},
		{Inode: parentIno, FileType: FTypeDir, Name: ".."},
	}
	entries = append(entries, children...)
	return EncodeDirBlock(blockSize, entries)
}
