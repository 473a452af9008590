package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding/charmap"
)

const (
	dirEntrySize = 32

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	AttrDir      = 0x10
	attrArchive  = 0x20
	attrLFN      = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	entryFree    = 0xE5
	entryEndMark = 0x00

	lfnLastFlag = 0x40
	lfnMaxChars = 13
)

// Dirent83 is a decoded classic 8.3 directory entry.
type Dirent83 struct {
	Name         string // long name if an LFN set preceded this entry, else the 8.3 name
	ShortName    string
	Attr         uint8
	FirstCluster int64
	Size         int64
	CreateTime   uint16
	CreateDate   uint16
	ModTime      uint16
	ModDate      uint16
}

func (d Dirent83) IsDir() bool { return d.Attr&AttrDir != 0 }

// shortNameChecksum implements the standard 8.3 LFN checksum algorithm:
// a rotate-right-by-one plus add over the 11-byte padded short name.
func shortNameChecksum(sfn [11]byte) byte {
	var sum byte
	for i := 0; i < 11; i++ {
		sum = (sum >> 1) + (sum << 7) + sfn[i]
	}
	return sum
}

// buildShortName upper-cases and pads a base/ext pair into the fixed
// 8.3 on-disk form. Callers are expected to have already resolved name
// collisions (numbered tail, e.g. "HELLO~1.TXT") before calling this.
func buildShortName(base, ext string) [11]byte {
	var sfn [11]byte
	for i := range sfn {
		sfn[i] = ' '
	}
	base = strings.ToUpper(base)
	ext = strings.ToUpper(ext)
	copy(sfn[0:8], base)
	copy(sfn[8:11], ext)
	return sfn
}

// Split83 splits a long name into its base/ext halves the way a short-name
// generator would, truncating to 8/3 characters. It does not deduplicate
// against existing siblings; callers needing a guaranteed-unique 8.3 name
// append a "~N" numbered tail themselves
// before calling buildShortName.
func Split83(name string) (base, ext string) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		base = name
	} else {
		base, ext = name[:dot], name[dot+1:]
	}
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	return base, ext
}

// NeedsLFN reports whether name requires a long-filename entry set (i.e.
// it isn't representable as an 8.3 name). The comparison ignores case, so
// a lower-case 8.3-shaped name gets no LFN and is stored upper-cased.
func NeedsLFN(name string) bool {
	base, ext := Split83(name)
	if strings.ContainsRune(base, '.') {
		return true
	}
	rebuilt := base
	if ext != "" {
		rebuilt += "." + ext
	}
	if !strings.EqualFold(rebuilt, name) {
		return true
	}
	for _, r := range name {
		if r > 0x7E || r < 0x20 {
			return true
		}
	}
	return strings.ContainsAny(name, " +,;=[]")
}

// EncodeEntrySet builds the on-disk bytes for one file/directory: an LFN
// sequence (if needed) followed by the 8.3 entry, in the reverse-order
// layout FAT directories use (LFN parts stored highest-sequence-first).
func EncodeEntrySet(name, shortBase, shortExt string, attr uint8, firstCluster, size int64, modTime, modDate uint16) ([]byte, error) {
	sfn := buildShortName(shortBase, shortExt)
	sum := shortNameChecksum(sfn)

	var out []byte
	if NeedsLFN(name) {
		u16 := utf16.Encode([]rune(name))
		u16 = append(u16, 0) // NUL terminator counts as a char slot
		n := (len(u16) + lfnMaxChars - 1) / lfnMaxChars

		for seq := n; seq >= 1; seq-- {
			entry := make([]byte, dirEntrySize)
			ord := byte(seq)
			if seq == n {
				ord |= lfnLastFlag
			}
			entry[0] = ord
			entry[11] = attrLFN
			entry[13] = sum

			start := (seq - 1) * lfnMaxChars
			chunk := make([]uint16, lfnMaxChars)
			for i := range chunk {
				chunk[i] = 0xFFFF
			}
			for i := 0; i < lfnMaxChars && start+i < len(u16); i++ {
				chunk[i] = u16[start+i]
			}
			putLFNChars(entry, chunk)
			out = append(out, entry...)
		}
	}

	short := make([]byte, dirEntrySize)
	copy(short[0:11], sfn[:])
	short[11] = attr
	binary.LittleEndian.PutUint16(short[14:], modTime)
	binary.LittleEndian.PutUint16(short[16:], modDate)
	binary.LittleEndian.PutUint16(short[20:], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(short[22:], modTime)
	binary.LittleEndian.PutUint16(short[24:], modDate)
	binary.LittleEndian.PutUint16(short[26:], uint16(firstCluster))
	binary.LittleEndian.PutUint32(short[28:], uint32(size))
	out = append(out, short...)

	return out, nil
}

var lfnOffsets = [...]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

func putLFNChars(entry []byte, chunk []uint16) {
	for i, off := range lfnOffsets {
		binary.LittleEndian.PutUint16(entry[off:], chunk[i])
	}
}

func getLFNChars(entry []byte) []uint16 {
	chunk := make([]uint16, lfnMaxChars)
	for i, off := range lfnOffsets {
		chunk[i] = binary.LittleEndian.Uint16(entry[off:])
	}
	return chunk
}

// DecodeDirectory parses a contiguous run of 32-byte directory entries
// (one FAT16 root region, or the concatenation of a directory's cluster
// chain), folding LFN sequences into their owning 8.3 entry.
func DecodeDirectory(buf []byte) ([]Dirent83, error) {
	if len(buf)%dirEntrySize != 0 {
		return nil, fmt.Errorf("fat: directory buffer not a multiple of %d bytes", dirEntrySize)
	}

	var out []Dirent83
	var lfnParts [][]uint16
	var lfnChecksum byte
	var haveLFN bool

	n := len(buf) / dirEntrySize
	for i := 0; i < n; i++ {
		e := buf[i*dirEntrySize : (i+1)*dirEntrySize]
		if e[0] == entryEndMark {
			break
		}
		if e[0] == entryFree {
			lfnParts = nil
			haveLFN = false
			continue
		}
		attr := e[11]
		if attr == attrLFN {
			ord := e[0] &^ lfnLastFlag
			sum := e[13]
			if e[0]&lfnLastFlag != 0 {
				lfnParts = make([][]uint16, ord)
				lfnChecksum = sum
				haveLFN = true
			}
			if haveLFN && int(ord) >= 1 && int(ord) <= len(lfnParts) {
				lfnParts[ord-1] = getLFNChars(e)
			}
			continue
		}
		if attr&attrVolumeID != 0 {
			lfnParts = nil
			haveLFN = false
			continue
		}

		var sfn [11]byte
		copy(sfn[:], e[0:11])
		sum := shortNameChecksum(sfn)

		longName := ""
		if haveLFN && sum == lfnChecksum {
			longName = decodeLFNParts(lfnParts)
		}
		lfnParts = nil
		haveLFN = false

		shortName := decodeShortName(sfn)
		name := shortName
		if longName != "" {
			name = longName
		}

		clusterHi := binary.LittleEndian.Uint16(e[20:])
		clusterLo := binary.LittleEndian.Uint16(e[26:])
		size := binary.LittleEndian.Uint32(e[28:])

		out = append(out, Dirent83{
			Name:         name,
			ShortName:    shortName,
			Attr:         attr,
			FirstCluster: int64(clusterHi)<<16 | int64(clusterLo),
			Size:         int64(size),
			CreateTime:   binary.LittleEndian.Uint16(e[14:]),
			CreateDate:   binary.LittleEndian.Uint16(e[16:]),
			ModTime:      binary.LittleEndian.Uint16(e[22:]),
			ModDate:      binary.LittleEndian.Uint16(e[24:]),
		})
	}
	return out, nil
}

func decodeLFNParts(parts [][]uint16) string {
	var u16 []uint16
	for _, p := range parts {
		if p == nil {
			return ""
		}
		u16 = append(u16, p...)
	}
	for i, c := range u16 {
		if c == 0 || c == 0xFFFF {
			u16 = u16[:i]
			break
		}
	}
	return string(utf16.Decode(u16))
}

// decodeShortName renders an 11-byte 8.3 name using the CP437 OEM
// codepage, falling back to the raw bytes for anything codepage 437
// doesn't map.
func decodeShortName(sfn [11]byte) string {
	dec := charmap.CodePage437.NewDecoder()
	base := strings.TrimRight(string(sfn[0:8]), " ")
	ext := strings.TrimRight(string(sfn[8:11]), " ")
	if out, err := dec.String(base); err == nil {
		base = out
	}
	if out, err := dec.String(ext); err == nil {
		ext = out
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}
