package ntfs

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/diskforge/diskforge/pkg/ferr"
)

// IndexEntry is one directory index entry: a child's MFT reference plus
// its $FILE_NAME attribute value (the index key is the name, collated
// case-insensitively via upcaseFold).
type IndexEntry struct {
	FileRef  uint64
	FileName FileNameAttr
}

const indexRootHeaderSize = 16
const indexEntryFixedSize = 16 // FileRef(8) + Length(2) + KeyLength(2) + Flags(2) + pad(2)

// upcaseFold folds directory index keys with strings.ToUpper, so
// "File.txt" and "FILE.TXT" collate identically. The volume's $UpCase
// table is not consulted; the table Format writes maps only ASCII a-z,
// so the two agree for ASCII names.
func upcaseFold(s string) string {
	return strings.ToUpper(s)
}

// EncodeIndexRoot serializes a resident $INDEX_ROOT value: the small
// fixed header plus a sorted, flat entry list terminated by the
// last-entry marker, mirroring how pkg/ext4 encodes its own flat inline
// extent arrays.
func EncodeIndexRoot(entries []IndexEntry) []byte {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return upcaseFold(sorted[i].FileName.Name) < upcaseFold(sorted[j].FileName.Name)
	})

	var buf bytes.Buffer

	// INDEX_ROOT header: indexed attr type, collation rule, index record
	// size, clusters per record.
	writeU32 := func(v uint32) {
		var tmp [4]byte
		tmp[0] = byte(v)
		tmp[1] = byte(v >> 8)
		tmp[2] = byte(v >> 16)
		tmp[3] = byte(v >> 24)
		buf.Write(tmp[:])
	}
	writeU32(AttrFileName)
	writeU32(1) // COLLATION_FILE_NAME
	writeU32(uint32(clusterSize))
	buf.WriteByte(1)
	buf.Write(make([]byte, 3))

	headerStart := buf.Len()
	// index-node header: offset-to-first-entry, total-size, alloc-size, flags
	buf.Write(make([]byte, 16))

	entriesStart := buf.Len() - headerStart
	for _, e := range sorted {
		encodeIndexEntry(&buf, e, false)
	}
	encodeIndexEntry(&buf, IndexEntry{}, true) // last-entry marker, no key

	out := buf.Bytes()
	totalSize := uint32(len(out) - headerStart)
	putU32Slice(out[headerStart:], uint32(entriesStart))
	putU32Slice(out[headerStart+4:], totalSize)
	putU32Slice(out[headerStart+8:], totalSize)
	return out
}

func putU32Slice(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32Slice(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

const indexEntryFlagLast = 0x0002

func encodeIndexEntry(buf *bytes.Buffer, e IndexEntry, last bool) {
	var fileRef [8]byte
	if !last {
		for i := 0; i < 8; i++ {
			fileRef[i] = byte(e.FileRef >> (8 * i))
		}
	}
	buf.Write(fileRef[:])

	var key []byte
	if !last {
		key = EncodeFileName(&e.FileName)
	}
	keyLen := len(key)
	entryLen := indexEntryFixedSize + keyLen
	entryLen = (entryLen + 7) &^ 7

	var lenBuf [4]byte
	lenBuf[0] = byte(entryLen)
	lenBuf[1] = byte(entryLen >> 8)
	lenBuf[2] = byte(keyLen)
	lenBuf[3] = byte(keyLen >> 8)
	buf.Write(lenBuf[:])

	var flags [2]byte
	if last {
		flags[0] = indexEntryFlagLast
	}
	buf.Write(flags[:])
	buf.Write(make([]byte, 2)) // padding

	buf.Write(key)
	pad := entryLen - (indexEntryFixedSize + keyLen)
	if pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

// DecodeIndexRoot parses a resident $INDEX_ROOT value produced by
// EncodeIndexRoot (or any compatible small-directory index).
func DecodeIndexRoot(buf []byte) ([]IndexEntry, error) {
	if len(buf) < indexRootHeaderSize+16 {
		return nil, fmt.Errorf("ntfs: short INDEX_ROOT: %w", ferr.ErrStructureInvalid)
	}
	headerStart := indexRootHeaderSize
	entriesOffset := getU32Slice(buf[headerStart:])
	totalSize := getU32Slice(buf[headerStart+4:])

	start := headerStart + int(entriesOffset)
	end := headerStart + int(totalSize)
	if end > len(buf) || start > end {
		return nil, fmt.Errorf("ntfs: INDEX_ROOT entry region overflows: %w", ferr.ErrStructureInvalid)
	}

	var entries []IndexEntry
	off := start
	for off+indexEntryFixedSize <= end {
		entryLen := int(buf[off+8]) | int(buf[off+9])<<8
		keyLen := int(buf[off+10]) | int(buf[off+11])<<8
		flags := int(buf[off+12]) | int(buf[off+13])<<8
		if entryLen == 0 {
			break
		}
		if flags&indexEntryFlagLast != 0 {
			break
		}
		var fileRef uint64
		for i := 0; i < 8; i++ {
			fileRef |= uint64(buf[off+i]) << (8 * i)
		}
		if off+indexEntryFixedSize+keyLen > end {
			return nil, fmt.Errorf("ntfs: INDEX entry key overflows: %w", ferr.ErrStructureInvalid)
		}
		fn, err := DecodeFileName(buf[off+indexEntryFixedSize : off+indexEntryFixedSize+keyLen])
		if err != nil {
			return nil, err
		}
		entries = append(entries, IndexEntry{FileRef: fileRef, FileName: *fn})
		off += entryLen
	}
	return entries, nil
}

// InsertIndexEntry returns a new sorted entry slice with e inserted via
// binary search on the upcase-folded name, replacing any existing entry
// with the same name (a rename-in-place case).
func InsertIndexEntry(entries []IndexEntry, e IndexEntry) []IndexEntry {
	key := upcaseFold(e.FileName.Name)
	i := sort.Search(len(entries), func(i int) bool {
		return upcaseFold(entries[i].FileName.Name) >= key
	})
	if i < len(entries) && upcaseFold(entries[i].FileName.Name) == key {
		out := make([]IndexEntry, len(entries))
		copy(out, entries)
		out[i] = e
		return out
	}
	out := make([]IndexEntry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, e)
	out = append(out, entries[i:]...)
	return out
}

// RemoveIndexEntry returns entries with the entry named name removed, and
// whether an entry was actually found and removed.
func RemoveIndexEntry(entries []IndexEntry, name string) ([]IndexEntry, bool) {
	key := upcaseFold(name)
	for i, e := range entries {
		if upcaseFold(e.FileName.Name) == key {
			out := make([]IndexEntry, 0, len(entries)-1)
			out = append(out, entries[:i]...)
			out = append(out, entries[i+1:]...)
			return out, true
		}
	}
	return entries, false
}

// FindIndexEntry looks up name case-insensitively.
func FindIndexEntry(entries []IndexEntry, name string) (IndexEntry, bool) {
	key := upcaseFold(name)
	i := sort.Search(len(entries), func(i int) bool {
		return upcaseFold(entries[i].FileName.Name) >= key
	})
	if i < len(entries) && upcaseFold(entries[i].FileName.Name) == key {
		return entries[i], true
	}
	return IndexEntry{}, false
}
