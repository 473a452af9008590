package ntfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileName(name string) FileNameAttr {
	return FileNameAttr{ParentRef: MFTReference(RecordRoot, 1), Name: name}
}

func TestIndexRootRoundTrip(t *testing.T) {
	entries := []IndexEntry{
		{FileRef: MFTReference(16, 1), FileName: fileName("zebra.txt")},
		{FileRef: MFTReference(17, 1), FileName: fileName("apple.txt")},
		{FileRef: MFTReference(18, 1), FileName: fileName("Mango.TXT")},
	}
	decoded, err := DecodeIndexRoot(EncodeIndexRoot(entries))
	require.NoError(t, err)
	require.Len(t, decoded, 3)

	// Entries come back collated case-insensitively.
	assert.Equal(t, "apple.txt", decoded[0].FileName.Name)
	assert.Equal(t, "Mango.TXT", decoded[1].FileName.Name)
	assert.Equal(t, "zebra.txt", decoded[2].FileName.Name)
	assert.Equal(t, MFTReference(17, 1), decoded[0].FileRef)
}

func TestEmptyIndexRoot(t *testing.T) {
	decoded, err := DecodeIndexRoot(EncodeIndexRoot(nil))
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestInsertMaintainsOrderAndReplaces(t *testing.T) {
	var entries []IndexEntry
	for _, n := range []string{"m", "a", "z", "c"} {
		entries = InsertIndexEntry(entries, IndexEntry{FileName: fileName(n)})
	}
	names := func() []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.FileName.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a", "c", "m", "z"}, names())

	// Same name (case-insensitive) replaces instead of duplicating.
	entries = InsertIndexEntry(entries, IndexEntry{FileRef: 99, FileName: fileName("C")})
	assert.Len(t, entries, 4)
	e, ok := FindIndexEntry(entries, "c")
	require.True(t, ok)
	assert.Equal(t, uint64(99), e.FileRef)
}

func TestRemoveIndexEntry(t *testing.T) {
	entries := []IndexEntry{
		{FileName: fileName("a")},
		{FileName: fileName("b")},
	}
	entries, found := RemoveIndexEntry(entries, "B")
	assert.True(t, found)
	assert.Len(t, entries, 1)

	_, found = RemoveIndexEntry(entries, "missing")
	assert.False(t, found)
}
