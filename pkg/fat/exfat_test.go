package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

func TestExFATEntrySetRoundTrip(t *testing.T) {
	// 20 characters forces two FileName entries.
	name := "a long exfat name.db"
	raw := EncodeExFATEntrySet(name, false, 7, 12345, false)
	require.Equal(t, 4*32, len(raw), "File + Stream + 2 FileName entries")

	sets := DecodeExFATEntrySets(raw)
	require.Len(t, sets, 1)
	assert.Equal(t, name, sets[0].Name)
	assert.Equal(t, uint32(7), sets[0].FirstCluster)
	assert.Equal(t, uint64(12345), sets[0].DataLength)
	assert.False(t, sets[0].IsDir)
	assert.False(t, sets[0].NoFatChain)
}

func TestExFATEntrySetChecksumRotation(t *testing.T) {
	raw := EncodeExFATEntrySet("x", true, 3, 0, false)

	// Recompute with the documented rotation, skipping the checksum field.
	var sum uint16
	for i, b := range raw {
		if i == 2 || i == 3 {
			continue
		}
		sum = ((sum << 15) | (sum >> 1)) + uint16(b)
	}
	stored := uint16(raw[2]) | uint16(raw[3])<<8
	assert.Equal(t, sum, stored)
}

func TestUpcaseChecksum(t *testing.T) {
	table := EncodeUpcaseTable()
	assert.Equal(t, 2*65536, len(table))

	// Known-answer check: the documented rolling form, computed
	// independently of the implementation.
	var want uint32
	for _, b := range table {
		want = ((want << 31) | (want >> 1)) + uint32(b)
	}
	assert.Equal(t, want, UpcaseChecksum(table))
	assert.NotZero(t, want)

	// Small fixed vector so a change to either side of the identity
	// above still trips.
	assert.Equal(t, uint32(0x80000092), UpcaseChecksum([]byte{'a', 'b'}))
}

func TestExFATFormatAndReopen(t *testing.T) {
	_, fs := formatAndOpen(t, 256<<20, Formatter{Variant: VariantExFAT}, vfs.FormatOptions{Name: "exfat", Label: "EXVOL"})

	st, err := fs.StatFS()
	require.NoError(t, err)
	assert.Equal(t, "exfat", st.Type)
	assert.Equal(t, "EXVOL", st.Label)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries, "bitmap/upcase/label system entries stay hidden")
}

func TestExFATFileRoundTrip(t *testing.T) {
	_, fs := formatAndOpen(t, 256<<20, Formatter{Variant: VariantExFAT}, vfs.FormatOptions{Name: "exfat"})

	require.NoError(t, fs.Create("/notes.txt", 0o644))
	payload := []byte("exfat payload with some length to it")
	_, err := fs.Write("/notes.txt", 0, payload)
	require.NoError(t, err)
	require.NoError(t, fs.Flush())

	got, err := fs.Read("/notes.txt", 0, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Name)
	assert.Equal(t, int64(len(payload)), entries[0].Stat.Size)
}

func TestExFATDirectoryTree(t *testing.T) {
	_, fs := formatAndOpen(t, 256<<20, Formatter{Variant: VariantExFAT}, vfs.FormatOptions{Name: "exfat"})

	require.NoError(t, fs.Mkdir("/docs", 0o755))
	require.NoError(t, fs.Create("/docs/a.txt", 0o644))
	_, err := fs.Write("/docs/a.txt", 0, []byte("abc"))
	require.NoError(t, err)

	st, err := fs.Stat("/docs")
	require.NoError(t, err)
	assert.True(t, st.IsDir)

	assert.ErrorIs(t, fs.Rmdir("/docs"), ferr.ErrNotEmpty)
	require.NoError(t, fs.Unlink("/docs/a.txt"))
	require.NoError(t, fs.Rmdir("/docs"))
}
