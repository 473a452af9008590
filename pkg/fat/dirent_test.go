package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortNameRoundTrip(t *testing.T) {
	cases := []struct{ in, want string }{
		{"readme.txt", "README.TXT"},
		{"a.b", "A.B"},
		{"noext", "NOEXT"},
		{"UPPER.TXT", "UPPER.TXT"},
		{"eightchr.ext", "EIGHTCHR.EXT"},
	}
	for _, c := range cases {
		base, ext := Split83(c.in)
		got := decodeShortName(buildShortName(base, ext))
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestNeedsLFN(t *testing.T) {
	assert.False(t, NeedsLFN("README.TXT"))
	assert.True(t, NeedsLFN("MixedCase.txt"))
	assert.True(t, NeedsLFN("name with spaces.txt"))
	assert.True(t, NeedsLFN("waytoolongbasename.txt"))
	assert.True(t, NeedsLFN("two.dots.txt"))
}

// The LFN checksum reduction: sum = ((sum>>1)|(sum<<7)) + byte over all
// 11 short-name bytes.
func TestShortNameChecksumFormula(t *testing.T) {
	sfn := buildShortName("README", "TXT")

	var want byte
	for _, b := range sfn {
		want = ((want >> 1) | (want << 7)) + b
	}
	assert.Equal(t, want, shortNameChecksum(sfn))
}

func TestEncodeEntrySetBindsLFNToShortEntry(t *testing.T) {
	name := "Long Name Example.txt"
	base, ext := Split83(name)
	raw, err := EncodeEntrySet(name, base, ext, attrArchive, 5, 100, 0, 0)
	require.NoError(t, err)
	require.Zero(t, len(raw)%dirEntrySize)

	ents, err := DecodeDirectory(raw)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, name, ents[0].Name)
	assert.Equal(t, int64(5), ents[0].FirstCluster)
	assert.Equal(t, int64(100), ents[0].Size)

	// Corrupting an LFN entry's checksum byte unbinds the long name and
	// the reader falls back to the 8.3 rendering.
	raw[13] ^= 0xFF
	ents, err = DecodeDirectory(raw)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.NotEqual(t, name, ents[0].Name)
}

func TestDecodeDirectorySkipsFreeAndLabelEntries(t *testing.T) {
	label := volumeLabelEntry("MYVOL")
	freed := make([]byte, dirEntrySize)
	freed[0] = entryFree

	base, ext := Split83("FILE.TXT")
	fileEnt, err := EncodeEntrySet("FILE.TXT", base, ext, attrArchive, 3, 10, 0, 0)
	require.NoError(t, err)

	buf := append(append(append([]byte{}, label...), freed...), fileEnt...)
	ents, err := DecodeDirectory(buf)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "FILE.TXT", ents[0].Name)
}
