package ntfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataRunRoundTrip(t *testing.T) {
	cases := [][]Run{
		{{LCN: 4, Length: 4}},
		{{LCN: 4, Length: 4}, {LCN: 100, Length: 1}},
		{{LCN: 1000, Length: 16}, {LCN: 500, Length: 8}}, // negative delta
		{{LCN: 4, Length: 4}, {Sparse: true, Length: 32}, {LCN: 8, Length: 2}},
		{{LCN: 0x7FFFFFFF, Length: 0x10000}},
		{{LCN: 1, Length: 1}, {LCN: 2, Length: 1}, {LCN: 3, Length: 1}},
	}
	for _, runs := range cases {
		decoded, err := DecodeDataRuns(EncodeDataRuns(runs))
		require.NoError(t, err)
		assert.Equal(t, runs, decoded)
	}
}

func TestDecodeDataRunsRejectsTruncation(t *testing.T) {
	encoded := EncodeDataRuns([]Run{{LCN: 4, Length: 4}})

	_, err := DecodeDataRuns(encoded[:len(encoded)-2])
	assert.Error(t, err)

	// Missing terminator entirely.
	_, err = DecodeDataRuns([]byte{0x11, 0x04, 0x04})
	assert.Error(t, err)
}

func TestSparseRunOmitsOffset(t *testing.T) {
	encoded := EncodeDataRuns([]Run{{Sparse: true, Length: 8}})
	// header byte: offset size 0, length size 1.
	assert.Equal(t, byte(0x01), encoded[0])
	assert.Equal(t, byte(8), encoded[1])
	assert.Equal(t, byte(0), encoded[2])
}

func TestMergeAdjacentRuns(t *testing.T) {
	merged := mergeAdjacentRuns([]Run{
		{LCN: 10, Length: 4},
		{LCN: 14, Length: 2},
		{LCN: 20, Length: 1},
		{Sparse: true, Length: 3},
		{Sparse: true, Length: 2},
	})
	assert.Equal(t, []Run{
		{LCN: 10, Length: 6},
		{LCN: 20, Length: 1},
		{Sparse: true, Length: 3},
		{Sparse: true, Length: 2},
	}, merged)
}

func TestSplitRunsAt(t *testing.T) {
	runs := []Run{{LCN: 10, Length: 4}, {LCN: 20, Length: 4}}

	kept, dropped := splitRunsAt(runs, 6)
	assert.Equal(t, []Run{{LCN: 10, Length: 4}, {LCN: 20, Length: 2}}, kept)
	assert.Equal(t, []Run{{LCN: 22, Length: 2}}, dropped)

	kept, dropped = splitRunsAt(runs, 0)
	assert.Empty(t, kept)
	assert.Equal(t, runs, dropped)

	kept, dropped = splitRunsAt(runs, 8)
	assert.Equal(t, runs, kept)
	assert.Empty(t, dropped)
}
