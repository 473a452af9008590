package ntfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestartAreaRoundTrip(t *testing.T) {
	r := &RestartArea{CurrentLSN: 0x123456789A, SequenceNumber: 7, LogPageSize: logPageSize}
	decoded, err := DecodeRestartArea(EncodeRestartArea(r))
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestChooseActiveRestartArea(t *testing.T) {
	a := &RestartArea{CurrentLSN: 100}
	b := &RestartArea{CurrentLSN: 200}
	assert.Same(t, b, ChooseActiveRestartArea(a, b))
	assert.Same(t, b, ChooseActiveRestartArea(b, a))
	assert.Same(t, a, ChooseActiveRestartArea(a, nil))
}

func TestLSNAllocatorAdvancesInEightByteUnits(t *testing.T) {
	a := NewLSNAllocator(0, 1, 1<<20)
	first := a.Reserve(64)
	second := a.Reserve(64)
	assert.Equal(t, uint64(0), first)
	assert.Equal(t, uint64(8), second, "64 bytes is 8 log units")

	// Unaligned sizes round up.
	third := a.Reserve(9)
	assert.Equal(t, uint64(16), third)
	fourth := a.Reserve(8)
	assert.Equal(t, uint64(18), fourth)
}

func TestLSNAllocatorWrapsSequence(t *testing.T) {
	size := uint64(1024) // 128 units
	a := NewLSNAllocator(0, 1, size)
	for i := 0; i < 127; i++ {
		a.Reserve(8)
	}
	lsn := a.Reserve(16) // crosses the end
	assert.Equal(t, uint64(127), lsn)
	next := a.Reserve(8)
	assert.Less(t, next, lsn, "allocation wrapped to the start of the log")
	assert.Equal(t, uint32(2), a.sequenceNumber)
}

func TestNeedsCheckpoint(t *testing.T) {
	a := NewLSNAllocator(0, 1, 1024) // 128 units
	for i := 0; i < 100; i++ {
		a.Reserve(8)
	}
	assert.True(t, a.NeedsCheckpoint(0, 0.75, 1<<30), "100/128 units used is past a 75% fill threshold")
	assert.False(t, a.NeedsCheckpoint(90, 0.75, 1<<30), "only 10 units outstanding after a checkpoint at 90")
	assert.True(t, a.NeedsCheckpoint(0, 1.0, 50), "oldest transaction is 100 units old, past the 50-unit bound")
}
