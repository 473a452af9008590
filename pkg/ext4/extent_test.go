package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInlineExtentRoundTrip(t *testing.T) {
	runs := []Run{
		{Logical: 0, Physical: 100, Length: 4},
		{Logical: 4, Physical: 200, Length: 2},
	}
	block, err := EncodeInlineExtents(runs)
	assert.NoError(t, err)

	got, err := DecodeInlineExtents(block)
	assert.NoError(t, err)
	assert.Equal(t, runs, got)
}

func TestInlineExtentOverflow(t *testing.T) {
	var runs []Run
	for i := 0; i < 5; i++ {
		runs = append(runs, Run{Logical: int64(i), Physical: int64(i * 10), Length: 1})
	}
	_, err := EncodeInlineExtents(runs)
	assert.Error(t, err)
}

func TestClassicDirectRoundTrip(t *testing.T) {
	addrs := []int64{10, 11, 12, 20}
	block, err := EncodeClassicDirect(addrs)
	assert.NoError(t, err)
	assert.Equal(t, addrs, DecodeClassicDirect(block))
}
