package checksum

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32cKnownVector(t *testing.T) {
	// The standard CRC-32C check value.
	assert.Equal(t, uint32(0xE3069283), CRC32c(0, []byte("123456789")))
}

func TestCRC32cChaining(t *testing.T) {
	whole := CRC32c(0, []byte("hello world"))
	chained := CRC32c(CRC32c(0, []byte("hello ")), []byte("world"))
	assert.Equal(t, whole, chained)
}

func TestCRC32cSeedFromUUID(t *testing.T) {
	var uuid [16]byte
	for i := range uuid {
		uuid[i] = byte(i + 1)
	}
	assert.Equal(t, CRC32c(0, uuid[:]), CRC32cSeed(uuid))
}

func TestCRC16KnownVectors(t *testing.T) {
	// CRC-16/ARC (seed 0) and CRC-16/MODBUS (seed 0xFFFF) check values
	// for the same polynomial this table implements.
	assert.Equal(t, uint16(0xBB3D), CRC16CCITT(0, []byte("123456789")))
	assert.Equal(t, uint16(0x4B37), CRC16CCITT(CRC16CCITTInit, []byte("123456789")))
}

func TestLZNT1StoredRoundTrip(t *testing.T) {
	payload := []byte("The quick brown fox jumps over the lazy dog")
	out, err := DecompressChunk(CompressChunk(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestLZNT1StoredRoundTripFullChunk(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, lznt1ChunkSize)
	out, err := DecompressChunk(CompressChunk(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestLZNT1BackReference(t *testing.T) {
	// Hand-assembled compressed chunk: literals 'a','b','c' then a
	// back-reference (offset 3, length 3) yielding "abcabc". At output
	// position 3 the token split is 4 offset bits / 12 length bits, so
	// the token is (offset-1)<<12 | (length-3).
	src := []byte{0x05, 0x80, 0x08, 'a', 'b', 'c', 0x00, 0x20}
	out, err := DecompressChunk(src)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcabc"), out)
}

func TestLZNT1RejectsCorruptChunks(t *testing.T) {
	_, err := DecompressChunk([]byte{0x05})
	assert.Error(t, err)

	// Header claims more body than present.
	_, err = DecompressChunk([]byte{0xFF, 0x8F, 0x00})
	assert.Error(t, err)

	// Back-reference pointing before the start of output.
	_, err = DecompressChunk([]byte{0x02, 0x80, 0x01, 0x00, 0x70})
	assert.Error(t, err)
}

func TestFiletimeRoundTrip(t *testing.T) {
	times := []time.Time{
		time.Unix(0, 0).UTC(),
		time.Date(2004, 5, 12, 14, 30, 12, 500*100, time.UTC),
		time.Date(2099, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for _, tm := range times {
		assert.Equal(t, tm, FiletimeToUnix(UnixToFiletime(tm)), tm.String())
	}

	// And the inverse direction over raw tick values.
	for _, ft := range []uint64{
		windowsEpochDiffSeconds * filetimeTicksPerSecond, // unix epoch
		131384362620000000,
	} {
		assert.Equal(t, ft, UnixToFiletime(FiletimeToUnix(ft)))
	}
}

func TestDOSDateTime(t *testing.T) {
	tm := time.Date(2004, 5, 12, 14, 30, 12, 0, time.UTC)
	date, tod := DOSDateTime(tm)
	assert.Equal(t, uint16((2004-1980)<<9|5<<5|12), date)
	assert.Equal(t, uint16(14<<11|30<<5|12/2), tod)

	back := DOSDateTimeToTime(date, tod)
	assert.Equal(t, tm, back)
}

func TestDOSDateTimeClampsPre1980(t *testing.T) {
	date, _ := DOSDateTime(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 1980, 1980+int(date>>9))
}
