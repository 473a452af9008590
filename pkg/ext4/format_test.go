package ext4

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/vfs"
)

func TestFreeBlocksStayBelowVolumeSize(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})
	fs := fsys.(*FS)

	var free, metadata int64
	for g := int64(0); g < fs.l.TotalGroups(); g++ {
		free += fs.summaries[g].FreeBlocks
		metadata += fs.l.GroupOverheadBlocks(g)
	}
	assert.Less(t, free, fs.l.TotalBlocks, "the 16 EB regression: free must never exceed the volume")
	assert.LessOrEqual(t, free, fs.l.TotalBlocks-metadata)
}

func TestPrimaryGDTMatchesLayout(t *testing.T) {
	backend, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})
	fs := fsys.(*FS)
	l := fs.l

	raw := make([]byte, l.DescriptorSize())
	_, err := backend.ReadAt(raw, l.GDTStartBlock(0)*l.BlockSize)
	require.NoError(t, err)

	blockBitmap := int64(binary.LittleEndian.Uint32(raw[0:]))
	inodeBitmap := int64(binary.LittleEndian.Uint32(raw[4:]))
	inodeTable := int64(binary.LittleEndian.Uint32(raw[8:]))
	assert.Equal(t, l.BlockBitmapBlock(0), blockBitmap)
	assert.Equal(t, l.InodeBitmapBlock(0), inodeBitmap)
	assert.Equal(t, l.InodeTableStartBlock(0), inodeTable)
}

func TestGroupDescriptorChecksumCoversUUIDAndGroup(t *testing.T) {
	var uuid [16]byte
	uuid[0] = 0xAB
	l := NewLayout(256*1024*1024, RevExt4, 4096, uuid, "")

	s := GroupSummary{FreeBlocks: 100, FreeInodes: 50, UsedDirs: 2}
	d0 := EncodeGroupDescriptor(l, 0, s)
	d1 := EncodeGroupDescriptor(l, 1, s)

	sum0 := uint16(d0[30]) | uint16(d0[31])<<8
	sum1 := uint16(d1[30]) | uint16(d1[31])<<8
	assert.NotZero(t, sum0)
	assert.NotEqual(t, sum0, sum1, "group number participates in the checksum")
}

func TestTamperedSuperblockFailsOpen(t *testing.T) {
	backend, _ := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})

	// Flip a byte inside the label region; the stored CRC32c no longer
	// verifies and Init must refuse the handle.
	var b [1]byte
	_, err := backend.ReadAt(b[:], 1024+0x78)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = backend.WriteAt(b[:], 1024+0x78)
	require.NoError(t, err)

	fs := &FS{}
	err = fs.Init(&device.Device{Path: "test.img", Size: 256 * 1024 * 1024}, backend)
	assert.Error(t, err)
}

func TestJournalInodePresent(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})
	fs := fsys.(*FS)

	in, err := fs.readInode(JournalInode)
	require.NoError(t, err)
	assert.NotZero(t, in.Size, "journal inode carries a sized log")

	runs, err := fs.inodeRuns(in)
	require.NoError(t, err)
	require.NotEmpty(t, runs)

	// The first journal block is the JBD2 superblock; JBD2 fields are
	// big-endian on disk, unlike the rest of the filesystem.
	blk, err := fs.ReadBlock(runs[0].Physical)
	require.NoError(t, err)
	assert.Equal(t, uint32(JBD2Magic), binary.BigEndian.Uint32(blk[0:]))
}

func TestJournalDisabledForExt2(t *testing.T) {
	backend := newMemBackend(256 * 1024 * 1024)
	d := &device.Device{Path: "test.img", Size: 256 * 1024 * 1024}
	f := Formatter{Revision: RevExt2}
	require.NoError(t, f.Format(d, &memWriteSeeker{backend: backend}, vfs.FormatOptions{Name: "ext2"}))

	fsys, err := f.Open(d, backend)
	require.NoError(t, err)
	fs := fsys.(*FS)
	assert.False(t, fs.l.HasJournal)

	in, err := fs.readInode(JournalInode)
	require.NoError(t, err)
	assert.Zero(t, in.Size)
}

func TestRenameAndTruncate(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})

	require.NoError(t, fsys.Create("/a.txt", 0644))
	_, err := fsys.Write("/a.txt", 0, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, fsys.Rename("/a.txt", "/b.txt"))
	_, err = fsys.Stat("/a.txt")
	assert.Error(t, err)

	require.NoError(t, fsys.Truncate("/b.txt", 4))
	st, err := fsys.Stat("/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Size)

	got, err := fsys.Read("/b.txt", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(got))
}

func TestReadPastEOFYieldsEmptyTail(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})

	require.NoError(t, fsys.Create("/f.txt", 0644))
	_, err := fsys.Write("/f.txt", 0, []byte("abc"))
	require.NoError(t, err)

	got, err := fsys.Read("/f.txt", 100, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLabelTooLongRejectedBeforeAnyWrite(t *testing.T) {
	backend := newMemBackend(64 * 1024 * 1024)
	d := &device.Device{Path: "test.img", Size: 64 * 1024 * 1024}
	err := Formatter{Revision: RevExt4}.Format(d, &memWriteSeeker{backend: backend}, vfs.FormatOptions{Name: "ext4", Label: "THIS-LABEL-IS-FAR-TOO-LONG"})
	require.Error(t, err)

	for _, b := range backend.data[:4096] {
		require.Zero(t, b, "validation failures must leave the device untouched")
	}
}
