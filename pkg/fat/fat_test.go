package fat

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/ferr"
	"github.com/diskforge/diskforge/pkg/vfs"
)

type memBackend struct {
	mu   sync.Mutex
	data []byte
}

func newMemBackend(size int64) *memBackend {
	return &memBackend{data: make([]byte, size)}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}

func (m *memBackend) Sync() error { return nil }

type memWriteSeeker struct {
	backend *memBackend
	pos     int64
}

func (w *memWriteSeeker) Write(p []byte) (int, error) {
	n, err := w.backend.WriteAt(p, w.pos)
	w.pos += int64(n)
	return n, err
}

func (w *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		w.pos = offset
	case io.SeekCurrent:
		w.pos += offset
	default:
		return 0, assert.AnError
	}
	return w.pos, nil
}

func formatAndOpen(t *testing.T, size int64, f Formatter, opts vfs.FormatOptions) (*memBackend, vfs.Filesystem) {
	t.Helper()
	backend := newMemBackend(size)
	d := &device.Device{Path: "test.img", Size: size}
	require.NoError(t, f.Format(d, &memWriteSeeker{backend: backend}, opts))

	fs, err := f.Open(d, backend)
	require.NoError(t, err)
	return backend, fs
}

// The end-to-end scenario: format a 128 MB image as FAT16 with a label,
// reopen, and check statfs.
func TestFormatFAT16AndReopen(t *testing.T) {
	_, fs := formatAndOpen(t, 128<<20, Formatter{Variant: VariantFAT16}, vfs.FormatOptions{Name: "fat16", Label: "TESTFAT16"})

	st, err := fs.StatFS()
	require.NoError(t, err)
	assert.Equal(t, "fat16", st.Type)
	assert.Equal(t, "TESTFAT16", st.Label)
	assert.Equal(t, int64(128<<20), st.Total)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries, "volume-label entry must stay hidden from listings")
}

func TestFormatFAT32AndReopen(t *testing.T) {
	_, fs := formatAndOpen(t, 1<<30, Formatter{Variant: VariantFAT32}, vfs.FormatOptions{Name: "fat32", Label: "BIGVOL"})

	st, err := fs.StatFS()
	require.NoError(t, err)
	assert.Equal(t, "fat32", st.Type)
	assert.Equal(t, "BIGVOL", st.Label)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAutoSelectVariant(t *testing.T) {
	v, err := ChooseVariant((128 << 20) / sectorSize)
	require.NoError(t, err)
	assert.Equal(t, VariantFAT16, v)

	v, err = ChooseVariant((4 << 30) / sectorSize)
	require.NoError(t, err)
	assert.Equal(t, VariantFAT32, v)

	_, err = ChooseVariant((1 << 20) / sectorSize) // 1MB: FAT12 territory
	assert.Error(t, err)
}

func TestLayoutClusterCountsStayLegal(t *testing.T) {
	sizes := []int64{64 << 20, 128 << 20, 512 << 20, 2 << 30}
	for _, size := range sizes {
		l, err := NewFAT16Layout(size/sectorSize, "", 0)
		if err != nil {
			continue // size out of FAT16 range, covered by FAT32 below
		}
		n := l.TotalClusters()
		assert.GreaterOrEqual(t, n, int64(minFAT16Clusters), "size %d", size)
		assert.Less(t, n, int64(minFAT32Clusters), "size %d", size)

		// The solved FAT must actually hold every entry.
		assert.GreaterOrEqual(t, l.SectorsPerFAT*sectorSize, (n+2)*2, "size %d", size)
	}

	for _, size := range []int64{1 << 30, 8 << 30, 32 << 30} {
		l, err := NewFAT32Layout(size/sectorSize, "", 0)
		require.NoError(t, err)
		n := l.TotalClusters()
		assert.GreaterOrEqual(t, n, int64(minFAT32Clusters), "size %d", size)
		assert.GreaterOrEqual(t, l.SectorsPerFAT*sectorSize, (n+2)*4, "size %d", size)
	}
}

func TestFileRoundTrip(t *testing.T) {
	_, fs := formatAndOpen(t, 128<<20, Formatter{Variant: VariantFAT16}, vfs.FormatOptions{Name: "fat16"})

	require.NoError(t, fs.Create("/hello.txt", 0o644))
	payload := []byte("some file content that spans a little")
	n, err := fs.Write("/hello.txt", 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, fs.Flush())

	got, err := fs.Read("/hello.txt", 0, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	st, err := fs.Stat("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), st.Size)
	assert.True(t, st.IsFile)
}

func TestWriteAllocatesFIFOChain(t *testing.T) {
	_, fsi := formatAndOpen(t, 128<<20, Formatter{Variant: VariantFAT16}, vfs.FormatOptions{Name: "fat16"})
	fs := fsi.(*FS)

	clusterSize := fs.l.ClusterSize()
	payload := bytes.Repeat([]byte{9}, int(3*clusterSize+1))
	require.NoError(t, fs.Create("/big.bin", 0o644))
	_, err := fs.Write("/big.bin", 0, payload)
	require.NoError(t, err)

	ent, _, err := fs.resolve("/big.bin")
	require.NoError(t, err)
	chain, err := fs.table.ReadChain(ent.FirstCluster)
	require.NoError(t, err)
	assert.Len(t, chain, 4, "ceil(N/cluster_size) clusters")
	for i := 1; i < len(chain); i++ {
		assert.Greater(t, chain[i], chain[i-1], "linear allocation links in FIFO order")
	}
}

func TestLongFileNames(t *testing.T) {
	_, fs := formatAndOpen(t, 128<<20, Formatter{Variant: VariantFAT16}, vfs.FormatOptions{Name: "fat16"})

	name := "/A Rather Long File Name With Spaces.markdown"
	require.NoError(t, fs.Create(name, 0o644))
	_, err := fs.Write(name, 0, []byte("x"))
	require.NoError(t, err)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A Rather Long File Name With Spaces.markdown", entries[0].Name)

	st, err := fs.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Size)
}

func TestMkdirRmdirSemantics(t *testing.T) {
	_, fs := formatAndOpen(t, 128<<20, Formatter{Variant: VariantFAT16}, vfs.FormatOptions{Name: "fat16"})

	require.NoError(t, fs.Mkdir("/sub", 0o755))
	require.NoError(t, fs.Create("/sub/inner.txt", 0o644))

	err := fs.Rmdir("/sub")
	assert.ErrorIs(t, err, ferr.ErrNotEmpty)

	require.NoError(t, fs.Unlink("/sub/inner.txt"))
	require.NoError(t, fs.Rmdir("/sub"))
	_, err = fs.Stat("/sub")
	assert.Error(t, err)
}

func TestRename(t *testing.T) {
	_, fs := formatAndOpen(t, 128<<20, Formatter{Variant: VariantFAT16}, vfs.FormatOptions{Name: "fat16"})

	require.NoError(t, fs.Create("/old.txt", 0o644))
	_, err := fs.Write("/old.txt", 0, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, fs.Rename("/old.txt", "/new.txt"))
	_, err = fs.Stat("/old.txt")
	assert.Error(t, err)
	got, err := fs.Read("/new.txt", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestTruncate(t *testing.T) {
	_, fsi := formatAndOpen(t, 128<<20, Formatter{Variant: VariantFAT16}, vfs.FormatOptions{Name: "fat16"})
	fs := fsi.(*FS)
	clusterSize := fs.l.ClusterSize()

	require.NoError(t, fs.Create("/t.bin", 0o644))
	_, err := fs.Write("/t.bin", 0, bytes.Repeat([]byte{1}, int(3*clusterSize)))
	require.NoError(t, err)

	require.NoError(t, fs.Truncate("/t.bin", clusterSize-10))
	st, err := fs.Stat("/t.bin")
	require.NoError(t, err)
	assert.Equal(t, clusterSize-10, st.Size)

	ent, _, err := fs.resolve("/t.bin")
	require.NoError(t, err)
	chain, err := fs.table.ReadChain(ent.FirstCluster)
	require.NoError(t, err)
	assert.Len(t, chain, 1, "truncate frees the surplus clusters")
}

// The cyclic-chain scenario: FAT entries [EOC, EOC, 3, 4, 2] starting at
// cluster 2 must surface CyclicChain rather than looping.
func TestReadChainDetectsCycle(t *testing.T) {
	table := NewTable(VariantFAT32, 100)
	table.Init(mediaFixed)
	table.Set(2, 3)
	table.Set(3, 4)
	table.Set(4, 2)

	_, err := table.ReadChain(2)
	assert.ErrorIs(t, err, ferr.ErrCyclicChain)
}

func TestReadChainRejectsBadCluster(t *testing.T) {
	table := NewTable(VariantFAT16, 100)
	table.Init(mediaFixed)
	table.Set(2, fat16Bad)

	_, err := table.ReadChain(2)
	assert.ErrorIs(t, err, ferr.ErrStructureInvalid)
}

func TestFAT32SetPreservesReservedBits(t *testing.T) {
	table := NewTable(VariantFAT32, 10)
	// Plant reserved high bits as a foreign driver might have left them.
	table.raw[2*4+3] = 0xF0
	table.Set(2, 5)
	assert.Equal(t, uint32(5), table.get(2))
	assert.Equal(t, byte(0xF0), table.raw[2*4+3], "upper 4 bits survive the write")
}

func TestTruncateChainWritesVariantEOC(t *testing.T) {
	t16 := NewTable(VariantFAT16, 100)
	t16.Init(mediaFixed)
	chain, err := t16.AllocChain(4, 100)
	require.NoError(t, err)
	t16.TruncateChain(chain, 2)
	assert.Equal(t, uint32(fat16EOC), t16.get(chain[1]))
	assert.Equal(t, uint32(clusterFree), t16.get(chain[2]))

	t32 := NewTable(VariantFAT32, 100)
	t32.Init(mediaFixed)
	chain, err = t32.AllocChain(4, 100)
	require.NoError(t, err)
	t32.TruncateChain(chain, 2)
	assert.Equal(t, uint32(fat32EOC), t32.get(chain[1]))
}
