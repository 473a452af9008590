package ntfs

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskforge/diskforge/pkg/device"
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

func formatAndOpen(t *testing.T, size int64, opts vfs.FormatOptions) (*memBackend, *FS) {
	t.Helper()
	backend := newMemBackend(size)
	d := &device.Device{Path: "test.img", Size: size}
	require.NoError(t, Formatter{}.Format(d, &memWriteSeeker{backend: backend}, opts))

	fs := &FS{}
	require.NoError(t, fs.Init(d, backend))
	return backend, fs
}

func TestBootSectorRoundTrip(t *testing.T) {
	boot, err := NewBootSector(50 << 20)
	require.NoError(t, err)

	decoded, err := DecodeBootSector(EncodeBootSector(boot))
	require.NoError(t, err)
	assert.Equal(t, boot, decoded)
	assert.Equal(t, int64(1024), decoded.MFTRecordSize())
	assert.Equal(t, int64(4096), decoded.IndexRecordSize())
}

func TestFixupRoundTripIsIdentity(t *testing.T) {
	original := make([]byte, 1024)
	for i := range original {
		original[i] = byte(i * 7)
	}
	copy(original[0:4], []byte(mftSignature))

	buf := make([]byte, len(original))
	copy(buf, original)
	require.NoError(t, applyFixup(buf, recordHeaderSize, 512))
	assert.NotEqual(t, original[510:512], buf[510:512], "fixup must replace subsector tails")

	require.NoError(t, removeFixup(buf, recordHeaderSize, 512))
	assert.Equal(t, original[510:512], buf[510:512])
	assert.Equal(t, original[1022:1024], buf[1022:1024])
}

func TestRemoveFixupDetectsTornWrite(t *testing.T) {
	buf := make([]byte, 1024)
	copy(buf[0:4], []byte(mftSignature))
	require.NoError(t, applyFixup(buf, recordHeaderSize, 512))

	buf[1023] ^= 0xFF // torn second subsector
	assert.Error(t, removeFixup(buf, recordHeaderSize, 512))
}

func TestMFTReferencePacking(t *testing.T) {
	ref := MFTReference(5, 3)
	assert.Equal(t, uint32(5), RecordNumberOf(ref))
	assert.Equal(t, uint16(3), SequenceNumberOf(ref))
}

func TestFormatAndReopen(t *testing.T) {
	_, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs", Label: "NTFSTEST"})

	st, err := fs.StatFS()
	require.NoError(t, err)
	assert.Equal(t, "ntfs", st.Type)
	assert.Equal(t, "NTFSTEST", st.Label)
	assert.Equal(t, int64(4096), st.BlockSize)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries, "system files must stay hidden from listings")
}

// The end-to-end scenario: format, create /test.txt, write at offset 0,
// reopen, read 12 bytes back.
func TestCreateWriteReopenRead(t *testing.T) {
	backend, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs"})

	require.NoError(t, fs.Create("/test.txt", 0o644))
	n, err := fs.Write("/test.txt", 0, []byte("Hello, NTFS!"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	require.NoError(t, fs.Flush())

	reopened := &FS{}
	require.NoError(t, reopened.Init(&device.Device{Path: "test.img", Size: 50 << 20}, backend))

	got, err := reopened.Read("/test.txt", 0, 12)
	require.NoError(t, err)
	assert.Equal(t, "Hello, NTFS!", string(got))

	st, err := reopened.Stat("/test.txt")
	require.NoError(t, err)
	assert.True(t, st.IsFile)
	assert.Equal(t, int64(12), st.Size)

	entries, err := reopened.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test.txt", entries[0].Name)
}

func TestWritePromotesResidentToNonResident(t *testing.T) {
	_, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs"})
	require.NoError(t, fs.Create("/big.bin", 0o644))

	payload := bytes.Repeat([]byte{0xAB}, 3*4096+17)
	_, err := fs.Write("/big.bin", 0, payload)
	require.NoError(t, err)

	got, err := fs.Read("/big.bin", 0, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	st, err := fs.Stat("/big.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), st.Size)

	// Read past EOF yields an empty tail, not an error.
	tail, err := fs.Read("/big.bin", st.Size+100, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestMkdirAndNestedCreate(t *testing.T) {
	_, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs"})

	require.NoError(t, fs.Mkdir("/docs", 0o755))
	require.NoError(t, fs.Create("/docs/readme.md", 0o644))
	_, err := fs.Write("/docs/readme.md", 0, []byte("hi"))
	require.NoError(t, err)

	st, err := fs.Stat("/docs")
	require.NoError(t, err)
	assert.True(t, st.IsDir)

	entries, err := fs.ReadDir("/docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "readme.md", entries[0].Name)

	// Non-empty directory refuses rmdir.
	assert.Error(t, fs.Rmdir("/docs"))

	require.NoError(t, fs.Unlink("/docs/readme.md"))
	require.NoError(t, fs.Rmdir("/docs"))

	_, err = fs.Stat("/docs")
	assert.Error(t, err)
}

func TestUnlinkFreesClusters(t *testing.T) {
	_, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs"})

	// Creating the first user file may grow the MFT itself, which is a
	// permanent allocation; measure free space after the create so the
	// comparison isolates the file's own data clusters.
	require.NoError(t, fs.Create("/tmp.bin", 0o644))
	before, err := fs.StatFS()
	require.NoError(t, err)

	_, err = fs.Write("/tmp.bin", 0, bytes.Repeat([]byte{1}, 8*4096))
	require.NoError(t, err)

	during, err := fs.StatFS()
	require.NoError(t, err)
	assert.Less(t, during.Free, before.Free)

	require.NoError(t, fs.Unlink("/tmp.bin"))
	after, err := fs.StatFS()
	require.NoError(t, err)
	assert.Equal(t, before.Free, after.Free)
}

func TestRenameWithinAndAcrossDirectories(t *testing.T) {
	_, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs"})

	require.NoError(t, fs.Create("/a.txt", 0o644))
	_, err := fs.Write("/a.txt", 0, []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, fs.Rename("/a.txt", "/b.txt"))
	_, err = fs.Stat("/a.txt")
	assert.Error(t, err)
	got, err := fs.Read("/b.txt", 0, 7)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	require.NoError(t, fs.Mkdir("/sub", 0o755))
	require.NoError(t, fs.Rename("/b.txt", "/sub/c.txt"))
	got, err = fs.Read("/sub/c.txt", 0, 7)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	_, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs"})

	require.NoError(t, fs.Create("/t.bin", 0o644))
	payload := bytes.Repeat([]byte{7}, 2*4096)
	_, err := fs.Write("/t.bin", 0, payload)
	require.NoError(t, err)

	require.NoError(t, fs.Truncate("/t.bin", 100))
	st, err := fs.Stat("/t.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.Size)

	require.NoError(t, fs.Truncate("/t.bin", 4096))
	got, err := fs.Read("/t.bin", 0, 4096)
	require.NoError(t, err)
	require.Len(t, got, 4096)
	assert.Equal(t, byte(7), got[99])
	assert.Equal(t, byte(0), got[200], "grown region must read as zeros")
}

func TestCaseInsensitiveLookup(t *testing.T) {
	_, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs"})
	require.NoError(t, fs.Create("/MixedCase.TXT", 0o644))

	st, err := fs.Stat("/mixedcase.txt")
	require.NoError(t, err)
	assert.True(t, st.IsFile)
}

func TestNotFoundCarriesComponent(t *testing.T) {
	_, fs := formatAndOpen(t, 50<<20, vfs.FormatOptions{Name: "ntfs"})
	_, err := fs.Read("/no/such/file", 0, 1)
	assert.Error(t, err)
}
