package ext4

import (
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

// memWriteSeeker adapts memBackend to io.WriteSeeker for Format, which
// expects a streaming destination rather than the family's own aligned
// reader.
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

func formatAndOpen(t *testing.T, size int64, opts vfs.FormatOptions) (*memBackend, vfs.Filesystem) {
	t.Helper()
	backend := newMemBackend(size)
	d := &device.Device{Path: "test.img", Size: size}

	f := Formatter{Revision: RevExt4}
	require.NoError(t, f.Format(d, &memWriteSeeker{backend: backend}, opts))

	fsys, err := f.Open(d, backend)
	require.NoError(t, err)
	return backend, fsys
}

func TestFormatAndReopenStatFS(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4", Label: "EXT4TEST"})

	sfs, err := fsys.StatFS()
	require.NoError(t, err)
	assert.Equal(t, "ext4", sfs.Type)
	assert.Equal(t, "EXT4TEST", sfs.Label)
	assert.Greater(t, sfs.Total, int64(0))
}

func TestFormatRootContainsLostFound(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})

	ents, err := fsys.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "lost+found", ents[0].Name)

	st, err := fsys.Stat("/lost+found")
	require.NoError(t, err)
	assert.True(t, st.IsDir)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})

	require.NoError(t, fsys.Create("/hello.txt", 0644))

	payload := []byte("Hello, ext4!")
	n, err := fsys.Write("/hello.txt", 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got, err := fsys.Read("/hello.txt", 0, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ents, err := fsys.ReadDir("/")
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range ents {
		names[e.Name] = true
	}
	assert.True(t, names["hello.txt"])
	assert.True(t, names["lost+found"])
}

func TestMkdirAndNestedCreate(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})

	require.NoError(t, fsys.Mkdir("/sub", 0755))
	require.NoError(t, fsys.Create("/sub/file.txt", 0644))

	st, err := fsys.Stat("/sub/file.txt")
	require.NoError(t, err)
	assert.True(t, st.IsFile)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})

	require.NoError(t, fsys.Create("/gone.txt", 0644))
	require.NoError(t, fsys.Unlink("/gone.txt"))

	_, err := fsys.Stat("/gone.txt")
	assert.Error(t, err)
}

func TestRmdirNonEmptyFails(t *testing.T) {
	_, fsys := formatAndOpen(t, 256*1024*1024, vfs.FormatOptions{Name: "ext4"})

	require.NoError(t, fsys.Mkdir("/sub", 0755))
	require.NoError(t, fsys.Create("/sub/file.txt", 0644))

	assert.Error(t, fsys.Rmdir("/sub"))
}

func TestBackupSuperblocksAtSparseGroups(t *testing.T) {
	backend, fsys := formatAndOpen(t, 1024*1024*1024, vfs.FormatOptions{Name: "ext4", ClusterSize: 4096})
	_ = fsys

	l := fsys.(*FS).l
	for _, g := range []int64{1, 3, 5, 7, 9} {
		if g >= l.TotalGroups() {
			continue
		}
		off := SuperblockOffset(l, g)
		buf := make([]byte, 1024)
		_, err := backend.ReadAt(buf, off)
		require.NoError(t, err)
		sb, err := DecodeSuperblock(buf)
		require.NoError(t, err)
		assert.Equal(t, uint16(Signature), sb.Signature)
	}
}
