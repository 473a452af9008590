package device

import (
	"io"
	"sync"

	"github.com/stretchr/testify/assert"

	"testing"
)

// memBackend is an in-memory Backend used only by tests in this package.
type memBackend struct {
	mu   sync.Mutex
	data []byte
}

func newMemBackend(size int) *memBackend {
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

func TestAlignedIOUnalignedReadWrite(t *testing.T) {
	backend := newMemBackend(4096)
	aio := New(backend, 512)

	payload := []byte("hello, filesystem")
	err := aio.WriteAt(100, payload)
	assert.NoError(t, err)

	got, err := aio.ReadAt(100, int64(len(payload)))
	assert.NoError(t, err)
	assert.Equal(t, payload, got)

	// Surrounding bytes within the touched sectors must remain zero.
	before, err := aio.ReadAt(0, 100)
	assert.NoError(t, err)
	for _, b := range before {
		assert.Equal(t, byte(0), b)
	}
}

func TestAlignedIOReadPastEndPadsZero(t *testing.T) {
	backend := newMemBackend(512)
	aio := New(backend, 512)

	got, err := aio.ReadAt(256, 512)
	assert.NoError(t, err)
	assert.Len(t, got, 512)
	for _, b := range got[256:] {
		assert.Equal(t, byte(0), b)
	}
}

func TestAlignedIODefaultSectorSize(t *testing.T) {
	aio := New(newMemBackend(512), 0)
	assert.Equal(t, int64(SectorSize), aio.SectorSize())
}

func TestCheckSafe(t *testing.T) {
	cc := []struct {
		name string
		dev  *Device
		fail bool
	}{
		{"plain image file", &Device{Path: "/tmp/image.img", Size: 1 << 20}, false},
		{"flagged system disk", &Device{Path: "/dev/sda", System: true}, true},
		{"mounted at root", &Device{Path: "/dev/sda1", MountPoints: []string{"/"}}, true},
		{"mounted at boot", &Device{Path: "/dev/sda2", MountPoints: []string{"/boot"}}, true},
		{"mounted elsewhere", &Device{Path: "/dev/sdb1", MountPoints: []string{"/mnt/data"}}, false},
	}

	for _, c := range cc {
		err := CheckSafe(c.dev)
		if c.fail {
			assert.Error(t, err, c.name)
		} else {
			assert.NoError(t, err, c.name)
		}
	}
}

func TestCheckCapacity(t *testing.T) {
	dev := &Device{Path: "/tmp/image.img", Size: 1024}
	assert.NoError(t, CheckCapacity(dev, 1024))
	assert.Error(t, CheckCapacity(dev, 1025))
}

func TestWriteSeekerStreaming(t *testing.T) {
	var buf writerOnly
	ws, err := WriteSeeker(&buf)
	assert.NoError(t, err)

	_, err = ws.Write([]byte("abc"))
	assert.NoError(t, err)

	n, err := ws.Seek(5, io.SeekCurrent)
	assert.NoError(t, err)
	assert.Equal(t, int64(8), n)

	_, err = ws.Write([]byte("xyz"))
	assert.NoError(t, err)

	assert.Equal(t, []byte("abc\x00\x00\x00\x00\x00xyz"), buf.data)

	_, err = ws.Seek(-1, io.SeekCurrent)
	assert.Error(t, err)
}

// writerOnly satisfies io.Writer but deliberately not io.Seeker, forcing
// WriteSeeker to take the zero-fill emulation path.
type writerOnly struct {
	data []byte
}

func (w *writerOnly) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func TestZeroesReader(t *testing.T) {
	buf := make([]byte, 4097)
	n, err := io.ReadFull(Zeroes, buf)
	assert.NoError(t, err)
	assert.Equal(t, len(buf), n)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}
