package registry

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/diskforge/diskforge/pkg/device"
	"github.com/diskforge/diskforge/pkg/vfs"
)

type stubFormatter struct{}

func (stubFormatter) Format(d *device.Device, w io.WriteSeeker, opts vfs.FormatOptions) error {
	return nil
}

func (stubFormatter) Open(d *device.Device, backend device.Backend) (vfs.Filesystem, error) {
	return nil, nil
}

func TestRegisterAndLookup(t *testing.T) {
	mu.Lock()
	entries = map[string]vfs.Formatter{}
	sealed = false
	mu.Unlock()

	Register("teststub", stubFormatter{})
	f, ok := Lookup("teststub")
	assert.True(t, ok)
	assert.NotNil(t, f)

	_, ok = Lookup("doesnotexist")
	assert.False(t, ok)

	assert.Equal(t, []string{"teststub"}, Names())
}

func TestRegisterAfterSealPanics(t *testing.T) {
	mu.Lock()
	entries = map[string]vfs.Formatter{}
	sealed = false
	mu.Unlock()

	Register("a", stubFormatter{})
	Seal()

	assert.Panics(t, func() {
		Register("b", stubFormatter{})
	})
}

func TestDuplicateRegisterPanics(t *testing.T) {
	mu.Lock()
	entries = map[string]vfs.Formatter{}
	sealed = false
	mu.Unlock()

	Register("dup", stubFormatter{})
	assert.Panics(t, func() {
		Register("dup", stubFormatter{})
	})
}
