package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTEAHashIs31Bits(t *testing.T) {
	names := []string{"a", "lost+found", "hello.txt", "some-much-longer-filename-beyond-sixteen-bytes.dat", ""}
	for _, n := range names {
		h := TEAHash(n)
		assert.Zero(t, h&1, "low bit is always cleared: %q", n)
		assert.LessOrEqual(t, h, uint32(0xFFFFFFFC), "%q", n)
	}
}

func TestTEAHashIsDeterministic(t *testing.T) {
	assert.Equal(t, TEAHash("hello.txt"), TEAHash("hello.txt"))
	assert.NotEqual(t, TEAHash("hello.txt"), TEAHash("hello.txu"))
}

func TestTEAHashPaddingDistinguishesLengths(t *testing.T) {
	// The length-derived pad means a short name and its NUL-padded
	// sibling hash differently.
	assert.NotEqual(t, TEAHash("ab"), TEAHash("ab\x00\x00"))
}
