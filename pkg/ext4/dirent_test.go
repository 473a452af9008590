package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirBlockRoundTrip(t *testing.T) {
	entries := []Dirent{
		{Inode: 2, FileType: FTypeDir, Name: "."},
		{Inode: 2, FileType: FTypeDir, Name: ".."},
		{Inode: 11, FileType: FTypeDir, Name: "lost+found"},
		{Inode: 12, FileType: FTypeRegularFile, Name: "hello.txt"},
	}

	block, err := EncodeDirBlock(4096, entries)
	assert.NoError(t, err)
	assert.Len(t, block, 4096)

	got, err := DecodeDirBlock(block)
	assert.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestTEAHashDeterministic(t *testing.T) {
	a := TEAHash("hello.txt")
	b := TEAHash("hello.txt")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, TEAHash("other.txt"))
	assert.Equal(t, uint32(0), a&0x1, "low bit must be cleared")
}

func TestNewRootDirBlock(t *testing.T) {
	block, err := NewRootDirBlock(4096, 2, 2, []Dirent{
		{Inode: 11, FileType: FTypeDir, Name: "lost+found"},
	})
	assert.NoError(t, err)

	ents, err := DecodeDirBlock(block)
	assert.NoError(t, err)
	assert.Equal(t, ".", ents[0].Name)
	assert.Equal(t, "..", ents[1].Name)
	assert.Equal(t, "lost+found", ents[2].Name)
}
