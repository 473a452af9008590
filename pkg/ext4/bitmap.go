package ext4

import "fmt"

import "github.com/diskforge/diskforge/pkg/ferr"

// Bitmap is a simple set-bit-per-unit allocation bitmap shared by the
// block and inode allocators. Bit i set means "in use".
type Bitmap struct {
	bits []byte
	n    int64
}

// NewBitmap allocates a bitmap covering n units, all initially free.
func NewBitmap(n int64) *Bitmap {
	return &Bitmap{bits: make([]byte, (n+7)/8), n: n}
}

func (b *Bitmap) Set(i int64)   { b.bits[i/8] |= 1 << uint(i%8) }
func (b *Bitmap) Clear(i int64) { b.bits[i/8] &^= 1 << uint(i%8) }
func (b *Bitmap) Test(i int64) bool {
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}

// FindFree returns the lowest-indexed free unit, or -1 if none remain.
func (b *Bitmap) FindFree() int64 {
	for i := int64(0); i < b.n; i++ {
		if !b.Test(i) {
			return i
		}
	}
	return -1
}

// Alloc finds and marks n contiguous free units starting at or after
// hint, returning the first index. Falls back to the first free run
// anywhere in the bitmap. Returns ErrOutOfSpace if none fit.
func (b *Bitmap) Alloc(n int64, hint int64) (int64, error) {
	if hint < 0 {
		hint = 0
	}
	if start, ok := b.findRun(n, hint); ok {
		for i := start; i < start+n; i++ {
			b.Set(i)
		}
		return start, nil
	}
	if hint > 0 {
		if start, ok := b.findRun(n, 0); ok {
			for i := start; i < start+n; i++ {
				b.Set(i)
			}
			return start, nil
		}
	}
	return 0, fmt.Errorf("no run of %d free units: %w", n, ferr.ErrOutOfSpace)
}

func (b *Bitmap) findRun(n, from int64) (int64, bool) {
	run := int64(0)
	start := int64(-1)
	for i := from; i < b.n; i++ {
		if !b.Test(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// FreeRange clears n units starting at start.
func (b *Bitmap) FreeRange(start, n int64) {
	for i := start; i < start+n; i++ {
		b.Clear(i)
	}
}

// FreeCount returns the number of unset bits up to n.
func (b *Bitmap) FreeCount() int64 {
	var free int64
	for i := int64(0); i < b.n; i++ {
		if !b.Test(i) {
			free++
		}
	}
	return free
}

// Bytes returns the raw bitmap padded to a whole number of blockSize
// bytes with 1s beyond n; bits past the last real block/inode are
// always set.
func (b *Bitmap) Bytes(blockSize int64) []byte {
	out := make([]byte, blockSize)
	copy(out, b.bits)
	for i := b.n; i < blockSize*8; i++ {
		out[i/8] |= 1 << uint(i%8)
	}
	return out
}
