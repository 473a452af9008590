package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

const (
	clusterFree = 0

	fat16EOCMin = 0xFFF8
	fat16EOC    = 0xFFFF
	fat16Bad    = 0xFFF7

	fat32Mask   = 0x0FFFFFFF
	fat32EOCMin = 0x0FFFFFF8
	fat32EOC    = 0x0FFFFFFF
	fat32Bad    = 0x0FFFFFF7
)

// Table is an in-memory FAT16 or FAT32 allocation table.
type Table struct {
	variant Variant
	raw     []byte // 2 bytes/entry (FAT16) or 4 bytes/entry (FAT32)
}

func entrySize(v Variant) int64 {
	if v == VariantFAT32 {
		return 4
	}
	return 2
}

// NewTable allocates a zeroed table sized for n clusters (plus the two
// reserved entries 0 and 1).
func NewTable(v Variant, totalClusters int64) *Table {
	n := (totalClusters + 2) * entrySize(v)
	return &Table{variant: v, raw: make([]byte, n)}
}

// DecodeTable wraps an already-read FAT region without copying semantics
// beyond the slice header.
func DecodeTable(v Variant, raw []byte) *Table {
	return &Table{variant: v, raw: raw}
}

func (t *Table) Bytes() []byte { return t.raw }

func (t *Table) Init(media byte) {
	switch t.variant {
	case VariantFAT32:
		binary.LittleEndian.PutUint32(t.raw[0:], 0x0FFFFF00|uint32(media))
		binary.LittleEndian.PutUint32(t.raw[4:], fat32EOC)
		binary.LittleEndian.PutUint32(t.raw[8:], fat32EOC) // root cluster 2
	default:
		binary.LittleEndian.PutUint16(t.raw[0:], 0xFF00|uint16(media))
		binary.LittleEndian.PutUint16(t.raw[2:], fat16EOC)
	}
}

func (t *Table) get(cluster int64) uint32 {
	if t.variant == VariantFAT32 {
		return binary.LittleEndian.Uint32(t.raw[cluster*4:]) & fat32Mask
	}
	return uint32(binary.LittleEndian.Uint16(t.raw[cluster*2:]))
}

// Set writes the next-cluster value (or an EOC/free/bad sentinel) into slot
// cluster. FAT32 preserves the reserved upper 4 bits of the existing entry,
// which drivers expect to survive writes untouched.
func (t *Table) Set(cluster int64, value uint32) {
	if t.variant == VariantFAT32 {
		off := cluster * 4
		existing := binary.LittleEndian.Uint32(t.raw[off:])
		merged := (existing &^ fat32Mask) | (value & fat32Mask)
		binary.LittleEndian.PutUint32(t.raw[off:], merged)
		return
	}
	binary.LittleEndian.PutUint16(t.raw[cluster*2:], uint16(value))
}

func (t *Table) isEOC(v uint32) bool {
	if t.variant == VariantFAT32 {
		return v >= fat32EOCMin
	}
	return v >= fat16EOCMin
}

func (t *Table) isBad(v uint32) bool {
	if t.variant == VariantFAT32 {
		return v == fat32Bad
	}
	return v == fat16Bad
}

// EOCValue is the tail marker this variant writes to end a chain.
func (t *Table) EOCValue() uint32 {
	if t.variant == VariantFAT32 {
		return fat32EOC
	}
	return fat16EOC
}

// ReadChain walks the cluster chain starting at first, returning the full
// list of clusters visited. A chain that revisits a cluster (corrupt
// FAT, e.g. entries [EOC, EOC, 3, 4, 2] starting at cluster 2) is
// rejected as ErrCyclicChain instead of looping forever.
func (t *Table) ReadChain(first int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var chain []int64

	cluster := first
	for {
		if cluster < 2 {
			return nil, fmt.Errorf("fat: invalid cluster %d in chain: %w", cluster, ferr.ErrStructureInvalid)
		}
		if seen[cluster] {
			return nil, fmt.Errorf("fat: cluster %d revisited: %w", cluster, ferr.ErrCyclicChain)
		}
		seen[cluster] = true
		chain = append(chain, cluster)

		next := t.get(cluster)
		if t.isBad(next) {
			return nil, fmt.Errorf("fat: cluster %d marked bad: %w", cluster, ferr.ErrStructureInvalid)
		}
		if t.isEOC(next) {
			return chain, nil
		}
		cluster = int64(next)
	}
}

// AllocChain allocates n free clusters, linking them into a chain, and
// returns the cluster numbers in order. Scans linearly from cluster 2; good
// enough for an incrementally-grown volume, not optimized for fragmentation.
func (t *Table) AllocChain(n int64, totalClusters int64) ([]int64, error) {
	var clusters []int64
	for c := int64(2); c < totalClusters+2 && int64(len(clusters)) < n; c++ {
		if t.get(c) == clusterFree {
			clusters = append(clusters, c)
		}
	}
	if int64(len(clusters)) < n {
		return nil, fmt.Errorf("fat: out of free clusters: %w", ferr.ErrOutOfSpace)
	}
	for i, c := range clusters {
		if i == len(clusters)-1 {
			t.Set(c, t.EOCValue())
		} else {
			t.Set(c, uint32(clusters[i+1]))
		}
	}
	return clusters, nil
}

// FreeChain marks every cluster in chain as free.
func (t *Table) FreeChain(chain []int64) {
	for _, c := range chain {
		t.Set(c, clusterFree)
	}
}

// TruncateChain cuts chain after keep clusters, freeing the remainder and
// writing the new tail marker. For FAT16 this writes the 16-bit EOC form;
// for FAT32 the 28-bit-masked form — a single unconditional 0x0FFFFFFF
// write would be wrong for FAT16's narrower slot.
func (t *Table) TruncateChain(chain []int64, keep int64) []int64 {
	if keep >= int64(len(chain)) {
		return nil
	}
	if keep <= 0 {
		freed := chain
		t.FreeChain(freed)
		return freed
	}
	tail := chain[keep-1]
	freed := chain[keep:]
	t.Set(tail, t.EOCValue())
	t.FreeChain(freed)
	return freed
}

func (t *Table) FreeClusterCount(totalClusters int64) int64 {
	var n int64
	for c := int64(2); c < totalClusters+2; c++ {
		if t.get(c) == clusterFree {
			n++
		}
	}
	return n
}
