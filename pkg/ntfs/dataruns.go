package ntfs

import (
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

// Run is one in-memory data run: Length clusters of a non-resident
// attribute mapped starting at LCN, or a sparse run (Sparse true, LCN
// meaningless) that reads as zeros without touching the device.
type Run struct {
	LCN    int64
	Length uint64
	Sparse bool
}

// byteLengthSigned returns the minimal number of bytes needed to encode v
// as a signed little-endian integer (NTFS data runs sign-extend the LCN
// delta rather than storing a fixed width).
func byteLengthSigned(v int64) int {
	if v == 0 {
		return 0
	}
	n := 1
	for {
		lo := int64(-1) << uint(8*n-1)
		hi := (int64(1) << uint(8*n-1)) - 1
		if v >= lo && v <= hi {
			return n
		}
		n++
		if n > 8 {
			return 8
		}
	}
}

func byteLengthUnsigned(v uint64) int {
	n := 1
	for v>>(uint(8*n)) != 0 {
		n++
	}
	return n
}

func putSigned(buf []byte, v int64, n int) {
	for i := 0; i < n; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func putUnsigned(buf []byte, v uint64, n int) {
	for i := 0; i < n; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func getSigned(buf []byte) int64 {
	var out int64
	for i := len(buf) - 1; i >= 0; i-- {
		out = out<<8 | int64(buf[i])
	}
	shift := uint(64 - 8*len(buf))
	return out << shift >> shift
}

func getUnsigned(buf []byte) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// EncodeDataRuns packs runs into the standard NTFS data-run byte stream:
// each run's header byte is (offsetSize<<4)|lengthSize, followed by the
// length (unsigned) and the LCN delta relative to the previous run's LCN
// (signed, omitted entirely for a sparse run), terminated by a 0x00 byte.
func EncodeDataRuns(runs []Run) []byte {
	var out []byte
	prevLCN := int64(0)
	for _, r := range runs {
		lengthSize := byteLengthUnsigned(r.Length)
		if lengthSize == 0 {
			lengthSize = 1
		}
		lengthBuf := make([]byte, lengthSize)
		putUnsigned(lengthBuf, r.Length, lengthSize)

		if r.Sparse {
			out = append(out, byte(lengthSize)) // offset size 0
			out = append(out, lengthBuf...)
			continue
		}

		delta := r.LCN - prevLCN
		offsetSize := byteLengthSigned(delta)
		if offsetSize == 0 {
			offsetSize = 1
		}
		offsetBuf := make([]byte, offsetSize)
		putSigned(offsetBuf, delta, offsetSize)

		header := byte(offsetSize<<4) | byte(lengthSize)
		out = append(out, header)
		out = append(out, lengthBuf...)
		out = append(out, offsetBuf...)
		prevLCN = r.LCN
	}
	out = append(out, 0x00)
	return out
}

// DecodeDataRuns unpacks a data-run byte stream back into Run values,
// stopping at the terminating 0x00 header byte.
func DecodeDataRuns(buf []byte) ([]Run, error) {
	var runs []Run
	prevLCN := int64(0)
	off := 0
	for off < len(buf) {
		header := buf[off]
		if header == 0 {
			return runs, nil
		}
		lengthSize := int(header & 0x0F)
		offsetSize := int(header >> 4)
		off++

		if off+lengthSize > len(buf) {
			return nil, fmt.Errorf("ntfs: truncated data run length: %w", ferr.ErrStructureInvalid)
		}
		length := getUnsigned(buf[off : off+lengthSize])
		off += lengthSize

		if offsetSize == 0 {
			runs = append(runs, Run{Sparse: true, Length: length})
			continue
		}

		if off+offsetSize > len(buf) {
			return nil, fmt.Errorf("ntfs: truncated data run offset: %w", ferr.ErrStructureInvalid)
		}
		delta := getSigned(buf[off : off+offsetSize])
		off += offsetSize

		lcn := prevLCN + delta
		runs = append(runs, Run{LCN: lcn, Length: length})
		prevLCN = lcn
	}
	return nil, fmt.Errorf("ntfs: data run stream missing terminator: %w", ferr.ErrStructureInvalid)
}

// mergeAdjacentRuns coalesces consecutive non-sparse runs whose LCN
// ranges are contiguous, the adjacent-run-merge behavior append-style
// writes need to avoid growing the data-run list forever.
func mergeAdjacentRuns(runs []Run) []Run {
	if len(runs) == 0 {
		return runs
	}
	out := []Run{runs[0]}
	for _, r := range runs[1:] {
		last := &out[len(out)-1]
		if !last.Sparse && !r.Sparse && last.LCN+int64(last.Length) == r.LCN {
			last.Length += r.Length
			continue
		}
		out = append(out, r)
	}
	return out
}

// TotalClusters sums the cluster length across all runs, sparse included.
func TotalClusters(runs []Run) uint64 {
	var total uint64
	for _, r := range runs {
		total += r.Length
	}
	return total
}
