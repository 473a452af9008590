package ntfs

import (
	"fmt"

	"github.com/diskforge/diskforge/pkg/checksum"
)

// compressionUnitClusters returns how many clusters one compression unit
// spans for a non-resident $DATA attribute with the given
// CompressionUnit exponent (0 means uncompressed).
func compressionUnitClusters(compressionUnit uint8) int {
	if compressionUnit == 0 {
		return 0
	}
	return 1 << compressionUnit
}

// DecompressUnit decompresses one LZNT1 compression unit, reusing the
// same chunked LZNT1 codec the exFAT reader never needs but NTFS does:
// raw is split into 4096-byte slices and each is decoded with
// checksum.DecompressChunk. clusterBytes is not used.
func DecompressUnit(raw []byte, clusterBytes int64) ([]byte, error) {
	var out []byte
	chunkSize := 4096
	for off := 0; off < len(raw); off += chunkSize {
		end := off + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		chunk, err := checksum.DecompressChunk(raw[off:end])
		if err != nil {
			return nil, fmt.Errorf("ntfs: decompressing unit at %d: %w", off, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}
