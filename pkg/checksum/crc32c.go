// Package checksum implements the checksum and time-conversion primitives
// shared by the ext, FAT and NTFS engines: CRC32c for ext4 metadata, CRC16
// CCITT for ext4 group descriptors, LZNT1 for NTFS compressed attributes,
// and the FILETIME/DOS-time conversions used by NTFS and FAT timestamps.
package checksum

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32c computes the Castagnoli CRC32 of data, continuing from seed. Pass 0
// (not ^0) as seed for a fresh checksum unless the caller is chaining across
// multiple buffers the way ext4 chains the superblock UUID/seed into every
// subsequent metadata checksum.
func CRC32c(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, castagnoliTable, data)
}

// CRC32cSeed returns the ext4 checksum seed used to prime every metadata
// checksum in the filesystem: CRC32c of the 16-byte volume UUID. When the
// METADATA_CSUM_SEED feature is off, callers use this directly; when it is
// on, the seed is instead the precomputed s_checksum_seed field and this
// function is only used once, at format time, to generate it.
func CRC32cSeed(uuid [16]byte) uint32 {
	return CRC32c(0, uuid[:])
}
