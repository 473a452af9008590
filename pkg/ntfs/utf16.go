package ntfs

import "unicode/utf16"

// utf16Encode returns s packed as little-endian UTF-16 code units, the
// encoding every NTFS name field (FILE_NAME, attribute names, reparse
// substitute/print names) uses on disk.
func utf16Encode(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		buf[2*i] = byte(u)
		buf[2*i+1] = byte(u >> 8)
	}
	return buf
}

// utf16Decode is the inverse of utf16Encode.
func utf16Decode(buf []byte) string {
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}
	return string(utf16.Decode(units))
}
