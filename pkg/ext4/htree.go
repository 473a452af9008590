package ext4

// DirentHashVersion identifies the TEA-based hash variant stamped in the
// HTree root, matching s_def_hash_version.
const DirentHashVersion = 0x2

// sliceStringForHashing packs up to 16 bytes of s (padded per the
// classic ext htree padding rule) into four big words for one TEA round,
// returning the unconsumed remainder of s.
func sliceStringForHashing(s string) (string, [4]uint32) {
	var pad, val uint32
	var in [4]uint32

	l := len(s)
	pad = uint32(l) | (uint32(l) << 8)
	pad |= pad << 16
	val = pad

	n := 16
	if len(s) < n {
		n = len(s)
	}

	var i, c int
	for i = 0; i < n; i++ {
		val = uint32(s[i]) + (val << 8)
		if i%4 == 3 {
			in[c] = val
			c++
			val = pad
		}
	}
	if c < 4 {
		in[c] = val
		c++
	}
	for c < 4 {
		in[c] = pad
		c++
	}

	return s[n:], in
}

// teaTransform runs one 16-round TEA mixing pass of buf against key p,
// accumulating into buf in place — the TEA variant of the kernel's
// HTree directory hash.
func teaTransform(buf *[4]uint32, p [4]uint32) {
	var sum, b0, b1 uint32
	b0, b1 = buf[0], buf[1]
	a, b, c, d := p[0], p[1], p[2], p[3]

	for i := 0; i < 16; i++ {
		sum += 0x9E3779B9
		b0 += ((b1 << 4) + a) ^ (b1 + sum) ^ ((b1 >> 5) + b)
		b1 += ((b0 << 4) + c) ^ (b0 + sum) ^ ((b0 >> 5) + d)
	}

	buf[0] += b0
	buf[1] += b1
}

// TEAHash computes the 31-bit HTree hash of a directory entry name.
func TEAHash(s string) uint32 {
	buf := [4]uint32{0x67452301, 0xefcdab89, 0x98badcfe, 0x10325476}

	for len(s) > 0 {
		var p [4]uint32
		s, p = sliceStringForHashing(s)
		teaTransform(&buf, p)
	}

	hash := buf[0] &^ 0x1
	const cap = 0xFFFFFFFC
	if hash > cap {
		hash = cap
	}
	return hash
}
