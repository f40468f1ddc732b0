package util

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// BEUint16 decodes a big-endian uint16 at the start of b (spec.md §6:
// "all multi-byte fields on the wire are big-endian").
func BEUint16(b []uint8) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// PutBEUint16 writes v to the start of b in big-endian order.
func PutBEUint16(b []uint8, v uint16) {
	b[0] = uint8(v >> 8)
	b[1] = uint8(v)
}

// BEUint32 decodes a big-endian uint32 at the start of b.
func BEUint32(b []uint8) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// PutBEUint32 writes v to the start of b in big-endian order.
func PutBEUint32(b []uint8, v uint32) {
	b[0] = uint8(v >> 24)
	b[1] = uint8(v >> 16)
	b[2] = uint8(v >> 8)
	b[3] = uint8(v)
}
