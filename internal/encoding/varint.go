// internal/encoding/varint.go
package encoding

// PutUvarint encodes v as a variable-length integer (SQLite convention:
// 7 data bits per byte, big-endian, high bit set while more bytes follow).
// Returns the number of bytes written.
func PutUvarint(buf []byte, v uint64) int {
	if v <= 0x7f {
		buf[0] = byte(v)
		return 1
	}

	n := UvarintLen(v)
	for i := 0; i < n; i++ {
		shift := uint(n-1-i) * 7
		b := byte(v>>shift) & 0x7f
		if i < n-1 {
			b |= 0x80
		}
		buf[i] = b
	}
	return n
}

// AppendUvarint appends the encoding of v to buf and returns the result.
func AppendUvarint(buf []byte, v uint64) []byte {
	// 64 bits at 7 data bits per byte need up to 10 bytes
	var tmp [10]byte
	n := PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// Uvarint decodes a variable-length integer from buf.
// Returns the value and the number of bytes consumed (0 if buf is truncated).
func Uvarint(buf []byte) (uint64, int) {
	var v uint64
	for i := 0; i < len(buf) && i < 10; i++ {
		b := buf[i]
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

// UvarintLen returns the number of bytes PutUvarint needs for v.
func UvarintLen(v uint64) int {
	n := 1
	for v > 0x7f {
		n++
		v >>= 7
	}
	return n
}
