package index

import "math/bits"

// Document lengths are stored as one byte: small lengths exactly, larger ones
// as a 4-bit-mantissa float. Decoding returns the smallest length that
// encodes to the same byte.
const fieldnormFreeValues = 24

var fieldnormTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		t[i] = uint32(decodeFieldnorm(uint8(i)))
	}
	return t
}()

// EncodeFieldnorm quantizes a document length.
func EncodeFieldnorm(length int) uint8 {
	if length <= 0 {
		return 0
	}
	if length < fieldnormFreeValues {
		return uint8(length)
	}
	enc := fieldnormFreeValues + longToInt4(uint64(length-fieldnormFreeValues))
	if enc > 255 {
		return 255
	}
	return uint8(enc)
}

// DecodeFieldnorm returns the representative length of a quantized byte.
func DecodeFieldnorm(b uint8) uint32 {
	return fieldnormTable[b]
}

func decodeFieldnorm(b uint8) uint64 {
	if b < fieldnormFreeValues {
		return uint64(b)
	}
	return fieldnormFreeValues + int4ToLong(uint64(b)-fieldnormFreeValues)
}

func longToInt4(i uint64) uint64 {
	numBits := 64 - bits.LeadingZeros64(i)
	if numBits < 4 {
		return i
	}
	shift := uint64(numBits - 4)
	enc := (i >> shift) & 0x07
	return enc | (shift+1)<<3
}

func int4ToLong(i uint64) uint64 {
	b := i & 0x07
	shift := int(i>>3) - 1
	if shift == -1 {
		return b
	}
	return (b | 0x08) << shift
}
