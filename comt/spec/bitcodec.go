package spec

import "errors"

// MaxTileSize is the largest payload size a producer may write: tile-size
// entries are 24 bits, but the writer additionally enforces the spec's
// narrower 2^20-1 ceiling (see ArchiveWriter).
const MaxTileSize = 1<<20 - 1

// MaxOffset is the largest absolute data-section offset a 40-bit fragment
// prefix can encode.
const MaxOffset = 1<<40 - 1

var ErrValueOutOfRange = errors.New("comt: value does not fit in the target width")

// ReadU24LE decodes a little-endian 24-bit unsigned integer at buf[off:off+3].
func ReadU24LE(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16
}

// WriteU24LE encodes v as a little-endian 24-bit unsigned integer at
// buf[off:off+3]. It panics if v does not fit in 24 bits, mirroring the
// caller's responsibility to validate tile sizes before calling.
func WriteU24LE(buf []byte, off int, v uint32) {
	if v > 1<<24-1 {
		panic(ErrValueOutOfRange)
	}
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
}

// ReadU40LE decodes a little-endian 40-bit unsigned integer at buf[off:off+5].
func ReadU40LE(buf []byte, off int) uint64 {
	var v uint64
	for i := range 5 {
		v |= uint64(buf[off+i]) << (8 * i)
	}
	return v
}

// WriteU40LE encodes v as a little-endian 40-bit unsigned integer at
// buf[off:off+5]. It panics if v does not fit in 40 bits.
func WriteU40LE(buf []byte, off int, v uint64) {
	if v > MaxOffset {
		panic(ErrValueOutOfRange)
	}
	for i := range 5 {
		buf[off+i] = byte(v >> (8 * i))
	}
}

// EncodeFragmentByteAligned serializes a fragment index entry: a 40-bit
// absolute data offset followed by one 24-bit size per tile, byte-aligned.
func EncodeFragmentByteAligned(absOffset uint64, tileSizes []uint32) []byte {
	out := make([]byte, 5+3*len(tileSizes))
	WriteU40LE(out, 0, absOffset)
	for i, size := range tileSizes {
		WriteU24LE(out, 5+3*i, size)
	}
	return out
}

// DecodeFragmentByteAligned is the inverse of EncodeFragmentByteAligned.
func DecodeFragmentByteAligned(data []byte) (absOffset uint64, tileSizes []uint32) {
	absOffset = ReadU40LE(data, 0)
	n := (len(data) - 5) / 3
	tileSizes = make([]uint32, n)
	for i := range n {
		tileSizes[i] = ReadU24LE(data, 5+3*i)
	}
	return absOffset, tileSizes
}
