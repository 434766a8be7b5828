// Package spec implements the byte-exact COMTiles archive format: the
// 24-byte header, the pyramid/fragment index geometry, and the little-endian
// bit-packed integer codec shared by the producer and the consumer.
package spec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLength is the fixed size, in bytes, of the COMTiles header.
const HeaderLength = 24

// CurrentVersion is the only archive version this package can read or write.
const CurrentVersion uint32 = 1

const magic = "COMT"

var (
	ErrInvalidHeader      = errors.New("comt: invalid archive header")
	ErrUnsupportedVersion = errors.New("comt: unsupported archive version")
)

// Header is the fixed 24-byte prefix of a COMTiles archive.
type Header struct {
	Version     uint32
	MetaLen     uint32
	PyramidLen  uint32
	FragmentLen uint64
}

// SerializeHeader encodes h into the archive's 24-byte on-disk layout.
func SerializeHeader(h Header) []byte {
	buf := make([]byte, HeaderLength)
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.MetaLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.PyramidLen)
	binary.LittleEndian.PutUint64(buf[16:24], h.FragmentLen)
	return buf
}

// DeserializeHeader parses the 24-byte archive header, rejecting anything
// whose magic or version does not match exactly.
func DeserializeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLength {
		return Header{}, fmt.Errorf("%w: short read (%d bytes)", ErrInvalidHeader, len(buf))
	}
	if string(buf[0:4]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}

	h := Header{
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		MetaLen:     binary.LittleEndian.Uint32(buf[8:12]),
		PyramidLen:  binary.LittleEndian.Uint32(buf[12:16]),
		FragmentLen: binary.LittleEndian.Uint64(buf[16:24]),
	}
	if h.Version != CurrentVersion {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, h.Version, CurrentVersion)
	}
	return h, nil
}

// MetadataOffset is the absolute byte offset of the metadata section.
func MetadataOffset() uint64 { return HeaderLength }

// PyramidOffset is the absolute byte offset of the compressed pyramid index.
func PyramidOffset(metaLen uint32) uint64 {
	return HeaderLength + uint64(metaLen)
}

// FragmentIndexOffset is the absolute byte offset of the fragment index section.
func FragmentIndexOffset(metaLen, pyramidLen uint32) uint64 {
	return PyramidOffset(metaLen) + uint64(pyramidLen)
}

// DataOffset is the absolute byte offset of the tile data section.
func DataOffset(metaLen, pyramidLen uint32, fragmentLen uint64) uint64 {
	return FragmentIndexOffset(metaLen, pyramidLen) + fragmentLen
}
