package spec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressPyramid zlib-compresses the decompressed pyramid index buffer.
func CompressPyramid(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := zlib.NewWriterLevel(&buffer, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("comt: zlib writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("comt: compress pyramid: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("comt: compress pyramid: %w", err)
	}

	return buffer.Bytes(), nil
}

// DecompressPyramid reverses CompressPyramid.
func DecompressPyramid(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("comt: zlib reader: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("comt: decompress pyramid: %w", err)
	}
	return result, nil
}
