package spec_test

import (
	"bytes"
	"testing"

	"github.com/comtiles/comtiles/comt/spec"
)

func TestCompressDecompressPyramidRoundTrip(t *testing.T) {
	original := make([]byte, 3*1000)
	for i := range original {
		original[i] = byte(i * 7)
	}

	compressed, err := spec.CompressPyramid(original)
	if err != nil {
		t.Fatalf("CompressPyramid: %v", err)
	}
	if len(compressed) == 0 {
		t.Fatal("compressed output is empty")
	}

	decompressed, err := spec.DecompressPyramid(compressed)
	if err != nil {
		t.Fatalf("DecompressPyramid: %v", err)
	}
	if !bytes.Equal(original, decompressed) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecompressPyramid_Empty(t *testing.T) {
	compressed, err := spec.CompressPyramid(nil)
	if err != nil {
		t.Fatalf("CompressPyramid: %v", err)
	}
	decompressed, err := spec.DecompressPyramid(compressed)
	if err != nil {
		t.Fatalf("DecompressPyramid: %v", err)
	}
	if len(decompressed) != 0 {
		t.Fatalf("len(decompressed) = %d, want 0", len(decompressed))
	}
}

func TestDecompressPyramid_Garbage(t *testing.T) {
	if _, err := spec.DecompressPyramid([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Fatal("expected error decompressing non-zlib data")
	}
}
