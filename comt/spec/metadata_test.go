package spec_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/comtiles/comtiles/comt/spec"
)

func validTMS() spec.TileMatrixSet {
	return spec.TileMatrixSet{
		TileMatrixCRS:  spec.CrsWebMercatorQuad,
		PyramidMaxZoom: 0,
		TileMatrices: []spec.TileMatrix{
			{Zoom: 0, AggregationCoefficient: -1, TileMatrixLimits: spec.TileMatrixLimits{MaxTileCol: 0, MaxTileRow: 0}},
		},
	}
}

func TestTileMatrixSetValidate(t *testing.T) {
	if err := validTMS().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestTileMatrixSetValidate_BadCrs(t *testing.T) {
	tms := validTMS()
	tms.TileMatrixCRS = "EPSG:4326"
	if err := tms.Validate(); err == nil {
		t.Fatal("expected error for unsupported CRS")
	}
}

func TestTileMatrixSetValidate_BadOrdering(t *testing.T) {
	tms := validTMS()
	tms.FragmentOrdering = "ColumnMajor"
	if err := tms.Validate(); err == nil {
		t.Fatal("expected error for unsupported ordering")
	}
}

func TestMetadataValidate(t *testing.T) {
	m := spec.Metadata{TileFormat: spec.TileFormatPbf, TileMatrixSet: validTMS()}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestMetadataValidate_BadFormat(t *testing.T) {
	m := spec.Metadata{TileFormat: "raster", TileMatrixSet: validTMS()}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for unsupported tile format")
	}
}

func TestTileMatrix_IsPyramidAndFragmentSide(t *testing.T) {
	pyramid := spec.TileMatrix{Zoom: 0, AggregationCoefficient: -1}
	if !pyramid.IsPyramid() {
		t.Fatal("expected pyramid zoom")
	}

	fragmented := spec.TileMatrix{Zoom: 5, AggregationCoefficient: 3}
	if fragmented.IsPyramid() {
		t.Fatal("expected fragmented zoom")
	}
	if got := fragmented.FragmentSide(); got != 8 {
		t.Fatalf("FragmentSide = %d, want 8", got)
	}
}

func TestMetadata_JSONRoundTrip(t *testing.T) {
	m := spec.Metadata{
		TileFormat:      spec.TileFormatPbf,
		TileCompression: spec.TileCompressionGzip,
		Name:            "test archive",
		Bounds:          [4]float64{-180, -85, 180, 85},
		TileMatrixSet:   validTMS(),
	}

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got spec.Metadata
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTileMatrixSet_MatrixForZoom(t *testing.T) {
	tms := validTMS()
	if _, ok := tms.MatrixForZoom(5); ok {
		t.Fatal("expected zoom 5 to be absent")
	}
	tm, ok := tms.MatrixForZoom(0)
	if !ok {
		t.Fatal("expected zoom 0 to be present")
	}
	if tm.Zoom != 0 {
		t.Fatalf("tm.Zoom = %d, want 0", tm.Zoom)
	}
}
