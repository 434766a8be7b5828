package spec

import (
	"errors"
	"fmt"
)

// Crs identifies a tile matrix set's coordinate reference system. COMTiles
// supports exactly one dialect; this type exists so a reader rejects
// anything else explicitly rather than silently misinterpreting it.
type Crs string

// CrsWebMercatorQuad is the only supported CRS.
const CrsWebMercatorQuad Crs = "WebMercatorQuad"

// Ordering identifies a row/column enumeration order. An empty Ordering
// means "default", which is RowMajor.
type Ordering string

const (
	OrderingDefault  Ordering = ""
	OrderingRowMajor Ordering = "RowMajor"
)

func (o Ordering) supported() bool {
	return o == OrderingDefault || o == OrderingRowMajor
}

var (
	ErrUnsupportedCrs      = errors.New("comt: unsupported tile matrix CRS")
	ErrUnsupportedOrdering = errors.New("comt: unsupported fragment/tile ordering")
	ErrUnsupportedFormat   = errors.New("comt: unsupported tile format")
	ErrOutOfRange          = errors.New("comt: tile address outside tile matrix limits")
)

// TileMatrixLimits bounds the valid (col, row) addresses of one zoom level.
// Both ends are inclusive.
type TileMatrixLimits struct {
	MinTileCol uint32 `json:"minTileCol"`
	MinTileRow uint32 `json:"minTileRow"`
	MaxTileCol uint32 `json:"maxTileCol"`
	MaxTileRow uint32 `json:"maxTileRow"`
}

// Contains reports whether (col, row) lies within the limits.
func (l TileMatrixLimits) Contains(col, row uint32) bool {
	return col >= l.MinTileCol && col <= l.MaxTileCol && row >= l.MinTileRow && row <= l.MaxTileRow
}

// TileMatrix describes one zoom level's fragmentation policy and extent.
// AggregationCoefficient == -1 marks a pyramid zoom; otherwise the fragment
// side length (in tiles) is 2^AggregationCoefficient.
type TileMatrix struct {
	Zoom                   uint32           `json:"zoom"`
	AggregationCoefficient int32            `json:"aggregationCoefficient"`
	TileMatrixLimits       TileMatrixLimits `json:"tileMatrixLimits"`
}

// IsPyramid reports whether this zoom belongs to the pyramid zone.
func (tm TileMatrix) IsPyramid() bool {
	return tm.AggregationCoefficient == -1
}

// FragmentSide returns the fragment side length in tiles (2^coeff). Callers
// must not invoke this on a pyramid zoom.
func (tm TileMatrix) FragmentSide() uint32 {
	return 1 << uint32(tm.AggregationCoefficient)
}

// NumTiles returns the total number of tiles addressable at this zoom,
// i.e. the area of TileMatrixLimits.
func (tm TileMatrix) NumTiles() uint64 {
	l := tm.TileMatrixLimits
	return uint64(l.MaxTileCol-l.MinTileCol+1) * uint64(l.MaxTileRow-l.MinTileRow+1)
}

// TileMatrixSet is the archive's tiling scheme: one TileMatrix per zoom,
// from 0 up to the deepest zoom present.
type TileMatrixSet struct {
	TileMatrixCRS    Crs          `json:"tileMatrixCRS"`
	FragmentOrdering Ordering     `json:"fragmentOrdering,omitempty"`
	TileOrdering     Ordering     `json:"tileOrdering,omitempty"`
	PyramidMaxZoom   uint32       `json:"pyramidMaxZoom"`
	TileMatrices     []TileMatrix `json:"tileMatrices"`
}

// Validate checks the invariants spec.md §3 and §4.1 require before any
// geometry arithmetic is trusted: CRS, ordering.
func (tms TileMatrixSet) Validate() error {
	if tms.TileMatrixCRS != CrsWebMercatorQuad {
		return fmt.Errorf("%w: %q", ErrUnsupportedCrs, tms.TileMatrixCRS)
	}
	if !tms.FragmentOrdering.supported() {
		return fmt.Errorf("%w: fragmentOrdering=%q", ErrUnsupportedOrdering, tms.FragmentOrdering)
	}
	if !tms.TileOrdering.supported() {
		return fmt.Errorf("%w: tileOrdering=%q", ErrUnsupportedOrdering, tms.TileOrdering)
	}
	return nil
}

// MatrixForZoom returns the TileMatrix describing zoom z, if present.
func (tms TileMatrixSet) MatrixForZoom(z uint32) (TileMatrix, bool) {
	// TileMatrices is conventionally indexed by zoom already (zoom 0 at
	// index 0, contiguous), but fall back to a linear scan so a sparse or
	// out-of-order slice still resolves correctly.
	if int(z) < len(tms.TileMatrices) && tms.TileMatrices[z].Zoom == z {
		return tms.TileMatrices[z], true
	}
	for _, tm := range tms.TileMatrices {
		if tm.Zoom == z {
			return tm, true
		}
	}
	return TileMatrix{}, false
}

// Metadata is the archive's JSON metadata document. The core byte-exact
// invariants in spec.md only depend on TileMatrixSet; the remaining fields
// are the ambient document content a real producer/consumer pair carries
// (sourced from the upstream MBTiles metadata table).
type Metadata struct {
	TileFormat      string        `json:"tileFormat"`
	TileCompression string        `json:"tileCompression,omitempty"`
	Name            string        `json:"name,omitempty"`
	Description     string        `json:"description,omitempty"`
	Attribution     string        `json:"attribution,omitempty"`
	Bounds          [4]float64    `json:"bounds,omitempty"`
	Center          [3]float64    `json:"center,omitempty"`
	TileMatrixSet   TileMatrixSet `json:"tileMatrixSet"`
}

const (
	TileFormatPbf = "pbf"

	TileCompressionGzip = "gzip"
	TileCompressionNone = "none"
)

// Validate checks the archive-level invariants that gate reader bootstrap:
// tile format and the embedded TileMatrixSet.
func (m Metadata) Validate() error {
	if m.TileFormat != TileFormatPbf {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, m.TileFormat)
	}
	return m.TileMatrixSet.Validate()
}
