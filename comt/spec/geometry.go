package spec

import "errors"

// ErrPyramidZoom is returned by FragmentRangeForTile when asked about a
// pyramid-zone zoom, which has no fragment range: its tile size lives in
// the decompressed pyramid buffer instead.
var ErrPyramidZoom = errors.New("comt: zoom belongs to the pyramid zone, not a fragment")

// FragmentRange is the absolute byte range, within the archive, of the
// fragment index entry covering one tile, along with that fragment's
// ordinal position among all fragments in the archive.
type FragmentRange struct {
	FragmentIndex uint64
	StartOffset   uint64
	EndOffset     uint64
}

// Geometry is the pure address arithmetic over one TileMatrixSet: mapping
// a (zoom, col, row) address to its slot in the decompressed index, and to
// the fragment that holds it. It never performs I/O.
type Geometry struct {
	tms TileMatrixSet
}

// NewGeometry validates tms and wraps it for offset computation.
func NewGeometry(tms TileMatrixSet) (Geometry, error) {
	if err := tms.Validate(); err != nil {
		return Geometry{}, err
	}
	return Geometry{tms: tms}, nil
}

// TileMatrixSet returns the geometry's underlying tile matrix set.
func (g Geometry) TileMatrixSet() TileMatrixSet { return g.tms }

// OffsetInIndex returns the byte offset of tile (z, x, y)'s 3-byte size
// entry within the decompressed index (pyramid followed by fragments,
// ignoring the 5-byte fragment prefixes), along with the equivalent entry
// count (index == offset/3).
func (g Geometry) OffsetInIndex(z, x, y uint32) (offset uint64, index uint64, err error) {
	target, ok := g.tms.MatrixForZoom(z)
	if !ok {
		return 0, 0, ErrOutOfRange
	}
	if !target.TileMatrixLimits.Contains(x, y) {
		return 0, 0, ErrOutOfRange
	}

	var total uint64
	for _, tm := range g.tms.TileMatrices {
		if tm.Zoom >= z {
			continue
		}
		total += tm.NumTiles() * 3
	}

	if target.IsPyramid() {
		limits := target.TileMatrixLimits
		width := uint64(limits.MaxTileCol-limits.MinTileCol) + 1
		local := uint64(y-limits.MinTileRow)*width + uint64(x-limits.MinTileCol)
		total += local * 3
		return total, total / 3, nil
	}

	sfb := sparseFragmentBounds(target, x, y)
	before := entriesBeforeFragment(target.TileMatrixLimits, sfb)
	fragWidth := uint64(sfb.MaxTileCol-sfb.MinTileCol) + 1
	localInFragment := uint64(y-sfb.MinTileRow)*fragWidth + uint64(x-sfb.MinTileCol)
	total += (before + localInFragment) * 3
	return total, total / 3, nil
}

// FragmentRangeForTile returns the absolute byte range of the fragment
// index entry covering tile (z, x, y). metadataLen and pyramidLen are the
// archive header's metaLen and pyramidLen fields, needed to translate the
// fragment-index-relative offset into an absolute file offset. Returns
// ErrPyramidZoom if z lies in the pyramid zone.
func (g Geometry) FragmentRangeForTile(z, x, y uint32, metadataLen, pyramidLen uint64) (FragmentRange, error) {
	tm, ok := g.tms.MatrixForZoom(z)
	if !ok {
		return FragmentRange{}, ErrOutOfRange
	}
	if tm.IsPyramid() {
		return FragmentRange{}, ErrPyramidZoom
	}
	if !tm.TileMatrixLimits.Contains(x, y) {
		return FragmentRange{}, ErrOutOfRange
	}

	var fragmentIndex uint64
	var relativeOffset uint64
	for _, earlier := range g.tms.TileMatrices {
		if earlier.Zoom >= z || earlier.IsPyramid() {
			continue
		}
		nf := numFragmentsForZoom(earlier)
		fragmentIndex += nf
		relativeOffset += nf*5 + earlier.NumTiles()*3
	}

	sfb := sparseFragmentBounds(tm, x, y)
	before := entriesBeforeFragment(tm.TileMatrixLimits, sfb)
	nBefore := numFragmentsBefore(tm, x, y)
	entriesInFragment := uint64(sfb.MaxTileCol-sfb.MinTileCol+1) * uint64(sfb.MaxTileRow-sfb.MinTileRow+1)

	fragmentIndex += nBefore
	startOffset := uint64(HeaderLength) + metadataLen + pyramidLen + relativeOffset + nBefore*5 + before*3
	endOffset := startOffset + entriesInFragment*3 + 5

	return FragmentRange{
		FragmentIndex: fragmentIndex,
		StartOffset:   startOffset,
		EndOffset:     endOffset,
	}, nil
}

// SparseFragmentBounds returns the tile-address bounds of the fragment
// containing (z, x, y): the dense 2^coeff square intersected with the
// zoom's tileMatrixLimits. It is exported so callers (the reader's fragment
// decode step) can locate a fragment's first tile without duplicating the
// intersection arithmetic.
func (g Geometry) SparseFragmentBounds(z, x, y uint32) (TileMatrixLimits, error) {
	tm, ok := g.tms.MatrixForZoom(z)
	if !ok {
		return TileMatrixLimits{}, ErrOutOfRange
	}
	if tm.IsPyramid() {
		return TileMatrixLimits{}, ErrPyramidZoom
	}
	if !tm.TileMatrixLimits.Contains(x, y) {
		return TileMatrixLimits{}, ErrOutOfRange
	}
	return sparseFragmentBounds(tm, x, y), nil
}

// sparseFragmentBounds intersects the dense fragment cell containing (x, y)
// with the zoom's tileMatrixLimits.
func sparseFragmentBounds(tm TileMatrix, x, y uint32) TileMatrixLimits {
	f := tm.FragmentSide()
	fc := x / f
	fr := y / f
	limit := tm.TileMatrixLimits

	minCol := fc * f
	if limit.MinTileCol > minCol {
		minCol = limit.MinTileCol
	}
	minRow := fr * f
	if limit.MinTileRow > minRow {
		minRow = limit.MinTileRow
	}
	maxCol := fc*f + f - 1
	if limit.MaxTileCol < maxCol {
		maxCol = limit.MaxTileCol
	}
	maxRow := fr*f + f - 1
	if limit.MaxTileRow < maxRow {
		maxRow = limit.MaxTileRow
	}

	return TileMatrixLimits{MinTileCol: minCol, MinTileRow: minRow, MaxTileCol: maxCol, MaxTileRow: maxRow}
}

// entriesBeforeFragment counts index entries belonging to fragments below
// sfb's band, plus fragments left of sfb within its own band.
func entriesBeforeFragment(limit, sfb TileMatrixLimits) uint64 {
	leftBefore := uint64(sfb.MinTileCol-limit.MinTileCol) * (uint64(sfb.MaxTileRow-limit.MinTileRow) + 1)
	belowBefore := (uint64(limit.MaxTileCol-sfb.MinTileCol) + 1) * uint64(sfb.MinTileRow-limit.MinTileRow)
	return leftBefore + belowBefore
}

// numFragmentsForZoom counts the distinct fragment cells a zoom's
// tileMatrixLimits touches.
func numFragmentsForZoom(tm TileMatrix) uint64 {
	f := tm.FragmentSide()
	limit := tm.TileMatrixLimits
	fcSpan := limit.MaxTileCol/f - limit.MinTileCol/f + 1
	frSpan := limit.MaxTileRow/f - limit.MinTileRow/f + 1
	return uint64(fcSpan) * uint64(frSpan)
}

// numFragmentsBefore counts, in row-major fragment order, the fragment
// cells preceding the fragment that contains (x, y): every fragment in a
// row below it, plus fragments to its left within its own row.
func numFragmentsBefore(tm TileMatrix, x, y uint32) uint64 {
	f := tm.FragmentSide()
	limit := tm.TileMatrixLimits
	fcMin := limit.MinTileCol / f
	fcMax := limit.MaxTileCol / f
	frMin := limit.MinTileRow / f

	targetFc := x / f
	targetFr := y / f

	numPerRow := uint64(fcMax-fcMin) + 1
	return uint64(targetFr-frMin)*numPerRow + uint64(targetFc-fcMin)
}
