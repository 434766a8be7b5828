// Command comtiles-convert builds a COMTiles archive from an MBTiles source.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	_ "github.com/mattn/go-sqlite3"

	"github.com/comtiles/comtiles/comt"
	"github.com/comtiles/comtiles/comt/spec"
	"github.com/comtiles/comtiles/mb"
	"github.com/comtiles/comtiles/tile"
)

// defaultFragmentCoefficient is the aggregation coefficient (fragment side
// length 2^coeff tiles) applied to every zoom deeper than pyramidMaxZoom. spec.md's own worked
// examples (scenarios b and c) use coeff=3, an 8x8 fragment; there is no
// per-zoom sizing rule in the source format, so one fixed coefficient is
// applied uniformly.
const defaultFragmentCoefficient = 3

func main() {
	var (
		input          string
		output         string
		pyramidMaxZoom uint32
		maxZoomDbQuery uint32
	)

	pflag.StringVarP(&input, "input", "i", "", "input MBTiles path (required)")
	pflag.StringVarP(&output, "output", "o", "", "output COMTiles path (required)")
	pflag.Uint32VarP(&pyramidMaxZoom, "pyramidMaxZoom", "z", 7, "highest zoom kept in the dense pyramid index")
	pflag.Uint32VarP(&maxZoomDbQuery, "maxZoomDbQuery", "m", 8, "highest zoom queried for exact tile bounds")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if input == "" || output == "" {
		logger.Error("comtiles-convert: -i and -o are required")
		os.Exit(1)
	}

	if err := run(logger, input, output, pyramidMaxZoom, maxZoomDbQuery); err != nil {
		logger.Error("comtiles-convert: failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, input, output string, pyramidMaxZoom, maxZoomDbQuery uint32) error {
	reader, err := mb.NewReader(input)
	if err != nil {
		return fmt.Errorf("open %s: %w", input, err)
	}
	defer reader.Close()

	metadata, err := buildMetadata(reader, pyramidMaxZoom, maxZoomDbQuery)
	if err != nil {
		return fmt.Errorf("build metadata: %w", err)
	}

	logger.Info("comtiles-convert: collecting tile sizes")
	var sizes []mb.SizeRecord
	for rec := range reader.IterSizes() {
		sizes = append(sizes, rec)
	}

	geometry, err := spec.NewGeometry(metadata.TileMatrixSet)
	if err != nil {
		return fmt.Errorf("invalid tile matrix set: %w", err)
	}

	// The size scan is plain row-major per zoom; WriteIndex takes fragmented
	// zooms fragment by fragment. A stable sort on the global fragment index
	// regroups them, keeping pyramid zooms first and row-major order inside.
	fragmentOf := func(rec mb.SizeRecord) uint64 {
		tm, ok := metadata.TileMatrixSet.MatrixForZoom(rec.Zoom)
		if !ok || tm.IsPyramid() {
			return 0
		}
		rng, err := geometry.FragmentRangeForTile(rec.Zoom, rec.Col, tmsRowOf(rec.Zoom, rec.Row), 0, 0)
		if err != nil {
			return 0
		}
		return rng.FragmentIndex
	}
	sort.SliceStable(sizes, func(i, j int) bool { return fragmentOf(sizes[i]) < fragmentOf(sizes[j]) })

	writer, err := comt.NewWriter(output, metadata, comt.WithWriterLogger(logger))
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	defer writer.Close()

	records := func(yield func(comt.TileRecord) bool) {
		for _, rec := range sizes {
			tmsRow := tmsRowOf(rec.Zoom, rec.Row)
			tm, ok := metadata.TileMatrixSet.MatrixForZoom(rec.Zoom)
			if !ok {
				continue
			}

			out := comt.TileRecord{Zoom: rec.Zoom, Col: rec.Col, Row: tmsRow, Size: rec.Size}
			if !tm.IsPyramid() {
				rng, err := geometry.FragmentRangeForTile(rec.Zoom, rec.Col, tmsRow, 0, 0)
				if err != nil {
					panic(err)
				}
				out.FragmentIndex = rng.FragmentIndex
			}
			if !yield(out) {
				return
			}
		}
	}
	if err := writer.WriteIndex(records); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	bar := progressbar.NewOptions(len(sizes), progressbar.OptionShowIts(), progressbar.OptionShowCount())
	payloads := func(yield func([]byte) bool) {
		for _, rec := range sizes {
			var data []byte
			if rec.Size > 0 {
				var err error
				data, err = reader.ReadTile(tile.ID{X: rec.Col, Y: rec.Row, Z: rec.Zoom})
				if err != nil {
					panic(err)
				}
			}
			_ = bar.Add(1)
			if !yield(data) {
				return
			}
		}
	}
	if err := writer.WritePayloads(payloads); err != nil {
		return fmt.Errorf("write payloads: %w", err)
	}
	_ = bar.Finish()
	fmt.Println()

	if err := writer.Finalize(); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	logger.Info("comtiles-convert: done", "tiles", len(sizes), "output", output)
	return nil
}

// tmsRowOf converts an XYZ row (as returned by mb.Reader) back to the TMS
// row the archive's geometry is addressed in.
func tmsRowOf(z, xyzRow uint32) uint32 {
	return (uint32(1) << z) - xyzRow - 1
}

// buildMetadata assembles the archive's metadata document: MBTiles'
// key/value metadata table for the descriptive fields, and a TileMatrixSet
// derived from the source's actual zoom range and tile bounds.
func buildMetadata(reader *mb.Reader, pyramidMaxZoom, maxZoomDbQuery uint32) (spec.Metadata, error) {
	mbMeta, err := reader.ReadMetadata()
	if err != nil {
		return spec.Metadata{}, err
	}

	maxZoom, err := reader.MaxZoom()
	if err != nil {
		return spec.Metadata{}, err
	}
	extents, err := reader.ZoomExtents(maxZoomDbQuery)
	if err != nil {
		return spec.Metadata{}, err
	}

	matrices := make([]spec.TileMatrix, 0, maxZoom+1)
	for z := uint32(0); z <= maxZoom; z++ {
		full := uint32(1) << z
		limits := spec.TileMatrixLimits{MinTileCol: 0, MinTileRow: 0, MaxTileCol: full - 1, MaxTileRow: full - 1}
		if e, ok := extents[z]; ok {
			limits = spec.TileMatrixLimits{MinTileCol: e.MinCol, MinTileRow: tmsRowOf(z, e.MaxRow), MaxTileCol: e.MaxCol, MaxTileRow: tmsRowOf(z, e.MinRow)}
		}

		coeff := int32(defaultFragmentCoefficient)
		if z <= pyramidMaxZoom {
			coeff = -1
		}
		matrices = append(matrices, spec.TileMatrix{Zoom: z, AggregationCoefficient: coeff, TileMatrixLimits: limits})
	}

	metadata := spec.Metadata{
		TileFormat:      spec.TileFormatPbf,
		TileCompression: spec.TileCompressionGzip,
		Name:            mbMeta["name"],
		Description:     mbMeta["description"],
		Attribution:     mbMeta["attribution"],
		TileMatrixSet: spec.TileMatrixSet{
			TileMatrixCRS:  spec.CrsWebMercatorQuad,
			PyramidMaxZoom: pyramidMaxZoom,
			TileMatrices:   matrices,
		},
	}

	if bounds, ok := mbMeta["bounds"]; ok {
		var b [4]float64
		if _, err := fmt.Sscanf(bounds, "%f,%f,%f,%f", &b[0], &b[1], &b[2], &b[3]); err == nil {
			metadata.Bounds = b
		}
	}
	if center, ok := mbMeta["center"]; ok {
		var c [3]float64
		if _, err := fmt.Sscanf(center, "%f,%f,%f", &c[0], &c[1], &c[2]); err == nil {
			metadata.Center = c
		}
	}

	return metadata, nil
}
