// Package mb provides API for reading tiles and metadata in MBTiles format.
//
// Note: User must properly initialize the sqlite3 library generic driver
// (e.g. import _ "github.com/mattn/go-sqlite3") before using this package.
package mb

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/comtiles/comtiles/tile"
)

// Reader implements tile.Reader interface for MBTiles format.
type Reader struct {
	db   *sql.DB
	stmt *sql.Stmt
}

// NewReader creates a new Reader for the given MBTiles file path.
//
// The returned Reader must be closed after use to release database resources.
func NewReader(filePath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", filePath))
	if err != nil {
		return nil, err
	}

	stmt, err := db.Prepare("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Reader{db: db, stmt: stmt}, nil
}

func (r *Reader) Close() error {
	return errors.Join(r.stmt.Close(), r.db.Close())
}

func (r *Reader) ReadMetadata() (map[string]string, error) {
	metadata := make(map[string]string)

	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		metadata[name] = value
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return metadata, nil
}

func (r *Reader) ReadTile(tileID tile.ID) ([]byte, error) {
	x, y, z := tileID.X, tileID.Y, tileID.Z
	y = (1 << z) - 1 - y // XYZ -> TMS

	var tileData []byte
	if err := r.stmt.QueryRow(z, x, y).Scan(&tileData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return make([]byte, 0), nil
		}
		return nil, err
	}

	return tileData, nil
}

func (r *Reader) VisitTiles(visitor func(tile.ID, []byte) error) error {
	rows, err := r.db.Query("SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var x, y, z uint32
		var tileData []byte

		if err := rows.Scan(&z, &x, &y, &tileData); err != nil {
			return err
		}

		y = (1 << z) - 1 - y // TMS -> XYZ

		if err := visitor(tile.ID{X: x, Y: y, Z: z}, tileData); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return err
	}

	return nil
}

// SizeRecord carries a tile's address (XYZ convention) and payload length
// without the payload itself, produced by VisitSizes.
type SizeRecord struct {
	Zoom uint32
	Col  uint32
	Row  uint32
	Size uint32
}

// VisitSizes visits every tile's address and byte length, ordered by zoom
// then TMS row then TMS column (row-major in the archive's native axis),
// without reading any BLOB payload. ArchiveWriter needs only addresses and
// sizes to build the pyramid and fragment index, though for fragmented zooms
// it takes them fragment by fragment, so this order is regrouped first; the
// payload bytes are read separately, with ReadTile.
func (r *Reader) VisitSizes(visitor func(SizeRecord) error) error {
	rows, err := r.db.Query(`
		SELECT zoom_level, tile_column, tile_row, length(tile_data)
		FROM tiles
		ORDER BY zoom_level, tile_row, tile_column
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var z, x, y, size uint32
		if err := rows.Scan(&z, &x, &y, &size); err != nil {
			return err
		}

		y = (1 << z) - 1 - y // TMS -> XYZ

		if err := visitor(SizeRecord{Zoom: z, Col: x, Row: y, Size: size}); err != nil {
			return err
		}
	}

	return rows.Err()
}

var errVisitCancelled = errors.New("mb: visit cancelled")

// IterSizes adapts VisitSizes to a pull-based iterator, following the same
// panic-on-cancel-error shape tile.IterTiles uses for VisitTiles.
func (r *Reader) IterSizes() iter.Seq[SizeRecord] {
	return func(yield func(SizeRecord) bool) {
		err := r.VisitSizes(func(rec SizeRecord) error {
			if !yield(rec) {
				return errVisitCancelled
			}
			return nil
		})
		if err != nil && !errors.Is(err, errVisitCancelled) {
			panic(err)
		}
	}
}

// ZoomExtent is the XYZ-convention tile bounds of one zoom level.
type ZoomExtent struct {
	MinCol, MinRow, MaxCol, MaxRow uint32
}

// MaxZoom returns the highest zoom level present in the tiles table.
func (r *Reader) MaxZoom() (uint32, error) {
	var maxZoom uint32
	err := r.db.QueryRow("SELECT COALESCE(MAX(zoom_level), 0) FROM tiles").Scan(&maxZoom)
	return maxZoom, err
}

// ZoomExtents returns the exact tile bounds for every zoom level up to and
// including maxZoomDbQuery, computed with a MIN/MAX aggregate per zoom.
// Callers are expected to fall back to the full theoretical extent for
// deeper zooms rather than paying for an aggregate scan over huge tables.
func (r *Reader) ZoomExtents(maxZoomDbQuery uint32) (map[uint32]ZoomExtent, error) {
	rows, err := r.db.Query(`
		SELECT zoom_level, MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row)
		FROM tiles
		WHERE zoom_level <= ?
		GROUP BY zoom_level
	`, maxZoomDbQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	extents := make(map[uint32]ZoomExtent)
	for rows.Next() {
		var z, minCol, maxCol, minRowTMS, maxRowTMS uint32
		if err := rows.Scan(&z, &minCol, &maxCol, &minRowTMS, &maxRowTMS); err != nil {
			return nil, err
		}
		// TMS -> XYZ flips the row axis, so the TMS max row becomes the XYZ min row.
		full := uint32(1) << z
		extents[z] = ZoomExtent{
			MinCol: minCol,
			MaxCol: maxCol,
			MinRow: full - 1 - maxRowTMS,
			MaxRow: full - 1 - minRowTMS,
		}
	}

	return extents, rows.Err()
}
