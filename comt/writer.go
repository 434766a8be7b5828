package comt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"

	"github.com/comtiles/comtiles/comt/spec"
)

type writerConfig struct {
	Logger *slog.Logger
}

// WriterOption configures an ArchiveWriter.
type WriterOption func(*writerConfig)

// WithWriterLogger sets the logger the writer reports progress through.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) { c.Logger = logger }
}

// ArchiveWriter streams a COMTiles archive to disk: header placeholder,
// metadata, pyramid index, fragment index, then tile payloads, patching the
// header's length fields once the index sections are known.
type ArchiveWriter struct {
	logger   *slog.Logger
	file     *os.File
	out      *bufio.Writer
	geometry spec.Geometry
	metadata spec.Metadata

	metaLen     uint32
	pyramidLen  uint32
	fragmentLen uint64

	indexWritten bool
	payloadsDone bool
}

// NewWriter creates filePath and writes the header placeholder and metadata
// document, ready for WriteIndex.
func NewWriter(filePath string, metadata spec.Metadata, opts ...WriterOption) (w *ArchiveWriter, err error) {
	if err := metadata.Validate(); err != nil {
		return nil, err
	}
	geometry, err := spec.NewGeometry(metadata.TileMatrixSet)
	if err != nil {
		return nil, err
	}

	config := writerConfig{Logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&config)
	}

	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("comt: marshal metadata: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	placeholder := spec.SerializeHeader(spec.Header{Version: spec.CurrentVersion, MetaLen: uint32(len(metaBytes))})
	if _, err = file.Write(placeholder); err != nil {
		return nil, err
	}
	if _, err = file.Write(metaBytes); err != nil {
		return nil, err
	}

	return &ArchiveWriter{
		logger:   config.Logger,
		file:     file,
		out:      bufio.NewWriter(file),
		geometry: geometry,
		metadata: metadata,
		metaLen:  uint32(len(metaBytes)),
	}, nil
}

// WriteIndex consumes records in ascending zoom order and writes the pyramid
// index followed by the fragment index. Records belonging to zoom <=
// PyramidMaxZoom feed the pyramid buffer and come row-major (row, then
// column). Records of a fragmented zoom must come fragment by fragment, in
// row-major fragment order and row-major within each fragment, and carry the
// FragmentIndex of the fragment they belong to. It must be called exactly
// once, before WritePayloads.
func (w *ArchiveWriter) WriteIndex(records iter.Seq[TileRecord]) error {
	if w.indexWritten {
		panic("comt: WriteIndex called twice")
	}
	w.indexWritten = true

	tms := w.metadata.TileMatrixSet
	pyramidMaxZoom := tms.PyramidMaxZoom

	var totalPyramidTiles uint64
	for _, tm := range tms.TileMatrices {
		if tm.Zoom <= pyramidMaxZoom {
			totalPyramidTiles += tm.NumTiles()
		}
	}
	pyramidBuf := make([]byte, 3*totalPyramidTiles)

	var dataSectionOffset uint64
	pyramidFlushed := totalPyramidTiles == 0
	if pyramidFlushed {
		w.logger.Debug("comt: no pyramid tiles, writing empty pyramid section")
		if err := w.flushPyramid(pyramidBuf); err != nil {
			return err
		}
	}

	const zeroEntry = 3
	zeroPad := make([]byte, zeroEntry)

	// previousIndex tracks the decompressed-index position of the last
	// entry actually written (pyramid or fragment), in the same units
	// IndexGeometry.OffsetInIndex returns. It starts one slot before the
	// pyramid's first fragment-zone index: the pyramid buffer is dense and
	// pre-zeroed, so it needs no padding bookkeeping of its own, but the
	// fragment loop must know where the pyramid left off. A signed type
	// lets an empty pyramid (totalPyramidTiles == 0) represent "nothing
	// written yet" as -1 instead of wrapping an unsigned zero.
	previousIndex := int64(totalPyramidTiles) - 1
	var previousFragmentIndex uint64
	haveFragment := false

	for rec := range records {
		if rec.Size > spec.MaxTileSize {
			return fmt.Errorf("%w: zoom=%d col=%d row=%d size=%d", ErrTileTooLarge, rec.Zoom, rec.Col, rec.Row, rec.Size)
		}

		if rec.Zoom <= pyramidMaxZoom {
			offset, _, err := w.geometry.OffsetInIndex(rec.Zoom, rec.Col, rec.Row)
			if err != nil {
				return err
			}
			spec.WriteU24LE(pyramidBuf, int(offset), rec.Size)
			dataSectionOffset += uint64(rec.Size)
			continue
		}

		if !pyramidFlushed {
			if err := w.flushPyramid(pyramidBuf); err != nil {
				return err
			}
			pyramidFlushed = true
		}

		if !haveFragment || rec.FragmentIndex > previousFragmentIndex {
			if dataSectionOffset > spec.MaxOffset {
				return fmt.Errorf("%w: %d", ErrOffsetOverflow, dataSectionOffset)
			}
			prefix := make([]byte, 5)
			spec.WriteU40LE(prefix, 0, dataSectionOffset)
			if _, err := w.out.Write(prefix); err != nil {
				return err
			}
			w.fragmentLen += 5
			previousFragmentIndex = rec.FragmentIndex
			haveFragment = true
		}

		_, index, err := w.geometry.OffsetInIndex(rec.Zoom, rec.Col, rec.Row)
		if err != nil {
			return err
		}

		padding := int64(index) - previousIndex - 1
		for range padding {
			if _, err := w.out.Write(zeroPad); err != nil {
				return err
			}
			w.fragmentLen += zeroEntry
		}

		entry := make([]byte, 3)
		spec.WriteU24LE(entry, 0, rec.Size)
		if _, err := w.out.Write(entry); err != nil {
			return err
		}
		w.fragmentLen += 3

		dataSectionOffset += uint64(rec.Size)
		previousIndex = int64(index)
	}

	if !pyramidFlushed {
		if err := w.flushPyramid(pyramidBuf); err != nil {
			return err
		}
	}

	return nil
}

func (w *ArchiveWriter) flushPyramid(decompressed []byte) error {
	compressed, err := spec.CompressPyramid(decompressed)
	if err != nil {
		return err
	}
	if _, err := w.out.Write(compressed); err != nil {
		return err
	}
	w.pyramidLen = uint32(len(compressed))
	return nil
}

// WritePayloads streams tile payload bytes in the same row-major order used
// by WriteIndex. Empty slices (missing tiles) contribute nothing to the
// stream. It must be called exactly once, after WriteIndex.
func (w *ArchiveWriter) WritePayloads(payloads iter.Seq[[]byte]) error {
	if !w.indexWritten {
		panic("comt: WritePayloads called before WriteIndex")
	}
	if w.payloadsDone {
		panic("comt: WritePayloads called twice")
	}
	w.payloadsDone = true

	for data := range payloads {
		if len(data) == 0 {
			continue
		}
		if _, err := w.out.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Finalize flushes buffered output, patches the header's pyramidLen and
// fragmentLen fields, and closes the archive file. It must be called
// exactly once, after WritePayloads.
func (w *ArchiveWriter) Finalize() error {
	w.logger.Debug("comt: flush")
	if err := w.out.Flush(); err != nil {
		return err
	}

	w.logger.Debug("comt: patch header", "pyramidLen", w.pyramidLen, "fragmentLen", w.fragmentLen)
	if _, err := w.file.Seek(12, io.SeekStart); err != nil {
		return err
	}
	header := spec.Header{
		Version:     spec.CurrentVersion,
		MetaLen:     w.metaLen,
		PyramidLen:  w.pyramidLen,
		FragmentLen: w.fragmentLen,
	}
	full := spec.SerializeHeader(header)
	if _, err := w.file.Write(full[12:24]); err != nil {
		return err
	}

	w.logger.Debug("comt: done")
	return w.file.Close()
}

// Close releases the underlying file without finalizing the header. Callers
// that complete Finalize successfully need not call Close.
func (w *ArchiveWriter) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}
