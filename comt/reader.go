package comt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"

	"github.com/comtiles/comtiles/comt/spec"
)

// initialChunkSize is the size of the single range request the reader
// issues to bootstrap the header, metadata and pyramid index.
const initialChunkSize = 512 * 1024

// defaultFragmentCacheSize is the LRU capacity over fragment byte ranges.
const defaultFragmentCacheSize = 28

// RangeFetcher performs an inclusive byte-range read against the archive's
// backing store. Implementations must honor ctx cancellation.
type RangeFetcher interface {
	FetchRange(ctx context.Context, start, end uint64) ([]byte, error)
}

type readerConfig struct {
	Logger    *slog.Logger
	Throttle  time.Duration
	CacheSize int
}

// ReaderOption configures an ArchiveReader.
type ReaderOption func(*readerConfig)

// WithReaderLogger sets the logger the reader reports cache/fetch activity
// through.
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(c *readerConfig) { c.Logger = logger }
}

// WithThrottle enables batch-mode coalescing: GetTileBatched groups tile
// fetches arriving within this window into merged range requests. Zero (the
// default) leaves GetTileBatched equivalent to GetTile.
func WithThrottle(d time.Duration) ReaderOption {
	return func(c *readerConfig) { c.Throttle = d }
}

// WithFragmentCacheSize overrides the fragment LRU's capacity.
func WithFragmentCacheSize(n int) ReaderOption {
	return func(c *readerConfig) { c.CacheSize = n }
}

// ArchiveReader resolves tiles from a COMTiles archive over a RangeFetcher:
// one bootstrap fetch for header/metadata/pyramid, then per-tile fragment
// fetches deduplicated and cached behind a bounded LRU.
type ArchiveReader struct {
	fetcher RangeFetcher
	logger  *slog.Logger

	initOnce sync.Once
	initErr  error

	header     spec.Header
	metadata   spec.Metadata
	geometry   spec.Geometry
	pyramidBuf []byte
	// cumulative[i] is the sum of every pyramid tile's size before entry i;
	// cumulative[i+1]-cumulative[i] is entry i's own size. Precomputed once
	// at bootstrap so GetTile resolves a pyramid-zone tile's absolute data
	// offset in O(1) instead of re-summing the buffer on every call.
	cumulative []uint64

	fragmentCache *lru.Cache[uint64, []byte]

	fragmentMu      sync.Mutex
	fragmentFetches map[uint64]*pendingFragmentFetch

	dispatcher *BatchDispatcher
}

// pendingFragmentFetch is an in-flight fragment-index fetch shared by every
// caller currently blocked on the same fragment. Its own context is
// independent of any one caller's: waiters is a refcount, and the fetch is
// only cancelled once every registered waiter has left (dropped out via its
// own ctx or received the result), never when just one of several sharing it
// cancels first.
type pendingFragmentFetch struct {
	cancel  context.CancelFunc
	done    chan struct{}
	waiters int
	data    []byte
	err     error
}

// NewReader creates a reader that defers its bootstrap fetch until the
// first GetTile/GetTileBatched call (createLazy in the capability set).
func NewReader(fetcher RangeFetcher, opts ...ReaderOption) (*ArchiveReader, error) {
	config := readerConfig{
		Logger:    slog.New(slog.DiscardHandler),
		CacheSize: defaultFragmentCacheSize,
	}
	for _, opt := range opts {
		opt(&config)
	}

	cache, err := lru.New[uint64, []byte](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("comt: fragment cache: %w", err)
	}

	r := &ArchiveReader{
		fetcher:         fetcher,
		logger:          config.Logger,
		fragmentCache:   cache,
		fragmentFetches: make(map[uint64]*pendingFragmentFetch),
	}
	if config.Throttle > 0 {
		r.dispatcher = NewBatchDispatcher(fetcher, config.Throttle, config.Logger)
	}
	return r, nil
}

// NewReaderEager creates a reader and immediately runs its bootstrap fetch
// (create in the capability set).
func NewReaderEager(ctx context.Context, fetcher RangeFetcher, opts ...ReaderOption) (*ArchiveReader, error) {
	r, err := NewReader(fetcher, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Metadata returns the archive's parsed metadata document, bootstrapping
// the reader first if necessary.
func (r *ArchiveReader) Metadata(ctx context.Context) (spec.Metadata, error) {
	if err := r.ensureInit(ctx); err != nil {
		return spec.Metadata{}, err
	}
	return r.metadata, nil
}

func (r *ArchiveReader) ensureInit(ctx context.Context) error {
	r.initOnce.Do(func() {
		r.initErr = r.bootstrap(ctx)
	})
	return r.initErr
}

func (r *ArchiveReader) bootstrap(ctx context.Context) error {
	chunk, err := r.fetcher.FetchRange(ctx, 0, initialChunkSize-1)
	if err != nil {
		return err
	}
	if len(chunk) < spec.HeaderLength {
		return fmt.Errorf("%w: initial chunk shorter than header", spec.ErrInvalidHeader)
	}

	header, err := spec.DeserializeHeader(chunk[:spec.HeaderLength])
	if err != nil {
		return err
	}
	r.header = header

	metaEnd := spec.HeaderLength + int(header.MetaLen)
	chunk, err = r.extendChunk(ctx, chunk, metaEnd)
	if err != nil {
		return err
	}

	var metadata spec.Metadata
	if err := json.Unmarshal(chunk[spec.HeaderLength:metaEnd], &metadata); err != nil {
		return fmt.Errorf("comt: parse metadata: %w", err)
	}
	if err := metadata.Validate(); err != nil {
		return err
	}
	r.metadata = metadata

	geometry, err := spec.NewGeometry(metadata.TileMatrixSet)
	if err != nil {
		return err
	}
	r.geometry = geometry

	pyramidEnd := metaEnd + int(header.PyramidLen)
	if pyramidEnd > initialChunkSize {
		return ErrPyramidTruncated
	}
	chunk, err = r.extendChunk(ctx, chunk, pyramidEnd)
	if err != nil {
		return err
	}

	pyramidBuf, err := spec.DecompressPyramid(chunk[metaEnd:pyramidEnd])
	if err != nil {
		return err
	}
	r.pyramidBuf = pyramidBuf

	n := len(pyramidBuf) / 3
	cumulative := make([]uint64, n+1)
	for i := range n {
		size := spec.ReadU24LE(pyramidBuf, i*3)
		cumulative[i+1] = cumulative[i] + uint64(size)
	}
	r.cumulative = cumulative

	return nil
}

// extendChunk fetches whatever bytes beyond chunk's current length are
// needed to reach wantLen, appending them. Ordinarily the single initial
// fetch already covers header, metadata and pyramid, so this is a no-op;
// it only does work against a server returning a short initial response.
func (r *ArchiveReader) extendChunk(ctx context.Context, chunk []byte, wantLen int) ([]byte, error) {
	if wantLen <= len(chunk) {
		return chunk, nil
	}
	more, err := r.fetcher.FetchRange(ctx, uint64(len(chunk)), uint64(wantLen-1))
	if err != nil {
		return nil, err
	}
	return append(chunk, more...), nil
}

// GetTile resolves and returns the payload for (z, x, y) in XYZ addressing,
// issuing a direct range fetch for the tile's bytes. It returns (nil, nil)
// for a tile outside the zoom's limits or a tile the producer recorded as
// missing (size 0).
func (r *ArchiveReader) GetTile(ctx context.Context, z, x, y uint32) ([]byte, error) {
	return r.getTile(ctx, z, x, y, r.fetcher.FetchRange)
}

// GetTileBatched behaves like GetTile, but routes the final tile-byte fetch
// through the reader's BatchDispatcher so it can be merged with other tile
// requests arriving in the same throttle window. With no throttle
// configured it behaves exactly like GetTile.
func (r *ArchiveReader) GetTileBatched(ctx context.Context, z, x, y uint32) ([]byte, error) {
	fetch := r.fetcher.FetchRange
	if r.dispatcher != nil {
		fetch = r.dispatcher.Fetch
	}
	return r.getTile(ctx, z, x, y, fetch)
}

func (r *ArchiveReader) getTile(ctx context.Context, z, x, y uint32, fetchTileBytes func(context.Context, uint64, uint64) ([]byte, error)) ([]byte, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}

	tmsY := (uint32(1) << z) - y - 1

	tm, ok := r.metadata.TileMatrixSet.MatrixForZoom(z)
	if !ok || !tm.TileMatrixLimits.Contains(x, tmsY) {
		return nil, nil
	}

	var absOffset uint64
	var size uint32
	var err error
	if tm.IsPyramid() {
		absOffset, size, err = r.resolvePyramidTile(z, x, tmsY)
	} else {
		absOffset, size, err = r.resolveFragmentTile(ctx, z, x, tmsY)
	}
	if err != nil {
		if errors.Is(err, spec.ErrOutOfRange) {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	dataOffset := spec.DataOffset(r.header.MetaLen, r.header.PyramidLen, r.header.FragmentLen)
	raw, err := fetchTileBytes(ctx, dataOffset+absOffset, dataOffset+absOffset+uint64(size)-1)
	if err != nil {
		return nil, err
	}
	if r.metadata.TileCompression == spec.TileCompressionNone {
		return raw, nil
	}
	return gunzip(raw)
}

func (r *ArchiveReader) resolvePyramidTile(z, x, y uint32) (absOffset uint64, size uint32, err error) {
	_, index, err := r.geometry.OffsetInIndex(z, x, y)
	if err != nil {
		return 0, 0, err
	}
	size = spec.ReadU24LE(r.pyramidBuf, int(index)*3)
	return r.cumulative[index], size, nil
}

func (r *ArchiveReader) resolveFragmentTile(ctx context.Context, z, x, y uint32) (absOffset uint64, size uint32, err error) {
	rng, err := r.geometry.FragmentRangeForTile(z, x, y, uint64(r.header.MetaLen), uint64(r.header.PyramidLen))
	if err != nil {
		return 0, 0, err
	}

	fragment, err := r.getFragment(ctx, rng)
	if err != nil {
		return 0, 0, err
	}

	sfb, err := r.geometry.SparseFragmentBounds(z, x, y)
	if err != nil {
		return 0, 0, err
	}
	_, firstIndex, err := r.geometry.OffsetInIndex(z, sfb.MinTileCol, sfb.MinTileRow)
	if err != nil {
		return 0, 0, err
	}
	_, index, err := r.geometry.OffsetInIndex(z, x, y)
	if err != nil {
		return 0, 0, err
	}
	relativeFragmentOffset := index - firstIndex

	baseOffset := spec.ReadU40LE(fragment, 0)
	var before uint64
	for i := uint64(0); i < relativeFragmentOffset; i++ {
		before += uint64(spec.ReadU24LE(fragment, 5+3*int(i)))
	}
	size = spec.ReadU24LE(fragment, 5+3*int(relativeFragmentOffset))
	return baseOffset + before, size, nil
}

// getFragment returns the fragment index entry covering rng, from cache or
// by fetching it. Concurrent callers asking for the same fragment share a
// single in-flight fetch; the fetch itself runs on a context detached from
// any one caller, so one caller cancelling does not abort the fetch for
// others still waiting on it.
func (r *ArchiveReader) getFragment(ctx context.Context, rng spec.FragmentRange) ([]byte, error) {
	if cached, ok := r.fragmentCache.Get(rng.StartOffset); ok {
		return cached, nil
	}

	key := rng.StartOffset

	r.fragmentMu.Lock()
	pf, ok := r.fragmentFetches[key]
	if !ok {
		fetchCtx, cancel := context.WithCancel(context.Background())
		pf = &pendingFragmentFetch{cancel: cancel, done: make(chan struct{})}
		r.fragmentFetches[key] = pf
		go r.runFragmentFetch(fetchCtx, rng, pf)
	}
	pf.waiters++
	r.fragmentMu.Unlock()

	leave := func() {
		r.fragmentMu.Lock()
		pf.waiters--
		if pf.waiters == 0 {
			pf.cancel()
			if r.fragmentFetches[key] == pf {
				delete(r.fragmentFetches, key)
			}
		}
		r.fragmentMu.Unlock()
	}

	select {
	case <-pf.done:
		leave()
		if pf.err != nil {
			return nil, pf.err
		}
		return pf.data, nil
	case <-ctx.Done():
		leave()
		return nil, ErrCancelled
	}
}

// runFragmentFetch performs the actual range fetch for a pending fragment
// entry and publishes the result to every waiter blocked on pf.done. It
// always removes itself from the reader's pending map on completion, even
// if every waiter already left and cleaned the entry up first.
func (r *ArchiveReader) runFragmentFetch(ctx context.Context, rng spec.FragmentRange, pf *pendingFragmentFetch) {
	data, err := r.fetcher.FetchRange(ctx, rng.StartOffset, rng.EndOffset-1)
	r.logger.Debug("comt: fragment fetch", "start", rng.StartOffset, "end", rng.EndOffset-1, "cached", err == nil, "err", err)
	if err == nil {
		r.fragmentCache.Add(rng.StartOffset, data)
	}
	pf.data, pf.err = data, err
	close(pf.done)

	r.fragmentMu.Lock()
	if r.fragmentFetches[rng.StartOffset] == pf {
		delete(r.fragmentFetches, rng.StartOffset)
	}
	r.fragmentMu.Unlock()
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("comt: gunzip tile: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
