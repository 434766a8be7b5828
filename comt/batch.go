package comt

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxMergedSpan bounds how far apart two tile ranges may be and still merge
// into one request: beyond this span the wasted bandwidth of fetching the
// gap outweighs the round-trip saved.
const maxMergedSpan = 16 * 1024

// BatchDispatcher coalesces tile-byte-range requests that arrive within a
// throttle window into merged range fetches, splitting each merged response
// back into the individual ranges callers asked for.
type BatchDispatcher struct {
	fetcher  RangeFetcher
	throttle time.Duration
	logger   *slog.Logger
	maxSpan  uint64

	mu      sync.Mutex
	pending []*batchRequest
	timer   *time.Timer
}

type batchRequest struct {
	ctx        context.Context
	start, end uint64 // inclusive byte range
	result     chan batchResult
}

type batchResult struct {
	data []byte
	err  error
}

// NewBatchDispatcher creates a dispatcher that merges requests arriving
// within throttle of one another. A non-positive throttle disables merging:
// every request fetches immediately on its own.
func NewBatchDispatcher(fetcher RangeFetcher, throttle time.Duration, logger *slog.Logger) *BatchDispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BatchDispatcher{
		fetcher:  fetcher,
		throttle: throttle,
		logger:   logger,
		maxSpan:  maxMergedSpan,
	}
}

// Fetch requests bytes [start, end] (inclusive) and blocks until the merged
// fetch covering it completes or ctx is cancelled.
func (d *BatchDispatcher) Fetch(ctx context.Context, start, end uint64) ([]byte, error) {
	if d.throttle <= 0 {
		return d.fetcher.FetchRange(ctx, start, end)
	}

	req := &batchRequest{ctx: ctx, start: start, end: end, result: make(chan batchResult, 1)}

	d.mu.Lock()
	d.pending = append(d.pending, req)
	if d.timer == nil {
		d.timer = time.AfterFunc(d.throttle, d.flush)
	}
	d.mu.Unlock()

	select {
	case res := <-req.result:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// flush runs once per throttle window: it takes every request queued since
// the last flush, groups them by proximity, and issues one merged fetch per
// group.
func (d *BatchDispatcher) flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	live := batch[:0]
	for _, req := range batch {
		if req.ctx.Err() != nil {
			continue
		}
		live = append(live, req)
	}
	if len(live) == 0 {
		return
	}

	sort.Slice(live, func(i, j int) bool { return live[i].start < live[j].start })

	for _, group := range groupByMaxSpan(live, d.maxSpan) {
		d.fetchGroup(group)
	}
}

// groupByMaxSpan partitions requests (sorted by start) into runs whose
// combined range never exceeds maxSpan bytes, so one merged fetch per run
// never wastes more than maxSpan bytes bridging gaps between callers.
func groupByMaxSpan(reqs []*batchRequest, maxSpan uint64) [][]*batchRequest {
	var groups [][]*batchRequest
	start := 0
	groupStart := reqs[0].start
	groupEnd := reqs[0].end

	for i := 1; i < len(reqs); i++ {
		candidateEnd := groupEnd
		if reqs[i].end > candidateEnd {
			candidateEnd = reqs[i].end
		}
		if candidateEnd-groupStart > maxSpan {
			groups = append(groups, reqs[start:i])
			start = i
			groupStart = reqs[i].start
			groupEnd = reqs[i].end
			continue
		}
		groupEnd = candidateEnd
	}
	groups = append(groups, reqs[start:])
	return groups
}

// fetchGroup issues one merged range fetch spanning the group and splits the
// result back into each request's own slice.
func (d *BatchDispatcher) fetchGroup(group []*batchRequest) {
	mergedStart := group[0].start
	mergedEnd := group[0].end
	for _, req := range group[1:] {
		if req.end > mergedEnd {
			mergedEnd = req.end
		}
	}

	// The merged fetch runs on its own context, detached from any single
	// waiter's: it is cancelled only once every waiter in the group has
	// gone away, never when just one of several sharing it cancels first.
	fetchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remaining := int32(len(group))
	fetchDone := make(chan struct{})
	for _, req := range group {
		go func(req *batchRequest) {
			select {
			case <-req.ctx.Done():
				if atomic.AddInt32(&remaining, -1) == 0 {
					cancel()
				}
			case <-fetchDone:
			}
		}(req)
	}

	data, err := d.fetcher.FetchRange(fetchCtx, mergedStart, mergedEnd)
	close(fetchDone)

	for _, req := range group {
		if err != nil {
			req.result <- batchResult{err: err}
			continue
		}
		lo := req.start - mergedStart
		hi := req.end - mergedStart + 1
		req.result <- batchResult{data: data[lo:hi]}
	}
}
