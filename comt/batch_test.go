package comt_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/comtiles/comtiles/comt"
)

type recordingFetcher struct {
	mu    sync.Mutex
	calls [][2]uint64
	data  []byte
}

func (f *recordingFetcher) FetchRange(_ context.Context, start, end uint64) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, [2]uint64{start, end})
	f.mu.Unlock()
	return f.data[start : end+1], nil
}

func (f *recordingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// blockingRecordingFetcher stalls every fetch until release is closed (or
// its context is cancelled first), recording whether it ever observed a
// cancellation.
type blockingRecordingFetcher struct {
	mu        sync.Mutex
	data      []byte
	release   chan struct{}
	calls     int
	cancelled int
}

func (f *blockingRecordingFetcher) FetchRange(ctx context.Context, start, end uint64) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	select {
	case <-f.release:
	case <-ctx.Done():
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
		return nil, ctx.Err()
	}
	return f.data[start : end+1], nil
}

func (f *blockingRecordingFetcher) snapshot() (calls, cancelled int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.cancelled
}

// TestBatchDispatcher_MergesNearbyRequests mirrors scenario (e): two
// requests within throttleMs whose ranges are close merge into one fetch.
func TestBatchDispatcher_MergesNearbyRequests(t *testing.T) {
	fetcher := &recordingFetcher{data: make([]byte, 2000)}
	for i := range fetcher.data {
		fetcher.data[i] = byte(i)
	}

	d := comt.NewBatchDispatcher(fetcher, 20*time.Millisecond, nil)

	var wg sync.WaitGroup
	var gotA, gotB []byte
	var errA, errB error

	wg.Add(2)
	go func() {
		defer wg.Done()
		gotA, errA = d.Fetch(context.Background(), 1000, 1050)
	}()
	go func() {
		defer wg.Done()
		gotB, errB = d.Fetch(context.Background(), 1100, 1180)
	}()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("errA=%v errB=%v", errA, errB)
	}
	if len(gotA) != 51 {
		t.Fatalf("len(gotA) = %d, want 51", len(gotA))
	}
	if len(gotB) != 81 {
		t.Fatalf("len(gotB) = %d, want 81", len(gotB))
	}
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("callCount = %d, want 1 (should merge)", got)
	}
}

// TestBatchDispatcher_DoesNotMergeDistantRequests mirrors the negative half
// of scenario (e): ranges far enough apart never share a fetch.
func TestBatchDispatcher_DoesNotMergeDistantRequests(t *testing.T) {
	fetcher := &recordingFetcher{data: make([]byte, 100000)}

	d := comt.NewBatchDispatcher(fetcher, 20*time.Millisecond, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := d.Fetch(context.Background(), 1000, 1050); err != nil {
			t.Errorf("Fetch a: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := d.Fetch(context.Background(), 50000, 50100); err != nil {
			t.Errorf("Fetch b: %v", err)
		}
	}()
	wg.Wait()

	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("callCount = %d, want 2 (should not merge)", got)
	}
}

// TestBatchDispatcher_CancelledCallerDoesNotAbortOthers ensures a cancelled
// waiter drops out without preventing the merged fetch from completing for
// everyone else in its group.
func TestBatchDispatcher_CancelledCallerDoesNotAbortOthers(t *testing.T) {
	fetcher := &recordingFetcher{data: make([]byte, 1000)}
	d := comt.NewBatchDispatcher(fetcher, 20*time.Millisecond, nil)

	ctxCancelled, cancel := context.WithCancel(context.Background())
	cancel()

	var liveErr error
	var fetchesStarted int32

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		atomic.AddInt32(&fetchesStarted, 1)
		_, _ = d.Fetch(ctxCancelled, 0, 10)
	}()
	go func() {
		defer wg.Done()
		atomic.AddInt32(&fetchesStarted, 1)
		_, liveErr = d.Fetch(context.Background(), 5, 20)
	}()
	wg.Wait()

	if liveErr != nil {
		t.Fatalf("live caller error = %v, want nil", liveErr)
	}
}

// TestBatchDispatcher_CancellingOneWaiterMidFlightDoesNotAbortMergedFetch
// cancels one of two waiters in a merged group after the underlying fetch
// has already started, and confirms the fetch completes successfully for
// the other waiter rather than aborting because one of several callers left.
func TestBatchDispatcher_CancellingOneWaiterMidFlightDoesNotAbortMergedFetch(t *testing.T) {
	fetcher := &blockingRecordingFetcher{data: make([]byte, 1000), release: make(chan struct{})}
	d := comt.NewBatchDispatcher(fetcher, 20*time.Millisecond, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	var errA, errB error
	var gotB []byte

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = d.Fetch(ctxA, 0, 10)
	}()
	go func() {
		defer wg.Done()
		gotB, errB = d.Fetch(context.Background(), 5, 20)
	}()

	// Let flush group both requests and start the merged fetch, which
	// blocks on fetcher.release, before cancelling one of the two waiters.
	time.Sleep(60 * time.Millisecond)
	cancelA()
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	if errA == nil {
		t.Fatal("expected error for the cancelled waiter")
	}
	if errB != nil {
		t.Fatalf("live waiter error = %v, want nil", errB)
	}
	if len(gotB) != 16 {
		t.Fatalf("len(gotB) = %d, want 16", len(gotB))
	}
	if calls, cancelled := fetcher.snapshot(); calls != 1 || cancelled != 0 {
		t.Fatalf("calls=%d cancelled=%d, want calls=1 cancelled=0 (merge must survive a partial cancel)", calls, cancelled)
	}
}
