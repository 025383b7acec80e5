package presign

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lanlift/lanlift/internal/coordinator"
	"github.com/lanlift/lanlift/internal/logging"
)

// fakePresigner serves presign batches and records which part numbers were
// requested, in order.
type fakePresigner struct {
	mu       sync.Mutex
	requests [][]int
	expires  func(part int, nthRequest int) time.Time
}

func (f *fakePresigner) handler(t *testing.T) http.HandlerFunc {
	counts := map[int]int{}
	return func(w http.ResponseWriter, r *http.Request) {
		var batch []int
		for _, field := range strings.Split(r.URL.Query().Get("part_numbers"), ",") {
			n, err := strconv.Atoi(field)
			if err != nil {
				t.Errorf("bad part number %q", field)
				continue
			}
			batch = append(batch, n)
		}

		f.mu.Lock()
		f.requests = append(f.requests, batch)
		var urls []coordinator.PresignedURL
		for _, n := range batch {
			counts[n]++
			expires := time.Now().Add(time.Hour)
			if f.expires != nil {
				expires = f.expires(n, counts[n])
			}
			urls = append(urls, coordinator.PresignedURL{
				PartNumber: n,
				URL:        "http://storage/part/" + strconv.Itoa(n),
				ExpiresAt:  expires,
			})
		}
		f.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]interface{}{"urls": urls})
	}
}

func newTestPrefetcher(t *testing.T, f *fakePresigner, parts []int, batchSize, lookahead int) *Prefetcher {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	log := logging.NewDefaultLogger()
	p := New(coordinator.NewClient(srv.URL, log), "upl-1", "uploads", "objects/x", parts, batchSize, lookahead, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
	t.Cleanup(p.Stop)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTakeReturnsMatchingURL(t *testing.T) {
	f := &fakePresigner{}
	parts := []int{1, 2, 3, 4, 5}
	p := newTestPrefetcher(t, f, parts, 5, 10)

	for _, n := range parts {
		entry, err := p.Take(context.Background(), n)
		if err != nil {
			t.Fatalf("Take(%d): %v", n, err)
		}
		if entry.PartNumber != n {
			t.Errorf("Take(%d) returned part %d", n, entry.PartNumber)
		}
		want := "http://storage/part/" + strconv.Itoa(n)
		if entry.URL != want {
			t.Errorf("Take(%d) URL = %q, want %q", n, entry.URL, want)
		}
	}
}

func TestLookaheadBoundsBuffer(t *testing.T) {
	f := &fakePresigner{}
	parts := make([]int, 50)
	for i := range parts {
		parts[i] = i + 1
	}
	const lookahead = 8
	p := newTestPrefetcher(t, f, parts, 4, lookahead)

	waitFor(t, "buffer to fill", func() bool { return p.Buffered() == lookahead })

	// Producer must hold at the watermark
	time.Sleep(50 * time.Millisecond)
	if got := p.Buffered(); got > lookahead {
		t.Errorf("Buffered = %d, exceeds lookahead %d", got, lookahead)
	}

	// Consuming frees space and the producer tops the pool back up
	if _, err := p.Take(context.Background(), 1); err != nil {
		t.Fatalf("Take: %v", err)
	}
	waitFor(t, "refill after take", func() bool { return p.Buffered() == lookahead })
}

func TestExpiredOnArrivalIsReRequested(t *testing.T) {
	f := &fakePresigner{
		expires: func(part, nth int) time.Time {
			if part == 2 && nth == 1 {
				return time.Now().Add(-time.Minute)
			}
			return time.Now().Add(time.Hour)
		},
	}
	p := newTestPrefetcher(t, f, []int{1, 2, 3}, 3, 10)

	entry, err := p.Take(context.Background(), 2)
	if err != nil {
		t.Fatalf("Take(2): %v", err)
	}
	if time.Until(entry.ExpiresAt) < time.Minute {
		t.Errorf("Take(2) returned a near-expired URL (expires %v)", entry.ExpiresAt)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	requested := 0
	for _, batch := range f.requests {
		for _, n := range batch {
			if n == 2 {
				requested++
			}
		}
	}
	if requested < 2 {
		t.Errorf("part 2 presigned %d times, want at least 2", requested)
	}
}

func TestRequeueDeliversFreshURL(t *testing.T) {
	f := &fakePresigner{}
	p := newTestPrefetcher(t, f, []int{1, 2}, 2, 10)

	if _, err := p.Take(context.Background(), 1); err != nil {
		t.Fatalf("first Take: %v", err)
	}

	p.Requeue(1)
	entry, err := p.Take(context.Background(), 1)
	if err != nil {
		t.Fatalf("Take after Requeue: %v", err)
	}
	if entry.PartNumber != 1 {
		t.Errorf("part = %d, want 1", entry.PartNumber)
	}
}

func TestTakeObservesCancellation(t *testing.T) {
	f := &fakePresigner{}
	// No parts queued for part 99, so Take can only end via ctx
	p := newTestPrefetcher(t, f, []int{1}, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Take(ctx, 99)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Take = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not observe cancellation")
	}
}

func TestTakeAfterStop(t *testing.T) {
	f := &fakePresigner{}
	p := newTestPrefetcher(t, f, []int{1}, 1, 10)
	p.Stop()

	_, err := p.Take(context.Background(), 5)
	if err != ErrStopped {
		t.Errorf("Take after Stop = %v, want ErrStopped", err)
	}
}
