package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lanlift/lanlift/internal/config"
	"github.com/lanlift/lanlift/internal/coordinator"
	"github.com/lanlift/lanlift/internal/events"
	"github.com/lanlift/lanlift/internal/logging"
	"github.com/lanlift/lanlift/internal/presign"
	"github.com/lanlift/lanlift/internal/source"
	"github.com/lanlift/lanlift/internal/store"
)

func testConfig(partSize int64) config.Config {
	return config.Config{
		PartSize:         partSize,
		MinPartSize:      1,
		MaxPartSize:      1 << 30,
		MaxParts:         10000,
		WorkersMin:       1,
		WorkersMax:       16,
		PresignBatchSize: 5,
		PresignLookahead: 10,
		RetryMaxAttempts: 3,
		RetryBaseDelay:   10 * time.Millisecond,
		RetryMaxDelay:    50 * time.Millisecond,
		HTTPTimeout:      5 * time.Second,
	}
}

// testRig wires a pool against an httptest storage backend and a fake
// presign endpoint pointing at it.
type testRig struct {
	pool     *Pool
	st       *store.Store
	job      *store.UploadJob
	pending  []*store.PartRow
	cancel   context.CancelFunc
	ctx      context.Context
	storage  *httptest.Server
	presignS *httptest.Server
}

func newTestRig(t *testing.T, fileSize, partSize int64, storageHandler http.HandlerFunc) *testRig {
	t.Helper()
	log := logging.NewDefaultLogger()

	path := filepath.Join(t.TempDir(), "payload.bin")
	data := make([]byte, fileSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	reader, err := source.Lock(path)
	if err != nil {
		t.Fatalf("lock payload: %v", err)
	}
	t.Cleanup(func() { reader.Release() })

	st, err := store.Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	storage := httptest.NewServer(storageHandler)
	t.Cleanup(storage.Close)

	parts := source.Slice(fileSize, partSize)
	job := &store.UploadJob{
		UploadID:   "upl-test",
		FilePath:   reader.Path(),
		FileName:   reader.Name(),
		FileSize:   fileSize,
		Bucket:     "uploads",
		ObjectKey:  "objects/payload.bin",
		PartSize:   partSize,
		TotalParts: len(parts),
		Status:     store.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.CreateUpload(job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	rows := make([]*store.PartRow, len(parts))
	for i, part := range parts {
		rows[i] = &store.PartRow{
			UploadID:   job.UploadID,
			PartNumber: part.Number,
			ByteOffset: part.Offset,
			ByteLength: part.Length,
			Status:     store.PartPending,
		}
	}
	if err := st.InitParts(job.UploadID, rows); err != nil {
		t.Fatalf("init parts: %v", err)
	}

	presignS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var urls []coordinator.PresignedURL
		for _, field := range strings.Split(r.URL.Query().Get("part_numbers"), ",") {
			n, err := strconv.Atoi(field)
			if err != nil {
				http.Error(w, "bad part number", http.StatusBadRequest)
				return
			}
			urls = append(urls, coordinator.PresignedURL{
				PartNumber: n,
				URL:        fmt.Sprintf("%s/part/%d", storage.URL, n),
				ExpiresAt:  time.Now().Add(time.Hour),
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"urls": urls})
	}))
	t.Cleanup(presignS.Close)

	cfg := testConfig(partSize)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	partNumbers := make([]int, len(parts))
	for i, part := range parts {
		partNumbers[i] = part.Number
	}
	prefetcher := presign.New(coordinator.NewClient(presignS.URL, log),
		job.UploadID, job.Bucket, job.ObjectKey, partNumbers,
		cfg.PresignBatchSize, cfg.PresignLookahead, log)
	go prefetcher.Run(ctx)
	t.Cleanup(prefetcher.Stop)

	bus := events.NewBus(1000)
	t.Cleanup(bus.Close)

	pending, err := st.GetPending(job.UploadID, cfg.RetryMaxAttempts)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}

	return &testRig{
		pool:     New(cfg, job, reader, st, prefetcher, bus, log),
		st:       st,
		job:      job,
		pending:  pending,
		ctx:      ctx,
		cancel:   cancel,
		storage:  storage,
		presignS: presignS,
	}
}

// partFromPath extracts the part number from the storage URL path.
func partFromPath(t *testing.T, path string) int {
	t.Helper()
	n, err := strconv.Atoi(strings.TrimPrefix(path, "/part/"))
	if err != nil {
		t.Errorf("bad storage path %q", path)
	}
	return n
}

func TestPoolUploadsAllParts(t *testing.T) {
	var mu sync.Mutex
	bodies := map[int]int64{}

	rig := newTestRig(t, 1000, 300, func(w http.ResponseWriter, r *http.Request) {
		n := partFromPath(t, r.URL.Path)
		mu.Lock()
		bodies[n] = r.ContentLength
		mu.Unlock()
		w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("etag-%d", n)))
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.pool.Run(rig.ctx, rig.pending, 3, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := rig.pool.BytesTransferred(); got != 1000 {
		t.Errorf("BytesTransferred = %d, want 1000", got)
	}
	if got := rig.pool.PartsCompleted(); got != 4 {
		t.Errorf("PartsCompleted = %d, want 4", got)
	}

	completed, err := rig.st.GetCompleted(rig.job.UploadID)
	if err != nil {
		t.Fatalf("GetCompleted: %v", err)
	}
	if len(completed) != 4 {
		t.Fatalf("completed = %d parts, want 4", len(completed))
	}
	for _, row := range completed {
		want := fmt.Sprintf("%q", fmt.Sprintf("etag-%d", row.PartNumber))
		if row.ETag != want {
			t.Errorf("part %d etag = %q, want %q", row.PartNumber, row.ETag, want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	wantLens := map[int]int64{1: 300, 2: 300, 3: 300, 4: 100}
	for n, want := range wantLens {
		if bodies[n] != want {
			t.Errorf("part %d body length = %d, want %d", n, bodies[n], want)
		}
	}
}

func TestPoolInlineRetryOn500(t *testing.T) {
	var mu sync.Mutex
	attempts := map[int]int{}

	rig := newTestRig(t, 900, 300, func(w http.ResponseWriter, r *http.Request) {
		n := partFromPath(t, r.URL.Path)
		mu.Lock()
		attempts[n]++
		failThis := n == 2 && attempts[n] == 1
		mu.Unlock()

		if failThis {
			http.Error(w, "backend hiccup", http.StatusInternalServerError)
			return
		}
		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.pool.Run(rig.ctx, rig.pending, 2, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The 500 is retried inside the HTTP client; no dispatch-level failure
	// is recorded.
	part, err := rig.st.GetPart(rig.job.UploadID, 2)
	if err != nil {
		t.Fatalf("GetPart: %v", err)
	}
	if part.Status != store.PartCompleted {
		t.Errorf("part 2 status = %q, want completed", part.Status)
	}
	if part.RetryCount != 0 {
		t.Errorf("part 2 retry count = %d, want 0 (inline retry)", part.RetryCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts[2] != 2 {
		t.Errorf("part 2 attempts = %d, want 2", attempts[2])
	}
}

func TestPoolRequeuesExpiredURL(t *testing.T) {
	var mu sync.Mutex
	attempts := map[int]int{}

	rig := newTestRig(t, 600, 300, func(w http.ResponseWriter, r *http.Request) {
		n := partFromPath(t, r.URL.Path)
		mu.Lock()
		attempts[n]++
		rejectThis := n == 1 && attempts[n] == 1
		mu.Unlock()

		if rejectThis {
			// Storage treats the URL as expired
			http.Error(w, "request has expired", http.StatusForbidden)
			return
		}
		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.pool.Run(rig.ctx, rig.pending, 2, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The 403 burns one dispatch round; the retry runs with a fresh URL.
	part, err := rig.st.GetPart(rig.job.UploadID, 1)
	if err != nil {
		t.Fatalf("GetPart: %v", err)
	}
	if part.Status != store.PartCompleted {
		t.Errorf("part 1 status = %q, want completed", part.Status)
	}
	if part.RetryCount != 1 {
		t.Errorf("part 1 retry count = %d, want 1", part.RetryCount)
	}
}

func TestPoolMissingETagExhaustsRetries(t *testing.T) {
	rig := newTestRig(t, 600, 300, func(w http.ResponseWriter, r *http.Request) {
		n := partFromPath(t, r.URL.Path)
		if n == 1 {
			// 2xx without a receipt; the part must not be fabricated complete
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.pool.Run(rig.ctx, rig.pending, 2, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	part, err := rig.st.GetPart(rig.job.UploadID, 1)
	if err != nil {
		t.Fatalf("GetPart: %v", err)
	}
	if part.Status != store.PartFailed {
		t.Errorf("part 1 status = %q, want failed", part.Status)
	}
	if part.ETag != "" {
		t.Errorf("part 1 etag = %q, want empty", part.ETag)
	}
	if part.RetryCount != 3 {
		t.Errorf("part 1 retry count = %d, want 3", part.RetryCount)
	}

	completed, err := rig.st.GetCompleted(rig.job.UploadID)
	if err != nil {
		t.Fatalf("GetCompleted: %v", err)
	}
	if len(completed) != 1 {
		t.Errorf("completed = %d parts, want 1", len(completed))
	}
}

func TestPoolPermanentFailureNoRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := map[int]int{}

	rig := newTestRig(t, 600, 300, func(w http.ResponseWriter, r *http.Request) {
		n := partFromPath(t, r.URL.Path)
		mu.Lock()
		attempts[n]++
		mu.Unlock()

		if n == 2 {
			http.Error(w, "signature mismatch", http.StatusBadRequest)
			return
		}
		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.pool.Run(rig.ctx, rig.pending, 2, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	part, err := rig.st.GetPart(rig.job.UploadID, 2)
	if err != nil {
		t.Fatalf("GetPart: %v", err)
	}
	if part.Status != store.PartFailed {
		t.Errorf("part 2 status = %q, want failed", part.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts[2] != 1 {
		t.Errorf("part 2 attempts = %d, want 1 (no retry on 400)", attempts[2])
	}
}

func TestPoolConcurrencyBound(t *testing.T) {
	const workers = 3
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	rig := newTestRig(t, 2400, 200, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()

		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.pool.Run(rig.ctx, rig.pending, workers, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > workers {
		t.Errorf("max in-flight PUTs = %d, exceeds %d workers", maxInFlight, workers)
	}
}

func TestPoolPauseBlocksDispatch(t *testing.T) {
	var puts sync.WaitGroup
	var mu sync.Mutex
	count := 0

	rig := newTestRig(t, 1200, 300, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	})

	rig.pool.Pause()

	puts.Add(1)
	var runErr error
	go func() {
		defer puts.Done()
		runErr = rig.pool.Run(rig.ctx, rig.pending, 2, 0)
	}()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if count != 0 {
		t.Errorf("PUTs dispatched while paused: %d", count)
	}
	mu.Unlock()

	rig.pool.Resume()
	puts.Wait()

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 4 {
		t.Errorf("PUTs after resume = %d, want 4", count)
	}
}

func TestPoolResumeSkipsCompletedParts(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}

	rig := newTestRig(t, 1200, 300, func(w http.ResponseWriter, r *http.Request) {
		n := partFromPath(t, r.URL.Path)
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	})

	// Parts 1 and 3 finished in an earlier session
	if err := rig.st.MarkCompleted(rig.job.UploadID, 1, `"old-1"`); err != nil {
		t.Fatal(err)
	}
	if err := rig.st.MarkCompleted(rig.job.UploadID, 3, `"old-3"`); err != nil {
		t.Fatal(err)
	}

	pending, err := rig.st.GetPending(rig.job.UploadID, 3)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if err := rig.pool.Run(rig.ctx, pending, 2, 600); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	if seen[1] || seen[3] {
		t.Errorf("completed parts re-uploaded: %v", seen)
	}
	if !seen[2] || !seen[4] {
		t.Errorf("missing parts not uploaded: %v", seen)
	}
	mu.Unlock()

	// Counters: bytes were seeded with the resumed total, the part count
	// only reflects this session's receipts
	if got := rig.pool.PartsCompleted(); got != 2 {
		t.Errorf("PartsCompleted = %d, want 2", got)
	}
	if got := rig.pool.BytesTransferred(); got != 1200 {
		t.Errorf("BytesTransferred = %d, want 1200", got)
	}

	// Receipts from the earlier session survive untouched
	part, err := rig.st.GetPart(rig.job.UploadID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if part.ETag != `"old-1"` {
		t.Errorf("part 1 etag = %q, want old receipt preserved", part.ETag)
	}
}
