// Package presign maintains a bounded pool of presigned part-upload URLs
// ahead of the worker pool. A single producer requests batches from the
// coordinator while the pool is under its lookahead watermark; workers take
// the URL for their part and block briefly when it has not arrived yet.
package presign

import (
	"context"
	"errors"
	"time"

	"sync"

	"github.com/lanlift/lanlift/internal/constants"
	"github.com/lanlift/lanlift/internal/coordinator"
	"github.com/lanlift/lanlift/internal/logging"
)

var (
	// ErrURLTimeout indicates no usable URL arrived for a part within the
	// acquisition window; the part fails for this dispatch round.
	ErrURLTimeout = errors.New("timed out waiting for presigned URL")

	// ErrStopped indicates the prefetcher was shut down.
	ErrStopped = errors.New("prefetcher stopped")
)

// Prefetcher is the single producer feeding many worker consumers.
type Prefetcher struct {
	client    *coordinator.Client
	uploadID  string
	bucket    string
	objectKey string
	batchSize int
	lookahead int
	log       *logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[int]coordinator.PresignedURL // unconsumed URLs, at most lookahead
	queue   []int                            // part numbers still needing URLs, in order
	stopped bool
}

// New creates a prefetcher for one job. parts is the ordered list of part
// numbers needing URLs (the pending set at job start).
func New(client *coordinator.Client, uploadID, bucket, objectKey string, parts []int, batchSize, lookahead int, log *logging.Logger) *Prefetcher {
	if batchSize > constants.MaxPresignBatchSize {
		batchSize = constants.MaxPresignBatchSize
	}
	p := &Prefetcher{
		client:    client,
		uploadID:  uploadID,
		bucket:    bucket,
		objectKey: objectKey,
		batchSize: batchSize,
		lookahead: lookahead,
		log:       log,
		entries:   make(map[int]coordinator.PresignedURL),
		queue:     append([]int(nil), parts...),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Run produces URLs until ctx is cancelled or Stop is called. Blocks; run in
// its own goroutine.
func (p *Prefetcher) Run(ctx context.Context) {
	unregister := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer unregister()

	for {
		p.mu.Lock()
		for !p.stopped && ctx.Err() == nil && (len(p.queue) == 0 || len(p.entries) >= p.lookahead) {
			p.cond.Wait()
		}
		if p.stopped || ctx.Err() != nil {
			p.mu.Unlock()
			return
		}

		room := p.lookahead - len(p.entries)
		n := p.batchSize
		if n > room {
			n = room
		}
		if n > len(p.queue) {
			n = len(p.queue)
		}
		batch := append([]int(nil), p.queue[:n]...)
		p.queue = p.queue[n:]
		p.mu.Unlock()

		urls, err := p.client.PresignBatch(ctx, p.uploadID, p.bucket, p.objectKey, batch)
		if err != nil {
			p.log.Warn().Err(err).Ints("parts", batch).Msg("presign batch failed, retrying")
			p.mu.Lock()
			p.queue = append(batch, p.queue...)
			p.mu.Unlock()

			select {
			case <-time.After(constants.PresignRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		p.mu.Lock()
		for _, u := range urls {
			if usable(u) {
				p.entries[u.PartNumber] = u
			} else {
				// Already expired on arrival; ask again
				p.queue = append(p.queue, u.PartNumber)
			}
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Take returns the presigned URL for partNumber, waiting up to the
// acquisition window for the producer to deliver it. Entries for other parts
// stay in the pool; expired entries are discarded and re-requested.
func (p *Prefetcher) Take(ctx context.Context, partNumber int) (coordinator.PresignedURL, error) {
	deadline := time.Now().Add(constants.PresignWaitTimeout)

	// Both the timer and context cancellation wake the wait loop.
	timer := time.AfterFunc(constants.PresignWaitTimeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()
	unregister := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer unregister()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return coordinator.PresignedURL{}, err
		}
		if p.stopped {
			return coordinator.PresignedURL{}, ErrStopped
		}

		if entry, ok := p.entries[partNumber]; ok {
			delete(p.entries, partNumber)
			if usable(entry) {
				// Space freed; wake the producer
				p.cond.Broadcast()
				return entry, nil
			}
			p.queue = append(p.queue, partNumber)
			p.cond.Broadcast()
		}

		if time.Now().After(deadline) {
			return coordinator.PresignedURL{}, ErrURLTimeout
		}
		p.cond.Wait()
	}
}

// Requeue asks the producer for a fresh URL for a part whose URL turned out
// to be unusable after Take (storage rejected it as expired).
func (p *Prefetcher) Requeue(partNumber int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.queue = append(p.queue, partNumber)
	p.cond.Broadcast()
}

// Buffered returns the number of unconsumed URLs in the pool.
func (p *Prefetcher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stop shuts the prefetcher down and releases all waiters.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.cond.Broadcast()
}

// usable reports whether the URL has enough validity left to start a PUT.
// Near-expiry URLs are never handed out; re-requesting beats PUT-then-fail.
func usable(u coordinator.PresignedURL) bool {
	return time.Until(u.ExpiresAt) > constants.PresignExpirySlack
}
