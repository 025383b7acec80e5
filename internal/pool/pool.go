// Package pool runs the bounded set of upload workers for one job. Workers
// pull part descriptors from a shared queue, resolve a presigned URL, read
// the part bytes and PUT them to storage, persisting the receipt before
// reporting success. Failures are classified: transient outcomes burn retry
// budget and requeue, permanent ones fail the part outright.
package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/lanlift/lanlift/internal/config"
	"github.com/lanlift/lanlift/internal/events"
	"github.com/lanlift/lanlift/internal/logging"
	"github.com/lanlift/lanlift/internal/presign"
	"github.com/lanlift/lanlift/internal/source"
	"github.com/lanlift/lanlift/internal/store"
)

// Pool uploads the pending parts of one job with bounded concurrency.
// The pool shares the reader and store handles but never closes them.
type Pool struct {
	cfg      config.Config
	job      *store.UploadJob
	reader   *source.Reader
	st       *store.Store
	prefetch *presign.Prefetcher
	bus      *events.Bus
	log      *logging.Logger

	queue chan source.Part
	gate  *gate
	put   *retryablehttp.Client

	bytes  atomic.Int64 // bytes transferred, seeded with resumed bytes
	parts  atomic.Int32 // parts completed this session
	active atomic.Int32 // workers currently moving bytes

	fatalOnce sync.Once
	fatalErr  error
	fatalCh   chan struct{}
}

// New creates a pool for one job.
func New(cfg config.Config, job *store.UploadJob, reader *source.Reader, st *store.Store,
	prefetch *presign.Prefetcher, bus *events.Bus, log *logging.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		job:      job,
		reader:   reader,
		st:       st,
		prefetch: prefetch,
		bus:      bus,
		log:      log,
		gate:     newGate(),
		put:      newPutClient(cfg, log),
		fatalCh:  make(chan struct{}),
	}
}

// Run dispatches the pending parts across workers goroutines and blocks
// until the queue drains, a fatal error occurs or ctx is cancelled.
// resumedBytes seeds the transferred counter with the bytes of parts
// completed in earlier sessions.
func (p *Pool) Run(ctx context.Context, pending []*store.PartRow, workers int, resumedBytes int64) error {
	p.bytes.Store(resumedBytes)

	// The queue holds small descriptors only; sizing it to total_parts means
	// enqueues (including requeues) never block.
	p.queue = make(chan source.Part, p.job.TotalParts)
	for _, row := range pending {
		p.queue <- source.Part{Number: row.PartNumber, Offset: row.ByteOffset, Length: row.ByteLength}
	}

	p.log.Info().
		Str("upload_id", p.job.UploadID).
		Int("workers", workers).
		Int("pending", len(pending)).
		Msg("starting upload workers")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	select {
	case <-p.fatalCh:
		return p.fatalErr
	default:
	}
	return ctx.Err()
}

// Pause blocks new dispatches; in-flight PUTs complete.
func (p *Pool) Pause() { p.gate.Pause() }

// Resume reopens the dispatch gate.
func (p *Pool) Resume() { p.gate.Resume() }

// Paused reports whether the dispatch gate is closed.
func (p *Pool) Paused() bool { return p.gate.Paused() }

// BytesTransferred returns the monotonically non-decreasing byte counter.
func (p *Pool) BytesTransferred() int64 { return p.bytes.Load() }

// PartsCompleted returns the number of parts completed this session. The
// count tracks persisted receipts, not a byte-derived estimate, so a short
// tail part finishing early still counts as one.
func (p *Pool) PartsCompleted() int { return int(p.parts.Load()) }

// ActiveWorkers returns the number of workers currently uploading a part.
func (p *Pool) ActiveWorkers() int { return int(p.active.Load()) }

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		if err := p.gate.Wait(ctx); err != nil {
			return
		}
		select {
		case <-p.fatalCh:
			return
		default:
		}

		select {
		case part := <-p.queue:
			if err := p.handlePart(ctx, part); err != nil {
				p.abort(err)
				return
			}
		default:
			// Queue empty. Requeues happen synchronously inside
			// handlePart, so nothing can appear after this point
			// that another live worker will not see.
			return
		}
	}
}

// abort records the first fatal error and releases all workers.
func (p *Pool) abort(err error) {
	p.fatalOnce.Do(func() {
		p.fatalErr = err
		close(p.fatalCh)
	})
}

// handlePart uploads one part. The returned error is fatal for the job
// (state-store write failure); every other outcome is absorbed into the
// part's row and retry budget.
func (p *Pool) handlePart(ctx context.Context, part source.Part) error {
	p.bus.PublishChunk(p.job.UploadID, part.Number, events.ChunkUploading, "")
	if err := p.st.MarkUploading(p.job.UploadID, part.Number); err != nil {
		return fmt.Errorf("mark part %d uploading: %w", part.Number, err)
	}

	entry, err := p.prefetch.Take(ctx, part.Number)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, presign.ErrStopped) {
			return nil
		}
		p.log.Warn().
			Int("part", part.Number).
			Err(err).
			Msg("no presigned URL within acquisition window")
		return p.failPart(part, true)
	}

	data, err := p.reader.ReadAt(part.Offset, part.Length)
	if err != nil {
		p.log.Error().Int("part", part.Number).Err(err).Msg("part read failed")
		return p.failPart(part, true)
	}

	p.active.Add(1)
	result := p.putPart(ctx, entry.URL, data)
	p.active.Add(-1)

	switch result.outcome {
	case putSuccess:
		if err := p.st.MarkCompleted(p.job.UploadID, part.Number, result.etag); err != nil {
			return fmt.Errorf("record receipt for part %d: %w", part.Number, err)
		}
		p.bytes.Add(part.Length)
		p.parts.Add(1)
		p.bus.PublishChunk(p.job.UploadID, part.Number, events.ChunkCompleted, result.etag)
		return nil

	case putCancelled:
		// Cancellation is not an error; the part stays pending/failed for
		// the next session.
		return nil

	case putPermanent:
		p.log.Error().
			Int("part", part.Number).
			Int("status", result.status).
			Msg("permanent upload failure")
		return p.failPart(part, false)

	default: // putTransient
		if result.status == http.StatusForbidden {
			// Presigned URL rejected; ask the prefetcher for a fresh one
			// before the retry dispatch.
			p.prefetch.Requeue(part.Number)
		}
		p.log.Warn().
			Int("part", part.Number).
			Int("status", result.status).
			Msg("transient upload failure, retry budget permitting")
		return p.failPart(part, true)
	}
}

// failPart marks the part failed and, when the failure is retriable and the
// retry budget allows, requeues the descriptor for another dispatch round.
func (p *Pool) failPart(part source.Part, retriable bool) error {
	retries, err := p.st.MarkFailed(p.job.UploadID, part.Number)
	if err != nil {
		return fmt.Errorf("mark part %d failed: %w", part.Number, err)
	}
	p.bus.PublishChunk(p.job.UploadID, part.Number, events.ChunkFailed, "")

	if retriable && retries < p.cfg.RetryMaxAttempts {
		p.queue <- part
	}
	return nil
}

type putOutcome int

const (
	putSuccess putOutcome = iota
	putTransient
	putPermanent
	putCancelled
)

type putResult struct {
	outcome putOutcome
	etag    string
	status  int
}

// putPart streams the part bytes to the presigned URL. Inline retries with
// exponential backoff happen inside the retryablehttp client; what comes
// back here is the final outcome of this dispatch round.
func (p *Pool) putPart(ctx context.Context, url string, data []byte) putResult {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return putResult{outcome: putPermanent}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := p.put.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return putResult{outcome: putCancelled}
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return putResult{outcome: putTransient, status: status}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if transientStatus(resp.StatusCode) || resp.StatusCode == http.StatusForbidden {
			return putResult{outcome: putTransient, status: resp.StatusCode}
		}
		return putResult{outcome: putPermanent, status: resp.StatusCode}
	}

	// The receipt must come from storage; a missing ETag is a retriable
	// failure, never fabricated.
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return putResult{outcome: putTransient, status: resp.StatusCode}
	}
	return putResult{outcome: putSuccess, etag: etag, status: resp.StatusCode}
}
