// Package agent implements the job supervisor: the single-job lifecycle
// controller binding the file reader, state store, coordinator client,
// prefetcher and worker pool to one active upload. The supervisor is the
// only component that changes job status and the sole emitter of job-level
// error frames and terminal status frames.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lanlift/lanlift/internal/config"
	"github.com/lanlift/lanlift/internal/constants"
	"github.com/lanlift/lanlift/internal/coordinator"
	"github.com/lanlift/lanlift/internal/events"
	"github.com/lanlift/lanlift/internal/logging"
	"github.com/lanlift/lanlift/internal/pool"
	"github.com/lanlift/lanlift/internal/presign"
	"github.com/lanlift/lanlift/internal/source"
	"github.com/lanlift/lanlift/internal/store"
)

// State enumerates the supervisor's lifecycle states.
type State string

const (
	StateIdle       State = "idle"
	StatePreparing  State = "preparing"
	StateUploading  State = "uploading"
	StatePaused     State = "paused"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Error codes surfaced on the control surface.
const (
	CodeUploadInProgress = "upload_in_progress"
	CodeFileLockFailed   = "file_lock_failed"
	CodeInitiateFailed   = "initiate_failed"
	CodeIncomplete       = "incomplete"
	CodeUploadError      = "upload_error"
)

// ErrUploadInProgress is returned by Start while a job is active.
var ErrUploadInProgress = errors.New("an upload is already in progress")

// Supervisor drives one upload job at a time through
// prepare → upload → finalize.
type Supervisor struct {
	cfg config.Config
	st  *store.Store
	bus *events.Bus
	log *logging.Logger

	mu     sync.Mutex
	state  State
	gen    uint64 // job generation, bumped by each accepted Start
	job    *store.UploadJob
	reader *source.Reader
	pool   *pool.Pool
	cancel context.CancelFunc
}

// New creates a supervisor bound to the store and event bus.
func New(cfg config.Config, st *store.Store, bus *events.Bus, log *logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		st:    st,
		bus:   bus,
		log:   log,
		state: StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins (or resumes) the upload of filePath. backendURL overrides the
// configured coordinator when non-empty. Fails with ErrUploadInProgress
// while another job is active.
func (s *Supervisor) Start(filePath, backendURL string) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateCompleted, StateFailed, StateCancelled:
	default:
		s.mu.Unlock()
		s.bus.PublishError("", CodeUploadInProgress, ErrUploadInProgress)
		return ErrUploadInProgress
	}
	s.state = StatePreparing
	s.gen++
	gen := s.gen

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if backendURL == "" {
		backendURL = s.cfg.BackendURL
	}
	coord := coordinator.NewClient(backendURL, s.log)

	go s.run(ctx, coord, filePath, gen)
	return nil
}

// Pause closes the dispatch gate; in-flight PUTs finish.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUploading || s.pool == nil {
		return
	}
	s.state = StatePaused
	s.pool.Pause()

	uploadID := s.job.UploadID
	if err := s.st.UpdateJobStatus(uploadID, store.JobPaused); err != nil {
		s.log.Error().Err(err).Msg("persist paused status")
	}
	s.bus.PublishStatus(uploadID, "paused", "upload paused")
}

// Resume reopens the dispatch gate.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused || s.pool == nil {
		return
	}
	s.state = StateUploading
	s.pool.Resume()

	uploadID := s.job.UploadID
	if err := s.st.UpdateJobStatus(uploadID, store.JobInProgress); err != nil {
		s.log.Error().Err(err).Msg("persist resumed status")
	}
	s.bus.PublishStatus(uploadID, "uploading", "upload resumed")
}

// Cancel aborts the active job. The run loop observes the cancelled context
// and performs the coordinator abort and cleanup.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePreparing, StateUploading, StatePaused, StateFinalizing:
		if s.pool != nil {
			// A paused pool must drain for the run loop to observe the cancel
			s.pool.Resume()
		}
		if s.cancel != nil {
			s.cancel()
		}
	}
}

// run drives the full lifecycle of one job. Runs in its own goroutine; all
// terminal transitions funnel through finish.
func (s *Supervisor) run(ctx context.Context, coord *coordinator.Client, filePath string, gen uint64) {
	defer func() {
		// The terminal frame goes out before this defer runs, and a client
		// may react to it with an immediate start. Clear the handles only
		// while they still belong to this job's generation.
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
			s.pool = nil
		}
		s.mu.Unlock()
	}()

	s.bus.PublishStatus("", "preparing", fmt.Sprintf("preparing %s", filepath.Base(filePath)))

	reader, err := source.Lock(filePath)
	if err != nil {
		s.finish(StateIdle, "", "", fmt.Errorf("lock %s: %w", filePath, err), CodeFileLockFailed)
		return
	}
	s.mu.Lock()
	s.reader = reader
	s.mu.Unlock()

	job, err := s.prepare(ctx, coord, reader)
	if err != nil {
		reader.Release()
		code := CodeUploadError
		if errors.Is(err, coordinator.ErrUnavailable) {
			code = CodeInitiateFailed
		}
		s.finish(StateIdle, "", "", err, code)
		return
	}

	s.mu.Lock()
	s.job = job
	s.mu.Unlock()

	s.upload(ctx, coord, job, reader)
}

// prepare locks in the job: resume an existing one when the fingerprint
// still matches, otherwise initiate a fresh upload with the coordinator and
// persist the job with all part rows in one batch.
func (s *Supervisor) prepare(ctx context.Context, coord *coordinator.Client, reader *source.Reader) (*store.UploadJob, error) {
	fingerprint := reader.Fingerprint()

	existing, err := s.st.FindJobByPath(reader.Path())
	if err == nil && resumable(existing) {
		if existing.Fingerprint != fingerprint {
			return nil, fmt.Errorf("file changed since last session (fingerprint %s, expected %s); refusing to resume",
				fingerprint, existing.Fingerprint)
		}
		s.log.Info().
			Str("upload_id", existing.UploadID).
			Msg("resuming persisted upload")
		return existing, nil
	} else if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return nil, fmt.Errorf("resume lookup: %w", err)
	}

	// Local auto-sizing mirrors the coordinator's; it bounds worker memory
	// and rejects files no admissible part size can cover.
	if _, err := source.AutoSizePart(reader.Size(), s.cfg.PartSize, s.cfg.MinPartSize, s.cfg.MaxPartSize, s.cfg.MaxParts); err != nil {
		return nil, err
	}

	resp, err := coord.Initiate(ctx, coordinator.InitiateRequest{
		FileName:        reader.Name(),
		FileSize:        reader.Size(),
		FileFingerprint: fingerprint,
		ContentType:     "application/octet-stream",
	})
	if err != nil {
		return nil, err
	}

	// The coordinator's part size is authoritative but must fit our bounds.
	if resp.ChunkSize < s.cfg.MinPartSize || resp.ChunkSize > s.cfg.MaxPartSize {
		return nil, fmt.Errorf("coordinator part size %d outside [%d, %d]",
			resp.ChunkSize, s.cfg.MinPartSize, s.cfg.MaxPartSize)
	}

	parts := source.Slice(reader.Size(), resp.ChunkSize)
	if resp.TotalParts != 0 && resp.TotalParts != len(parts) {
		return nil, fmt.Errorf("coordinator expects %d parts, slicing yields %d", resp.TotalParts, len(parts))
	}
	if len(parts) > s.cfg.MaxParts {
		return nil, fmt.Errorf("part count %d exceeds limit %d", len(parts), s.cfg.MaxParts)
	}

	job := &store.UploadJob{
		UploadID:    resp.UploadID,
		FilePath:    reader.Path(),
		FileName:    reader.Name(),
		FileSize:    reader.Size(),
		Fingerprint: fingerprint,
		Bucket:      resp.Bucket,
		ObjectKey:   resp.ObjectKey,
		PartSize:    resp.ChunkSize,
		TotalParts:  len(parts),
		Status:      store.JobPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.st.CreateUpload(job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
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
	if err := s.st.InitParts(job.UploadID, rows); err != nil {
		return nil, fmt.Errorf("persist part rows: %w", err)
	}
	return job, nil
}

// upload runs the prefetcher, worker pool and progress ticker, then
// finalizes with the coordinator once every part holds a receipt.
func (s *Supervisor) upload(ctx context.Context, coord *coordinator.Client, job *store.UploadJob, reader *source.Reader) {
	pending, err := s.st.GetPending(job.UploadID, s.cfg.RetryMaxAttempts)
	if err != nil {
		reader.Release()
		s.finish(StateFailed, job.UploadID, "", fmt.Errorf("load pending parts: %w", err), CodeUploadError)
		return
	}

	completedBytes, completedCount, err := s.completedProgress(job.UploadID)
	if err != nil {
		reader.Release()
		s.finish(StateFailed, job.UploadID, "", err, CodeUploadError)
		return
	}

	if err := s.st.UpdateJobStatus(job.UploadID, store.JobInProgress); err != nil {
		reader.Release()
		s.finish(StateFailed, job.UploadID, "", fmt.Errorf("persist job status: %w", err), CodeUploadError)
		return
	}

	partNumbers := make([]int, len(pending))
	for i, row := range pending {
		partNumbers[i] = row.PartNumber
	}
	prefetcher := presign.New(coord, job.UploadID, job.Bucket, job.ObjectKey,
		partNumbers, s.cfg.PresignBatchSize, s.cfg.PresignLookahead, s.log)
	go prefetcher.Run(ctx)
	defer prefetcher.Stop()

	uploadPool := pool.New(s.cfg, job, reader, s.st, prefetcher, s.bus, s.log)

	// Pool must be visible before clients can react to the status frame,
	// or an immediate pause would hit a nil pool.
	s.mu.Lock()
	s.pool = uploadPool
	s.state = StateUploading
	s.mu.Unlock()
	s.bus.PublishStatus(job.UploadID, "uploading",
		fmt.Sprintf("uploading %d of %d parts", len(pending), job.TotalParts))

	tickerDone := s.startProgressTicker(ctx, job, uploadPool, completedBytes, completedCount)

	workers := s.cfg.EffectiveWorkers(job.PartSize)
	runErr := uploadPool.Run(ctx, pending, workers, completedBytes)
	close(tickerDone)

	if ctx.Err() != nil {
		s.abortCancelled(coord, job, reader)
		return
	}
	if runErr != nil {
		reader.Release()
		s.failJob(job.UploadID, runErr, CodeUploadError)
		return
	}

	s.finalize(ctx, coord, job, reader)
}

// finalize sends the ordered receipt list to the coordinator and settles the
// job's terminal state.
func (s *Supervisor) finalize(ctx context.Context, coord *coordinator.Client, job *store.UploadJob, reader *source.Reader) {
	completed, err := s.st.GetCompleted(job.UploadID)
	if err != nil {
		reader.Release()
		s.failJob(job.UploadID, fmt.Errorf("load receipts: %w", err), CodeUploadError)
		return
	}

	if len(completed) < job.TotalParts {
		reader.Release()
		s.failJob(job.UploadID,
			fmt.Errorf("%d of %d parts completed", len(completed), job.TotalParts),
			CodeIncomplete)
		return
	}

	s.mu.Lock()
	s.state = StateFinalizing
	s.mu.Unlock()
	s.bus.PublishStatus(job.UploadID, "verifying", "all parts uploaded, assembling object")

	receipts := make([]coordinator.CompletedPart, len(completed))
	for i, row := range completed {
		receipts[i] = coordinator.CompletedPart{PartNumber: row.PartNumber, ETag: row.ETag}
	}

	resp, err := coord.Complete(ctx, job.UploadID, job.Bucket, job.ObjectKey, receipts)
	if err != nil || !resp.Accepted() {
		if err == nil {
			err = fmt.Errorf("coordinator rejected completion with status %q", resp.Status)
		}
		// Best-effort cleanup of the server-side multipart state
		abortCtx, cancel := context.WithTimeout(context.Background(), constants.CoordinatorTimeout)
		if abortErr := coord.Abort(abortCtx, job.UploadID, job.Bucket, job.ObjectKey); abortErr != nil {
			s.log.Warn().Err(abortErr).Msg("abort after failed completion")
		}
		cancel()

		reader.Release()
		s.failJob(job.UploadID, err, CodeUploadError)
		return
	}

	if err := s.st.UpdateJobStatus(job.UploadID, store.JobCompleted); err != nil {
		s.log.Error().Err(err).Msg("persist completed status")
	}
	reader.Release()

	message := "upload completed"
	if resp.FinalETag != "" {
		message = fmt.Sprintf("upload completed, final etag %s (verified=%t)", resp.FinalETag, resp.Verified)
	}
	s.finish(StateCompleted, job.UploadID, message, nil, "")
}

// abortCancelled settles a job whose context was cancelled.
func (s *Supervisor) abortCancelled(coord *coordinator.Client, job *store.UploadJob, reader *source.Reader) {
	abortCtx, cancel := context.WithTimeout(context.Background(), constants.CoordinatorTimeout)
	defer cancel()
	if err := coord.Abort(abortCtx, job.UploadID, job.Bucket, job.ObjectKey); err != nil {
		s.log.Warn().Err(err).Msg("coordinator abort on cancel")
	}
	if err := s.st.UpdateJobStatus(job.UploadID, store.JobCancelled); err != nil {
		s.log.Error().Err(err).Msg("persist cancelled status")
	}
	reader.Release()
	s.finish(StateCancelled, job.UploadID, "upload cancelled", nil, "")
}

// failJob persists the failed status and emits the error + terminal frame.
func (s *Supervisor) failJob(uploadID string, err error, code string) {
	if uploadID != "" {
		if updateErr := s.st.UpdateJobStatus(uploadID, store.JobFailed); updateErr != nil {
			s.log.Error().Err(updateErr).Msg("persist failed status")
		}
	}
	s.finish(StateFailed, uploadID, "", err, code)
}

// finish moves the supervisor to a terminal (or idle) state and emits the
// closing frames. Only this method publishes job-level errors.
func (s *Supervisor) finish(state State, uploadID, message string, err error, code string) {
	s.mu.Lock()
	s.state = state
	s.reader = nil
	s.job = nil
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Str("upload_id", uploadID).Str("code", code).Err(err).Msg("upload failed")
		s.bus.PublishError(uploadID, code, err)
		if state == StateFailed {
			s.bus.PublishStatus(uploadID, "failed", err.Error())
		}
		return
	}

	s.log.Info().Str("upload_id", uploadID).Str("state", string(state)).Msg(message)
	switch state {
	case StateCompleted:
		s.bus.PublishStatus(uploadID, "completed", message)
	case StateCancelled:
		s.bus.PublishStatus(uploadID, "cancelled", message)
	}
}

// completedProgress sums the bytes and count of already-completed parts so a
// resumed job starts its counters where the last session stopped.
func (s *Supervisor) completedProgress(uploadID string) (int64, int, error) {
	completed, err := s.st.GetCompleted(uploadID)
	if err != nil {
		return 0, 0, fmt.Errorf("load completed parts: %w", err)
	}
	var bytes int64
	for _, row := range completed {
		bytes += row.ByteLength
	}
	return bytes, len(completed), nil
}

// resumable reports whether a persisted job is worth resuming: it must have
// stopped mid-flight and be younger than the server-side multipart expiry.
func resumable(job *store.UploadJob) bool {
	if job == nil {
		return false
	}
	switch job.Status {
	case store.JobPending, store.JobInProgress, store.JobPaused:
	default:
		return false
	}
	return time.Since(job.CreatedAt) < constants.MaxResumeAge
}

// CleanupExpired drops persisted jobs that can no longer be resumed. Called
// once on agent start; the storage engine expires its half on its own.
func (s *Supervisor) CleanupExpired() {
	jobs, err := s.st.ListJobs()
	if err != nil {
		s.log.Warn().Err(err).Msg("list jobs for cleanup")
		return
	}
	for _, job := range jobs {
		terminal := job.Status == store.JobCompleted ||
			job.Status == store.JobFailed ||
			job.Status == store.JobCancelled
		if !terminal && time.Since(job.CreatedAt) >= constants.MaxResumeAge {
			s.log.Info().Str("upload_id", job.UploadID).Msg("dropping expired upload state")
			if err := s.st.DeleteJob(job.UploadID); err != nil {
				s.log.Warn().Err(err).Str("upload_id", job.UploadID).Msg("delete expired job")
			}
		}
	}
}
