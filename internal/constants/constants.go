// Package constants holds shared tunables for the upload agent.
package constants

import "time"

// Part sizing
const (
	// DefaultPartSize - target size of each upload part (128 MB).
	// The effective part size may be raised by auto-sizing when the file
	// would otherwise exceed MaxParts parts.
	DefaultPartSize = 128 * 1024 * 1024

	// MinPartSize - S3/MinIO minimum part size (5 MB, except the last part).
	MinPartSize = 5 * 1024 * 1024

	// MaxPartSize - self-imposed maximum part size (512 MB).
	// Caps per-worker memory; S3 itself allows up to 5 GB.
	MaxPartSize = 512 * 1024 * 1024

	// PartSizeAlignment - auto-sized parts are rounded up to this multiple (16 MB).
	PartSizeAlignment = 16 * 1024 * 1024

	// MaxParts - S3/MinIO multipart upload part-count limit.
	MaxParts = 10000
)

// Worker pool
const (
	// DefaultWorkersMin / DefaultWorkersMax bound the auto-sized worker count.
	DefaultWorkersMin = 2
	DefaultWorkersMax = 16

	// WorkerCPUFraction - fraction of CPU cores used when auto-sizing workers.
	WorkerCPUFraction = 0.75

	// WorkerMemoryFraction - workers × partSize must stay under this fraction
	// of available memory.
	WorkerMemoryFraction = 0.5
)

// Presigned URL prefetch
const (
	// DefaultPresignBatchSize - part numbers requested per presign call.
	DefaultPresignBatchSize = 20

	// MaxPresignBatchSize - coordinator rejects batches larger than this.
	MaxPresignBatchSize = 100

	// DefaultPresignLookahead - high watermark of the prefetched URL buffer.
	DefaultPresignLookahead = 50

	// PresignRetryDelay - fixed delay before the prefetcher retries a failed batch.
	PresignRetryDelay = 2 * time.Second

	// PresignWaitTimeout - how long a worker waits for a usable URL before
	// marking the part failed for this dispatch round.
	PresignWaitTimeout = 30 * time.Second

	// PresignExpirySlack - URLs within this window of expires_at are treated
	// as already expired and never handed to a worker.
	PresignExpirySlack = 30 * time.Second
)

// Retry policy for part PUTs
const (
	// DefaultRetryMaxAttempts - inline retries per dispatch and maximum
	// requeue rounds per part.
	DefaultRetryMaxAttempts = 3

	// DefaultRetryBaseDelay - base of the exponential backoff schedule.
	DefaultRetryBaseDelay = 500 * time.Millisecond

	// DefaultRetryMaxDelay - backoff cap.
	DefaultRetryMaxDelay = 15 * time.Second
)

// Timeouts and cadences
const (
	// DefaultHTTPTimeout - per-part PUT deadline.
	DefaultHTTPTimeout = 300 * time.Second

	// CoordinatorTimeout - per-request deadline for coordinator calls.
	CoordinatorTimeout = 30 * time.Second

	// DefaultProgressInterval - progress frame cadence.
	DefaultProgressInterval = 500 * time.Millisecond
)

// Control surface
const (
	// DefaultWSPort - local WebSocket port for the monitor UI.
	DefaultWSPort = 8765

	// DefaultBackendURL - coordinator base URL on the LAN.
	DefaultBackendURL = "http://localhost:8000"
)

// Persistence
const (
	// StateDirName - subdirectory of the working directory holding the
	// embedded state database.
	StateDirName = "lanlift-state"

	// MaxResumeAge - persisted jobs older than this are not resumed.
	// Aligned with S3/MinIO multipart upload expiry (7 days).
	MaxResumeAge = 7 * 24 * time.Hour
)

// Event bus
const (
	// EventBusDefaultBuffer - per-subscriber channel buffer.
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - cap on the per-subscriber buffer.
	EventBusMaxBuffer = 10000
)
