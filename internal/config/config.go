// Package config holds the immutable agent configuration snapshot.
// Values are bound once from CLI flags; nothing mutates a Config after
// construction.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/lanlift/lanlift/internal/constants"
)

// Config is the immutable snapshot of agent tunables.
type Config struct {
	// Part sizing
	PartSize    int64 // target part size in bytes; may be raised by auto-sizing
	MinPartSize int64
	MaxPartSize int64
	MaxParts    int

	// Worker pool
	Workers     int  // fixed worker count, used when WorkersAuto is false
	WorkersMin  int
	WorkersMax  int
	WorkersAuto bool

	// Presigned URL prefetch
	PresignBatchSize int
	PresignLookahead int

	// Retry schedule for part PUTs
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Timeouts and cadences
	HTTPTimeout       time.Duration // per-part PUT deadline
	ProgressInterval  time.Duration
	SpeedSampleWindow time.Duration // 0 = cumulative mean speed

	// Control surface and coordinator
	WSPort     int
	BackendURL string

	// Persistence
	StateDir string
}

// Default returns a Config populated with the stock tunables.
func Default() Config {
	return Config{
		PartSize:         constants.DefaultPartSize,
		MinPartSize:      constants.MinPartSize,
		MaxPartSize:      constants.MaxPartSize,
		MaxParts:         constants.MaxParts,
		WorkersMin:       constants.DefaultWorkersMin,
		WorkersMax:       constants.DefaultWorkersMax,
		WorkersAuto:      true,
		PresignBatchSize: constants.DefaultPresignBatchSize,
		PresignLookahead: constants.DefaultPresignLookahead,
		RetryMaxAttempts: constants.DefaultRetryMaxAttempts,
		RetryBaseDelay:   constants.DefaultRetryBaseDelay,
		RetryMaxDelay:    constants.DefaultRetryMaxDelay,
		HTTPTimeout:      constants.DefaultHTTPTimeout,
		ProgressInterval: constants.DefaultProgressInterval,
		WSPort:           constants.DefaultWSPort,
		BackendURL:       constants.DefaultBackendURL,
		StateDir:         constants.StateDirName,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.PartSize < c.MinPartSize {
		return fmt.Errorf("part size %d below minimum %d", c.PartSize, c.MinPartSize)
	}
	if c.PartSize > c.MaxPartSize {
		return fmt.Errorf("part size %d above maximum %d", c.PartSize, c.MaxPartSize)
	}
	if c.PartSize%(1024*1024) != 0 {
		return fmt.Errorf("part size %d is not a multiple of 1 MiB", c.PartSize)
	}
	if c.MaxParts < 1 {
		return fmt.Errorf("max parts must be at least 1, got %d", c.MaxParts)
	}
	if c.WorkersMin < 1 || c.WorkersMax < c.WorkersMin {
		return fmt.Errorf("invalid worker bounds [%d, %d]", c.WorkersMin, c.WorkersMax)
	}
	if !c.WorkersAuto && (c.Workers < c.WorkersMin || c.Workers > c.WorkersMax) {
		return fmt.Errorf("workers %d outside bounds [%d, %d]", c.Workers, c.WorkersMin, c.WorkersMax)
	}
	if c.PresignBatchSize < 1 || c.PresignBatchSize > constants.MaxPresignBatchSize {
		return fmt.Errorf("presign batch size %d outside [1, %d]", c.PresignBatchSize, constants.MaxPresignBatchSize)
	}
	if c.PresignLookahead < c.PresignBatchSize {
		return fmt.Errorf("presign lookahead %d below batch size %d", c.PresignLookahead, c.PresignBatchSize)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must be non-negative, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays [%s, %s]", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL is required")
	}
	return nil
}

// EffectiveWorkers returns the worker count for a job using the given part
// size. Auto mode starts from 75% of the CPU cores, clamps to the configured
// bounds, then clamps again so that workers × partSize stays under half the
// available memory. Fixed mode returns the configured count.
func (c Config) EffectiveWorkers(partSize int64) int {
	if !c.WorkersAuto {
		return clamp(c.Workers, c.WorkersMin, c.WorkersMax)
	}

	workers := int(constants.WorkerCPUFraction * float64(runtime.NumCPU()))
	workers = clamp(workers, c.WorkersMin, c.WorkersMax)

	if partSize > 0 {
		budget := int64(constants.WorkerMemoryFraction * float64(availableMemory()))
		if maxByMem := int(budget / partSize); maxByMem < workers {
			workers = maxByMem
		}
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
