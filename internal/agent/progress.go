package agent

import (
	"context"
	"time"

	"github.com/lanlift/lanlift/internal/events"
	"github.com/lanlift/lanlift/internal/pool"
	"github.com/lanlift/lanlift/internal/store"
)

// sample is one point on the transfer curve, used for windowed speed.
type sample struct {
	at    time.Time
	bytes int64
}

// startProgressTicker publishes a ProgressEvent every progress interval until
// done is closed or ctx is cancelled. Returns the done channel the caller
// closes when the pool drains.
func (s *Supervisor) startProgressTicker(ctx context.Context, job *store.UploadJob, p *pool.Pool,
	resumedBytes int64, resumedParts int) chan struct{} {

	done := make(chan struct{})
	start := time.Now()
	var window []sample

	emit := func() {
		bytes := p.BytesTransferred()
		now := time.Now()

		speed := meanSpeed(bytes-resumedBytes, now.Sub(start))
		if s.cfg.SpeedSampleWindow > 0 {
			window = append(window, sample{at: now, bytes: bytes})
			window = trimWindow(window, now.Add(-s.cfg.SpeedSampleWindow))
			if w := windowedSpeed(window); w > 0 {
				speed = w
			}
		}

		s.bus.Publish(&events.ProgressEvent{
			BaseEvent:        events.BaseEvent{EventType: events.EventProgress, Time: now},
			UploadID:         job.UploadID,
			Percent:          percent(bytes, job.FileSize),
			Speed:            speed,
			ETA:              eta(job.FileSize-bytes, speed),
			BytesTransferred: bytes,
			TotalBytes:       job.FileSize,
			ActiveThreads:    p.ActiveWorkers(),
			CompletedParts:   resumedParts + p.PartsCompleted(),
			TotalParts:       job.TotalParts,
		})
	}

	go func() {
		ticker := time.NewTicker(s.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				emit()
			case <-done:
				// One closing frame so consumers see the final counters
				emit()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// percent maps transferred bytes to [0, 100]. A zero-length file is complete
// by definition.
func percent(bytes, total int64) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(bytes) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// meanSpeed is the cumulative mean in bytes/sec over the session.
func meanSpeed(sessionBytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 || sessionBytes <= 0 {
		return 0
	}
	return float64(sessionBytes) / elapsed.Seconds()
}

// windowedSpeed computes bytes/sec across the retained sample window.
func windowedSpeed(window []sample) float64 {
	if len(window) < 2 {
		return 0
	}
	first, last := window[0], window[len(window)-1]
	elapsed := last.at.Sub(first.at)
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed.Seconds()
}

// trimWindow drops samples older than cutoff, keeping at least the newest.
func trimWindow(window []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(window)-1 && window[i].at.Before(cutoff) {
		i++
	}
	return window[i:]
}

// eta estimates seconds remaining; 0 when the rate is unknown.
func eta(remaining int64, speed float64) float64 {
	if speed <= 0 || remaining <= 0 {
		return 0
	}
	return float64(remaining) / speed
}
