package agent

import (
	"testing"
	"time"
)

func TestPercent(t *testing.T) {
	cases := []struct {
		bytes, total int64
		want         float64
	}{
		{0, 1000, 0},
		{425, 1000, 42.5},
		{1000, 1000, 100},
		{0, 0, 100}, // zero-length file is complete by definition
		{2000, 1000, 100},
	}
	for _, tc := range cases {
		if got := percent(tc.bytes, tc.total); got != tc.want {
			t.Errorf("percent(%d, %d) = %v, want %v", tc.bytes, tc.total, got, tc.want)
		}
	}
}

func TestMeanSpeed(t *testing.T) {
	if got := meanSpeed(1000, 2*time.Second); got != 500 {
		t.Errorf("meanSpeed = %v, want 500", got)
	}
	if got := meanSpeed(0, time.Second); got != 0 {
		t.Errorf("meanSpeed with no bytes = %v, want 0", got)
	}
	if got := meanSpeed(1000, 0); got != 0 {
		t.Errorf("meanSpeed with no elapsed time = %v, want 0", got)
	}
}

func TestETA(t *testing.T) {
	if got := eta(1000, 500); got != 2 {
		t.Errorf("eta = %v, want 2", got)
	}
	if got := eta(1000, 0); got != 0 {
		t.Errorf("eta with zero speed = %v, want 0", got)
	}
	if got := eta(0, 500); got != 0 {
		t.Errorf("eta with nothing remaining = %v, want 0", got)
	}
}

func TestWindowedSpeed(t *testing.T) {
	now := time.Now()
	window := []sample{
		{at: now, bytes: 0},
		{at: now.Add(time.Second), bytes: 100},
		{at: now.Add(2 * time.Second), bytes: 500},
	}
	if got := windowedSpeed(window); got != 250 {
		t.Errorf("windowedSpeed = %v, want 250", got)
	}
	if got := windowedSpeed(window[:1]); got != 0 {
		t.Errorf("windowedSpeed with one sample = %v, want 0", got)
	}
}

func TestTrimWindow(t *testing.T) {
	now := time.Now()
	window := []sample{
		{at: now.Add(-3 * time.Second)},
		{at: now.Add(-2 * time.Second)},
		{at: now.Add(-time.Second)},
		{at: now},
	}

	trimmed := trimWindow(window, now.Add(-1500*time.Millisecond))
	if len(trimmed) != 2 {
		t.Fatalf("trimmed length = %d, want 2", len(trimmed))
	}
	if !trimmed[0].at.Equal(now.Add(-time.Second)) {
		t.Errorf("trimmed[0].at = %v", trimmed[0].at)
	}

	// The newest sample always survives, even when older than the cutoff
	old := []sample{{at: now.Add(-time.Hour)}}
	if got := trimWindow(old, now); len(got) != 1 {
		t.Errorf("trimWindow dropped the only sample")
	}
}

