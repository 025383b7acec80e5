package pool

import (
	"context"
	"testing"
	"time"
)

func TestGateOpenByDefault(t *testing.T) {
	g := newGate()
	if g.Paused() {
		t.Error("new gate is paused")
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Errorf("Wait on open gate: %v", err)
	}
}

func TestGateBlocksWhilePaused(t *testing.T) {
	g := newGate()
	g.Pause()

	released := make(chan struct{})
	go func() {
		g.Wait(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resume")
	}
}

func TestGateWaitObservesCancellation(t *testing.T) {
	g := newGate()
	g.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Wait = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}

func TestGateIdempotent(t *testing.T) {
	g := newGate()
	g.Pause()
	g.Pause()
	g.Resume()
	g.Resume()
	if g.Paused() {
		t.Error("gate paused after Resume")
	}
}
