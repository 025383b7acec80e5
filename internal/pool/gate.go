package pool

import (
	"context"
	"sync"
)

// gate implements pause as a barrier, not a kill: a paused gate blocks new
// dispatches while in-flight PUTs run to completion.
type gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{} // closed while running, fresh while paused
}

func newGate() *gate {
	resume := make(chan struct{})
	close(resume)
	return &gate{resume: resume}
}

// Pause closes the gate. Idempotent.
func (g *gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

// Resume opens the gate and releases every waiter. Idempotent.
func (g *gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

// Paused reports whether the gate is closed.
func (g *gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused. Returns the context error on
// cancellation so workers shut down even when paused.
func (g *gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		resume := g.resume
		paused := g.paused
		g.mu.Unlock()

		if !paused {
			return ctx.Err()
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
