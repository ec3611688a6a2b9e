package session

import (
	"context"
	"sync"
	"time"
)

// floodGate is the single shared "future" of spec.md §4.7/§4.8: when a
// FLOOD_WAIT_N notification arrives, all outbound sends pause for 2N
// seconds behind one shared gate; new callers arriving during the
// window join the same wait rather than starting their own timer.
//
// A token-bucket limiter (golang.org/x/time/rate) does not fit here:
// its burst allowance would let a caller through immediately after
// Engage even though every waiter must sit out the full window, so
// this is a plain closed-channel broadcast instead.
type floodGate struct {
	mu      sync.Mutex
	release chan struct{}
}

func newFloodGate() *floodGate {
	g := &floodGate{release: make(chan struct{})}
	close(g.release) // starts open: no flood-wait in effect
	return g
}

// engage arms a pause of d if the gate is currently open. Engaging
// while already engaged is a no-op: the existing window is neither
// restarted nor extended — one shared future, per spec.
func (g *floodGate) engage(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.release:
		// currently open; close it and schedule reopening.
		g.release = make(chan struct{})
		gate := g.release
		time.AfterFunc(d, func() { close(gate) })
	default:
		// already engaged; leave the existing timer in control.
	}
}

// wait blocks until the gate is open (or ctx is cancelled).
func (g *floodGate) wait(ctx context.Context) error {
	g.mu.Lock()
	release := g.release
	g.mu.Unlock()
	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
