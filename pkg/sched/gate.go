package sched

import (
	"context"
	"sync"
)

// Gate is an exclusive, FIFO-fair admission gate. Waiters are granted
// access strictly in arrival order; there is no lock-stealing. Fairness
// is a correctness requirement here, not an incidental property, so the
// wait queue is explicit rather than delegated to sync.Mutex.
//
// A waiter may abandon the queue when its context is cancelled; the
// remaining waiters keep their relative order.
type Gate struct {
	mu      sync.Mutex
	held    bool
	waiters []*waiter
}

type waiter struct {
	ready chan struct{}
}

// Acquire obtains the gate, suspending the caller until every earlier
// waiter has been granted and released. It returns ctx.Err() if the
// context is cancelled first.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.held {
		g.held = true
		g.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	return g.wait(ctx, w)
}

func (g *Gate) wait(ctx context.Context, w *waiter) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	// Cancelled. The grant may have raced the cancellation: if our
	// waiter is gone from the queue we already own the gate and must
	// pass it on.
	g.mu.Lock()
	for i, x := range g.waiters {
		if x == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return ctx.Err()
		}
	}
	g.mu.Unlock()
	<-w.ready
	g.Release()
	return ctx.Err()
}

// Ticket is a queue position claimed with Enqueue but not yet waited
// on.
type Ticket struct {
	g       *Gate
	w       *waiter
	granted bool
}

// Enqueue claims the gate's next queue position without blocking. The
// caller fixes its place in line immediately and waits for the grant
// later with Wait; codes use this to pin their finish order while they
// still hold the start gate.
func (g *Gate) Enqueue() *Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		g.held = true
		return &Ticket{g: g, granted: true}
	}
	w := &waiter{ready: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	return &Ticket{g: g, w: w}
}

// Wait blocks until the ticket's position is granted. A cancelled Wait
// gives up the position; the ticket then no longer holds the gate and
// must not be released.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.granted {
		return nil
	}
	if err := t.g.wait(ctx, t.w); err != nil {
		return err
	}
	t.granted = true
	return nil
}

// TryAcquire obtains the gate only if it is free with no waiters.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false
	}
	g.held = true
	return true
}

// Release hands the gate to the oldest waiter, or frees it when the
// queue is empty. Calling Release without holding the gate is a
// programming error and panics.
func (g *Gate) Release() {
	g.mu.Lock()
	if !g.held {
		g.mu.Unlock()
		panic("sched: gate released while not held")
	}
	if len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.mu.Unlock()
		close(w.ready)
		return
	}
	g.held = false
	g.mu.Unlock()
}

// Held reports whether the gate is currently held.
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
