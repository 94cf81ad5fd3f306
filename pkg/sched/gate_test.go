package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForWaiters(t *testing.T, g *Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		got := len(g.waiters)
		g.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters", n)
}

func TestGateExclusive(t *testing.T) {
	var g Gate
	require.NoError(t, g.Acquire(context.Background()))
	require.True(t, g.Held())
	require.False(t, g.TryAcquire())
	g.Release()
	require.False(t, g.Held())
	require.True(t, g.TryAcquire())
	g.Release()
}

func TestGateFIFOOrder(t *testing.T) {
	var g Gate
	require.NoError(t, g.Acquire(context.Background()))

	const n = 8
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			if err := g.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			order <- i
			g.Release()
		}()
		// Arrival order must match spawn order for the assertion below.
		waitForWaiters(t, &g, i+1)
	}

	g.Release()
	for want := 0; want < n; want++ {
		select {
		case got := <-order:
			require.Equal(t, want, got, "grant out of arrival order")
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never granted")
		}
	}
}

func TestGateCancelledWaiterKeepsOrder(t *testing.T) {
	var g Gate
	require.NoError(t, g.Acquire(context.Background()))

	ctxB, cancelB := context.WithCancel(context.Background())
	errB := make(chan error, 1)
	go func() { errB <- g.Acquire(ctxB) }()
	waitForWaiters(t, &g, 1)

	gotC := make(chan struct{})
	go func() {
		if err := g.Acquire(context.Background()); err != nil {
			t.Error(err)
			return
		}
		close(gotC)
	}()
	waitForWaiters(t, &g, 2)

	cancelB()
	require.ErrorIs(t, <-errB, context.Canceled)

	// C is now the oldest waiter and must be granted on release.
	g.Release()
	select {
	case <-gotC:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining waiter not granted after cancellation")
	}
	g.Release()
}

func TestGateAcquireCancelledBeforeWait(t *testing.T) {
	var g Gate
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)

	g.Release()
	require.False(t, g.Held())
}

func TestGateReleaseWithoutHoldPanics(t *testing.T) {
	var g Gate
	require.Panics(t, func() { g.Release() })
}

func TestGateEnqueueGrantsFreeGate(t *testing.T) {
	var g Gate
	ticket := g.Enqueue()
	require.True(t, g.Held())
	require.NoError(t, ticket.Wait(context.Background()))
	g.Release()
	require.False(t, g.Held())
}

func TestGateEnqueueFixesPosition(t *testing.T) {
	var g Gate
	require.NoError(t, g.Acquire(context.Background()))

	// The ticket takes its place in line now, even though nothing waits
	// on it yet.
	ticket := g.Enqueue()

	later := make(chan struct{})
	go func() {
		if err := g.Acquire(context.Background()); err != nil {
			t.Error(err)
			return
		}
		close(later)
	}()
	waitForWaiters(t, &g, 2)

	g.Release()
	require.NoError(t, ticket.Wait(context.Background()))
	select {
	case <-later:
		t.Fatal("later waiter overtook an earlier ticket")
	default:
	}

	g.Release()
	select {
	case <-later:
	case <-time.After(2 * time.Second):
		t.Fatal("later waiter never granted")
	}
	g.Release()
}

func TestGateTicketCancelledWaitGivesUpSlot(t *testing.T) {
	var g Gate
	require.NoError(t, g.Acquire(context.Background()))

	ticket := g.Enqueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ticket.Wait(ctx), context.Canceled)

	g.Release()
	require.False(t, g.Held())
}
