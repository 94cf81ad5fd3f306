// Package firmware defines the interface to the motion controller
// firmware and an in-process emulator of it. The firmware executes a
// dispatched code asynchronously and is allowed to complete dispatches
// in a different order than they were submitted.
package firmware

import (
	"context"
	"sync"

	"reprapd/pkg/gcode"
)

// Completion represents a pending firmware reply for one dispatched
// code.
type Completion struct {
	done   chan struct{}
	once   sync.Once
	result gcode.Result
	err    error
}

// NewCompletion creates an unresolved completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete resolves the completion. Only the first call takes effect.
func (c *Completion) Complete(result gcode.Result, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// Done returns a channel closed when the completion resolves.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Test reports whether the completion has resolved.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the completion resolves or the context is
// cancelled. Cancellation returns ctx.Err, leaving the dispatch itself
// to finish (or be abandoned) on its own.
func (c *Completion) Wait(ctx context.Context) (gcode.Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Interface is the contract the execution pipeline depends on. Dispatch
// hands a code to the firmware and returns a pending completion;
// completions may resolve out of submission order.
type Interface interface {
	Dispatch(ctx context.Context, code *gcode.Code) (*Completion, error)
}
