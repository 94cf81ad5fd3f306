package firmware

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"reprapd/pkg/gcode"
	"reprapd/pkg/log"
)

// EmulatorConfig tunes the firmware emulator.
type EmulatorConfig struct {
	// Latency is the simulated execution time per code.
	Latency time.Duration

	// Jitter randomizes the latency by up to the given duration, which
	// makes completions resolve out of submission order.
	Jitter time.Duration

	// Hold suspends automatic completion; pending dispatches are then
	// resolved explicitly with CompleteOldest/CompleteNewest. Used by
	// tests that need a deterministic completion order.
	Hold bool

	// Reply overrides the canned reply function.
	Reply func(code *gcode.Code) gcode.Result
}

// Emulator is an in-process stand-in for the firmware transport. It
// keeps just enough machine state to answer the common status queries.
type Emulator struct {
	mu      sync.Mutex
	cfg     EmulatorConfig
	pending []*pendingDispatch
	logger  *log.Logger

	// Simulated hotend temperature reported by M105.
	hotend float64
}

type pendingDispatch struct {
	code       *gcode.Code
	completion *Completion
}

// NewEmulator creates a firmware emulator.
func NewEmulator(cfg EmulatorConfig) *Emulator {
	return &Emulator{
		cfg:    cfg,
		logger: log.GetLogger("firmware"),
		hotend: 21.0,
	}
}

// Dispatch hands a code to the emulator. In held mode the completion
// stays pending until released; otherwise it resolves after the
// configured latency. A cancelled context abandons the dispatch with
// the context's error.
func (e *Emulator) Dispatch(ctx context.Context, code *gcode.Code) (*Completion, error) {
	completion := NewCompletion()
	e.logger.Debug("dispatching %s", code.ShortString())

	e.mu.Lock()
	if e.cfg.Hold {
		e.pending = append(e.pending, &pendingDispatch{code: code, completion: completion})
		e.mu.Unlock()
		return completion, nil
	}
	delay := e.cfg.Latency
	if e.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(e.cfg.Jitter)))
	}
	e.mu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			completion.Complete(e.reply(code), nil)
		case <-ctx.Done():
			completion.Complete(nil, ctx.Err())
		}
	}()
	return completion, nil
}

// PendingCount returns the number of held dispatches.
func (e *Emulator) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// CompleteOldest resolves the oldest held dispatch.
func (e *Emulator) CompleteOldest() bool { return e.complete(false) }

// CompleteNewest resolves the newest held dispatch, which exercises
// out-of-submission-order completion.
func (e *Emulator) CompleteNewest() bool { return e.complete(true) }

func (e *Emulator) complete(newest bool) bool {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return false
	}
	var p *pendingDispatch
	if newest {
		p = e.pending[len(e.pending)-1]
		e.pending = e.pending[:len(e.pending)-1]
	} else {
		p = e.pending[0]
		e.pending = e.pending[1:]
	}
	e.mu.Unlock()

	p.completion.Complete(e.reply(p.code), nil)
	return true
}

func (e *Emulator) reply(code *gcode.Code) gcode.Result {
	if e.cfg.Reply != nil {
		return e.cfg.Reply(code)
	}

	if code.Type == gcode.MCode {
		switch code.Major {
		case 105:
			e.mu.Lock()
			hotend := e.hotend
			e.mu.Unlock()
			return gcode.NewResult(gcode.Success, fmt.Sprintf("T:%.1f /0.0 B:21.0 /0.0", hotend))
		case 104, 109:
			if s := code.Parameter('S'); s != nil {
				if target, err := s.Float(); err == nil {
					e.mu.Lock()
					e.hotend = target
					e.mu.Unlock()
				}
			}
		case 115:
			return gcode.NewResult(gcode.Success, "FIRMWARE_NAME: reprapd-emulator 1.0")
		}
	}
	return gcode.Result{}
}
