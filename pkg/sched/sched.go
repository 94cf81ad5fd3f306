// Package sched enforces the ordering contract of code execution: per
// channel and priority class, codes begin executing in admission order
// and their firmware completions are observed in that same order, while
// unrelated channels and classes proceed independently.
package sched

import (
	"context"
	"sync"
	"sync/atomic"

	"reprapd/pkg/channel"
	"reprapd/pkg/errors"
	"reprapd/pkg/gcode"
	"reprapd/pkg/log"
)

// PriorityClass is the scheduling tier of a code, derived once at
// admission from the code's origin and never changed afterward.
type PriorityClass int

const (
	// Normal is the default class.
	Normal PriorityClass = iota

	// FromMacro covers codes issued from a macro file.
	FromMacro

	// Prioritized covers codes explicitly flagged to jump the queue.
	Prioritized

	// FromInterceptor covers codes submitted by a connection that is
	// itself inside an interception callback. Highest class.
	FromInterceptor

	// NumClasses is the number of priority classes. Not a valid class.
	NumClasses
)

// String returns the class name.
func (p PriorityClass) String() string {
	switch p {
	case Normal:
		return "Normal"
	case FromMacro:
		return "FromMacro"
	case Prioritized:
		return "Prioritized"
	case FromInterceptor:
		return "FromInterceptor"
	default:
		return "PriorityClass(?)"
	}
}

// Classify derives the priority class of a code. The checks run in a
// fixed order and the first match wins.
func Classify(code *gcode.Code) PriorityClass {
	switch {
	case code.FromInterceptingSource():
		return FromInterceptor
	case code.Flag(gcode.IsPrioritized):
		return Prioritized
	case code.Flag(gcode.IsFromMacro):
		return FromMacro
	default:
		return Normal
	}
}

// scope is a per-channel cancellation scope, replaced wholesale when
// the channel is cancelled.
type scope struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *scope) current() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *scope) replace() {
	s.mu.Lock()
	old := s.cancel
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	old()
}

// Scheduler owns the start and finish gate matrices, indexed by
// (channel, priority class), and the per-channel cancellation scopes.
type Scheduler struct {
	start  [channel.NumChannels][NumClasses]Gate
	finish [channel.NumChannels][NumClasses]Gate
	scopes [channel.NumChannels]scope

	logger *log.Logger
}

// New creates a Scheduler with fresh cancellation scopes.
func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.GetLogger("sched")
	}
	s := &Scheduler{logger: logger}
	for ch := range s.scopes {
		s.scopes[ch].ctx, s.scopes[ch].cancel = context.WithCancel(context.Background())
	}
	return s
}

// Admission is the slot a code holds after passing its start gate. It
// is owned exclusively by the code that acquired it and released
// exactly once.
type Admission struct {
	sched    *Scheduler
	channel  channel.Channel
	class    PriorityClass
	released atomic.Bool
}

// Channel returns the admitted channel.
func (a *Admission) Channel() channel.Channel { return a.channel }

// Class returns the priority class computed at admission.
func (a *Admission) Class() PriorityClass { return a.class }

// ReleaseStart releases the start gate, letting the next code on this
// channel/class begin. Safe to call more than once; only the first call
// releases.
func (a *Admission) ReleaseStart() {
	if a.released.CompareAndSwap(false, true) {
		a.sched.start[a.channel][a.class].Release()
	}
}

// StartReleased reports whether ReleaseStart already ran.
func (a *Admission) StartReleased() bool { return a.released.Load() }

type admissionKey struct{}

// ContextWithAdmission returns ctx carrying the admission. Handlers
// that feed codes back into the pipeline (macro expansion) use it to
// give up their start slot before their children are admitted, so a
// child never queues behind its own ancestor.
func ContextWithAdmission(ctx context.Context, adm *Admission) context.Context {
	return context.WithValue(ctx, admissionKey{}, adm)
}

// AdmissionFromContext returns the admission carried by ctx, or nil.
func AdmissionFromContext(ctx context.Context) *Admission {
	adm, _ := ctx.Value(admissionKey{}).(*Admission)
	return adm
}

// Admit determines the code's priority class and waits on the matching
// start gate. It suspends the caller without blocking other channels or
// classes. A channel cancellation while waiting surfaces as a
// CODE_CANCELLED error wrapping context.Canceled and leaves the gate
// order undisturbed for the remaining waiters. Once Admit returns, the
// scheduler no longer applies cancellation to the code.
func (s *Scheduler) Admit(ctx context.Context, code *gcode.Code) (*Admission, error) {
	class := Classify(code)

	// The current scope must be captured atomically with entering the
	// wait, so a concurrent CancelChannel either signals this waiter or
	// happened entirely before it.
	scopeCtx := s.scopes[code.Channel].current()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(scopeCtx, cancel)
	defer stop()

	if err := s.start[code.Channel][class].Acquire(waitCtx); err != nil {
		if scopeCtx.Err() != nil {
			return nil, errors.CancelledError(code.Channel.String())
		}
		return nil, err
	}

	s.logger.WithField("channel", code.Channel.String()).
		WithField("class", class.String()).
		Debug("admitted %s", code.ShortString())
	return &Admission{sched: s, channel: code.Channel, class: class}, nil
}

// FinishHandle wraps the period during which a dispatched code waits
// for its asynchronous firmware completion.
type FinishHandle struct {
	gate     *Gate
	ticket   *Ticket
	released atomic.Bool
}

// ReserveFinish claims the next finish slot of the channel and class
// without blocking. It must be called while the code still holds its
// start slot: the firmware transport may complete codes out of
// submission order, and reserving in admission order is what forces a
// later code's result to wait behind all earlier ones.
func (s *Scheduler) ReserveFinish(ch channel.Channel, class PriorityClass) *FinishHandle {
	gate := &s.finish[ch][class]
	return &FinishHandle{gate: gate, ticket: gate.Enqueue()}
}

// Wait blocks until every earlier finish slot has been released. After
// a cancelled Wait the handle holds nothing and must not be released.
func (f *FinishHandle) Wait(ctx context.Context) error {
	return f.ticket.Wait(ctx)
}

// Release releases the finish gate. Safe to call more than once.
func (f *FinishHandle) Release() {
	if f.released.CompareAndSwap(false, true) {
		f.gate.Release()
	}
}

// CancelChannel invalidates every code still waiting at the channel's
// start gates, across all priority classes, by replacing the channel's
// cancellation scope with a fresh one. Codes already past admission are
// unaffected. Safe to call concurrently with new admissions.
func (s *Scheduler) CancelChannel(ch channel.Channel) {
	s.scopes[ch].replace()
	s.logger.Info("cancelled pending codes on %s", ch)
}
