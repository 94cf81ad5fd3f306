// Package interceptor lets internal logic and external plugins observe,
// modify or fully resolve codes at defined points of the execution
// pipeline without breaking its ordering guarantees.
package interceptor

import (
	"context"
	"sync"
	"sync/atomic"

	"reprapd/pkg/channel"
	"reprapd/pkg/gcode"
	"reprapd/pkg/log"
)

// Stage names the pipeline point an interception runs at.
type Stage int

const (
	// Pre runs before internal processing.
	Pre Stage = iota

	// Post runs after internal processing declined the code, before
	// firmware dispatch.
	Post

	// Executed runs after the code completed, as a pure notification.
	Executed
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case Pre:
		return "Pre"
	case Post:
		return "Post"
	case Executed:
		return "Executed"
	default:
		return "Stage(?)"
	}
}

// Service consumes a code at a named stage and reports whether it fully
// resolved the code. A resolving service attaches the result to the
// code as a side effect.
type Service interface {
	Intercept(ctx context.Context, code *gcode.Code, stage Stage) (bool, error)
}

// Func adapts a plain function to a Service.
type Func func(ctx context.Context, code *gcode.Code, stage Stage) (bool, error)

// Intercept implements Service.
func (f Func) Intercept(ctx context.Context, code *gcode.Code, stage Stage) (bool, error) {
	return f(ctx, code, stage)
}

// Filter restricts which codes an interceptor sees. Zero value matches
// everything.
type Filter struct {
	// Channels limits interception to the listed channels; empty means
	// all channels.
	Channels []channel.Channel

	// Types limits interception to the listed code types; empty means
	// all types.
	Types []gcode.Type
}

func (f Filter) matches(code *gcode.Code) bool {
	if len(f.Channels) > 0 {
		found := false
		for _, ch := range f.Channels {
			if ch == code.Channel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == code.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registration is one registered interceptor. It doubles as the code
// Source for codes the interceptor submits from inside a callback:
// while the callback runs, such codes classify as FromInterceptor.
type Registration struct {
	name    string
	filter  Filter
	service Service
	active  atomic.Int32
}

// Name returns the registration name.
func (r *Registration) Name() string { return r.name }

// Intercepting implements gcode.Source: true while the interceptor is
// inside one of its callbacks.
func (r *Registration) Intercepting() bool { return r.active.Load() > 0 }

// Registry is an ordered list of interceptors. Pre/Post interceptions
// stop at the first interceptor that resolves the code; Executed
// notifications always reach every interceptor.
type Registry struct {
	mu      sync.RWMutex
	entries []*Registration
	logger  *log.Logger
}

// NewRegistry creates an empty interceptor registry.
func NewRegistry() *Registry {
	return &Registry{logger: log.GetLogger("interceptor")}
}

// Register appends an interceptor. Interceptors run in registration
// order.
func (r *Registry) Register(name string, filter Filter, service Service) *Registration {
	reg := &Registration{name: name, filter: filter, service: service}
	r.mu.Lock()
	r.entries = append(r.entries, reg)
	r.mu.Unlock()
	return reg
}

// Unregister removes an interceptor, keeping the order of the rest.
func (r *Registry) Unregister(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e == reg {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Intercept implements Service over the whole registry.
func (r *Registry) Intercept(ctx context.Context, code *gcode.Code, stage Stage) (bool, error) {
	r.mu.RLock()
	entries := make([]*Registration, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	resolved := false
	for _, reg := range entries {
		if !reg.filter.matches(code) {
			continue
		}

		reg.active.Add(1)
		ok, err := reg.service.Intercept(ctx, code, stage)
		reg.active.Add(-1)

		if err != nil {
			if stage == Executed {
				// Executed is a notification; a failing observer must
				// not fail the code.
				r.logger.WithError(err).Warn("interceptor %s failed at Executed", reg.name)
				continue
			}
			return false, err
		}
		if ok && stage != Executed {
			return true, nil
		}
		resolved = resolved || ok
	}
	return resolved && stage != Executed, nil
}
