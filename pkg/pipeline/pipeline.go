// Package pipeline resolves admitted codes to results: cheaper paths
// first (capture, interception, internal handlers), firmware dispatch
// last, with release bookkeeping that keeps the owning channel moving
// on every exit path.
package pipeline

import (
	"context"
	stderrors "errors"

	"reprapd/pkg/capture"
	"reprapd/pkg/channel"
	"reprapd/pkg/config"
	"reprapd/pkg/errors"
	"reprapd/pkg/firmware"
	"reprapd/pkg/gcode"
	"reprapd/pkg/interceptor"
	"reprapd/pkg/log"
	"reprapd/pkg/metrics"
	"reprapd/pkg/sched"
)

// Handler resolves codes of one type internally. Process returns a nil
// Result when it declines the code; a non-nil (possibly empty) Result
// resolves it. An error satisfying errors.ErrCodeUnsupported is turned
// into an Error-message result instead of failing the code.
type Handler interface {
	Process(ctx context.Context, code *gcode.Code) (gcode.Result, error)

	// OnExecuted is the symmetric completion hook, invoked during
	// result reconciliation for every code of the handler's type that
	// produced a result.
	OnExecuted(ctx context.Context, code *gcode.Code)
}

// Config wires a Pipeline to its collaborators. Scheduler and Firmware
// are required; the rest may be nil.
type Config struct {
	Scheduler     *sched.Scheduler
	Firmware      firmware.Interface
	Interceptors  interceptor.Service
	Capture       *capture.Table
	Compatibility func(channel.Channel) config.Compatibility
	Logger        *log.Logger
	Metrics       *metrics.Registry
}

// Pipeline orchestrates code execution.
type Pipeline struct {
	sched    *sched.Scheduler
	fw       firmware.Interface
	icpt     interceptor.Service
	capture  *capture.Table
	compat   func(channel.Channel) config.Compatibility
	logger   *log.Logger
	registry *metrics.Registry

	handlers [4]Handler // indexed by gcode.Type
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = log.GetLogger("pipeline")
	}
	compat := cfg.Compatibility
	if compat == nil {
		compat = func(channel.Channel) config.Compatibility { return config.RepRapFirmware }
	}
	return &Pipeline{
		sched:    cfg.Scheduler,
		fw:       cfg.Firmware,
		icpt:     cfg.Interceptors,
		capture:  cfg.Capture,
		compat:   compat,
		logger:   logger,
		registry: cfg.Metrics,
	}
}

// RegisterHandler installs the internal handler for a code type.
func (p *Pipeline) RegisterHandler(t gcode.Type, h Handler) {
	p.handlers[t] = h
}

// Scheduler returns the scheduler the pipeline admits codes through.
func (p *Pipeline) Scheduler() *sched.Scheduler { return p.sched }

// Execute runs one code to completion and returns its result. Codes
// flagged Asynchronous are executed fire-and-forget: Execute returns
// (nil, nil) immediately and failures are only logged.
func (p *Pipeline) Execute(ctx context.Context, code *gcode.Code) (gcode.Result, error) {
	if code.Flag(gcode.Asynchronous) {
		// Detached from the caller's cancellation; the channel scope
		// still applies while waiting for admission.
		bg := context.WithoutCancel(ctx)
		go func() {
			if _, err := p.run(bg, code); err != nil {
				p.logger.WithError(err).
					WithField("channel", code.Channel.String()).
					Warn("asynchronous %s failed", code.ShortString())
			}
		}()
		return nil, nil
	}
	return p.run(ctx, code)
}

func (p *Pipeline) run(ctx context.Context, code *gcode.Code) (gcode.Result, error) {
	adm, err := p.sched.Admit(ctx, code)
	if err != nil {
		p.count("reprapd_codes_cancelled_total", "Cancelled codes", code.Channel)
		return nil, err
	}
	// Forward progress for the channel even when a stage fails or a
	// handler panics; a no-op when stage 5 already released.
	defer adm.ReleaseStart()

	p.count("reprapd_codes_admitted_total", "Codes admitted", code.Channel)
	return p.process(ctx, code, adm)
}

func (p *Pipeline) process(ctx context.Context, code *gcode.Code, adm *sched.Admission) (gcode.Result, error) {
	// Stage 1: file capture takes precedence over everything else. A
	// captured code is not executed and not reconciled.
	if p.capture != nil {
		captured, err := p.capture.Redirect(ctx, code)
		if err != nil {
			return nil, p.internalFault(code, err)
		}
		if captured {
			p.count("reprapd_codes_captured_total", "Codes diverted to capture sinks", code.Channel)
			return code.Result, nil
		}
	}

	// Stage 2: pre-interception, at most once per code.
	if p.icpt != nil && !code.Flag(gcode.IsPreProcessed) {
		resolved, err := p.icpt.Intercept(ctx, code, interceptor.Pre)
		code.SetFlag(gcode.IsPreProcessed)
		if err != nil {
			return nil, p.internalFault(code, err)
		}
		if resolved {
			code.InternallyProcessed = true
			return p.reconcile(ctx, code)
		}
	}

	// Stage 3: internal processing. The admission travels in the
	// context so a handler that re-enters the pipeline can release its
	// start slot before its children are admitted.
	resolved, err := p.processInternally(sched.ContextWithAdmission(ctx, adm), code)
	if err != nil {
		return nil, p.internalFault(code, err)
	}
	if resolved {
		return p.reconcile(ctx, code)
	}

	// Stage 4: post-interception, at most once per code.
	if p.icpt != nil && !code.Flag(gcode.IsPostProcessed) {
		resolved, err := p.icpt.Intercept(ctx, code, interceptor.Post)
		code.SetFlag(gcode.IsPostProcessed)
		if err != nil {
			return nil, p.internalFault(code, err)
		}
		if resolved {
			code.InternallyProcessed = true
			return p.reconcile(ctx, code)
		}
	}

	// Stage 5: firmware dispatch.
	return p.dispatch(ctx, code, adm)
}

// processInternally resolves comments and consults the type's handler.
func (p *Pipeline) processInternally(ctx context.Context, code *gcode.Code) (bool, error) {
	if code.Type == gcode.Comment {
		code.InternallyProcessed = true
		code.Result = gcode.Result{}
		return true, nil
	}

	handler := p.handlers[code.Type]
	if handler == nil {
		return false, nil
	}

	result, err := handler.Process(ctx, code)
	if err != nil {
		if errors.Is(err, errors.ErrCodeUnsupported) {
			text := err.Error()
			var hostErr *errors.HostError
			if stderrors.As(err, &hostErr) {
				text = hostErr.Message
			}
			code.InternallyProcessed = true
			code.Result = gcode.NewResult(gcode.Error, text)
			return true, nil
		}
		return false, err
	}
	if result == nil {
		return false, nil
	}
	code.InternallyProcessed = true
	code.Result = result
	return true, nil
}

// dispatch hands the code to the firmware, releases the start gate so
// the next code of this channel/class may begin, then serializes the
// completion through the finish gate. The finish slot is reserved
// before the start gate is released, which pins finish order to
// admission order.
func (p *Pipeline) dispatch(ctx context.Context, code *gcode.Code, adm *sched.Admission) (gcode.Result, error) {
	completion, err := p.fw.Dispatch(ctx, code)
	if err != nil {
		return nil, errors.TransportError(err)
	}
	p.count("reprapd_codes_dispatched_total", "Codes dispatched to firmware", code.Channel)

	fin := p.sched.ReserveFinish(adm.Channel(), adm.Class())
	adm.ReleaseStart()

	if err := fin.Wait(ctx); err != nil {
		// The slot was given up; nothing to release.
		return nil, p.dispatchCancelled(ctx, code, err)
	}
	defer fin.Release()

	result, err := completion.Wait(ctx)
	if err != nil {
		fin.Release()
		if errors.IsCancelled(err) {
			return nil, p.dispatchCancelled(ctx, code, err)
		}
		return nil, errors.TransportError(err)
	}
	fin.Release()

	code.Result = result
	return p.reconcile(ctx, code)
}

// dispatchCancelled clears any partial result, still delivers the
// Executed notification, and re-signals the cancellation to the caller
// after bookkeeping completed.
func (p *Pipeline) dispatchCancelled(ctx context.Context, code *gcode.Code, cause error) error {
	code.Result = nil
	p.count("reprapd_codes_cancelled_total", "Cancelled codes", code.Channel)
	p.notifyExecuted(context.WithoutCancel(ctx), code)
	if errors.Is(cause, errors.ErrCodeCancelled) {
		return cause
	}
	return errors.CancelledError(code.Channel.String())
}

// internalFault logs an unrecoverable mid-processing error and returns
// it to be re-raised after release bookkeeping.
func (p *Pipeline) internalFault(code *gcode.Code, err error) error {
	fault := errors.InternalError(code.ShortString(), err)
	p.logger.WithError(err).
		WithField("channel", code.Channel.String()).
		Error("failed to execute %s", code.ShortString())
	return fault
}

func (p *Pipeline) count(name, help string, ch channel.Channel) {
	if p.registry == nil {
		return
	}
	p.registry.Counter(name, help, metrics.Labels{"channel": ch.String()}).Inc()
}
