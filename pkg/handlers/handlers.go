// Package handlers implements the built-in M-code handlers of the host:
// file capture control, macro execution, echoing and machine identity.
// Everything else is declined and falls through to the firmware.
package handlers

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"reprapd/pkg/capture"
	"reprapd/pkg/errors"
	"reprapd/pkg/gcode"
	"reprapd/pkg/log"
	"reprapd/pkg/sched"
)

// Executor feeds a code back into the execution pipeline. Satisfied by
// *pipeline.Pipeline.
type Executor interface {
	Execute(ctx context.Context, code *gcode.Code) (gcode.Result, error)
}

// Config wires the M-code handler to its collaborators.
type Config struct {
	// Capture is the file capture table driven by M28/M29.
	Capture *capture.Table

	// Executor runs macro codes. Required for M98.
	Executor Executor

	// Dir is the directory captured files are written to and macro
	// files are resolved against.
	Dir string

	// MachineName is the initial M550 name.
	MachineName string

	Logger *log.Logger
}

// MCode is the built-in handler for M-codes.
type MCode struct {
	capture *capture.Table
	exec    Executor
	dir     string
	logger  *log.Logger

	mu   sync.Mutex
	name string
}

// NewMCode creates the built-in M-code handler.
func NewMCode(cfg Config) *MCode {
	logger := cfg.Logger
	if logger == nil {
		logger = log.GetLogger("handlers")
	}
	name := cfg.MachineName
	if name == "" {
		name = "reprapd"
	}
	return &MCode{
		capture: cfg.Capture,
		exec:    cfg.Executor,
		dir:     cfg.Dir,
		logger:  logger,
		name:    name,
	}
}

// Process implements pipeline.Handler.
func (h *MCode) Process(ctx context.Context, code *gcode.Code) (gcode.Result, error) {
	switch code.Major {
	case 28:
		return h.beginCapture(ctx, code)
	case 29:
		return h.endCapture(ctx, code)
	case 98:
		return h.runMacro(ctx, code)
	case 118:
		return h.echo(code)
	case 550:
		return h.machineName(code)
	default:
		return nil, nil
	}
}

// OnExecuted implements pipeline.Handler.
func (h *MCode) OnExecuted(ctx context.Context, code *gcode.Code) {
	h.logger.WithField("channel", code.Channel.String()).
		Debug("completed %s", code.ShortString())
}

// MachineName returns the current M550 name.
func (h *MCode) MachineName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

// beginCapture handles M28: subsequent codes on this channel are written
// to the named file instead of being executed, until M29.
func (h *MCode) beginCapture(ctx context.Context, code *gcode.Code) (gcode.Result, error) {
	if h.capture == nil {
		return nil, nil
	}
	path, result := h.resolvePath(code)
	if result != nil {
		return result, nil
	}

	file, err := os.Create(path)
	if err != nil {
		return gcode.NewResult(gcode.Error, fmt.Sprintf("cannot create %s: %v", filepath.Base(path), err)), nil
	}
	if err := h.capture.Begin(ctx, code.Channel, file); err != nil {
		file.Close()
		os.Remove(path)
		return gcode.NewResult(gcode.Error, err.Error()), nil
	}
	return gcode.NewResult(gcode.Success, "Writing to file: "+filepath.Base(path)), nil
}

// endCapture handles M29. The capture table lets M29 pass through its
// redirect so it arrives here while the capture is still active.
func (h *MCode) endCapture(ctx context.Context, code *gcode.Code) (gcode.Result, error) {
	if h.capture == nil {
		return nil, nil
	}
	active, err := h.capture.Active(ctx, code.Channel)
	if err != nil {
		return nil, err
	}
	if !active {
		return gcode.NewResult(gcode.Error, "not currently writing a file"), nil
	}
	if err := h.capture.End(ctx, code.Channel); err != nil {
		return nil, err
	}
	return gcode.NewResult(gcode.Success, "Done saving file."), nil
}

// runMacro handles M98: execute the codes of the given file on the same
// channel, flagged as macro codes, and aggregate their messages.
func (h *MCode) runMacro(ctx context.Context, code *gcode.Code) (gcode.Result, error) {
	if h.exec == nil {
		return nil, nil
	}
	path, result := h.resolvePath(code)
	if result != nil {
		return result, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return gcode.NewResult(gcode.Error, fmt.Sprintf("macro %s not found", filepath.Base(path))), nil
	}
	defer file.Close()

	// The inner codes are admitted through the same gate matrix. A
	// nested M98 would otherwise wait on the macro start gate its own
	// ancestor still holds, so give up the slot before feeding; the
	// pipeline's deferred release is a no-op afterward.
	if adm := sched.AdmissionFromContext(ctx); adm != nil {
		adm.ReleaseStart()
	}

	aggregate := gcode.Result{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		inner, err := gcode.Parse(code.Channel, scanner.Text())
		if err != nil {
			return nil, err
		}
		if inner == nil {
			continue
		}
		inner.SetFlag(gcode.IsFromMacro)

		res, err := h.exec.Execute(ctx, inner)
		if err != nil {
			return nil, err
		}
		aggregate = append(aggregate, res...)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "reading macro "+filepath.Base(path))
	}
	return aggregate, nil
}

// echo handles M118: repeat the S parameter back to the sender.
func (h *MCode) echo(code *gcode.Code) (gcode.Result, error) {
	s := code.Parameter('S')
	if s == nil {
		return gcode.NewResult(gcode.Error, "M118 requires an S parameter"), nil
	}
	return gcode.NewResult(gcode.Success, s.Value), nil
}

// machineName handles M550: set the machine name with P, report it
// without.
func (h *MCode) machineName(code *gcode.Code) (gcode.Result, error) {
	if p := code.Parameter('P'); p != nil {
		if p.Value == "" {
			return gcode.NewResult(gcode.Error, "machine name must not be empty"), nil
		}
		h.mu.Lock()
		h.name = p.Value
		h.mu.Unlock()
		return gcode.Result{}, nil
	}
	h.mu.Lock()
	name := h.name
	h.mu.Unlock()
	return gcode.NewResult(gcode.Success, "RepRap name: "+name), nil
}

// resolvePath validates the P parameter as a file name under the
// handler directory. Returns an error result (not an error) on misuse
// so the message reaches the sender.
func (h *MCode) resolvePath(code *gcode.Code) (string, gcode.Result) {
	p := code.Parameter('P')
	if p == nil || p.Value == "" {
		return "", gcode.NewResult(gcode.Error, code.ShortString()+" requires a P file parameter")
	}
	name := filepath.Clean(p.Value)
	if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
		return "", gcode.NewResult(gcode.Error, "file name must be relative: "+p.Value)
	}
	return filepath.Join(h.dir, name), nil
}
