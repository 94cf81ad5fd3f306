package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reprapd/pkg/capture"
	"reprapd/pkg/channel"
	"reprapd/pkg/config"
	"reprapd/pkg/errors"
	"reprapd/pkg/firmware"
	"reprapd/pkg/gcode"
	"reprapd/pkg/interceptor"
	"reprapd/pkg/sched"
)

type stubHandler struct {
	process func(ctx context.Context, code *gcode.Code) (gcode.Result, error)

	mu       sync.Mutex
	executed []*gcode.Code
}

func (h *stubHandler) Process(ctx context.Context, code *gcode.Code) (gcode.Result, error) {
	if h.process == nil {
		return nil, nil
	}
	return h.process(ctx, code)
}

func (h *stubHandler) OnExecuted(ctx context.Context, code *gcode.Code) {
	h.mu.Lock()
	h.executed = append(h.executed, code)
	h.mu.Unlock()
}

func (h *stubHandler) executedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.executed)
}

// stageRecorder registers as an interceptor and records every stage it
// was invoked at.
type stageRecorder struct {
	mu     sync.Mutex
	stages []interceptor.Stage

	resolveAt func(code *gcode.Code, stage interceptor.Stage) bool
	result    gcode.Result
}

func (r *stageRecorder) Intercept(ctx context.Context, code *gcode.Code, stage interceptor.Stage) (bool, error) {
	r.mu.Lock()
	r.stages = append(r.stages, stage)
	r.mu.Unlock()
	if r.resolveAt != nil && r.resolveAt(code, stage) {
		code.Result = r.result
		return true, nil
	}
	return false, nil
}

func (r *stageRecorder) seen() []interceptor.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interceptor.Stage, len(r.stages))
	copy(out, r.stages)
	return out
}

type testRig struct {
	pipeline *Pipeline
	emulator *firmware.Emulator
	registry *interceptor.Registry
	capture  *capture.Table
}

func newRig(t *testing.T, fwCfg firmware.EmulatorConfig, compat func(channel.Channel) config.Compatibility) *testRig {
	t.Helper()
	rig := &testRig{
		emulator: firmware.NewEmulator(fwCfg),
		registry: interceptor.NewRegistry(),
		capture:  capture.NewTable(),
	}
	rig.pipeline = New(Config{
		Scheduler:     sched.New(nil),
		Firmware:      rig.emulator,
		Interceptors:  rig.registry,
		Capture:       rig.capture,
		Compatibility: compat,
	})
	return rig
}

func code(t *testing.T, ch channel.Channel, line string) *gcode.Code {
	t.Helper()
	c, err := gcode.Parse(ch, line)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestCommentResolvesWithoutDispatch(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)

	c := code(t, channel.HTTP, "; just a note")
	result, err := rig.pipeline.Execute(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.IsEmpty())
	require.True(t, c.InternallyProcessed)
	require.Equal(t, 0, rig.emulator.PendingCount())
}

func TestUnsupportedHandlerErrorBecomesErrorResult(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)
	rig.pipeline.RegisterHandler(gcode.MCode, &stubHandler{
		process: func(ctx context.Context, c *gcode.Code) (gcode.Result, error) {
			return nil, errors.UnsupportedError(c.ShortString())
		},
	})

	c := code(t, channel.HTTP, "M999")
	result, err := rig.pipeline.Execute(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, gcode.Error, result[0].Kind)
	require.Equal(t, "M999: operation is not supported", result[0].Text)
	require.Equal(t, 0, rig.emulator.PendingCount())
}

func TestHandlerResolvesAndGetsCompletionHook(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)
	handler := &stubHandler{
		process: func(ctx context.Context, c *gcode.Code) (gcode.Result, error) {
			return gcode.NewResult(gcode.Success, "machine is reprapd"), nil
		},
	}
	rig.pipeline.RegisterHandler(gcode.MCode, handler)

	c := code(t, channel.Telnet, "M550")
	result, err := rig.pipeline.Execute(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "machine is reprapd", result[0].Text)
	require.Equal(t, 1, handler.executedCount())
	require.Equal(t, 0, rig.emulator.PendingCount())
}

func TestHandlerFaultReleasesChannel(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{}, nil)
	fail := true
	rig.pipeline.RegisterHandler(gcode.MCode, &stubHandler{
		process: func(ctx context.Context, c *gcode.Code) (gcode.Result, error) {
			if fail {
				return nil, errors.New(errors.ErrGCodeInvalidParam, "broken")
			}
			return gcode.NewResult(gcode.Success, "fine"), nil
		},
	})

	_, err := rig.pipeline.Execute(context.Background(), code(t, channel.HTTP, "M118"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrCodeInternal))

	// The failed code must not wedge the channel.
	fail = false
	done := make(chan error, 1)
	go func() {
		_, err := rig.pipeline.Execute(context.Background(), code(t, channel.HTTP, "M118"))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("channel stayed blocked after handler fault")
	}
}

func TestPreInterceptionResolves(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)
	rec := &stageRecorder{
		resolveAt: func(c *gcode.Code, s interceptor.Stage) bool { return s == interceptor.Pre },
		result:    gcode.NewResult(gcode.Success, "resolved upstream"),
	}
	rig.registry.Register("test", interceptor.Filter{}, rec)

	c := code(t, channel.USB, "G1 X10")
	result, err := rig.pipeline.Execute(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "resolved upstream", result[0].Text)
	require.True(t, c.Flag(gcode.IsPreProcessed))
	require.True(t, c.InternallyProcessed)
	require.Equal(t, 0, rig.emulator.PendingCount())
	require.Equal(t, []interceptor.Stage{interceptor.Pre, interceptor.Executed}, rec.seen())
}

func TestPostInterceptionRunsAfterHandlerDeclines(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)
	rig.pipeline.RegisterHandler(gcode.GCode, &stubHandler{})
	rec := &stageRecorder{
		resolveAt: func(c *gcode.Code, s interceptor.Stage) bool { return s == interceptor.Post },
		result:    gcode.Result{},
	}
	rig.registry.Register("test", interceptor.Filter{}, rec)

	c := code(t, channel.USB, "G1 X10")
	result, err := rig.pipeline.Execute(context.Background(), c)
	require.NoError(t, err)
	require.True(t, result.IsEmpty())
	require.True(t, c.Flag(gcode.IsPostProcessed))
	require.Equal(t, 0, rig.emulator.PendingCount())
	require.Equal(t, []interceptor.Stage{interceptor.Pre, interceptor.Post, interceptor.Executed}, rec.seen())
}

func TestFirmwareDispatchReturnsReply(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{}, nil)

	result, err := rig.pipeline.Execute(context.Background(), code(t, channel.USB, "M115"))
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Contains(t, result[0].Text, "FIRMWARE_NAME")
}

func TestStartGateReleasedWhileAwaitingFirmware(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)

	var wg sync.WaitGroup
	run := func() {
		defer wg.Done()
		_, err := rig.pipeline.Execute(context.Background(), code(t, channel.USB, "G1 X1"))
		require.NoError(t, err)
	}

	wg.Add(1)
	go run()
	require.Eventually(t, func() bool { return rig.emulator.PendingCount() == 1 },
		2*time.Second, time.Millisecond)

	// The second code reaches the firmware while the first is still
	// pending: its start gate was released before awaiting.
	wg.Add(1)
	go run()
	require.Eventually(t, func() bool { return rig.emulator.PendingCount() == 2 },
		2*time.Second, time.Millisecond)

	require.True(t, rig.emulator.CompleteOldest())
	require.True(t, rig.emulator.CompleteOldest())
	wg.Wait()
}

func TestResultsDeliveredInAdmissionOrder(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	run := func(name, line string) {
		defer wg.Done()
		_, err := rig.pipeline.Execute(context.Background(), code(t, channel.USB, line))
		require.NoError(t, err)
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	wg.Add(1)
	go run("first", "G1 X1")
	require.Eventually(t, func() bool { return rig.emulator.PendingCount() == 1 },
		2*time.Second, time.Millisecond)
	wg.Add(1)
	go run("second", "G1 X2")
	require.Eventually(t, func() bool { return rig.emulator.PendingCount() == 2 },
		2*time.Second, time.Millisecond)

	// The second code's reply arrives first, but its delivery must wait
	// behind the first code's finish slot.
	require.True(t, rig.emulator.CompleteNewest())
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Empty(t, order)
	mu.Unlock()

	require.True(t, rig.emulator.CompleteOldest())
	wg.Wait()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestCancelChannelRejectsQueuedCodes(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	rig.pipeline.RegisterHandler(gcode.MCode, &stubHandler{
		process: func(ctx context.Context, c *gcode.Code) (gcode.Result, error) {
			entered <- struct{}{}
			<-release
			return gcode.Result{}, nil
		},
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := rig.pipeline.Execute(context.Background(), code(t, channel.Telnet, "M400"))
		firstDone <- err
	}()
	// The first code must hold the start gate before the second is
	// launched, otherwise the roles are scheduler-dependent.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first code never reached the handler")
	}

	// Queue a second code behind the blocked handler.
	secondDone := make(chan error, 1)
	go func() {
		_, err := rig.pipeline.Execute(context.Background(), code(t, channel.Telnet, "M400"))
		secondDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	rig.pipeline.Scheduler().CancelChannel(channel.Telnet)

	select {
	case err := <-secondDone:
		require.True(t, errors.Is(err, errors.ErrCodeCancelled))
		require.True(t, errors.IsCancelled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("queued code not cancelled")
	}

	// The already admitted code is unaffected.
	close(release)
	require.NoError(t, <-firstDone)
}

func TestCancellationDuringFirmwareWait(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)
	rec := &stageRecorder{}
	rig.registry.Register("observer", interceptor.Filter{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	c := code(t, channel.USB, "G1 X1")

	done := make(chan error, 1)
	go func() {
		_, err := rig.pipeline.Execute(ctx, c)
		done <- err
	}()
	require.Eventually(t, func() bool { return rig.emulator.PendingCount() == 1 },
		2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.True(t, errors.IsCancelled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled dispatch did not return")
	}

	require.Nil(t, c.Result)
	require.Eventually(t, func() bool {
		for _, s := range rec.seen() {
			if s == interceptor.Executed {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "Executed notification missing after cancellation")
}

func marlinOn(ch channel.Channel) func(channel.Channel) config.Compatibility {
	return func(c channel.Channel) config.Compatibility {
		if c == ch {
			return config.Marlin
		}
		return config.RepRapFirmware
	}
}

func TestMarlinEmulation(t *testing.T) {
	t.Run("empty result gets ok line", func(t *testing.T) {
		rig := newRig(t, firmware.EmulatorConfig{}, marlinOn(channel.USB))
		result, err := rig.pipeline.Execute(context.Background(), code(t, channel.USB, "G1 X1"))
		require.NoError(t, err)
		require.Len(t, result, 1)
		require.Equal(t, gcode.Success, result[0].Kind)
		require.Equal(t, "ok\n", result[0].Text)
	})

	t.Run("temperature report gets ok prefix", func(t *testing.T) {
		rig := newRig(t, firmware.EmulatorConfig{}, marlinOn(channel.USB))
		result, err := rig.pipeline.Execute(context.Background(), code(t, channel.USB, "M105"))
		require.NoError(t, err)
		require.Len(t, result, 1)
		require.True(t, strings.HasPrefix(result[0].Text, "ok T:"))
	})

	t.Run("other replies get ok appended", func(t *testing.T) {
		rig := newRig(t, firmware.EmulatorConfig{}, marlinOn(channel.USB))
		result, err := rig.pipeline.Execute(context.Background(), code(t, channel.USB, "M115"))
		require.NoError(t, err)
		require.Len(t, result, 1)
		require.True(t, strings.HasSuffix(result[0].Text, "\nok\n"))
	})

	t.Run("macro codes are exempt", func(t *testing.T) {
		rig := newRig(t, firmware.EmulatorConfig{}, marlinOn(channel.USB))
		c := code(t, channel.USB, "M115")
		c.SetFlag(gcode.IsFromMacro)
		result, err := rig.pipeline.Execute(context.Background(), c)
		require.NoError(t, err)
		require.NotContains(t, result[0].Text, "ok")
	})

	t.Run("other compatibility modes untouched", func(t *testing.T) {
		rig := newRig(t, firmware.EmulatorConfig{}, nil)
		result, err := rig.pipeline.Execute(context.Background(), code(t, channel.USB, "G1 X1"))
		require.NoError(t, err)
		require.True(t, result.IsEmpty())
	})
}

func TestErrorMessagesPrefixedForJobs(t *testing.T) {
	newFailing := func() *testRig {
		rig := newRig(t, firmware.EmulatorConfig{}, nil)
		rig.pipeline.RegisterHandler(gcode.GCode, &stubHandler{
			process: func(ctx context.Context, c *gcode.Code) (gcode.Result, error) {
				return gcode.NewResult(gcode.Error, "bad parameter"), nil
			},
		})
		return rig
	}

	t.Run("file channel", func(t *testing.T) {
		result, err := newFailing().pipeline.Execute(context.Background(), code(t, channel.File, "G1 X1"))
		require.NoError(t, err)
		require.Equal(t, "G1: bad parameter", result[0].Text)
	})

	t.Run("macro code", func(t *testing.T) {
		c := code(t, channel.HTTP, "G1 X1")
		c.SetFlag(gcode.IsFromMacro)
		result, err := newFailing().pipeline.Execute(context.Background(), c)
		require.NoError(t, err)
		require.Equal(t, "G1: bad parameter", result[0].Text)
	})

	t.Run("interactive channel untouched", func(t *testing.T) {
		result, err := newFailing().pipeline.Execute(context.Background(), code(t, channel.HTTP, "G1 X1"))
		require.NoError(t, err)
		require.Equal(t, "bad parameter", result[0].Text)
	})
}

func TestCaptureRedirect(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)
	rec := &stageRecorder{}
	rig.registry.Register("observer", interceptor.Filter{}, rec)

	var sink strings.Builder
	require.NoError(t, rig.capture.Begin(context.Background(), channel.USB, &sink))

	c := code(t, channel.USB, "G1 X10 Y20")
	result, err := rig.pipeline.Execute(context.Background(), c)
	require.NoError(t, err)
	require.True(t, result.IsEmpty())
	require.Equal(t, "G1 X10 Y20\n", sink.String())
	require.Equal(t, 0, rig.emulator.PendingCount())
	// Captured codes were never executed; no notifications go out.
	require.Empty(t, rec.seen())
}

func TestCaptureTerminatorPassesThrough(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{Hold: true}, nil)
	ended := false
	rig.pipeline.RegisterHandler(gcode.MCode, &stubHandler{
		process: func(ctx context.Context, c *gcode.Code) (gcode.Result, error) {
			if c.Major == 29 {
				ended = true
				return gcode.Result{}, rig.capture.End(ctx, c.Channel)
			}
			return nil, nil
		},
	})

	var sink strings.Builder
	require.NoError(t, rig.capture.Begin(context.Background(), channel.USB, &sink))

	_, err := rig.pipeline.Execute(context.Background(), code(t, channel.USB, "M29"))
	require.NoError(t, err)
	require.True(t, ended)
	require.Empty(t, sink.String())

	active, err := rig.capture.Active(context.Background(), channel.USB)
	require.NoError(t, err)
	require.False(t, active)
}

func TestAsynchronousExecution(t *testing.T) {
	rig := newRig(t, firmware.EmulatorConfig{}, nil)
	rec := &stageRecorder{}
	rig.registry.Register("observer", interceptor.Filter{}, rec)

	c := code(t, channel.Daemon, "M115")
	c.SetFlag(gcode.Asynchronous)
	result, err := rig.pipeline.Execute(context.Background(), c)
	require.NoError(t, err)
	require.Nil(t, result)

	require.Eventually(t, func() bool {
		for _, s := range rec.seen() {
			if s == interceptor.Executed {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}
