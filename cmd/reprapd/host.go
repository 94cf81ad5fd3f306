package main

import (
	"reprapd/pkg/capture"
	"reprapd/pkg/config"
	"reprapd/pkg/firmware"
	"reprapd/pkg/gcode"
	"reprapd/pkg/handlers"
	"reprapd/pkg/interceptor"
	"reprapd/pkg/ipc"
	"reprapd/pkg/metrics"
	"reprapd/pkg/pipeline"
	"reprapd/pkg/sched"
)

// host bundles the assembled execution stack.
type host struct {
	scheduler *sched.Scheduler
	registry  *interceptor.Registry
	capture   *capture.Table
	pipeline  *pipeline.Pipeline
}

// newHost builds the full execution stack from the configuration. The
// firmware side is the in-process emulator, tuned from the [firmware]
// section.
func newHost(cfg *config.Config) *host {
	h := &host{
		scheduler: sched.New(nil),
		registry:  interceptor.NewRegistry(),
		capture:   capture.NewTable(),
	}

	fw := firmware.NewEmulator(firmware.EmulatorConfig{
		Latency: cfg.FirmwareLatency(),
		Jitter:  cfg.FirmwareJitter(),
	})

	h.pipeline = pipeline.New(pipeline.Config{
		Scheduler:     h.scheduler,
		Firmware:      fw,
		Interceptors:  h.registry,
		Capture:       h.capture,
		Compatibility: cfg.CompatibilityFor,
		Metrics:       metrics.Default(),
	})
	h.pipeline.RegisterHandler(gcode.MCode, handlers.NewMCode(handlers.Config{
		Capture:  h.capture,
		Executor: h.pipeline,
		Dir:      cfg.Macros.Dir,
	}))
	return h
}

func (h *host) newIPCServer(addr string) *ipc.Server {
	return ipc.NewServer(ipc.Config{
		Addr:      addr,
		Pipeline:  h.pipeline,
		Registry:  h.registry,
		Scheduler: h.scheduler,
		Metrics:   metrics.Default(),
	})
}
