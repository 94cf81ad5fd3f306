// Package capture implements the per-channel file-capture redirector:
// while a capture sink is open on a channel, incoming codes are written
// to the sink verbatim instead of being executed.
package capture

import (
	"context"
	"fmt"
	"io"

	"reprapd/pkg/channel"
	"reprapd/pkg/gcode"
	"reprapd/pkg/pool"
	"reprapd/pkg/sched"
)

// Table holds one optional capture sink per channel. Every sink is
// protected by an exclusive FIFO-fair guard so a transition can never
// be observed half-open by a concurrently redirected code.
type Table struct {
	guards [channel.NumChannels]sched.Gate
	sinks  [channel.NumChannels]io.Writer
}

// NewTable creates an empty capture table.
func NewTable() *Table {
	return &Table{}
}

// Begin opens a capture sink on the channel. It fails if a capture is
// already in progress there.
func (t *Table) Begin(ctx context.Context, ch channel.Channel, sink io.Writer) error {
	if err := t.guards[ch].Acquire(ctx); err != nil {
		return err
	}
	defer t.guards[ch].Release()

	if t.sinks[ch] != nil {
		return fmt.Errorf("capture: %s is already capturing", ch)
	}
	t.sinks[ch] = sink
	return nil
}

// End closes the channel's capture sink. The sink is closed if it
// implements io.Closer.
func (t *Table) End(ctx context.Context, ch channel.Channel) error {
	if err := t.guards[ch].Acquire(ctx); err != nil {
		return err
	}
	defer t.guards[ch].Release()

	sink := t.sinks[ch]
	if sink == nil {
		return fmt.Errorf("capture: %s is not capturing", ch)
	}
	t.sinks[ch] = nil
	if closer, ok := sink.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Active reports whether the channel currently has a capture sink.
func (t *Table) Active(ctx context.Context, ch channel.Channel) (bool, error) {
	if err := t.guards[ch].Acquire(ctx); err != nil {
		return false, err
	}
	defer t.guards[ch].Release()
	return t.sinks[ch] != nil, nil
}

// Redirect appends the code's text to the channel's capture sink if one
// is active. It reports whether the code was captured; captured codes
// receive an empty success result and must not be executed. The
// file-terminating code M29 is never captured so it can end the
// capture. The check-and-append is atomic with Begin/End transitions.
func (t *Table) Redirect(ctx context.Context, code *gcode.Code) (bool, error) {
	if code.Type == gcode.MCode && code.Major == 29 {
		return false, nil
	}

	if err := t.guards[code.Channel].Acquire(ctx); err != nil {
		return false, err
	}
	defer t.guards[code.Channel].Release()

	sink := t.sinks[code.Channel]
	if sink == nil {
		return false, nil
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	buf.WriteString(code.String())
	buf.WriteByte('\n')
	if _, err := sink.Write(buf.Bytes()); err != nil {
		return false, err
	}

	code.InternallyProcessed = true
	code.Result = gcode.Result{}
	return true, nil
}
