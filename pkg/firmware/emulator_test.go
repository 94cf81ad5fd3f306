package firmware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reprapd/pkg/channel"
	"reprapd/pkg/gcode"
)

func TestCompletionResolvesOnce(t *testing.T) {
	c := NewCompletion()
	assert.False(t, c.Test())

	c.Complete(gcode.NewResult(gcode.Success, "first"), nil)
	c.Complete(gcode.NewResult(gcode.Success, "second"), nil)

	result, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", result[0].Text)
	assert.True(t, c.Test())
}

func TestCompletionWaitCancelled(t *testing.T) {
	c := NewCompletion()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmulatorHeldOutOfOrder(t *testing.T) {
	e := NewEmulator(EmulatorConfig{Hold: true})
	ctx := context.Background()

	first, err := e.Dispatch(ctx, gcode.MustParse(channel.USB, "G1 X1"))
	require.NoError(t, err)
	second, err := e.Dispatch(ctx, gcode.MustParse(channel.USB, "G1 X2"))
	require.NoError(t, err)
	require.Equal(t, 2, e.PendingCount())

	require.True(t, e.CompleteNewest())
	assert.True(t, second.Test())
	assert.False(t, first.Test(), "oldest must still be pending")

	require.True(t, e.CompleteOldest())
	assert.True(t, first.Test())
	assert.False(t, e.CompleteOldest(), "nothing left to complete")
}

func TestEmulatorTimedCompletion(t *testing.T) {
	e := NewEmulator(EmulatorConfig{Latency: time.Millisecond})
	completion, err := e.Dispatch(context.Background(), gcode.MustParse(channel.USB, "G28"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := completion.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsEmpty())
}

func TestEmulatorDispatchCancelled(t *testing.T) {
	e := NewEmulator(EmulatorConfig{Latency: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	completion, err := e.Dispatch(ctx, gcode.MustParse(channel.USB, "G28"))
	require.NoError(t, err)

	cancel()
	_, err = completion.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmulatorTemperatureReport(t *testing.T) {
	e := NewEmulator(EmulatorConfig{Hold: true})
	ctx := context.Background()

	set, err := e.Dispatch(ctx, gcode.MustParse(channel.USB, "M104 S210"))
	require.NoError(t, err)
	require.True(t, e.CompleteOldest())
	_, err = set.Wait(ctx)
	require.NoError(t, err)

	query, err := e.Dispatch(ctx, gcode.MustParse(channel.USB, "M105"))
	require.NoError(t, err)
	require.True(t, e.CompleteOldest())
	result, err := query.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Contains(t, result[0].Text, "T:210.0")
}
