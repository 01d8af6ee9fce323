package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasswing-wm/glasswing/input"
	"github.com/glasswing-wm/glasswing/inputwire"
)

func downMessage(x, y float32, eventTime int64) *inputwire.MotionBody {
	return pointerMotion(input.ActionDown, x, y, eventTime)
}

// consumeOne fails the test unless a single event is returned.
func consumeOne(t *testing.T, cons *Consumer, consumeBatches bool, frameTime int64) (uint32, *input.MotionEvent) {
	t.Helper()
	seq, event, err := cons.Consume(SimpleFactory{}, consumeBatches, frameTime)
	require.NoError(t, err)
	motion, ok := event.(*input.MotionEvent)
	require.True(t, ok, "expected a motion event, got %T", event)
	return seq, motion
}

// lastSample returns the time and coords of the final (most recent) sample
// of pointer 0.
func lastSample(event *input.MotionEvent) (int64, *inputwire.PointerCoords) {
	return event.EventTime(), event.PointerCoords(0)
}

// Interpolation: a pending future sample exists, so the synthesized sample
// blends between the consumed sample and the pending one at the frame
// deadline minus the resample latency.
func TestResampleInterpolation(t *testing.T) {
	ep := testEndpoints(t, WithResampling(true))

	require.NoError(t, ep.pub.PublishMotionEvent(1, downMessage(0, 0, ms(0))))
	_, down := consumeOne(t, ep.cons, false, -1)
	require.Equal(t, int32(input.ActionDown), down.Action)
	require.NoError(t, ep.cons.SendFinishedSignal(1, true))

	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(20, 0, ms(20))))
	require.NoError(t, ep.pub.PublishMotionEvent(3, moveMessage(30, 0, ms(30))))

	// frameTime 32ms -> sampleTime 27ms: only the 20ms sample is past
	// due; the 30ms sample stays pending and drives interpolation.
	seq, event := consumeOne(t, ep.cons, true, ms(32))
	assert.Equal(t, uint32(2), seq)

	require.Equal(t, 1, event.HistorySize())
	assert.Equal(t, ms(20), event.HistoricalEventTime(0))
	assert.Equal(t, float32(20), event.HistoricalPointerCoords(0, 0).X())
	assert.False(t, event.HistoricalPointerCoords(0, 0).IsResampled)

	// alpha = (27-20)/(30-20) = 0.7 -> x = 20 + 0.7*(30-20) = 27.
	sampleTime, coords := lastSample(event)
	assert.Equal(t, ms(27), sampleTime)
	assert.InDelta(t, 27.0, float64(coords.X()), 1e-4)
	assert.True(t, coords.IsResampled)
}

// Extrapolation: no future sample, so the synthesized sample projects
// beyond the last one, clamped to half the last delta (8ms at most).
func TestResampleExtrapolationClamp(t *testing.T) {
	ep := testEndpoints(t, WithResampling(true))

	require.NoError(t, ep.pub.PublishMotionEvent(1, downMessage(0, 0, ms(0))))
	consumeOne(t, ep.cons, false, -1)
	require.NoError(t, ep.cons.SendFinishedSignal(1, true))

	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(10, 0, ms(10))))

	// frameTime 30ms -> sampleTime 25ms. delta = 10ms, so prediction is
	// capped at 10 + min(5, 8) = 15ms; alpha = (10-15)/10 = -0.5 gives
	// x = 10 - 0.5*(0-10) = 15.
	seq, event := consumeOne(t, ep.cons, true, ms(30))
	assert.Equal(t, uint32(2), seq)

	sampleTime, coords := lastSample(event)
	assert.Equal(t, ms(15), sampleTime)
	assert.InDelta(t, 15.0, float64(coords.X()), 1e-4)
	assert.True(t, coords.IsResampled)
}

// No resampling below the minimum delta between samples.
func TestResampleMinDelta(t *testing.T) {
	ep := testEndpoints(t, WithResampling(true))

	require.NoError(t, ep.pub.PublishMotionEvent(1, downMessage(0, 0, ms(0))))
	consumeOne(t, ep.cons, false, -1)

	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(10, 0, ms(10))))
	require.NoError(t, ep.pub.PublishMotionEvent(3, moveMessage(11, 0, ms(11))))

	// Pending sample only 1ms after the consumed one: too close to
	// interpolate.
	seq, event := consumeOne(t, ep.cons, true, ms(15))
	assert.Equal(t, uint32(2), seq)
	sampleTime, coords := lastSample(event)
	assert.Equal(t, ms(10), sampleTime)
	assert.False(t, coords.IsResampled)
}

// No extrapolation when the last two samples are too far apart.
func TestResampleMaxDelta(t *testing.T) {
	ep := testEndpoints(t, WithResampling(true))

	require.NoError(t, ep.pub.PublishMotionEvent(1, downMessage(0, 0, ms(0))))
	consumeOne(t, ep.cons, false, -1)

	// 25ms since the previous sample exceeds the 20ms extrapolation
	// limit.
	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(10, 0, ms(25))))
	seq, event := consumeOne(t, ep.cons, true, ms(40))
	assert.Equal(t, uint32(2), seq)
	sampleTime, coords := lastSample(event)
	assert.Equal(t, ms(25), sampleTime)
	assert.False(t, coords.IsResampled)
}

// A stationary pointer must not shimmer: once resampled, identical raw
// coordinates keep reporting the previously synthesized position with the
// resampled flag set.
func TestResampleStationaryJitterSuppression(t *testing.T) {
	ep := testEndpoints(t, WithResampling(true))

	require.NoError(t, ep.pub.PublishMotionEvent(1, downMessage(50, 50, ms(-10))))
	consumeOne(t, ep.cons, false, -1)
	require.NoError(t, ep.cons.SendFinishedSignal(1, true))

	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(50, 50, ms(0))))
	require.NoError(t, ep.pub.PublishMotionEvent(3, moveMessage(50, 50, ms(16))))

	// First flush: consume the 0ms sample, interpolate toward the
	// pending 16ms sample at sampleTime 11ms.
	seq, event := consumeOne(t, ep.cons, true, ms(16))
	assert.Equal(t, uint32(2), seq)
	sampleTime, coords := lastSample(event)
	assert.Equal(t, ms(11), sampleTime)
	assert.Equal(t, float32(50), coords.X())
	assert.Equal(t, float32(50), coords.Y())
	assert.True(t, coords.IsResampled)
	require.NoError(t, ep.cons.SendFinishedSignal(seq, true))

	// The next raw samples carry identical coordinates, so they are
	// rewritten to the committed resampled position rather than
	// reintroducing the raw one.
	require.NoError(t, ep.pub.PublishMotionEvent(4, moveMessage(50, 50, ms(32))))
	seq, event = consumeOne(t, ep.cons, true, ms(37))
	assert.Equal(t, uint32(4), seq)

	require.Equal(t, 1, event.HistorySize())
	first := event.HistoricalPointerCoords(0, 0)
	assert.Equal(t, float32(50), first.X())
	assert.True(t, first.IsResampled)
	_, last := lastSample(event)
	assert.Equal(t, float32(50), last.X())
	assert.True(t, last.IsResampled)
}

// Stylus input is reported verbatim: only fingers (and unknown tools) are
// resampled.
func TestResampleSkipsStylus(t *testing.T) {
	ep := testEndpoints(t, WithResampling(true))

	stylus := func(action int32, x float32, eventTime int64) *inputwire.MotionBody {
		motion := pointerMotion(action, x, 0, eventTime)
		motion.Pointers[0].Properties.ToolType = input.ToolTypeStylus
		return motion
	}

	require.NoError(t, ep.pub.PublishMotionEvent(1, stylus(input.ActionDown, 0, ms(0))))
	consumeOne(t, ep.cons, false, -1)

	require.NoError(t, ep.pub.PublishMotionEvent(2, stylus(input.ActionMove, 20, ms(20))))
	require.NoError(t, ep.pub.PublishMotionEvent(3, stylus(input.ActionMove, 30, ms(30))))

	seq, event := consumeOne(t, ep.cons, true, ms(32))
	assert.Equal(t, uint32(2), seq)
	sampleTime, coords := lastSample(event)
	// A sample is still appended at the resample time, but the
	// coordinates are the raw ones.
	assert.Equal(t, ms(27), sampleTime)
	assert.Equal(t, float32(20), coords.X())
	assert.True(t, coords.IsResampled)
}

// The resampler never runs for non-move actions or when disabled.
func TestResampleDisabled(t *testing.T) {
	ep := testEndpoints(t, WithResampling(false))

	require.NoError(t, ep.pub.PublishMotionEvent(1, downMessage(0, 0, ms(0))))
	consumeOne(t, ep.cons, false, -1)

	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(20, 0, ms(20))))
	require.NoError(t, ep.pub.PublishMotionEvent(3, moveMessage(30, 0, ms(30))))

	// With resampling off the sample time is the frame time itself and
	// no synthetic sample is appended.
	seq, event := consumeOne(t, ep.cons, true, ms(25))
	assert.Equal(t, uint32(2), seq)
	sampleTime, coords := lastSample(event)
	assert.Equal(t, ms(20), sampleTime)
	assert.False(t, coords.IsResampled)
}
