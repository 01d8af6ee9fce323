package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasswing-wm/glasswing/input"
	"github.com/glasswing-wm/glasswing/inputwire"
)

func ms(v int64) int64 { return v * int64(time.Millisecond) }

type endpoints struct {
	pub  *Publisher
	cons *Consumer
}

func testEndpoints(t *testing.T, opts ...ConsumerOption) endpoints {
	t.Helper()
	server, client := testPair(t)
	return endpoints{
		pub:  NewPublisher(server),
		cons: NewConsumer(client, opts...),
	}
}

// moveMessage builds a single-finger MOVE at (x, y).
func moveMessage(x, y float32, eventTime int64) *inputwire.MotionBody {
	return pointerMotion(input.ActionMove, x, y, eventTime)
}

func pointerMotion(action int32, x, y float32, eventTime int64) *inputwire.MotionBody {
	motion := &inputwire.MotionBody{
		DeviceID:     1,
		Source:       input.SourceTouchscreen,
		Action:       action,
		PointerCount: 1,
		EventTime:    eventTime,
		DSDX:         1, DSDY: 1,
		DSDXRaw: 1, DSDYRaw: 1,
	}
	motion.Pointers[0].Properties = inputwire.PointerProperties{ID: 0, ToolType: input.ToolTypeFinger}
	motion.Pointers[0].Coords.SetX(x)
	motion.Pointers[0].Coords.SetY(y)
	return motion
}

func TestKeyRoundTrip(t *testing.T) {
	consumeClock := time.Unix(10, 500)
	ep := testEndpoints(t, WithNow(func() time.Time { return consumeClock }))

	key := &inputwire.KeyBody{
		DeviceID:  1,
		Source:    input.SourceKeyboard,
		KeyCode:   66,
		Action:    input.KeyActionDown,
		EventTime: ms(1000),
	}
	require.NoError(t, ep.pub.PublishKeyEvent(1, key))

	seq, event, err := ep.cons.Consume(SimpleFactory{}, true, ms(1010))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	keyEvent, ok := event.(*input.KeyEvent)
	require.True(t, ok)
	assert.Equal(t, int32(66), keyEvent.KeyCode)
	assert.Equal(t, ms(1000), keyEvent.Time)

	require.NoError(t, ep.cons.SendFinishedSignal(1, true))
	resp, err := ep.pub.ReceiveConsumerResponse()
	require.NoError(t, err)
	finished, ok := resp.(Finished)
	require.True(t, ok)
	assert.Equal(t, uint32(1), finished.Seq)
	assert.True(t, finished.Handled)
	assert.Equal(t, consumeClock.UnixNano(), finished.ConsumeTime)
}

func TestPublishRejectsZeroSeq(t *testing.T) {
	ep := testEndpoints(t)
	assert.ErrorIs(t, ep.pub.PublishKeyEvent(0, &inputwire.KeyBody{}), ErrBadValue)
	assert.ErrorIs(t, ep.pub.PublishMotionEvent(0, moveMessage(0, 0, 0)), ErrBadValue)
	assert.ErrorIs(t, ep.cons.SendFinishedSignal(0, true), ErrBadValue)
}

func TestPublishRejectsBadPointerCount(t *testing.T) {
	ep := testEndpoints(t)
	motion := moveMessage(0, 0, 0)
	motion.PointerCount = 0
	assert.ErrorIs(t, ep.pub.PublishMotionEvent(1, motion), ErrBadValue)
	motion.PointerCount = inputwire.MaxPointers + 1
	assert.ErrorIs(t, ep.pub.PublishMotionEvent(1, motion), ErrBadValue)
}

func TestConsumeEmptyChannel(t *testing.T) {
	ep := testEndpoints(t)
	_, _, err := ep.cons.Consume(SimpleFactory{}, true, -1)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

// Scenario: three MOVE samples, a frame deadline that admits two of them.
// The flush merges them into one event acknowledged under the last merged
// seq, and finishing it acknowledges both source seqs in order.
func TestBatchMergeAndSeqChain(t *testing.T) {
	ep := testEndpoints(t, WithResampling(false))

	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(10, 0, ms(10))))
	require.NoError(t, ep.pub.PublishMotionEvent(3, moveMessage(11, 0, ms(15))))
	require.NoError(t, ep.pub.PublishMotionEvent(4, moveMessage(12, 0, ms(20))))

	seq, event, err := ep.cons.Consume(SimpleFactory{}, true, ms(18))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), seq)

	motion, ok := event.(*input.MotionEvent)
	require.True(t, ok)
	require.Equal(t, 1, motion.HistorySize())
	assert.Equal(t, ms(10), motion.HistoricalEventTime(0))
	assert.Equal(t, float32(10), motion.HistoricalPointerCoords(0, 0).X())
	assert.Equal(t, ms(15), motion.EventTime())
	assert.Equal(t, float32(11), motion.X(0))

	// The third sample stays queued for the next frame.
	assert.True(t, ep.cons.HasPendingBatch())
	assert.Equal(t, int32(input.SourceTouchscreen), ep.cons.PendingBatchSource())

	require.NoError(t, ep.cons.SendFinishedSignal(3, true))
	first, err := ep.pub.ReceiveConsumerResponse()
	require.NoError(t, err)
	second, err := ep.pub.ReceiveConsumerResponse()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), first.(Finished).Seq)
	assert.Equal(t, uint32(3), second.(Finished).Seq)

	// No ack may be outstanding for the flushed seqs.
	_, err = ep.pub.ReceiveConsumerResponse()
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestBatchFlushWholeOnNegativeFrameTime(t *testing.T) {
	ep := testEndpoints(t, WithResampling(false))

	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(10, 0, ms(10))))
	require.NoError(t, ep.pub.PublishMotionEvent(3, moveMessage(11, 0, ms(15))))

	seq, event, err := ep.cons.Consume(SimpleFactory{}, true, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), seq)
	assert.Equal(t, 1, event.(*input.MotionEvent).HistorySize())
	assert.False(t, ep.cons.HasPendingBatch())
}

// A non-appendable motion (different action) flushes the batch in progress
// and defers itself to the next Consume call.
func TestNonAppendableDefersMessage(t *testing.T) {
	ep := testEndpoints(t, WithResampling(false))

	require.NoError(t, ep.pub.PublishMotionEvent(2, moveMessage(10, 0, ms(10))))
	require.NoError(t, ep.pub.PublishMotionEvent(3, pointerMotion(input.ActionUp, 10, 0, ms(12))))

	seq, event, err := ep.cons.Consume(SimpleFactory{}, false, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), seq)
	assert.Equal(t, int32(input.ActionMove), event.(*input.MotionEvent).Action)

	seq, event, err = ep.cons.Consume(SimpleFactory{}, false, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), seq)
	assert.Equal(t, int32(input.ActionUp), event.(*input.MotionEvent).Action)
}

// Scenario: a CANCEL arrives while MOVE samples are queued. The queued
// samples are finished as not handled and only the CANCEL is delivered.
func TestCancelPurgesBatch(t *testing.T) {
	ep := testEndpoints(t, WithResampling(false))

	require.NoError(t, ep.pub.PublishMotionEvent(5, moveMessage(10, 0, ms(10))))
	require.NoError(t, ep.pub.PublishMotionEvent(6, moveMessage(11, 0, ms(15))))
	require.NoError(t, ep.pub.PublishMotionEvent(7, pointerMotion(input.ActionCancel, 11, 0, ms(16))))

	seq, event, err := ep.cons.Consume(SimpleFactory{}, true, ms(20))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), seq)
	assert.Equal(t, int32(input.ActionCancel), event.(*input.MotionEvent).Action)
	assert.False(t, ep.cons.HasPendingBatch())

	for _, want := range []uint32{5, 6} {
		resp, err := ep.pub.ReceiveConsumerResponse()
		require.NoError(t, err)
		finished := resp.(Finished)
		assert.Equal(t, want, finished.Seq)
		assert.False(t, finished.Handled)
	}

	require.NoError(t, ep.cons.SendFinishedSignal(7, false))
	resp, err := ep.pub.ReceiveConsumerResponse()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), resp.(Finished).Seq)
}

func TestTimelineRoundTrip(t *testing.T) {
	ep := testEndpoints(t)

	require.NoError(t, ep.cons.SendTimeline(42, [2]int64{ms(10), ms(20)}))
	resp, err := ep.pub.ReceiveConsumerResponse()
	require.NoError(t, err)
	timeline, ok := resp.(Timeline)
	require.True(t, ok)
	assert.Equal(t, int32(42), timeline.InputEventID)
	assert.Equal(t, [2]int64{ms(10), ms(20)}, timeline.GraphicsTimeline)
}

// When the peer dies, already-queued batches are still flushed to the
// application before the consumer runs dry.
func TestDeadPeerFlushesRemainingBatches(t *testing.T) {
	ep := testEndpoints(t, WithResampling(false))

	require.NoError(t, ep.pub.PublishMotionEvent(1, moveMessage(1, 1, ms(1))))
	_, _, err := ep.cons.Consume(SimpleFactory{}, false, -1)
	require.ErrorIs(t, err, ErrWouldBlock)
	require.True(t, ep.cons.HasPendingBatch())

	require.NoError(t, ep.pub.Channel().Close())

	// Even with consumeBatches=false, a receive failure other than
	// WOULD_BLOCK triggers a flush of whatever is queued.
	seq, event, err := ep.cons.Consume(SimpleFactory{}, false, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	assert.NotNil(t, event)

	_, _, err = ep.cons.Consume(SimpleFactory{}, false, -1)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestProbablyHasInputReflectsBatches(t *testing.T) {
	ep := testEndpoints(t, WithResampling(false))
	assert.False(t, ep.cons.ProbablyHasInput())

	require.NoError(t, ep.pub.PublishMotionEvent(1, moveMessage(1, 1, ms(1))))
	assert.True(t, ep.cons.ProbablyHasInput())

	// Receiving the sample into a batch keeps the consumer busy even
	// though the socket is drained.
	_, _, err := ep.cons.Consume(SimpleFactory{}, false, -1)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.True(t, ep.cons.HasPendingBatch())
	assert.True(t, ep.cons.ProbablyHasInput())
}

func TestFocusCaptureDragTouchMode(t *testing.T) {
	ep := testEndpoints(t)

	require.NoError(t, ep.pub.PublishFocusEvent(1, 100, true))
	require.NoError(t, ep.pub.PublishCaptureEvent(2, 101, true))
	require.NoError(t, ep.pub.PublishDragEvent(3, 102, 5, 6, false))
	require.NoError(t, ep.pub.PublishTouchModeEvent(4, 103, true))

	seq, event, err := ep.cons.Consume(SimpleFactory{}, false, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	assert.True(t, event.(*input.FocusEvent).HasFocus)

	seq, event, err = ep.cons.Consume(SimpleFactory{}, false, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), seq)
	assert.True(t, event.(*input.CaptureEvent).PointerCaptureEnabled)

	seq, event, err = ep.cons.Consume(SimpleFactory{}, false, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), seq)
	drag := event.(*input.DragEvent)
	assert.Equal(t, float32(5), drag.X)
	assert.Equal(t, float32(6), drag.Y)

	seq, event, err = ep.cons.Consume(SimpleFactory{}, false, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), seq)
	assert.True(t, event.(*input.TouchModeEvent).IsInTouchMode)

	for _, seq := range []uint32{1, 2, 3, 4} {
		require.NoError(t, ep.cons.SendFinishedSignal(seq, true))
	}
	for _, want := range []uint32{1, 2, 3, 4} {
		resp, err := ep.pub.ReceiveConsumerResponse()
		require.NoError(t, err)
		assert.Equal(t, want, resp.(Finished).Seq)
	}
}

func TestVerifierRejectsMalformedStream(t *testing.T) {
	server, client := testPair(t)
	defer client.Close()
	pub := NewPublisher(server, WithVerifier())

	// A MOVE with no preceding DOWN is a producer bug and must not make
	// it onto the wire.
	assert.Panics(t, func() {
		pub.PublishMotionEvent(1, moveMessage(1, 1, ms(1)))
	})
}
