package transport

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/glasswing-wm/glasswing/input"
	"github.com/glasswing-wm/glasswing/inputwire"
)

// envResampling overrides the default touch resampling setting for
// consumers that do not configure it explicitly. Resampling aligns touch
// coordinates to the frame deadline and is enabled by default; set to "0"
// on hardware whose touch events are already frame-synchronized.
const envResampling = "GLASSWING_RESAMPLING"

// TouchResamplingEnabled returns the host-wide default for touch
// resampling.
func TouchResamplingEnabled() bool {
	v, err := strconv.ParseBool(os.Getenv(envResampling))
	if err != nil {
		return true
	}
	return v
}

type batch struct {
	samples []inputwire.Message
}

// seqChain records that acknowledging seq implies also acknowledging
// chain. Entries accumulate while motion samples are merged into one
// delivered event; linear scans are fine, chain lengths are bounded by
// batch depth.
type seqChain struct {
	seq   uint32
	chain uint32
}

// Consumer is the receiving endpoint of an input channel. It batches
// consecutive motion samples per (device, source), flushes them on demand
// at a frame deadline, resamples touch coordinates and sends one FINISHED
// per received sequence number back to the publisher.
type Consumer struct {
	log           *zap.Logger
	channel       *Channel
	resampleTouch bool
	now           func() time.Time

	msg         inputwire.Message
	msgDeferred bool

	batches     []batch
	touchStates []touchState
	seqChains   []seqChain

	// consumeTimes maps each received seq to the time it was read off the
	// channel (Unix nanoseconds from the now clock, a wall-clock reading,
	// not a monotonic one), until its FINISHED is successfully sent.
	consumeTimes map[uint32]int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithResampling overrides the host default for touch resampling.
func WithResampling(enabled bool) ConsumerOption {
	return func(c *Consumer) {
		c.resampleTouch = enabled
	}
}

// WithNow overrides the clock used for consume-time stamping.
func WithNow(now func() time.Time) ConsumerOption {
	return func(c *Consumer) {
		c.now = now
	}
}

// NewConsumer wraps the receiving endpoint of channel.
func NewConsumer(channel *Channel, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		log:           channel.log,
		channel:       channel,
		resampleTouch: TouchResamplingEnabled(),
		now:           time.Now,
		consumeTimes:  make(map[uint32]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Channel returns the underlying channel.
func (c *Consumer) Channel() *Channel { return c.channel }

// Consume returns the next available event and the sequence number to
// acknowledge it under, or ErrWouldBlock when nothing further is
// available. A failed receive, including one caused by a vanished peer,
// triggers a batch flush as described below, and its error is replaced by
// the flush result: ErrWouldBlock when no batch yields an event. Consume
// therefore does not return ErrDeadObject.
//
// Motion MOVE/HOVER_MOVE samples are accumulated in per-(device, source)
// batches rather than returned immediately. When consumeBatches is true,
// or when the incoming stream is exhausted for another reason, batches are
// flushed: every sample no later than frameTime (minus the resample
// latency) is merged into a single motion event whose seq is that of the
// last merged sample. A negative frameTime flushes an entire batch at
// once.
func (c *Consumer) Consume(factory Factory, consumeBatches bool, frameTime int64) (uint32, input.Event, error) {
	c.log.Debug("consume",
		zap.String("channel", c.channel.Name()),
		zap.Bool("consumeBatches", consumeBatches),
		zap.Int64("frameTime", frameTime))

	for {
		if c.msgDeferred {
			// The previous call left a message that could not be appended
			// to the batch in progress; process it now.
			c.msgDeferred = false
		} else {
			err := c.channel.ReceiveMessage(&c.msg)
			if err == nil {
				seq := c.msg.Header.Seq
				if _, dup := c.consumeTimes[seq]; dup {
					fatalf("already have a consume time for seq=%d", seq)
				}
				c.consumeTimes[seq] = c.now().UnixNano()
			} else {
				// Consume the next batched event unless batches are being
				// held for later.
				if consumeBatches || !errors.Is(err, ErrWouldBlock) {
					seq, event, berr := c.consumeBatch(factory, frameTime)
					if event != nil {
						c.log.Debug("consumed batch event",
							zap.String("channel", c.channel.Name()), zap.Uint32("seq", seq))
						return seq, event, nil
					}
					return 0, nil, berr
				}
				return 0, nil, err
			}
		}

		switch c.msg.Header.Type {
		case inputwire.TypeKey:
			event := factory.NewKeyEvent()
			if event == nil {
				return 0, nil, ErrNoMemory
			}
			initializeKeyEvent(event, &c.msg)
			return c.msg.Header.Seq, event, nil

		case inputwire.TypeMotion:
			if event, seq, done, err := c.consumeMotion(factory); done {
				if err != nil {
					return 0, nil, err
				}
				return seq, event, nil
			}

		case inputwire.TypeFinished, inputwire.TypeTimeline:
			fatalf("consumed a %s message, which should never be seen by a consumer", c.msg.Header.Type)

		case inputwire.TypeFocus:
			event := factory.NewFocusEvent()
			if event == nil {
				return 0, nil, ErrNoMemory
			}
			event.ID = c.msg.Focus.EventID
			event.HasFocus = c.msg.Focus.HasFocus
			return c.msg.Header.Seq, event, nil

		case inputwire.TypeCapture:
			event := factory.NewCaptureEvent()
			if event == nil {
				return 0, nil, ErrNoMemory
			}
			event.ID = c.msg.Capture.EventID
			event.PointerCaptureEnabled = c.msg.Capture.PointerCaptureEnabled
			return c.msg.Header.Seq, event, nil

		case inputwire.TypeDrag:
			event := factory.NewDragEvent()
			if event == nil {
				return 0, nil, ErrNoMemory
			}
			event.ID = c.msg.Drag.EventID
			event.X = c.msg.Drag.X
			event.Y = c.msg.Drag.Y
			event.IsExiting = c.msg.Drag.IsExiting
			return c.msg.Header.Seq, event, nil

		case inputwire.TypeTouchMode:
			event := factory.NewTouchModeEvent()
			if event == nil {
				return 0, nil, ErrNoMemory
			}
			event.ID = c.msg.TouchMode.EventID
			event.IsInTouchMode = c.msg.TouchMode.IsInTouchMode
			return c.msg.Header.Seq, event, nil
		}
	}
}

// consumeMotion handles one received motion message. done is false when
// the message was absorbed into a batch and the receive loop should
// continue.
func (c *Consumer) consumeMotion(factory Factory) (event input.Event, seq uint32, done bool, err error) {
	motion := &c.msg.Motion
	batchIndex := c.findBatch(motion.DeviceID, motion.Source)
	if batchIndex >= 0 {
		b := &c.batches[batchIndex]
		switch {
		case canAddSample(b, &c.msg):
			b.samples = append(b.samples, c.msg)
			c.log.Debug("appended to batch event", zap.String("channel", c.channel.Name()))
			return nil, 0, false, nil

		case input.IsPointerSource(motion.Source) && motion.Action == input.ActionCancel:
			// No need to deliver events that we are about to cancel.
			for i := range b.samples {
				c.sendFinishedSignal(b.samples[i].Header.Seq, false)
			}
			b.samples = b.samples[:0]
			c.batches = append(c.batches[:batchIndex], c.batches[batchIndex+1:]...)
			// Fall through below to dispatch the CANCEL itself.

		default:
			// We cannot append to the batch in progress, so consume the
			// previous batch now and defer the new message until later.
			c.msgDeferred = true
			seq, motionEvent, serr := c.consumeSamples(factory, b, len(b.samples))
			c.batches = append(c.batches[:batchIndex], c.batches[batchIndex+1:]...)
			if serr != nil {
				return nil, 0, true, serr
			}
			c.log.Debug("consumed batch event and deferred current event",
				zap.String("channel", c.channel.Name()), zap.Uint32("seq", seq))
			return motionEvent, seq, true, nil
		}
	}

	// Start a new batch if needed.
	if motion.Action == input.ActionMove || motion.Action == input.ActionHoverMove {
		c.batches = append(c.batches, batch{samples: []inputwire.Message{c.msg}})
		c.log.Debug("started batch event", zap.String("channel", c.channel.Name()))
		return nil, 0, false, nil
	}

	motionEvent := factory.NewMotionEvent()
	if motionEvent == nil {
		return nil, 0, true, ErrNoMemory
	}
	c.updateTouchState(&c.msg)
	initializeMotionEvent(motionEvent, &c.msg)
	return motionEvent, c.msg.Header.Seq, true, nil
}

// consumeBatch flushes the most recently started batch that has a sample
// no later than the requested frame time. A negative frameTime flushes the
// first batch whole.
func (c *Consumer) consumeBatch(factory Factory, frameTime int64) (uint32, *input.MotionEvent, error) {
	if frameTime < 0 && len(c.batches) > 0 {
		b := &c.batches[0]
		seq, event, err := c.consumeSamples(factory, b, len(b.samples))
		c.batches = append(c.batches[:0], c.batches[1:]...)
		return seq, event, err
	}
	for i := len(c.batches) - 1; i >= 0; i-- {
		b := &c.batches[i]
		sampleTime := frameTime
		if c.resampleTouch {
			sampleTime -= resampleLatency
		}
		split := findSampleNoLaterThan(b, sampleTime)
		if split < 0 {
			continue
		}

		seq, event, err := c.consumeSamples(factory, b, split+1)
		var next *inputwire.Message
		if len(b.samples) == 0 {
			c.batches = append(c.batches[:i], c.batches[i+1:]...)
		} else {
			next = &b.samples[0]
		}
		if err == nil && c.resampleTouch {
			c.resampleTouchState(sampleTime, event, next)
		}
		return seq, event, err
	}
	return 0, nil, ErrWouldBlock
}

// consumeSamples merges the first count samples of b into one motion
// event. Every non-first sample's seq is chained beneath its predecessor
// so that acknowledging the returned seq acknowledges them all.
func (c *Consumer) consumeSamples(factory Factory, b *batch, count int) (uint32, *input.MotionEvent, error) {
	event := factory.NewMotionEvent()
	if event == nil {
		return 0, nil, ErrNoMemory
	}

	var chain uint32
	for i := 0; i < count; i++ {
		msg := &b.samples[i]
		c.updateTouchState(msg)
		if i > 0 {
			c.seqChains = append(c.seqChains, seqChain{seq: msg.Header.Seq, chain: chain})
			addMotionSample(event, msg)
		} else {
			initializeMotionEvent(event, msg)
		}
		chain = msg.Header.Seq
	}
	b.samples = append(b.samples[:0], b.samples[count:]...)

	return chain, event, nil
}

// SendFinishedSignal acknowledges the event delivered under seq, emitting
// one FINISHED message for every source seq that was merged into it
// (earliest first) and finally for seq itself. On a partial send failure
// the unsent part of the chain is reconstructed so a retry resends each
// signal exactly once.
func (c *Consumer) SendFinishedSignal(seq uint32, handled bool) error {
	c.log.Debug("sendFinishedSignal",
		zap.String("channel", c.channel.Name()),
		zap.Uint32("seq", seq),
		zap.Bool("handled", handled))

	if seq == 0 {
		c.log.Error("attempted to send a finished signal with sequence number 0")
		return ErrBadValue
	}
	return c.sendFinishedSignal(seq, handled)
}

func (c *Consumer) sendFinishedSignal(seq uint32, handled bool) error {
	// Send finished signals for the batch sequence chain first.
	if len(c.seqChains) > 0 {
		currentSeq := seq
		var chainSeqs []uint32
		for i := len(c.seqChains) - 1; i >= 0; i-- {
			if c.seqChains[i].seq == currentSeq {
				currentSeq = c.seqChains[i].chain
				chainSeqs = append(chainSeqs, currentSeq)
				c.seqChains = append(c.seqChains[:i], c.seqChains[i+1:]...)
			}
		}
		chainIndex := len(chainSeqs)
		var err error
		for err == nil && chainIndex > 0 {
			chainIndex--
			err = c.sendUnchainedFinishedSignal(chainSeqs[chainIndex], handled)
		}
		if err != nil {
			// At least one signal was not sent; reconstruct the chain so
			// the caller can retry.
			for {
				link := seqChain{chain: chainSeqs[chainIndex]}
				if chainIndex != 0 {
					link.seq = chainSeqs[chainIndex-1]
				} else {
					link.seq = seq
				}
				c.seqChains = append(c.seqChains, link)
				if chainIndex == 0 {
					break
				}
				chainIndex--
			}
			return err
		}
	}

	// Send the finished signal for the last message in the batch.
	return c.sendUnchainedFinishedSignal(seq, handled)
}

func (c *Consumer) sendUnchainedFinishedSignal(seq uint32, handled bool) error {
	consumeTime, ok := c.consumeTimes[seq]
	if !ok {
		// Either the event was finished twice, or this seq never came out
		// of this consumer. Both are caller bugs.
		fatalf("could not find consume time for seq=%d", seq)
	}
	msg := inputwire.Message{
		Header:   inputwire.Header{Type: inputwire.TypeFinished, Seq: seq},
		Finished: inputwire.FinishedBody{Handled: handled, ConsumeTime: consumeTime},
	}
	err := c.channel.SendMessage(&msg)
	if err == nil {
		// The publisher has its acknowledgment; the consume time is no
		// longer needed. On failure it is kept for the retry.
		delete(c.consumeTimes, seq)
	}
	return err
}

// SendTimeline reports the graphics timeline of a processed event back to
// the publisher. Timeline messages carry seq 0.
func (c *Consumer) SendTimeline(eventID int32, graphicsTimeline [inputwire.GraphicsTimelineSize]int64) error {
	c.log.Debug("sendTimeline",
		zap.String("channel", c.channel.Name()),
		zap.Int32("eventId", eventID),
		zap.Int64("gpuCompletedTime", graphicsTimeline[inputwire.GraphicsTimelineGPUCompletedTime]),
		zap.Int64("presentTime", graphicsTimeline[inputwire.GraphicsTimelinePresentTime]))

	msg := inputwire.Message{
		Header:   inputwire.Header{Type: inputwire.TypeTimeline, Seq: 0},
		Timeline: inputwire.TimelineBody{EventID: eventID, GraphicsTimeline: graphicsTimeline},
	}
	return c.channel.SendMessage(&msg)
}

// HasPendingBatch reports whether any motion samples are queued.
func (c *Consumer) HasPendingBatch() bool {
	return len(c.batches) > 0
}

// PendingBatchSource returns the input source of the first pending batch,
// or SourceClassNone when no batch is pending.
func (c *Consumer) PendingBatchSource() int32 {
	if len(c.batches) == 0 {
		return input.SourceClassNone
	}
	return c.batches[0].samples[0].Motion.Source
}

// ProbablyHasInput reports whether a call to Consume could produce an
// event.
func (c *Consumer) ProbablyHasInput() bool {
	return c.HasPendingBatch() || c.channel.ProbablyHasInput()
}

func (c *Consumer) findBatch(deviceID, source int32) int {
	for i := range c.batches {
		head := &c.batches[i].samples[0].Motion
		if head.DeviceID == deviceID && head.Source == source {
			return i
		}
	}
	return -1
}

// canAddSample reports whether msg can extend the batch: identical pointer
// count, same action and the same per-pointer properties in order.
func canAddSample(b *batch, msg *inputwire.Message) bool {
	head := &b.samples[0].Motion
	count := msg.Motion.PointerCount
	if head.PointerCount != count || head.Action != msg.Motion.Action {
		return false
	}
	for i := uint32(0); i < count; i++ {
		if head.Pointers[i].Properties != msg.Motion.Pointers[i].Properties {
			return false
		}
	}
	return true
}

// findSampleNoLaterThan returns the largest index whose event time is no
// later than time, or -1.
func findSampleNoLaterThan(b *batch, time int64) int {
	index := 0
	for index < len(b.samples) && b.samples[index].Motion.EventTime <= time {
		index++
	}
	return index - 1
}

func initializeKeyEvent(event *input.KeyEvent, msg *inputwire.Message) {
	k := &msg.Key
	*event = input.KeyEvent{
		ID:          k.EventID,
		DeviceID:    k.DeviceID,
		Source:      k.Source,
		DisplayID:   k.DisplayID,
		HMAC:        k.HMAC,
		Action:      k.Action,
		Flags:       k.Flags,
		KeyCode:     k.KeyCode,
		ScanCode:    k.ScanCode,
		MetaState:   k.MetaState,
		RepeatCount: k.RepeatCount,
		DownTime:    k.DownTime,
		Time:        k.EventTime,
	}
}

func initializeMotionEvent(event *input.MotionEvent, msg *inputwire.Message) {
	mo := &msg.Motion
	count := int(mo.PointerCount)
	properties := make([]inputwire.PointerProperties, count)
	coords := make([]inputwire.PointerCoords, count)
	for i := 0; i < count; i++ {
		properties[i] = mo.Pointers[i].Properties
		coords[i] = mo.Pointers[i].Coords
	}

	event.ID = mo.EventID
	event.DeviceID = mo.DeviceID
	event.Source = mo.Source
	event.DisplayID = mo.DisplayID
	event.HMAC = mo.HMAC
	event.Action = mo.Action
	event.ActionButton = mo.ActionButton
	event.Flags = mo.Flags
	event.EdgeFlags = mo.EdgeFlags
	event.MetaState = mo.MetaState
	event.ButtonState = mo.ButtonState
	event.Classification = mo.Classification
	event.Transform = input.Transform{
		DSDX: mo.DSDX, DTDX: mo.DTDX, TX: mo.TX,
		DTDY: mo.DTDY, DSDY: mo.DSDY, TY: mo.TY,
	}
	event.XPrecision = mo.XPrecision
	event.YPrecision = mo.YPrecision
	event.XCursor = mo.XCursorPosition
	event.YCursor = mo.YCursorPosition
	event.RawTransform = input.Transform{
		DSDX: mo.DSDXRaw, DTDX: mo.DTDXRaw, TX: mo.TXRaw,
		DTDY: mo.DTDYRaw, DSDY: mo.DSDYRaw, TY: mo.TYRaw,
	}
	event.DownTime = mo.DownTime
	event.Initialize(properties, mo.EventTime, coords)
}

func addMotionSample(event *input.MotionEvent, msg *inputwire.Message) {
	mo := &msg.Motion
	count := int(mo.PointerCount)
	coords := make([]inputwire.PointerCoords, count)
	for i := 0; i < count; i++ {
		coords[i] = mo.Pointers[i].Coords
	}
	event.MetaState |= mo.MetaState
	event.AddSample(mo.EventTime, coords)
}

// Dump returns a human-readable snapshot of the consumer's state.
func (c *Consumer) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "resampleTouch = %t\n", c.resampleTouch)
	fmt.Fprintf(&sb, "channel = %s\n", c.channel.Name())
	fmt.Fprintf(&sb, "msgDeferred = %t\n", c.msgDeferred)
	sb.WriteString("batches:\n")
	for i := range c.batches {
		sb.WriteString("    batch:\n")
		for _, msg := range c.batches[i].samples {
			fmt.Fprintf(&sb, "        message %d: %s action=%d\n",
				msg.Header.Seq, msg.Header.Type, msg.Motion.Action)
		}
	}
	if len(c.batches) == 0 {
		sb.WriteString("    <empty>\n")
	}
	sb.WriteString("seqChains:\n")
	for _, link := range c.seqChains {
		fmt.Fprintf(&sb, "    seq=%d chain=%d\n", link.seq, link.chain)
	}
	if len(c.seqChains) == 0 {
		sb.WriteString("    <empty>\n")
	}
	sb.WriteString("consumeTimes:\n")
	for seq, t := range c.consumeTimes {
		fmt.Fprintf(&sb, "    seq=%d consumeTime=%d\n", seq, t)
	}
	if len(c.consumeTimes) == 0 {
		sb.WriteString("    <empty>\n")
	}
	return sb.String()
}
