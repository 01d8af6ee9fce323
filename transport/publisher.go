package transport

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/glasswing-wm/glasswing/inputwire"
)

// Publisher is the sending endpoint of an input channel. It serializes
// typed publish calls onto the channel and receives the FINISHED and
// TIMELINE responses flowing back from the consumer.
type Publisher struct {
	log      *zap.Logger
	channel  *Channel
	verifier *Verifier
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithVerifier makes the publisher feed every outgoing motion event
// through a stream verifier. A verifier failure indicates a bug in the
// producer, not a peer problem, and is fatal.
func WithVerifier() PublisherOption {
	return func(p *Publisher) {
		p.verifier = NewVerifier(p.channel.Name())
	}
}

// NewPublisher wraps the sending endpoint of channel.
func NewPublisher(channel *Channel, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		log:     channel.log,
		channel: channel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Channel returns the underlying channel.
func (p *Publisher) Channel() *Channel { return p.channel }

// PublishKeyEvent sends a key event under seq. Seq must be nonzero.
func (p *Publisher) PublishKeyEvent(seq uint32, key *inputwire.KeyBody) error {
	if seq == 0 {
		p.log.Error("attempted to publish a key event with sequence number 0")
		return ErrBadValue
	}
	msg := inputwire.Message{
		Header: inputwire.Header{Type: inputwire.TypeKey, Seq: seq},
		Key:    *key,
	}
	return p.channel.SendMessage(&msg)
}

// PublishMotionEvent sends a motion event under seq. Seq must be nonzero
// and the pointer count must be within [1, MaxPointers]. When verification
// is enabled the movement is checked first; a malformed stream is fatal.
func (p *Publisher) PublishMotionEvent(seq uint32, motion *inputwire.MotionBody) error {
	if p.verifier != nil {
		err := p.verifier.ProcessMovement(motion.DeviceID, motion.Source, motion.Action,
			motion.PointerCount, motion.Pointers[:])
		if err != nil {
			fatalf("bad stream: %v", err)
		}
	}
	if seq == 0 {
		p.log.Error("attempted to publish a motion event with sequence number 0")
		return ErrBadValue
	}
	if motion.PointerCount < 1 || motion.PointerCount > inputwire.MaxPointers {
		p.log.Error("invalid number of pointers provided",
			zap.String("channel", p.channel.Name()),
			zap.Uint32("pointerCount", motion.PointerCount))
		return ErrBadValue
	}
	msg := inputwire.Message{
		Header: inputwire.Header{Type: inputwire.TypeMotion, Seq: seq},
		Motion: *motion,
	}
	return p.channel.SendMessage(&msg)
}

// PublishFocusEvent sends a focus change under seq.
func (p *Publisher) PublishFocusEvent(seq uint32, eventID int32, hasFocus bool) error {
	if seq == 0 {
		return ErrBadValue
	}
	msg := inputwire.Message{
		Header: inputwire.Header{Type: inputwire.TypeFocus, Seq: seq},
		Focus:  inputwire.FocusBody{EventID: eventID, HasFocus: hasFocus},
	}
	return p.channel.SendMessage(&msg)
}

// PublishCaptureEvent sends a pointer-capture change under seq.
func (p *Publisher) PublishCaptureEvent(seq uint32, eventID int32, pointerCaptureEnabled bool) error {
	if seq == 0 {
		return ErrBadValue
	}
	msg := inputwire.Message{
		Header:  inputwire.Header{Type: inputwire.TypeCapture, Seq: seq},
		Capture: inputwire.CaptureBody{EventID: eventID, PointerCaptureEnabled: pointerCaptureEnabled},
	}
	return p.channel.SendMessage(&msg)
}

// PublishDragEvent sends drag progress under seq.
func (p *Publisher) PublishDragEvent(seq uint32, eventID int32, x, y float32, isExiting bool) error {
	if seq == 0 {
		return ErrBadValue
	}
	msg := inputwire.Message{
		Header: inputwire.Header{Type: inputwire.TypeDrag, Seq: seq},
		Drag:   inputwire.DragBody{EventID: eventID, X: x, Y: y, IsExiting: isExiting},
	}
	return p.channel.SendMessage(&msg)
}

// PublishTouchModeEvent sends a touch-mode change under seq.
func (p *Publisher) PublishTouchModeEvent(seq uint32, eventID int32, isInTouchMode bool) error {
	if seq == 0 {
		return ErrBadValue
	}
	msg := inputwire.Message{
		Header:    inputwire.Header{Type: inputwire.TypeTouchMode, Seq: seq},
		TouchMode: inputwire.TouchModeBody{EventID: eventID, IsInTouchMode: isInTouchMode},
	}
	return p.channel.SendMessage(&msg)
}

// ConsumerResponse is a message flowing back from the consumer: either
// Finished or Timeline.
type ConsumerResponse interface {
	isConsumerResponse()
}

// Finished acknowledges one published event.
type Finished struct {
	Seq     uint32
	Handled bool
	// ConsumeTime is when the consumer read the event off the channel,
	// in Unix nanoseconds from the consumer's clock (wall-clock, not
	// monotonic).
	ConsumeTime int64
}

func (Finished) isConsumerResponse() {}

// Timeline reports the graphics timeline for a processed event.
type Timeline struct {
	InputEventID     int32
	GraphicsTimeline [inputwire.GraphicsTimelineSize]int64
}

func (Timeline) isConsumerResponse() {}

// ReceiveConsumerResponse reads one response from the consumer. Any
// message type other than FINISHED or TIMELINE means the consumer is
// misbehaving.
func (p *Publisher) ReceiveConsumerResponse() (ConsumerResponse, error) {
	var msg inputwire.Message
	if err := p.channel.ReceiveMessage(&msg); err != nil {
		if !errors.Is(err, ErrWouldBlock) {
			p.log.Debug("receive consumer response", zap.String("channel", p.channel.Name()), zap.Error(err))
		}
		return nil, err
	}
	switch msg.Header.Type {
	case inputwire.TypeFinished:
		return Finished{
			Seq:         msg.Header.Seq,
			Handled:     msg.Finished.Handled,
			ConsumeTime: msg.Finished.ConsumeTime,
		}, nil
	case inputwire.TypeTimeline:
		return Timeline{
			InputEventID:     msg.Timeline.EventID,
			GraphicsTimeline: msg.Timeline.GraphicsTimeline,
		}, nil
	}
	p.log.Error("received unexpected message from consumer",
		zap.String("channel", p.channel.Name()),
		zap.Stringer("type", msg.Header.Type))
	return nil, fmt.Errorf("unexpected %s message from consumer", msg.Header.Type)
}
