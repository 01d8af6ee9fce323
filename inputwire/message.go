package inputwire

// Body sizes on the wire, including any padding. The motion body size
// depends on the pointer count: only the populated pointer slots are sent.
const (
	headerSize = 8

	keyBodySize       = 88
	motionFixedSize   = 160
	pointerSize       = 144
	coordsSize        = 136
	finishedBodySize  = 16
	focusBodySize     = 8
	captureBodySize   = 8
	dragBodySize      = 16
	timelineBodySize  = 24
	touchModeBodySize = 8
)

// MaxMessageSize is the size of the largest possible message (a motion
// event with MaxPointers pointers). Receive buffers must be at least this
// large.
const MaxMessageSize = headerSize + motionFixedSize + MaxPointers*pointerSize

// KeyBody carries a key event.
type KeyBody struct {
	EventID     int32
	DeviceID    int32
	Source      int32
	DisplayID   int32
	HMAC        [HMACSize]byte
	Action      int32
	Flags       int32
	KeyCode     int32
	ScanCode    int32
	MetaState   int32
	RepeatCount int32
	DownTime    int64
	EventTime   int64
}

// Pointer is one pointer slot of a motion body.
type Pointer struct {
	Properties PointerProperties
	Coords     PointerCoords
}

// MotionBody carries a motion event with up to MaxPointers pointers.
// The two 6-element affine transforms are stored in slot order
// (dsdx, dtdx, tx, dtdy, dsdy, ty), rendered as
// [dsdx dtdx tx; dtdy dsdy ty; 0 0 1].
type MotionBody struct {
	EventID        int32
	PointerCount   uint32
	EventTime      int64
	DeviceID       int32
	Source         int32
	DisplayID      int32
	HMAC           [HMACSize]byte
	Action         int32
	ActionButton   int32
	Flags          int32
	MetaState      int32
	ButtonState    int32
	Classification uint8
	EdgeFlags      int32
	DownTime       int64

	DSDX, DTDX, TX, DTDY, DSDY, TY float32

	XPrecision      float32
	YPrecision      float32
	XCursorPosition float32
	YCursorPosition float32

	DSDXRaw, DTDXRaw, TXRaw, DTDYRaw, DSDYRaw, TYRaw float32

	Pointers [MaxPointers]Pointer
}

// FinishedBody acknowledges one consumed event back to the publisher.
// ConsumeTime is the time at which the consumer read the event off the
// channel, in Unix nanoseconds from the consumer's clock (a wall-clock
// reading, not a monotonic one).
type FinishedBody struct {
	Handled     bool
	ConsumeTime int64
}

type FocusBody struct {
	EventID  int32
	HasFocus bool
}

type CaptureBody struct {
	EventID               int32
	PointerCaptureEnabled bool
}

type DragBody struct {
	EventID   int32
	X         float32
	Y         float32
	IsExiting bool
}

// TimelineBody reports the graphics timeline of a processed event.
// Always sent with Seq == 0.
type TimelineBody struct {
	EventID          int32
	GraphicsTimeline [GraphicsTimelineSize]int64
}

type TouchModeBody struct {
	EventID       int32
	IsInTouchMode bool
}

// Message is the unit of transfer on an input channel: a header plus the
// body variant selected by Header.Type. Messages are plain values; copying
// one copies the body.
type Message struct {
	Header Header

	Key       KeyBody
	Motion    MotionBody
	Finished  FinishedBody
	Focus     FocusBody
	Capture   CaptureBody
	Drag      DragBody
	Timeline  TimelineBody
	TouchMode TouchModeBody
}

func bodySize(t Type, pointerCount uint32) int {
	switch t {
	case TypeKey:
		return keyBodySize
	case TypeMotion:
		return motionFixedSize + int(pointerCount)*pointerSize
	case TypeFinished:
		return finishedBodySize
	case TypeFocus:
		return focusBodySize
	case TypeCapture:
		return captureBodySize
	case TypeDrag:
		return dragBodySize
	case TypeTimeline:
		return timelineBodySize
	case TypeTouchMode:
		return touchModeBodySize
	}
	return 0
}

// Size returns the exact number of bytes this message occupies on the wire.
func (m *Message) Size() int {
	return headerSize + bodySize(m.Header.Type, m.Motion.PointerCount)
}

// IsValid reports whether a message of the given received size is
// structurally sound: the size must match exactly, a motion body must have
// a plausible pointer count, and a timeline must be ordered. All other
// fields are trusted; the producer is responsible for their consistency.
func (m *Message) IsValid(actualSize int) bool {
	if m.Header.Type >= typeCount {
		return false
	}
	if m.Size() != actualSize {
		return false
	}
	switch m.Header.Type {
	case TypeMotion:
		return m.Motion.PointerCount >= 1 && m.Motion.PointerCount <= MaxPointers
	case TypeTimeline:
		gpuCompleted := m.Timeline.GraphicsTimeline[GraphicsTimelineGPUCompletedTime]
		present := m.Timeline.GraphicsTimeline[GraphicsTimelinePresentTime]
		return present > gpuCompleted
	}
	return true
}

// Sanitized returns a copy of the message holding only the fields that are
// meaningful for its type: the inactive body variants, the pointer slots
// beyond PointerCount, and the axis values beyond each pointer's bitset
// are all zero. Every message must be sanitized before it crosses the
// trust boundary so that stray bytes from this process never leak to the
// peer.
func (m *Message) Sanitized() Message {
	out := Message{Header: m.Header}
	switch m.Header.Type {
	case TypeKey:
		out.Key = m.Key
	case TypeMotion:
		mo := &m.Motion
		so := &out.Motion
		so.EventID = mo.EventID
		so.PointerCount = mo.PointerCount
		so.EventTime = mo.EventTime
		so.DeviceID = mo.DeviceID
		so.Source = mo.Source
		so.DisplayID = mo.DisplayID
		so.HMAC = mo.HMAC
		so.Action = mo.Action
		so.ActionButton = mo.ActionButton
		so.Flags = mo.Flags
		so.MetaState = mo.MetaState
		so.ButtonState = mo.ButtonState
		so.Classification = mo.Classification
		so.EdgeFlags = mo.EdgeFlags
		so.DownTime = mo.DownTime
		so.DSDX, so.DTDX, so.TX = mo.DSDX, mo.DTDX, mo.TX
		so.DTDY, so.DSDY, so.TY = mo.DTDY, mo.DSDY, mo.TY
		so.XPrecision = mo.XPrecision
		so.YPrecision = mo.YPrecision
		so.XCursorPosition = mo.XCursorPosition
		so.YCursorPosition = mo.YCursorPosition
		so.DSDXRaw, so.DTDXRaw, so.TXRaw = mo.DSDXRaw, mo.DTDXRaw, mo.TXRaw
		so.DTDYRaw, so.DSDYRaw, so.TYRaw = mo.DTDYRaw, mo.DSDYRaw, mo.TYRaw
		count := int(mo.PointerCount)
		if count > MaxPointers {
			count = MaxPointers
		}
		for i := 0; i < count; i++ {
			src := &mo.Pointers[i]
			dst := &so.Pointers[i]
			dst.Properties = src.Properties
			dst.Coords.Bits = src.Coords.Bits
			n := src.Coords.AxisCount()
			copy(dst.Coords.Values[:n], src.Coords.Values[:n])
			dst.Coords.IsResampled = src.Coords.IsResampled
		}
	case TypeFinished:
		out.Finished = m.Finished
	case TypeFocus:
		out.Focus = m.Focus
	case TypeCapture:
		out.Capture = m.Capture
	case TypeDrag:
		out.Drag = m.Drag
	case TypeTimeline:
		out.Timeline = m.Timeline
	case TypeTouchMode:
		out.TouchMode = m.TouchMode
	}
	return out
}
