package input

import (
	"github.com/glasswing-wm/glasswing/inputwire"
)

// Event is any concrete event produced by a consumer.
type Event interface {
	EventID() int32
}

// KeyEvent is a single key press, release or repeat.
type KeyEvent struct {
	ID          int32
	DeviceID    int32
	Source      int32
	DisplayID   int32
	HMAC        [inputwire.HMACSize]byte
	Action      int32
	Flags       int32
	KeyCode     int32
	ScanCode    int32
	MetaState   int32
	RepeatCount int32
	DownTime    int64
	Time        int64
}

func (e *KeyEvent) EventID() int32 { return e.ID }

// FocusEvent reports a window focus change.
type FocusEvent struct {
	ID       int32
	HasFocus bool
}

func (e *FocusEvent) EventID() int32 { return e.ID }

// CaptureEvent reports a pointer-capture state change.
type CaptureEvent struct {
	ID                    int32
	PointerCaptureEnabled bool
}

func (e *CaptureEvent) EventID() int32 { return e.ID }

// DragEvent reports drag progress across a window.
type DragEvent struct {
	ID        int32
	X         float32
	Y         float32
	IsExiting bool
}

func (e *DragEvent) EventID() int32 { return e.ID }

// TouchModeEvent reports whether the display is in touch mode.
type TouchModeEvent struct {
	ID            int32
	IsInTouchMode bool
}

func (e *TouchModeEvent) EventID() int32 { return e.ID }

// MotionEvent is a pointer event carrying one or more pointers and, after
// batching, one or more historical coordinate samples. Sample i of pointer
// j lives at samplePointerCoords[i*pointerCount+j]; the last sample is the
// current one.
type MotionEvent struct {
	ID             int32
	DeviceID       int32
	Source         int32
	DisplayID      int32
	HMAC           [inputwire.HMACSize]byte
	Action         int32
	ActionButton   int32
	Flags          int32
	EdgeFlags      int32
	MetaState      int32
	ButtonState    int32
	Classification uint8
	Transform      Transform
	XPrecision     float32
	YPrecision     float32
	XCursor        float32
	YCursor        float32
	RawTransform   Transform
	DownTime       int64

	pointerProperties   []inputwire.PointerProperties
	sampleEventTimes    []int64
	samplePointerCoords []inputwire.PointerCoords
}

func (e *MotionEvent) EventID() int32 { return e.ID }

// Initialize resets the event to a single sample with the given pointers.
func (e *MotionEvent) Initialize(properties []inputwire.PointerProperties, eventTime int64, coords []inputwire.PointerCoords) {
	e.pointerProperties = append(e.pointerProperties[:0], properties...)
	e.sampleEventTimes = append(e.sampleEventTimes[:0], eventTime)
	e.samplePointerCoords = append(e.samplePointerCoords[:0], coords...)
}

// AddSample appends one historical sample. The coords slice must have
// exactly PointerCount entries in pointer order.
func (e *MotionEvent) AddSample(eventTime int64, coords []inputwire.PointerCoords) {
	e.sampleEventTimes = append(e.sampleEventTimes, eventTime)
	e.samplePointerCoords = append(e.samplePointerCoords, coords...)
}

func (e *MotionEvent) PointerCount() int { return len(e.pointerProperties) }

func (e *MotionEvent) PointerProperties(i int) inputwire.PointerProperties {
	return e.pointerProperties[i]
}

func (e *MotionEvent) PointerID(i int) int32 { return e.pointerProperties[i].ID }

func (e *MotionEvent) ToolType(i int) int32 { return e.pointerProperties[i].ToolType }

// EventTime returns the time of the most recent sample.
func (e *MotionEvent) EventTime() int64 {
	return e.sampleEventTimes[len(e.sampleEventTimes)-1]
}

// HistorySize returns the number of samples preceding the current one.
func (e *MotionEvent) HistorySize() int { return len(e.sampleEventTimes) - 1 }

// HistoricalEventTime returns the time of sample h, where h ranges over
// [0, HistorySize()) from oldest to newest.
func (e *MotionEvent) HistoricalEventTime(h int) int64 {
	return e.sampleEventTimes[h]
}

// PointerCoords returns the current coordinates of pointer i.
func (e *MotionEvent) PointerCoords(i int) *inputwire.PointerCoords {
	base := e.HistorySize() * e.PointerCount()
	return &e.samplePointerCoords[base+i]
}

// HistoricalPointerCoords returns the coordinates of pointer i at sample h.
func (e *MotionEvent) HistoricalPointerCoords(h, i int) *inputwire.PointerCoords {
	return &e.samplePointerCoords[h*e.PointerCount()+i]
}

// X and Y return the current raw coordinates of pointer i, before the
// cooked transform is applied.
func (e *MotionEvent) X(i int) float32 { return e.PointerCoords(i).X() }
func (e *MotionEvent) Y(i int) float32 { return e.PointerCoords(i).Y() }
