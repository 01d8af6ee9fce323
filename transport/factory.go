package transport

import "github.com/glasswing-wm/glasswing/input"

// Factory allocates the empty event values the consumer populates. The
// returned events are owned by the caller of Consume. A nil return from
// any method surfaces as ErrNoMemory.
type Factory interface {
	NewKeyEvent() *input.KeyEvent
	NewMotionEvent() *input.MotionEvent
	NewFocusEvent() *input.FocusEvent
	NewCaptureEvent() *input.CaptureEvent
	NewDragEvent() *input.DragEvent
	NewTouchModeEvent() *input.TouchModeEvent
}

// SimpleFactory allocates a fresh event value per call.
type SimpleFactory struct{}

func (SimpleFactory) NewKeyEvent() *input.KeyEvent             { return &input.KeyEvent{} }
func (SimpleFactory) NewMotionEvent() *input.MotionEvent       { return &input.MotionEvent{} }
func (SimpleFactory) NewFocusEvent() *input.FocusEvent         { return &input.FocusEvent{} }
func (SimpleFactory) NewCaptureEvent() *input.CaptureEvent     { return &input.CaptureEvent{} }
func (SimpleFactory) NewDragEvent() *input.DragEvent           { return &input.DragEvent{} }
func (SimpleFactory) NewTouchModeEvent() *input.TouchModeEvent { return &input.TouchModeEvent{} }
