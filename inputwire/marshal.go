package inputwire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ErrTruncated is wrapped by Unmarshal errors caused by short datagrams.
var ErrTruncated = fmt.Errorf("truncated message")

type cursor struct {
	buf []byte
	off int
}

func (c *cursor) putU32(v uint32) {
	binary.LittleEndian.PutUint32(c.buf[c.off:], v)
	c.off += 4
}

func (c *cursor) putI32(v int32) { c.putU32(uint32(v)) }

func (c *cursor) putU64(v uint64) {
	binary.LittleEndian.PutUint64(c.buf[c.off:], v)
	c.off += 8
}

func (c *cursor) putI64(v int64) { c.putU64(uint64(v)) }

func (c *cursor) putF32(v float32) { c.putU32(math.Float32bits(v)) }

func (c *cursor) putBool(v bool) {
	if v {
		c.buf[c.off] = 1
	}
	c.off++
}

func (c *cursor) putU8(v uint8) {
	c.buf[c.off] = v
	c.off++
}

func (c *cursor) putBytes(b []byte) {
	copy(c.buf[c.off:], b)
	c.off += len(b)
}

// pad skips over padding bytes. The buffer starts zeroed, so skipping is
// what keeps padding deterministic.
func (c *cursor) pad(n int) { c.off += n }

func (c *cursor) u32() uint32 {
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

func (c *cursor) i32() int32 { return int32(c.u32()) }

func (c *cursor) u64() uint64 {
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

func (c *cursor) i64() int64 { return int64(c.u64()) }

func (c *cursor) f32() float32 { return math.Float32frombits(c.u32()) }

func (c *cursor) bool() bool {
	v := c.buf[c.off] != 0
	c.off++
	return v
}

func (c *cursor) u8() uint8 {
	v := c.buf[c.off]
	c.off++
	return v
}

func (c *cursor) bytes(b []byte) {
	copy(b, c.buf[c.off:])
	c.off += len(b)
}

// Marshal serializes the message into a freshly allocated buffer of
// exactly Size() bytes. Callers are expected to marshal a Sanitized copy;
// Marshal itself writes whatever field values the message holds.
func (m *Message) Marshal() []byte {
	c := &cursor{buf: make([]byte, m.Size())}
	c.putU32(uint32(m.Header.Type))
	c.putU32(m.Header.Seq)
	switch m.Header.Type {
	case TypeKey:
		k := &m.Key
		c.putI32(k.EventID)
		c.putI32(k.DeviceID)
		c.putI32(k.Source)
		c.putI32(k.DisplayID)
		c.putBytes(k.HMAC[:])
		c.putI32(k.Action)
		c.putI32(k.Flags)
		c.putI32(k.KeyCode)
		c.putI32(k.ScanCode)
		c.putI32(k.MetaState)
		c.putI32(k.RepeatCount)
		c.putI64(k.DownTime)
		c.putI64(k.EventTime)
	case TypeMotion:
		mo := &m.Motion
		c.putI32(mo.EventID)
		c.putU32(mo.PointerCount)
		c.putI64(mo.EventTime)
		c.putI32(mo.DeviceID)
		c.putI32(mo.Source)
		c.putI32(mo.DisplayID)
		c.putBytes(mo.HMAC[:])
		c.putI32(mo.Action)
		c.putI32(mo.ActionButton)
		c.putI32(mo.Flags)
		c.putI32(mo.MetaState)
		c.putI32(mo.ButtonState)
		c.putU8(mo.Classification)
		c.pad(3)
		c.putI32(mo.EdgeFlags)
		c.putI64(mo.DownTime)
		c.putF32(mo.DSDX)
		c.putF32(mo.DTDX)
		c.putF32(mo.TX)
		c.putF32(mo.DTDY)
		c.putF32(mo.DSDY)
		c.putF32(mo.TY)
		c.putF32(mo.XPrecision)
		c.putF32(mo.YPrecision)
		c.putF32(mo.XCursorPosition)
		c.putF32(mo.YCursorPosition)
		c.putF32(mo.DSDXRaw)
		c.putF32(mo.DTDXRaw)
		c.putF32(mo.TXRaw)
		c.putF32(mo.DTDYRaw)
		c.putF32(mo.DSDYRaw)
		c.putF32(mo.TYRaw)
		for i := 0; i < int(mo.PointerCount) && i < MaxPointers; i++ {
			p := &mo.Pointers[i]
			c.putI32(p.Properties.ID)
			c.putI32(p.Properties.ToolType)
			c.putU64(p.Coords.Bits)
			for j := 0; j < MaxAxes; j++ {
				c.putF32(p.Coords.Values[j])
			}
			c.putBool(p.Coords.IsResampled)
			c.pad(7)
		}
	case TypeFinished:
		c.putBool(m.Finished.Handled)
		c.pad(7)
		c.putI64(m.Finished.ConsumeTime)
	case TypeFocus:
		c.putI32(m.Focus.EventID)
		c.putBool(m.Focus.HasFocus)
		c.pad(3)
	case TypeCapture:
		c.putI32(m.Capture.EventID)
		c.putBool(m.Capture.PointerCaptureEnabled)
		c.pad(3)
	case TypeDrag:
		c.putI32(m.Drag.EventID)
		c.putF32(m.Drag.X)
		c.putF32(m.Drag.Y)
		c.putBool(m.Drag.IsExiting)
		c.pad(3)
	case TypeTimeline:
		c.putI32(m.Timeline.EventID)
		c.pad(4)
		c.putI64(m.Timeline.GraphicsTimeline[GraphicsTimelineGPUCompletedTime])
		c.putI64(m.Timeline.GraphicsTimeline[GraphicsTimelinePresentTime])
	case TypeTouchMode:
		c.putI32(m.TouchMode.EventID)
		c.putBool(m.TouchMode.IsInTouchMode)
		c.pad(3)
	}
	return c.buf
}

// Unmarshal decodes one received datagram into m and validates it.
// The decoded message replaces m entirely.
func (m *Message) Unmarshal(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	*m = Message{}
	c := &cursor{buf: data}
	m.Header.Type = Type(c.u32())
	m.Header.Seq = c.u32()
	if m.Header.Type >= typeCount {
		return fmt.Errorf("unknown message type %d", uint32(m.Header.Type))
	}

	// The motion body size depends on the pointer count, which must be
	// bounds-checked before it is used to size anything.
	if m.Header.Type == TypeMotion {
		if len(data) < headerSize+motionFixedSize {
			return fmt.Errorf("%w: motion message of %d bytes", ErrTruncated, len(data))
		}
		count := binary.LittleEndian.Uint32(data[headerSize+4:])
		if count < 1 || count > MaxPointers {
			return fmt.Errorf("invalid pointer count %d", count)
		}
		m.Motion.PointerCount = count
	}
	if want := m.Size(); len(data) != want {
		if len(data) < want {
			return fmt.Errorf("%w: message of %d bytes (expected %d)", ErrTruncated, len(data), want)
		}
		return fmt.Errorf("message of incorrect size %d (expected %d)", len(data), want)
	}

	switch m.Header.Type {
	case TypeKey:
		k := &m.Key
		k.EventID = c.i32()
		k.DeviceID = c.i32()
		k.Source = c.i32()
		k.DisplayID = c.i32()
		c.bytes(k.HMAC[:])
		k.Action = c.i32()
		k.Flags = c.i32()
		k.KeyCode = c.i32()
		k.ScanCode = c.i32()
		k.MetaState = c.i32()
		k.RepeatCount = c.i32()
		k.DownTime = c.i64()
		k.EventTime = c.i64()
	case TypeMotion:
		mo := &m.Motion
		mo.EventID = c.i32()
		mo.PointerCount = c.u32()
		mo.EventTime = c.i64()
		mo.DeviceID = c.i32()
		mo.Source = c.i32()
		mo.DisplayID = c.i32()
		c.bytes(mo.HMAC[:])
		mo.Action = c.i32()
		mo.ActionButton = c.i32()
		mo.Flags = c.i32()
		mo.MetaState = c.i32()
		mo.ButtonState = c.i32()
		mo.Classification = c.u8()
		c.pad(3)
		mo.EdgeFlags = c.i32()
		mo.DownTime = c.i64()
		mo.DSDX = c.f32()
		mo.DTDX = c.f32()
		mo.TX = c.f32()
		mo.DTDY = c.f32()
		mo.DSDY = c.f32()
		mo.TY = c.f32()
		mo.XPrecision = c.f32()
		mo.YPrecision = c.f32()
		mo.XCursorPosition = c.f32()
		mo.YCursorPosition = c.f32()
		mo.DSDXRaw = c.f32()
		mo.DTDXRaw = c.f32()
		mo.TXRaw = c.f32()
		mo.DTDYRaw = c.f32()
		mo.DSDYRaw = c.f32()
		mo.TYRaw = c.f32()
		for i := 0; i < int(mo.PointerCount); i++ {
			p := &mo.Pointers[i]
			p.Properties.ID = c.i32()
			p.Properties.ToolType = c.i32()
			p.Coords.Bits = c.u64()
			for j := 0; j < MaxAxes; j++ {
				p.Coords.Values[j] = c.f32()
			}
			p.Coords.IsResampled = c.bool()
			c.pad(7)
		}
	case TypeFinished:
		m.Finished.Handled = c.bool()
		c.pad(7)
		m.Finished.ConsumeTime = c.i64()
	case TypeFocus:
		m.Focus.EventID = c.i32()
		m.Focus.HasFocus = c.bool()
		c.pad(3)
	case TypeCapture:
		m.Capture.EventID = c.i32()
		m.Capture.PointerCaptureEnabled = c.bool()
		c.pad(3)
	case TypeDrag:
		m.Drag.EventID = c.i32()
		m.Drag.X = c.f32()
		m.Drag.Y = c.f32()
		m.Drag.IsExiting = c.bool()
		c.pad(3)
	case TypeTimeline:
		m.Timeline.EventID = c.i32()
		c.pad(4)
		m.Timeline.GraphicsTimeline[GraphicsTimelineGPUCompletedTime] = c.i64()
		m.Timeline.GraphicsTimeline[GraphicsTimelinePresentTime] = c.i64()
	case TypeTouchMode:
		m.TouchMode.EventID = c.i32()
		m.TouchMode.IsInTouchMode = c.bool()
		c.pad(3)
	}

	if !m.IsValid(len(data)) {
		return fmt.Errorf("invalid %s message of size %d", m.Header.Type, len(data))
	}
	return nil
}
