package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/glasswing-wm/glasswing/input"
	"github.com/glasswing-wm/glasswing/inputwire"
)

const (
	// resampleLatency is subtracted from the frame time before choosing a
	// sample time. A few milliseconds doesn't hurt much but reduces the
	// impact of mispredicted touch positions.
	resampleLatency = int64(5 * time.Millisecond)

	// resampleMinDelta is the minimum time between consecutive samples
	// before attempting to resample.
	resampleMinDelta = int64(2 * time.Millisecond)

	// resampleMaxDelta is the maximum time between consecutive samples
	// before attempting to resample by extrapolation.
	resampleMaxDelta = int64(20 * time.Millisecond)

	// resampleMaxPrediction bounds how far ahead of the last known state
	// extrapolation may predict. Further bounded by 50% of the last time
	// delta.
	resampleMaxPrediction = int64(8 * time.Millisecond)
)

func lerp(a, b, alpha float32) float32 {
	return a + alpha*(b-a)
}

func shouldResampleTool(toolType int32) bool {
	return toolType == input.ToolTypeFinger || toolType == input.ToolTypeUnknown
}

// history is one observed (or synthesized) set of pointer coordinates.
// idBits is the set of live pointer ids; idToIndex maps each live id to
// its slot in pointers.
type history struct {
	eventTime int64
	idBits    uint32
	idToIndex [inputwire.MaxPointerID + 1]int32
	pointers  [inputwire.MaxPointers]inputwire.PointerCoords
}

func (h *history) initializeFrom(msg *inputwire.Message) {
	h.eventTime = msg.Motion.EventTime
	h.idBits = 0
	for i := uint32(0); i < msg.Motion.PointerCount; i++ {
		id := msg.Motion.Pointers[i].Properties.ID
		h.idBits |= 1 << uint(id)
		h.idToIndex[id] = int32(i)
		h.pointers[i] = msg.Motion.Pointers[i].Coords
	}
}

func (h *history) hasPointerID(id int32) bool {
	return h.idBits&(1<<uint(id)) != 0
}

func (h *history) clearPointerID(id int32) {
	h.idBits &^= 1 << uint(id)
}

func (h *history) pointerByID(id int32) *inputwire.PointerCoords {
	return &h.pointers[h.idToIndex[id]]
}

// touchState tracks one active pointer stream: a two-deep history ring
// (enough for extrapolation) and the coordinates most recently synthesized
// for it. Created on DOWN, destroyed on UP or CANCEL.
type touchState struct {
	deviceID       int32
	source         int32
	historyCurrent int
	historySize    int
	history        [2]history
	lastResample   history
}

func (s *touchState) initialize(deviceID, source int32) {
	s.deviceID = deviceID
	s.source = source
	s.historyCurrent = 0
	s.historySize = 0
	s.lastResample = history{}
}

func (s *touchState) addHistory(msg *inputwire.Message) {
	s.historyCurrent ^= 1
	if s.historySize < len(s.history) {
		s.historySize++
	}
	s.history[s.historyCurrent].initializeFrom(msg)
}

// getHistory returns the index-th most recent entry; 0 is the newest.
func (s *touchState) getHistory(index int) *history {
	return &s.history[(s.historyCurrent+index)&1]
}

// recentCoordinatesAreIdentical reports whether the two most recent
// history entries carry the same coordinates for id, i.e. the pointer has
// not moved between the last two raw samples.
func (s *touchState) recentCoordinatesAreIdentical(id int32) bool {
	if s.historySize < 2 {
		return false
	}
	if !s.getHistory(0).hasPointerID(id) || !s.getHistory(1).hasPointerID(id) {
		return false
	}
	current := s.getHistory(0).pointerByID(id)
	previous := s.getHistory(1).pointerByID(id)
	return current.X() == previous.X() && current.Y() == previous.Y()
}

func motionActionID(mo *inputwire.MotionBody) int32 {
	index := (mo.Action & input.ActionPointerIndexMask) >> input.ActionPointerIndexShift
	return mo.Pointers[index].Properties.ID
}

// updateTouchState incorporates one incoming motion message into the
// per-stream touch state. Only pointer sources participate.
func (c *Consumer) updateTouchState(msg *inputwire.Message) {
	if !c.resampleTouch || !input.IsPointerSource(msg.Motion.Source) {
		return
	}

	deviceID := msg.Motion.DeviceID
	source := msg.Motion.Source

	switch msg.Motion.Action & input.ActionMask {
	case input.ActionDown:
		index := c.findTouchState(deviceID, source)
		if index < 0 {
			c.touchStates = append(c.touchStates, touchState{})
			index = len(c.touchStates) - 1
		}
		state := &c.touchStates[index]
		state.initialize(deviceID, source)
		state.addHistory(msg)

	case input.ActionMove:
		if index := c.findTouchState(deviceID, source); index >= 0 {
			state := &c.touchStates[index]
			state.addHistory(msg)
			c.rewriteMessage(state, msg)
		}

	case input.ActionPointerDown:
		if index := c.findTouchState(deviceID, source); index >= 0 {
			state := &c.touchStates[index]
			state.lastResample.clearPointerID(motionActionID(&msg.Motion))
			c.rewriteMessage(state, msg)
		}

	case input.ActionPointerUp:
		if index := c.findTouchState(deviceID, source); index >= 0 {
			state := &c.touchStates[index]
			c.rewriteMessage(state, msg)
			state.lastResample.clearPointerID(motionActionID(&msg.Motion))
		}

	case input.ActionScroll:
		if index := c.findTouchState(deviceID, source); index >= 0 {
			c.rewriteMessage(&c.touchStates[index], msg)
		}

	case input.ActionUp, input.ActionCancel:
		if index := c.findTouchState(deviceID, source); index >= 0 {
			c.rewriteMessage(&c.touchStates[index], msg)
			c.touchStates = append(c.touchStates[:index], c.touchStates[index+1:]...)
		}
	}
}

func (c *Consumer) findTouchState(deviceID, source int32) int {
	for i := range c.touchStates {
		if c.touchStates[i].deviceID == deviceID && c.touchStates[i].source == source {
			return i
		}
	}
	return -1
}

// rewriteMessage replaces coordinates in msg with the last resampled
// coordinates, where the resample is still authoritative.
//
// Once a coordinate has been resampled, feeding the raw value back to the
// application would make the pointer appear to jump backwards. So for
// every pointer still covered by lastResample: if msg predates the
// resample, or the pointer has not moved since (the last two raw samples
// are identical), msg is rewritten to the resampled coordinates. Otherwise
// the resample is stale and its claim on that pointer is dropped.
func (c *Consumer) rewriteMessage(state *touchState, msg *inputwire.Message) {
	eventTime := msg.Motion.EventTime
	for i := uint32(0); i < msg.Motion.PointerCount; i++ {
		id := msg.Motion.Pointers[i].Properties.ID
		if !state.lastResample.hasPointerID(id) {
			continue
		}
		if eventTime < state.lastResample.eventTime || state.recentCoordinatesAreIdentical(id) {
			msgCoords := &msg.Motion.Pointers[i].Coords
			resampleCoords := state.lastResample.pointerByID(id)
			c.log.Debug("rewrite pointer coordinates",
				zap.Int32("id", id),
				zap.Float32("x", resampleCoords.X()),
				zap.Float32("y", resampleCoords.Y()),
				zap.Float32("oldX", msgCoords.X()),
				zap.Float32("oldY", msgCoords.Y()))
			msgCoords.SetX(resampleCoords.X())
			msgCoords.SetY(resampleCoords.Y())
			msgCoords.IsResampled = true
		} else {
			state.lastResample.clearPointerID(id)
		}
	}
}

// resampleTouchState appends one synthesized sample to the outgoing motion
// event at (or clamped near) sampleTime, interpolating toward the pending
// next raw sample when one exists, or extrapolating from the last two
// samples otherwise.
func (c *Consumer) resampleTouchState(sampleTime int64, event *input.MotionEvent, next *inputwire.Message) {
	if !c.resampleTouch || !input.IsPointerSource(event.Source) || event.Action != input.ActionMove {
		return
	}

	index := c.findTouchState(event.DeviceID, event.Source)
	if index < 0 {
		c.log.Debug("not resampled, no touch state for device")
		return
	}

	state := &c.touchStates[index]
	if state.historySize < 1 {
		c.log.Debug("not resampled, no history for device")
		return
	}

	// The current sample must cover every pointer the event reports.
	current := state.getHistory(0)
	pointerCount := event.PointerCount()
	for i := 0; i < pointerCount; i++ {
		if !current.hasPointerID(event.PointerID(i)) {
			c.log.Debug("not resampled, missing id", zap.Int32("id", event.PointerID(i)))
			return
		}
	}

	// Pick the second sample and the blend factor.
	var (
		other  *history
		future history
		alpha  float32
	)
	if next != nil {
		// Interpolate between the current sample and the future sample:
		// current.eventTime <= sampleTime <= future.eventTime.
		future.initializeFrom(next)
		other = &future
		delta := future.eventTime - current.eventTime
		if delta < resampleMinDelta {
			c.log.Debug("not resampled, delta time is too small", zap.Int64("delta", delta))
			return
		}
		alpha = float32(sampleTime-current.eventTime) / float32(delta)
	} else if state.historySize >= 2 {
		// Extrapolate beyond the current sample from the one before it:
		// other.eventTime <= current.eventTime <= sampleTime.
		other = state.getHistory(1)
		delta := current.eventTime - other.eventTime
		if delta < resampleMinDelta {
			c.log.Debug("not resampled, delta time is too small", zap.Int64("delta", delta))
			return
		} else if delta > resampleMaxDelta {
			c.log.Debug("not resampled, delta time is too large", zap.Int64("delta", delta))
			return
		}
		maxPredict := current.eventTime + min64(delta/2, resampleMaxPrediction)
		if sampleTime > maxPredict {
			c.log.Debug("sample time is too far in the future, adjusting prediction",
				zap.Int64("requested", sampleTime-current.eventTime),
				zap.Int64("adjusted", maxPredict-current.eventTime))
			sampleTime = maxPredict
		}
		alpha = float32(current.eventTime-sampleTime) / float32(delta)
	} else {
		c.log.Debug("not resampled, insufficient data")
		return
	}

	if current.eventTime == sampleTime {
		// Avoids having two samples with identical times and coordinates.
		return
	}

	// Resample the touch coordinates, reusing previously synthesized
	// values for pointers that have not moved since.
	oldLastResample := state.lastResample
	state.lastResample.eventTime = sampleTime
	state.lastResample.idBits = 0
	for i := 0; i < pointerCount; i++ {
		id := event.PointerID(i)
		state.lastResample.idToIndex[id] = int32(i)
		state.lastResample.idBits |= 1 << uint(id)
		if oldLastResample.hasPointerID(id) && state.recentCoordinatesAreIdentical(id) {
			// The pointer hasn't moved since the last resample: keep the
			// previous synthesized value so it doesn't shimmer in place.
			// The mapping from id to index may have changed, so copy from
			// the snapshot rather than updating in place. IsResampled
			// stays set; the value still isn't what the device reported.
			state.lastResample.pointers[i] = *oldLastResample.pointerByID(id)
			continue
		}

		resampled := &state.lastResample.pointers[i]
		currentCoords := current.pointerByID(id)
		*resampled = *currentCoords
		resampled.IsResampled = true
		if other.hasPointerID(id) && shouldResampleTool(event.ToolType(i)) {
			otherCoords := other.pointerByID(id)
			resampled.SetX(lerp(currentCoords.X(), otherCoords.X(), alpha))
			resampled.SetY(lerp(currentCoords.Y(), otherCoords.Y(), alpha))
			c.log.Debug("resampled pointer",
				zap.Int32("id", id),
				zap.Float32("x", resampled.X()),
				zap.Float32("y", resampled.Y()),
				zap.Float32("alpha", alpha))
		}
	}

	event.AddSample(sampleTime, state.lastResample.pointers[:pointerCount])
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
