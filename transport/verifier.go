package transport

import (
	"fmt"

	"github.com/glasswing-wm/glasswing/input"
	"github.com/glasswing-wm/glasswing/inputwire"
)

// Verifier checks that a motion event stream is well-formed: pointers go
// down before they move or come up, ids are unique while down, and the set
// of reported pointers matches the tracked set. It is meant to run on the
// publishing side, where any violation indicates a producer bug.
type Verifier struct {
	name          string
	touchingByDev map[int32]uint32
}

// NewVerifier returns a verifier labeled with name for error messages.
func NewVerifier(name string) *Verifier {
	return &Verifier{
		name:          name,
		touchingByDev: make(map[int32]uint32),
	}
}

// ProcessMovement feeds one motion event through the verifier.
func (v *Verifier) ProcessMovement(deviceID, source, action int32, pointerCount uint32, pointers []inputwire.Pointer) error {
	if !input.IsPointerSource(source) {
		return nil
	}
	ids := uint32(0)
	for i := uint32(0); i < pointerCount; i++ {
		id := pointers[i].Properties.ID
		if id < 0 || id > inputwire.MaxPointerID {
			return fmt.Errorf("%s: pointer id %d out of range", v.name, id)
		}
		if ids&(1<<uint(id)) != 0 {
			return fmt.Errorf("%s: duplicate pointer id %d", v.name, id)
		}
		ids |= 1 << uint(id)
	}
	touching := v.touchingByDev[deviceID]

	switch action & input.ActionMask {
	case input.ActionDown:
		if touching != 0 {
			return fmt.Errorf("%s: DOWN while pointers 0x%x are already down on device %d", v.name, touching, deviceID)
		}
		if pointerCount != 1 {
			return fmt.Errorf("%s: DOWN with %d pointers", v.name, pointerCount)
		}
		v.touchingByDev[deviceID] = ids
	case input.ActionPointerDown:
		if touching == 0 {
			return fmt.Errorf("%s: POINTER_DOWN without a preceding DOWN on device %d", v.name, deviceID)
		}
		id, err := actionPointerID(action, pointerCount, pointers, v.name)
		if err != nil {
			return err
		}
		if touching&(1<<uint(id)) != 0 {
			return fmt.Errorf("%s: POINTER_DOWN for pointer %d which is already down", v.name, id)
		}
		v.touchingByDev[deviceID] = touching | 1<<uint(id)
	case input.ActionMove:
		if ids != touching {
			return fmt.Errorf("%s: MOVE with pointers 0x%x but 0x%x are down on device %d", v.name, ids, touching, deviceID)
		}
	case input.ActionPointerUp:
		id, err := actionPointerID(action, pointerCount, pointers, v.name)
		if err != nil {
			return err
		}
		if touching&(1<<uint(id)) == 0 {
			return fmt.Errorf("%s: POINTER_UP for pointer %d which is not down", v.name, id)
		}
		v.touchingByDev[deviceID] = touching &^ (1 << uint(id))
	case input.ActionUp:
		if pointerCount != 1 {
			return fmt.Errorf("%s: UP with %d pointers", v.name, pointerCount)
		}
		if touching != ids {
			return fmt.Errorf("%s: UP with pointers 0x%x but 0x%x are down on device %d", v.name, ids, touching, deviceID)
		}
		delete(v.touchingByDev, deviceID)
	case input.ActionCancel:
		if touching == 0 {
			return fmt.Errorf("%s: CANCEL without any pointers down on device %d", v.name, deviceID)
		}
		delete(v.touchingByDev, deviceID)
	}
	return nil
}

func actionPointerID(action int32, pointerCount uint32, pointers []inputwire.Pointer, name string) (int32, error) {
	index := (action & input.ActionPointerIndexMask) >> input.ActionPointerIndexShift
	if uint32(index) >= pointerCount {
		return 0, fmt.Errorf("%s: action pointer index %d out of range", name, index)
	}
	return pointers[index].Properties.ID, nil
}
