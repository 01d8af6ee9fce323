package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasswing-wm/glasswing/input"
	"github.com/glasswing-wm/glasswing/inputwire"
)

func verifierMotion(action int32, ids ...int32) (int32, int32, int32, uint32, []inputwire.Pointer) {
	pointers := make([]inputwire.Pointer, inputwire.MaxPointers)
	for i, id := range ids {
		pointers[i].Properties = inputwire.PointerProperties{ID: id, ToolType: input.ToolTypeFinger}
	}
	return 1, input.SourceTouchscreen, action, uint32(len(ids)), pointers
}

func TestVerifierAcceptsWellFormedStream(t *testing.T) {
	v := NewVerifier("test")
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionDown, 0)))
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionMove, 0)))
	secondDown := int32(input.ActionPointerDown) | 1<<input.ActionPointerIndexShift
	require.NoError(t, v.ProcessMovement(verifierMotion(secondDown, 0, 1)))
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionMove, 0, 1)))
	secondUp := int32(input.ActionPointerUp) | 1<<input.ActionPointerIndexShift
	require.NoError(t, v.ProcessMovement(verifierMotion(secondUp, 0, 1)))
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionUp, 0)))
}

func TestVerifierRejectsMoveWithoutDown(t *testing.T) {
	v := NewVerifier("test")
	assert.Error(t, v.ProcessMovement(verifierMotion(input.ActionMove, 0)))
}

func TestVerifierRejectsDoubleDown(t *testing.T) {
	v := NewVerifier("test")
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionDown, 0)))
	assert.Error(t, v.ProcessMovement(verifierMotion(input.ActionDown, 0)))
}

func TestVerifierRejectsDuplicatePointerIDs(t *testing.T) {
	v := NewVerifier("test")
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionDown, 0)))
	secondDown := int32(input.ActionPointerDown) | 1<<input.ActionPointerIndexShift
	assert.Error(t, v.ProcessMovement(verifierMotion(secondDown, 0, 0)))
}

func TestVerifierRejectsUnknownPointerUp(t *testing.T) {
	v := NewVerifier("test")
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionDown, 0)))
	secondUp := int32(input.ActionPointerUp) | 1<<input.ActionPointerIndexShift
	assert.Error(t, v.ProcessMovement(verifierMotion(secondUp, 0, 3)))
}

func TestVerifierIgnoresNonPointerSources(t *testing.T) {
	v := NewVerifier("test")
	pointers := make([]inputwire.Pointer, inputwire.MaxPointers)
	assert.NoError(t, v.ProcessMovement(2, input.SourceJoystick, input.ActionMove, 1, pointers))
}

func TestVerifierCancelResetsStream(t *testing.T) {
	v := NewVerifier("test")
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionDown, 0)))
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionCancel, 0)))
	require.NoError(t, v.ProcessMovement(verifierMotion(input.ActionDown, 0)))
}
