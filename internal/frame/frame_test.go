package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLocalsAreIndexStable checks spec.md §3's requirement that a
// local variable's frame offset never changes across the method, no
// matter how many times it's referenced from different bytecode
// indices.
func TestLocalsAreIndexStable(t *testing.T) {
	b := NewBuilder(3, 4)
	a1 := b.Local(1)
	a2 := b.Local(1)
	assert.Equal(t, a1, a2)

	layout := b.Build()
	off, ok := layout.Local(1)
	require.True(t, ok)
	assert.Equal(t, a1, off)
}

// TestStackSlotStableWithinOnePoint checks that repeated queries for
// the same (bcIndex, depth) pair return the same offset, which stage1
// relies on when multiple control-flow edges converge on one
// instruction at the same operand-stack depth.
func TestStackSlotStableWithinOnePoint(t *testing.T) {
	b := NewBuilder(2, 4)
	first := b.StackSlot(10, 0)
	second := b.StackSlot(10, 0)
	assert.Equal(t, first, second)

	other := b.StackSlot(10, 1)
	assert.NotEqual(t, first, other)
}

func TestFrameSizeIsSixteenByteAligned(t *testing.T) {
	b := NewBuilder(1, 1)
	layout := b.Build()
	assert.Equal(t, 0, layout.FrameSize%16)
	assert.GreaterOrEqual(t, layout.FrameSize, 16)
}

func TestUnknownStackSlotNotFound(t *testing.T) {
	b := NewBuilder(1, 1)
	layout := b.Build()
	_, ok := layout.Stack(99, 0)
	assert.False(t, ok)
}
