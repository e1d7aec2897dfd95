package asm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMovRegImm64EmitsOpcodeAndImmediateInPlace(t *testing.T) {
	a := New()
	immPos := a.MovRegImm64(0, 0x1122334455667788)
	code := a.Finish()

	assert.Equal(t, byte(0xB8), code[1], "opcode 0xB8+r for RAX")
	assert.Equal(t, immPos, 2)
	assert.Equal(t, uint64(0x1122334455667788), leU64(code[immPos:immPos+8]))
}

func TestMovChangeableConstRecordsSiteByID(t *testing.T) {
	a := New()
	a.MovChangeableConst(0, 42, 0xdead)
	sites := a.ChangeableSites()
	require.Contains(t, sites, uint32(42))
	assert.Equal(t, 2, sites[42])
}

func TestJumpFixupResolvesForwardBranch(t *testing.T) {
	a := New()
	target := a.NewLabel()
	a.Jump(JumpAlways, target)
	beforeNop := a.Pos()
	a.Nop(3)
	a.Bind(target)
	code := a.Finish()

	rel := int32(leU32(code[1:5]))
	assert.Equal(t, int32(beforeNop+3-5), rel)
}

func TestJumpToUnboundLabelPanics(t *testing.T) {
	a := New()
	l := a.NewLabel()
	a.Jump(JumpAlways, l)
	assert.Panics(t, func() { a.Finish() })
}

func TestRetAndInt3AreSingleByte(t *testing.T) {
	a := New()
	a.Ret()
	a.Int3()
	code := a.Finish()
	assert.Equal(t, []byte{0xC3, 0xCC}, code)
}

func TestJumpRegSetsRexBForExtendedRegister(t *testing.T) {
	a := New()
	a.JumpReg(8) // R8
	code := a.Finish()
	assert.Equal(t, byte(0x41), code[0], "REX.B must be set to address R8")
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
