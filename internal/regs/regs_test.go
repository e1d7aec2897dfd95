package regs

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestEncodingSkipsStackAndFramePointer(t *testing.T) {
	seen := map[byte]bool{}
	for r := R0; r <= R10; r++ {
		enc := r.Encoding()
		assert.NotEqual(t, byte(4), enc, "RSP must never be handed out as an allocatable register")
		assert.NotEqual(t, byte(5), enc, "RBP must never be handed out as an allocatable register")
		assert.False(t, seen[enc], "encoding %d reused by two GP registers", enc)
		seen[enc] = true
	}
}

func TestOffsetsAreDistinctAndNonNegative(t *testing.T) {
	offsets := []int32{
		OffGuestRIP(), OffGuestGPR(), OffGuestRSP(), OffGuestRBP(),
		OffNativeRIP(), OffNativeGPR(), OffNativeRSP(), OffNativeRBP(),
		OffExitKind(), OffExitPayload(), OffCodeBase(),
	}
	seen := map[int32]bool{}
	for _, off := range offsets {
		assert.GreaterOrEqual(t, off, int32(0))
		assert.False(t, seen[off], "offset %d computed twice", off)
		seen[off] = true
	}
	assert.Less(t, OffGuestRIP(), OffNativeRIP(), "Guest snapshot must precede Native in JITContext")
}

func TestOffsetHelperMatchesFieldAddress(t *testing.T) {
	var ctx JITContext
	fieldPtr := (*byte)(unsafe.Pointer(&ctx.Guest.XSave[0]))
	got := Offset(fieldPtr, &ctx)
	want := int32(unsafe.Offsetof(JITContext{}.Guest) + unsafe.Offsetof(Snapshot{}.XSave))
	assert.Equal(t, want, got)
}
