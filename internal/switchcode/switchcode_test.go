package switchcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBuildsDistinctNonEmptyTrampolines(t *testing.T) {
	rt := New()
	assert.NotEmpty(t, rt.EnterCode)
	assert.NotEmpty(t, rt.ExitCode)
	assert.NotEqual(t, rt.EnterCode, rt.ExitCode)
}

// TestEnterGuestEndsInIndirectJump checks that EnterGuest transfers
// control via `jmp rax` (FF E0), not a return, since there is no
// native return address representing "resume in guest code."
func TestEnterGuestEndsInIndirectJump(t *testing.T) {
	rt := New()
	last2 := rt.EnterCode[len(rt.EnterCode)-2:]
	assert.Equal(t, []byte{0xFF, 0xE0}, last2)
}

// TestExitGuestEndsInRet checks that ExitGuest resumes via a plain RET
// into the return address callRaw's CALL already pushed.
func TestExitGuestEndsInRet(t *testing.T) {
	rt := New()
	last := rt.ExitCode[len(rt.ExitCode)-1]
	assert.Equal(t, byte(0xC3), last)
}

func TestBothTrampolinesSaveAndRestoreEveryAllocatableRegister(t *testing.T) {
	rt := New()
	// Each direction emits one MovMemReg (save) and one MovRegMem
	// (restore) per allocatable GPR, plus RSP/RBP on each side: more
	// instructions than a no-op trampoline, fewer than a full XSave.
	assert.Greater(t, len(rt.EnterCode), 2*len(allocatableEncodings)*7)
}
