// Package switchcode builds the two trampolines that transfer control
// between host (Go) and guest (JITed machine code): EnterGuest saves
// the native register state into JITContext.Native, restores
// JITContext.Guest, and jumps to the guest entry address; ExitGuest
// is the mirror, invoked by generated code itself whenever it needs
// to leave guest execution for a VM exit.
//
// There is no callback ABI here: rather than guest code calling back
// into Go through cgo-style glue, guest and host share one JITContext
// struct and transfer control by jumping directly to a saved RIP, the
// same trick a hand-rolled native-call trampoline uses for a single
// C call, generalized here to a full two-sided register swap.
package switchcode

import (
	"github.com/wudi/jvmjit/internal/asm"
	"github.com/wudi/jvmjit/internal/regs"
)

// rContext is the hardware encoding generated code keeps the running
// JITContext pointer in: R15, by convention never touched by the
// register allocator (internal/regs doc comment).
const rContext byte = 15

// Runtime owns the two trampolines' machine code, ready for
// internal/engine to install into a coderegion.Region before first
// use.
type Runtime struct {
	EnterCode []byte
	ExitCode  []byte
}

// New assembles both trampolines. Pure function of regs.JITContext's
// field offsets, so it only ever needs to run once per process.
func New() *Runtime {
	return &Runtime{
		EnterCode: buildSwitch(true),
		ExitCode:  buildSwitch(false),
	}
}

// buildSwitch assembles one direction of the register swap:
//
//	save the 11 allocatable GPRs + RSP/RBP into the "from" snapshot
//	restore the 11 allocatable GPRs + RBP/RSP from the "to" snapshot
//	EnterGuest: jmp through Guest.RIP; ExitGuest: ret
//
// toGuest == true builds EnterGuest (native -> guest); false builds
// ExitGuest (guest -> native). Both sides address JITContext fields
// off R15, which callers must load before invoking either trampoline.
func buildSwitch(toGuest bool) []byte {
	saveGPR, restoreGPR := regs.OffNativeGPR(), regs.OffGuestGPR()
	saveRSP, restoreRSP := regs.OffNativeRSP(), regs.OffGuestRSP()
	saveRBP, restoreRBP := regs.OffNativeRBP(), regs.OffGuestRBP()
	if !toGuest {
		saveGPR, restoreGPR = regs.OffGuestGPR(), regs.OffNativeGPR()
		saveRSP, restoreRSP = regs.OffGuestRSP(), regs.OffNativeRSP()
		saveRBP, restoreRBP = regs.OffGuestRBP(), regs.OffNativeRBP()
	}

	a := asm.New()
	// Save every allocatable GPR (R0..R10's hardware encodings) into
	// the outgoing snapshot's GPR array, 8 bytes apart.
	for i, enc := range allocatableEncodings {
		a.MovMemReg(rContext, saveGPR+int32(8*i), enc)
	}
	a.MovMemReg(rContext, saveRSP, encRSP)
	a.MovMemReg(rContext, saveRBP, encRBP)

	// Restore from the incoming snapshot in the same order.
	for i, enc := range allocatableEncodings {
		a.MovRegMem(enc, rContext, restoreGPR+int32(8*i))
	}
	a.MovRegMem(encRBP, rContext, restoreRBP)
	a.MovRegMem(encRSP, rContext, restoreRSP)

	if toGuest {
		// The guest has no return address on the stack to resume
		// into; jump through its saved RIP explicitly.
		a.MovRegMem(encRAX, rContext, regs.OffGuestRIP())
		a.JumpReg(encRAX)
	} else {
		// Native.RSP was captured immediately after callRaw's CALL
		// pushed its return address, and restoring RSP above put that
		// address back on top of the stack: a plain RET resumes
		// exactly where EnterGuest was invoked from.
		a.Ret()
	}
	return a.Finish()
}

// allocatableEncodings is the hardware register numbers of R0..R10,
// in the fixed order Snapshot.GPR stores them.
var allocatableEncodings = [regs.NumGP]byte{
	0, 1, 2, 3, 6, 7, 8, 9, 10, 11, 12,
}

const (
	encRAX byte = 0
	encRSP byte = 4
	encRBP byte = 5
)
