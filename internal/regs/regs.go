// Package regs models the guest register file stage2 targets and the
// per-OS-thread JITContext that holds the parallel guest/native
// register snapshots the switchcode trampolines save into and restore
// from on every VM exit and re-entry.
//
// The field layout mirrors tetratelabs-wazero's engine/globalContext/
// exitContext struct-embedding trick: a plain Go struct whose field
// offsets are computed once with unsafe.Offsetof and then burned into
// generated code as immediates, so JITed code can address JITContext
// fields without any call back into Go for the address computation.
package regs

import "unsafe"

// GP is a general-purpose guest register name. R0-R10 are available
// to the register allocator; R15 is reserved by convention (never
// allocated) to hold the running thread's *JITContext pointer while
// guest code executes.
type GP byte

const (
	R0 GP = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	// R15Context is never assigned by the register allocator; it is
	// documented here so encoding code has a name for it.
	R15Context
	NumGP = 11
)

// XMM is a guest SIMD register name, used for float/double values and
// for the instanceof/checkcast inheritance-bit-path compare.
type XMM byte

const (
	X0 XMM = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	NumXMM = 8
)

// Snapshot is one side (guest or native) of a JITContext: the full
// machine state needed to suspend execution on one side of the
// switch and resume the other, byte-identical to what a trampoline's
// push/pop sequence produces.
type Snapshot struct {
	RIP uint64
	GPR [15]uint64 // all 15 general-purpose x86-64 registers, RAX..R14 order
	RSP uint64
	RBP uint64
	// XSave holds the XMM/legacy FPU state captured by XSAVE/XRSTOR;
	// sized generously (512 bytes covers the legacy area most
	// implementations actually touch).
	XSave [512]byte
}

// JITContext is per-OS-thread state. R15 always holds a pointer to
// the calling thread's JITContext while guest code runs, so generated
// code can reach any field here via a fixed displacement from R15.
type JITContext struct {
	Guest  Snapshot
	Native Snapshot

	// ExitKind and ExitPayload are written by generated code
	// immediately before the exit trampoline runs; internal/vmexit
	// owns their meaning.
	ExitKind    uint32
	ExitPayload [4]uint64

	// CodeBase is the base address of the coderegion.Region this
	// thread is currently executing in, cached so generated code can
	// compute PC-relative targets without a call.
	CodeBase uintptr
}

// Offset returns the byte displacement of a JITContext field from the
// JITContext's own base address, for use as a ModRM displacement in
// R15-relative addressing. Computed once per field set, not on every
// compile, since JITContext's layout never changes at runtime.
func Offset(field *byte, ctx *JITContext) int32 {
	return int32(uintptr(unsafe.Pointer(field)) - uintptr(unsafe.Pointer(ctx)))
}

var (
	offGuestRIP    = int32(unsafe.Offsetof(JITContext{}.Guest) + unsafe.Offsetof(Snapshot{}.RIP))
	offGuestGPR    = int32(unsafe.Offsetof(JITContext{}.Guest) + unsafe.Offsetof(Snapshot{}.GPR))
	offGuestRSP    = int32(unsafe.Offsetof(JITContext{}.Guest) + unsafe.Offsetof(Snapshot{}.RSP))
	offGuestRBP    = int32(unsafe.Offsetof(JITContext{}.Guest) + unsafe.Offsetof(Snapshot{}.RBP))
	offNativeRIP   = int32(unsafe.Offsetof(JITContext{}.Native) + unsafe.Offsetof(Snapshot{}.RIP))
	offNativeGPR   = int32(unsafe.Offsetof(JITContext{}.Native) + unsafe.Offsetof(Snapshot{}.GPR))
	offNativeRSP   = int32(unsafe.Offsetof(JITContext{}.Native) + unsafe.Offsetof(Snapshot{}.RSP))
	offNativeRBP   = int32(unsafe.Offsetof(JITContext{}.Native) + unsafe.Offsetof(Snapshot{}.RBP))
	offExitKind    = int32(unsafe.Offsetof(JITContext{}.ExitKind))
	offExitPayload = int32(unsafe.Offsetof(JITContext{}.ExitPayload))
	offCodeBase    = int32(unsafe.Offsetof(JITContext{}.CodeBase))
)

// OffGuestRIP is the R15-relative displacement of Guest.RIP.
func OffGuestRIP() int32 { return offGuestRIP }

// OffGuestGPR is the R15-relative displacement of Guest.GPR[0].
func OffGuestGPR() int32 { return offGuestGPR }

// OffGuestRSP is the R15-relative displacement of Guest.RSP.
func OffGuestRSP() int32 { return offGuestRSP }

// OffGuestRBP is the R15-relative displacement of Guest.RBP.
func OffGuestRBP() int32 { return offGuestRBP }

// OffNativeRIP is the R15-relative displacement of Native.RIP.
func OffNativeRIP() int32 { return offNativeRIP }

// OffNativeGPR is the R15-relative displacement of Native.GPR[0].
func OffNativeGPR() int32 { return offNativeGPR }

// OffNativeRSP is the R15-relative displacement of Native.RSP.
func OffNativeRSP() int32 { return offNativeRSP }

// OffNativeRBP is the R15-relative displacement of Native.RBP.
func OffNativeRBP() int32 { return offNativeRBP }

// OffExitKind is the R15-relative displacement of ExitKind.
func OffExitKind() int32 { return offExitKind }

// OffExitPayload is the R15-relative displacement of ExitPayload[0].
func OffExitPayload() int32 { return offExitPayload }

// OffExitPayloadN is the R15-relative displacement of ExitPayload[i].
func OffExitPayloadN(i int) int32 { return offExitPayload + int32(i)*8 }

// OffCodeBase is the R15-relative displacement of CodeBase.
func OffCodeBase() int32 { return offCodeBase }

// nativeEncoding is the hardware register number (0-15) a GP register
// allocates to. R15 is deliberately absent from this table's domain:
// callers must never ask for its encoding via the allocator.
var nativeEncoding = [NumGP]byte{
	R0: 0, R1: 1, R2: 2, R3: 3, R4: 6, R5: 7, R6: 8, R7: 9, R8: 10, R9: 11, R10: 12,
}

// Encoding returns the hardware register number for a GP register,
// in the System V RAX=0..R15=15 numbering internal/asm expects.
func (r GP) Encoding() byte { return nativeEncoding[r] }
