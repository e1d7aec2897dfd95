// Package launch is the public surface for running a compiled method:
// LaunchVM sets up a per-thread JITContext and guest stack, enters
// guest execution through switchcode's trampoline, and turns each
// raw JITContext exit into a decoded vmexit.Event the caller drains
// one at a time, dispatches, and then resumes from.
//
// The launch/resume control-flow shape (timed entry, debug hooks,
// falling back to a slow path on failure) is modeled on a JIT
// function's top-level Execute/executeNative pair, generalized from
// "call one function and get one result" to "iterate VM-exit events
// until the method returns."
package launch

import (
	"fmt"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/wudi/jvmjit/internal/regs"
	"github.com/wudi/jvmjit/internal/switchcode"
	"github.com/wudi/jvmjit/internal/vmexit"
)

const guestStackSize = 1 << 20 // 1MiB, generous for a template-JIT frame depth

// Session is one launched guest execution: its JITContext, its guest
// stack, and the trampoline addresses it enters through. Exactly one
// goroutine may drive a Session at a time; it is not safe to resume
// concurrently with itself.
type Session struct {
	ID uuid.UUID

	ctx        *regs.JITContext
	guestStack []byte

	enterAddr uintptr
	exitAddr  uintptr

	done bool
}

// LaunchVM allocates a fresh Session ready to start executing at
// entryAddr (the installed address of a compiled method's first
// instruction) with its initial argument registers already populated
// in initialGPR.
func LaunchVM(enterAddr, exitAddr, entryAddr uintptr, initialGPR [15]uint64) (*Session, error) {
	stack, err := unix.Mmap(-1, 0, guestStackSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_STACK)
	if err != nil {
		return nil, fmt.Errorf("launch: allocate guest stack: %w", err)
	}

	ctx := &regs.JITContext{}
	ctx.Guest.RIP = uint64(entryAddr)
	ctx.Guest.GPR = initialGPR
	// Guest stack grows down from the top of the mapping, 16-byte
	// aligned per the System V ABI's call-site requirement.
	top := uintptr(unsafe.Pointer(unsafe.SliceData(stack))) + uintptr(len(stack))
	top &^= 0xF
	ctx.Guest.RSP = uint64(top)
	ctx.Guest.RBP = uint64(top)
	ctx.CodeBase = entryAddr

	return &Session{
		ID:         uuid.New(),
		ctx:        ctx,
		guestStack: stack,
		enterAddr:  enterAddr,
		exitAddr:   exitAddr,
	}, nil
}

// Resume enters (or re-enters) guest execution and blocks until the
// guest produces the next VM-exit event. Calling Resume on a Session
// after Finish is a contract violation and panics.
func (s *Session) Resume() vmexit.Event {
	if s.done {
		panic("launch: Resume called on a finished session")
	}
	switchcode.EnterGuest(s.enterAddr, uintptr(unsafe.Pointer(s.ctx)))
	kind := vmexit.Kind(s.ctx.ExitKind)
	ev := vmexit.Event{
		Kind:    kind,
		Payload: s.ctx.ExitPayload,
		BCIndex: int(s.ctx.ExitPayload[0]),
	}
	if kind.Skippable() {
		ev.SkipID = vmexit.SkippableExitID(s.ctx.ExitPayload[1])
	}
	return ev
}

// SetResult writes a runtime-computed value into the register a
// resumed exit expects its result in (JITContext.Guest.GPR[reg]).
// It does not move Guest.RIP: no exit records a restart address
// there, so the next Resume enters at the Guest.RIP LaunchVM set (the
// method entry), not past the instruction that exited.
func (s *Session) SetResult(reg byte, value uint64) {
	s.ctx.Guest.GPR[reg] = value
}

// Finish releases the Session's guest stack, after the method has
// returned or its frame has unwound. Calls after the first are no-ops.
func (s *Session) Finish() error {
	if s.done {
		return nil
	}
	s.done = true
	return unix.Munmap(s.guestStack)
}

// ExitGuestAddress returns the installed address of the exit
// trampoline this Session's guest code should jump to on any VM exit;
// stage2 embeds this as a fixed call target when lowering
// ir.NullCheck/ir.Invoke/... restart points.
func (s *Session) ExitGuestAddress() uintptr { return s.exitAddr }

// JITContext exposes the Session's underlying register context, for
// callers that need more than ReturnValue reads after an exit.
func (s *Session) JITContext() *regs.JITContext { return s.ctx }

// ReturnValue reads a method's return value out of the guest's
// conventional result register (GP R0) after a Return-kind exit.
func (s *Session) ReturnValue() uint64 {
	return s.ctx.Guest.GPR[regs.R0.Encoding()]
}

