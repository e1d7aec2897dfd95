// Package vmexit enumerates the tagged VM-exit kinds generated code
// can request and the fixed register-level contract each one carries:
// which JITContext fields it reads on the way out, which it expects
// populated on the way back in, and which registers the runtime must
// treat as live (and therefore must not clobber) while it's handling
// the exit. There is no in-band error channel inside generated code;
// every non-local control transfer out of the guest is one of these.
package vmexit

import "fmt"

// Kind tags one VM-exit reason. Values are stored directly into
// JITContext.ExitKind by generated code immediately before jumping to
// the exit trampoline.
type Kind uint32

const (
	KindInitClassAndRecompile Kind = iota
	KindLoadClassAndRecompile
	KindCompileFunctionAndRecompileCurrent
	KindInvokeVirtualResolve
	KindInvokeInterfaceResolve
	KindRunNativeStatic
	KindRunNativeSpecial
	KindRunNativeVirtual
	KindAllocateObject
	KindInstanceOf
	KindCheckCast
	KindNullPointerException
	KindThrow
	KindMonitorEnter
	KindMonitorExit
	KindMultiNewArray
	KindInvokeDynamic
	// KindReturn is requested by every ir.Return lowering: guest code
	// is always entered via a jump, never a call, so it has no return
	// address of its own to `ret` into. A completed method instead
	// exits like any other VM exit, carrying its result in the
	// conventional result register, and the session that launched it
	// ends rather than resumes (spec.md §7).
	KindReturn
)

var kindNames = map[Kind]string{
	KindInitClassAndRecompile:              "init_class_and_recompile",
	KindLoadClassAndRecompile:              "load_class_and_recompile",
	KindCompileFunctionAndRecompileCurrent: "compile_function_and_recompile_current",
	KindInvokeVirtualResolve:               "invoke_virtual_resolve",
	KindInvokeInterfaceResolve:             "invoke_interface_resolve",
	KindRunNativeStatic:                    "run_native_static",
	KindRunNativeSpecial:                   "run_native_special",
	KindRunNativeVirtual:                   "run_native_virtual",
	KindAllocateObject:                     "allocate_object",
	KindInstanceOf:                         "instance_of",
	KindCheckCast:                          "check_cast",
	KindNullPointerException:               "null_pointer_exception",
	KindThrow:                              "throw",
	KindMonitorEnter:                       "monitor_enter",
	KindMonitorExit:                        "monitor_exit",
	KindMultiNewArray:                      "multi_new_array",
	KindInvokeDynamic:                      "invoke_dynamic",
	KindReturn:                             "return",
}

// SkippableExitID names one specific skippable call site within a
// compiled method's code, assigned by stage2 in emission order (the
// same scheme ir.ChangeableConst.ID uses for patchable immediates)
// and threaded through ExitPayload[1] so the runtime can look the
// call site's patch location up directly instead of re-deriving it
// from the triggering bytecode index. Only meaningful when
// Kind.Skippable() is true.
type SkippableExitID uint32

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// Resumption describes how control returns to the guest once the
// runtime finishes handling an exit: either the guest resumes past
// the instruction that triggered it ("requests", spec.md §7), or it
// never resumes at all and the frame unwinds ("throws").
type Resumption byte

const (
	ResumeAfterHandling Resumption = iota
	ResumeNever
)

// Resumption reports whether this exit kind resumes guest execution
// after the runtime handles it or unwinds the frame instead.
func (k Kind) Resumption() Resumption {
	switch k {
	case KindNullPointerException, KindThrow, KindReturn:
		return ResumeNever
	default:
		return ResumeAfterHandling
	}
}

// LiveRegisters returns the set of guest GP register indices (into
// regs.GP) that hold values the triggering instruction still needs
// after this exit resumes, which the runtime must not clobber while
// servicing the exit and which switchcode's exit trampoline has
// already preserved in JITContext.Guest regardless. The set is a fixed
// per-kind table: stage1 attaches no live-register set and payload is
// not consulted.
func (k Kind) LiveRegisters(payload [4]uint64) []byte {
	// All guest GPRs are always preserved in JITContext.Guest by the
	// exit trampoline before the runtime ever runs; this accessor
	// exists so call sites can ask "which of those are semantically
	// meaningful to this exit" without re-deriving it from the
	// RestartPoint each exit kind's IR construction attached.
	switch k {
	case KindAllocateObject, KindRunNativeStatic, KindRunNativeSpecial, KindRunNativeVirtual:
		return []byte{0} // destination register for the produced value
	default:
		return nil
	}
}

// Event is the decoded form of one VM exit, assembled by
// internal/launch from a JITContext snapshot for the runtime-side
// handler to act on.
type Event struct {
	Kind    Kind
	Payload [4]uint64
	// BCIndex is the bytecode index execution should resume at (or
	// unwind from) once this event is handled.
	BCIndex int
	// SkipID identifies which skippable call site fired, valid only
	// when Kind.Skippable() is true.
	SkipID SkippableExitID
}

// IndicateOkayToDrop reports whether a handled Event can be discarded
// immediately rather than retained (e.g. in a trace buffer) once the
// runtime has acted on it (spec.md §6). A ResumeNever event still
// carries the exception/return payload a caller unwinding the frame
// needs to consume, so those are never okay to drop; anything that
// resumes guest execution in place has nothing left for a caller to
// read back out.
func (ev Event) IndicateOkayToDrop() bool {
	return ev.Kind.Resumption() != ResumeNever
}

// Skippable marks exit kinds whose side effect only ever needs to run
// once per call site: class initialization, first-time compilation,
// and resolve events are all overwritten with a jump-over once they
// have fired, turning a repeated hot-path exit into straight-line code
// (spec.md §5, GLOSSARY "skippable exit").
func (k Kind) Skippable() bool {
	switch k {
	case KindInitClassAndRecompile, KindLoadClassAndRecompile,
		KindCompileFunctionAndRecompileCurrent,
		KindInvokeVirtualResolve, KindInvokeInterfaceResolve:
		return true
	default:
		return false
	}
}
