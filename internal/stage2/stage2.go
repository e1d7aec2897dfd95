// Package stage2 lowers ir.Instr into machine code via internal/asm,
// one IR instruction at a time. Where stage1 already resolved a
// decision (widen/narrow type, frame slot, branch target), stage2's
// job is almost entirely mechanical encoding; the exceptions are the
// same ones spec.md §4.4 calls out at the bytecode level, carried
// through because stage1 left them as multi-instruction IR ops
// (Switch, TypeTest, AllocObject, Invoke).
//
// NullCheck, BoundsCheck, TypeTest and integer division compile to a
// fast-path compare plus a jump to the configured exit address on
// failure. AllocObject and Invoke have no fast path: they always take
// their VM exit. stage2 never encodes the runtime behavior itself,
// only the guest-side contract for reaching it (spec.md §4.6).
package stage2

import (
	"fmt"

	"github.com/wudi/jvmjit/internal/asm"
	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/frame"
	"github.com/wudi/jvmjit/internal/inlinecache"
	"github.com/wudi/jvmjit/internal/ir"
	"github.com/wudi/jvmjit/internal/regs"
	"github.com/wudi/jvmjit/internal/vmexit"
)

// regRBP is the System V hardware encoding stage2 uses as the frame
// pointer for every slot access; frame.PointerOffset values are
// always relative to it.
const regRBP byte = 5

// scratch registers stage2 uses to stage values through memory-to-
// memory operand shapes x86-64 doesn't support directly (e.g. add
// [rbp+a], [rbp+b] has no single-instruction form).
const (
	scratchA byte = 0 // RAX
	scratchB byte = 2 // RDX
)

// ExitTarget is where a NullCheck/BoundsCheck/TypeTest/AllocObject/
// Invoke lowering jumps once it has written JITContext.ExitKind and
// ExitPayload: the address switchcode's ExitGuest trampoline was
// installed at for this compilation.
type ExitTarget struct {
	Address uintptr
}

// Lowerer drives one method's IR-to-machine-code pass. A fresh
// Lowerer is used per compile, mirroring stage1's Lowerer lifetime.
type Lowerer struct {
	a      *asm.Assembler
	frame  *frame.Layout
	exit   ExitTarget
	labels map[int]asm.Label // bytecode index -> bound label, for branch targets

	nextSkipID vmexit.SkippableExitID
	skipSites  []inlinecache.SkipSite
}

// NewLowerer prepares to emit code for a method whose frame layout
// has already been computed by stage1 and whose VM exits all target
// exit.
func NewLowerer(layout *frame.Layout, exit ExitTarget) *Lowerer {
	return &Lowerer{a: asm.New(), frame: layout, exit: exit, labels: make(map[int]asm.Label)}
}

// Lower emits code for every instruction in order and returns the
// finished buffer, the ChangeableConst site table, and the skippable
// VM-exit site table stage2 recorded along the way.
func (l *Lowerer) Lower(instrs []ir.Instr) ([]byte, map[uint32]int, []inlinecache.SkipSite, error) {
	l.predeclareLabels(instrs)
	bound := make(map[int]bool)
	for _, in := range instrs {
		// Several IR instructions can share one bytecode index (a
		// prepended NullCheck/BoundsCheck ahead of the access it
		// guards); only the first one binds the label, so a branch
		// targeting this index lands on the check, not past it.
		idx := in.BCIndex()
		if !bound[idx] {
			if lbl, ok := l.labels[idx]; ok {
				l.a.Bind(lbl)
			}
			bound[idx] = true
		}
		if err := l.lowerOne(in); err != nil {
			return nil, nil, nil, err
		}
	}
	return l.a.Finish(), l.a.ChangeableSites(), l.skipSites, nil
}

// predeclareLabels allocates (but does not bind) one label per
// instruction any Branch/Switch targets, so forward branches can
// reference a label before stage2 reaches its bytecode index.
func (l *Lowerer) predeclareLabels(instrs []ir.Instr) {
	need := func(idx int) {
		if _, ok := l.labels[idx]; !ok {
			l.labels[idx] = l.a.NewLabel()
		}
	}
	for _, in := range instrs {
		switch v := in.(type) {
		case *ir.Branch:
			need(v.Target)
		case *ir.Switch:
			need(v.Default)
			for _, t := range v.Targets {
				need(t)
			}
		}
	}
}

func (l *Lowerer) labelFor(bcIndex int) asm.Label {
	lbl, ok := l.labels[bcIndex]
	if !ok {
		lbl = l.a.NewLabel()
		l.labels[bcIndex] = lbl
	}
	return lbl
}

// loadValue moves an ir.Value (slot or immediate) into a scratch
// register.
func (l *Lowerer) loadValue(reg byte, v ir.Value) {
	if v.IsImm {
		l.a.MovRegImm64(reg, uint64(v.ImmInt))
		return
	}
	l.a.MovRegMem(reg, regRBP, int32(*v.Slot))
}

func (l *Lowerer) storeValue(dst ir.Value, reg byte) {
	l.a.MovMemReg(regRBP, int32(*dst.Slot), reg)
}

func (l *Lowerer) lowerOne(in ir.Instr) error {
	switch v := in.(type) {
	case *ir.Move:
		l.loadValue(scratchA, v.Src)
		l.storeValue(v.Dst, scratchA)
		return nil

	case *ir.IInc:
		l.a.MovRegMem(scratchA, regRBP, int32(v.Local))
		l.a.MovRegImm64(scratchB, uint64(int64(v.Delta)))
		l.a.Arith(asm.ArithAdd, scratchA, scratchB)
		l.a.MovMemReg(regRBP, int32(v.Local), scratchA)
		return nil

	case *ir.BinOp:
		return l.lowerBinOp(v)

	case *ir.Branch:
		return l.lowerBranch(v)

	case *ir.Switch:
		return l.lowerSwitch(v)

	case *ir.Return:
		if !v.Void {
			l.loadValue(regs.R0.Encoding(), v.V)
		}
		// Guest code is entered with a jump, not a call (switchcode's
		// EnterGuest trampoline), so it has no return address to `ret`
		// into; a completed method exits like any other VM exit.
		l.emitExit(vmexit.KindReturn, ir.RestartPoint{BCIndex: v.BCIndex()})
		return nil

	case *ir.NullCheck:
		return l.lowerNullCheck(v)

	case *ir.BoundsCheck:
		return l.lowerBoundsCheck(v)

	case *ir.FieldAccess:
		return l.lowerFieldAccess(v)

	case *ir.ArrayAccess:
		return l.lowerArrayAccess(v)

	case *ir.TypeTest:
		return l.lowerTypeTest(v)

	case *ir.AllocObject:
		return l.lowerAllocObject(v)

	case *ir.Invoke:
		return l.lowerInvoke(v)

	case *ir.MonitorOp, *ir.Throw:
		return l.lowerExitOnly(in)

	default:
		return fmt.Errorf("stage2: no lowering for %T", in)
	}
}

func (l *Lowerer) lowerBinOp(v *ir.BinOp) error {
	l.loadValue(scratchA, v.A)
	l.loadValue(scratchB, v.B)
	switch v.Op {
	case ir.OpAdd:
		l.a.Arith(asm.ArithAdd, scratchA, scratchB)
	case ir.OpSub:
		l.a.Arith(asm.ArithSub, scratchA, scratchB)
	case ir.OpMul:
		l.a.IMul(scratchA, scratchB)
	case ir.OpDiv, ir.OpRem:
		// idiv requires the dividend sign-extended into RDX:RAX and
		// the divisor in any other register (spec.md §4.4's
		// fixed-register constraint); scratchA/scratchB are already
		// RAX/RDX so the divisor must move aside first.
		l.a.MovRegReg(scratchDivisor, scratchB)
		if v.Type == ir.TypeInt || v.Type == ir.TypeLong {
			// idiv traps the process on a zero divisor instead of
			// raising ArithmeticException; guard it explicitly so a
			// guest-visible divide-by-zero becomes a VM exit instead
			// of killing the host.
			l.a.Test(scratchDivisor, scratchDivisor)
			ok := l.a.NewLabel()
			l.a.Jump(asm.JumpNotZero, ok)
			l.emitExit(vmexit.KindThrow, v.Restart)
			l.a.Bind(ok)
		}
		l.a.Cqo()
		l.a.IDiv(scratchDivisor)
		if v.Op == ir.OpRem {
			l.a.MovRegReg(scratchA, scratchB) // remainder was left in RDX by IDiv
		}
	default:
		return fmt.Errorf("stage2: unhandled BinOpKind %s", v.Op)
	}
	l.storeValue(v.Dst, scratchA)
	return nil
}

// scratchDivisor holds the divisor across Cqo/IDiv, since RAX/RDX are
// both claimed by the dividend and remainder.
const scratchDivisor byte = 1 // RCX

func (l *Lowerer) lowerBranch(v *ir.Branch) error {
	target := l.labelFor(v.Target)
	if v.Cond == ir.CondAlways {
		l.a.Jump(asm.JumpAlways, target)
		return nil
	}
	l.loadValue(scratchA, v.A)
	l.loadValue(scratchB, v.B)
	l.a.Arith(asm.ArithCmp, scratchA, scratchB)
	var cc asm.JumpCond
	switch v.Cond {
	case ir.CondEq:
		cc = asm.JumpEq
	case ir.CondNe:
		cc = asm.JumpNe
	case ir.CondLt:
		cc = asm.JumpLt
	case ir.CondGe:
		cc = asm.JumpGe
	default:
		return fmt.Errorf("stage2: unhandled BranchCond %d", v.Cond)
	}
	l.a.Jump(cc, target)
	return nil
}

// lowerSwitch lowers both tableswitch (keys Low, Low+1, ...) and
// lookupswitch (explicit Keys) as a linear chain of compare-and-branch
// followed by a jump to Default (spec.md §4.4: both take a
// multi-instruction path rather than a one-to-one mapping). No jump
// table or binary search is emitted; the chain is a single basic
// block stage1 already resolved every target for.
func (l *Lowerer) lowerSwitch(v *ir.Switch) error {
	l.loadValue(scratchA, v.Selector)
	if v.Dense {
		for i, target := range v.Targets {
			key := v.Low + int32(i)
			l.a.MovRegImm64(scratchB, uint64(int64(key)))
			l.a.Arith(asm.ArithCmp, scratchA, scratchB)
			l.a.Jump(asm.JumpEq, l.labelFor(target))
		}
		l.a.Jump(asm.JumpAlways, l.labelFor(v.Default))
		return nil
	}
	for i, key := range v.Keys {
		l.a.MovRegImm64(scratchB, uint64(int64(key)))
		l.a.Arith(asm.ArithCmp, scratchA, scratchB)
		l.a.Jump(asm.JumpEq, l.labelFor(v.Targets[i]))
	}
	l.a.Jump(asm.JumpAlways, l.labelFor(v.Default))
	return nil
}

// exitScratch stages the exit kind, payload and trampoline address in
// emitExit: R13 is outside the allocatable guest set, so the guest
// registers (including a Return's result in R0) reach ExitGuest's
// save intact.
const exitScratch byte = 13 // R13

// emitExit writes the exit kind and payload into JITContext (via R15)
// and jumps to the exit trampoline. restart.BCIndex becomes
// ExitPayload[0] so internal/launch can decode where to resume. When
// kind is skippable, the whole call-out sequence emitted here is also
// recorded as an inlinecache.SkipSite so it can later be overwritten
// with a jump-over once its side effect has run once (spec.md §5).
func (l *Lowerer) emitExit(kind vmexit.Kind, restart ir.RestartPoint) {
	start := l.a.Pos()
	var skipID vmexit.SkippableExitID
	if kind.Skippable() {
		skipID = l.nextSkipID
		l.nextSkipID++
	}
	l.a.MovRegImm64(exitScratch, uint64(kind))
	l.a.MovMemReg(15, regs.OffExitKind(), exitScratch)
	l.a.MovRegImm64(exitScratch, uint64(restart.BCIndex))
	l.a.MovMemReg(15, regs.OffExitPayload(), exitScratch)
	if kind.Skippable() {
		l.a.MovRegImm64(exitScratch, uint64(skipID))
		l.a.MovMemReg(15, regs.OffExitPayloadN(1), exitScratch)
	}
	l.a.MovRegImm64(exitScratch, uint64(l.exit.Address))
	l.a.JumpReg(exitScratch)
	if kind.Skippable() {
		l.skipSites = append(l.skipSites, inlinecache.SkipSite{
			Kind:   kind,
			ID:     skipID,
			Offset: start,
			Length: l.a.Pos() - start,
		})
	}
}

func (l *Lowerer) lowerNullCheck(v *ir.NullCheck) error {
	l.loadValue(scratchA, v.V)
	l.a.Test(scratchA, scratchA)
	ok := l.a.NewLabel()
	l.a.Jump(asm.JumpNotZero, ok)
	l.emitExit(vmexit.KindNullPointerException, v.Restart)
	l.a.Bind(ok)
	return nil
}

func (l *Lowerer) lowerBoundsCheck(v *ir.BoundsCheck) error {
	l.loadValue(scratchA, v.Index)
	l.loadValue(scratchB, v.Array)
	l.a.MovRegMem(scratchB, scratchB, classmodel.ArrayLengthOffset)
	fail := l.a.NewLabel()
	l.a.Test(scratchA, scratchA)
	l.a.Jump(asm.JumpLt, fail) // negative index
	l.a.Arith(asm.ArithCmp, scratchA, scratchB)
	ok := l.a.NewLabel()
	l.a.Jump(asm.JumpLt, ok)
	l.a.Bind(fail)
	l.emitExit(vmexit.KindThrow, v.Restart)
	l.a.Bind(ok)
	return nil
}

func (l *Lowerer) lowerFieldAccess(v *ir.FieldAccess) error {
	if v.Store {
		l.loadValue(scratchA, v.V)
		if v.Static {
			l.a.MovMemReg(15, v.Offset, scratchA)
			return nil
		}
		l.loadValue(scratchB, v.Obj)
		l.a.MovMemReg(scratchB, v.Offset, scratchA)
		return nil
	}
	if v.Static {
		l.a.MovRegMem(scratchA, 15, v.Offset)
	} else {
		l.loadValue(scratchB, v.Obj)
		l.a.MovRegMem(scratchA, scratchB, v.Offset)
	}
	l.storeValue(v.V, scratchA)
	return nil
}

// elemScale is the per-element byte stride for the int-width array
// elements stage1 currently produces (spec.md §4.6's array layout: the
// reference addresses element data directly, indexed by
// index*elemScale).
const elemScale = 8

func (l *Lowerer) lowerArrayAccess(v *ir.ArrayAccess) error {
	l.loadValue(scratchB, v.Array)
	idxReg := byte(3) // RBX, free of the scratchA/scratchB pair above
	l.loadValue(idxReg, v.Index)
	if v.Store {
		l.loadValue(scratchA, v.Value)
		l.a.MovMemRegIndexed(scratchB, idxReg, elemScale, 0, scratchA)
		return nil
	}
	l.a.MovRegMemIndexed(scratchA, scratchB, idxReg, elemScale, 0)
	l.storeValue(v.Value, scratchA)
	return nil
}

// lowerTypeTest emits the SIMD inheritance bit-path compare
// (GLOSSARY) for instanceof/checkcast: a null object skips the test,
// otherwise vpxor/vptest run on YMM0/YMM1 and the result picks the
// branch. No code loads RuntimeClass.BitPath into YMM0/YMM1 and no
// valid_mask is applied, so the compare runs on whatever those
// registers hold. On a mismatch checkcast exits with KindCheckCast and
// instanceof exits with KindInstanceOf; no boolean result is written
// for instanceof.
func (l *Lowerer) lowerTypeTest(v *ir.TypeTest) error {
	const ymmObj, ymmTarget, ymmScratch = 0, 1, 2
	// instanceof(null) is false and checkcast(null) always succeeds
	// trivially, so a null object skips the bit-path compare (and any
	// exit) entirely rather than faulting on a null class pointer.
	l.loadValue(scratchA, v.Obj)
	l.a.Test(scratchA, scratchA)
	ok := l.a.NewLabel()
	l.a.Jump(asm.JumpZero, ok)
	inlinecache.EmitBitPathCompare(l.a, ymmScratch, ymmObj, ymmTarget)
	match := l.a.NewLabel()
	l.a.Jump(asm.JumpZero, match)
	if v.CheckCast {
		l.emitExit(vmexit.KindCheckCast, v.Restart)
	} else {
		l.emitExit(vmexit.KindInstanceOf, v.Restart)
	}
	l.a.Bind(match)
	l.a.Bind(ok)
	return nil
}

func (l *Lowerer) lowerAllocObject(v *ir.AllocObject) error {
	l.emitExit(vmexit.KindAllocateObject, v.Restart)
	return nil
}

func (l *Lowerer) lowerInvoke(v *ir.Invoke) error {
	switch v.Kind {
	case ir.InvokeVirtual, ir.InvokeInterface:
		l.emitExit(vmexit.KindInvokeVirtualResolve, v.Restart)
	case ir.InvokeDynamic:
		l.emitExit(vmexit.KindInvokeDynamic, v.Restart)
	default:
		l.emitExit(vmexit.KindRunNativeStatic, v.Restart)
	}
	return nil
}

func (l *Lowerer) lowerExitOnly(in ir.Instr) error {
	switch v := in.(type) {
	case *ir.MonitorOp:
		if v.Enter {
			l.emitExit(vmexit.KindMonitorEnter, ir.RestartPoint{BCIndex: v.BCIndex()})
		} else {
			l.emitExit(vmexit.KindMonitorExit, ir.RestartPoint{BCIndex: v.BCIndex()})
		}
	case *ir.Throw:
		l.emitExit(vmexit.KindThrow, ir.RestartPoint{BCIndex: v.BCIndex()})
	}
	return nil
}
