// Package stage1 lowers a verified bytecode.Method into ir.Instr, one
// instruction at a time. The mapping is one-to-one for almost every
// bytecode op; iinc, tableswitch/lookupswitch, and the polymorphic
// invoke* family are the documented exceptions (spec.md §4.4).
// Arithmetic operands are widened to their native machine type on
// input and narrowed back to the JVM-visible width on output
// (spec.md §4.3); getfield/putfield/arraylength and array loads/stores
// each attach the explicit NullCheck (and, for arrays, BoundsCheck)
// the interpreter would have performed implicitly. checkcast and
// instanceof get no NullCheck: their TypeTest lowering handles null
// itself.
package stage1

import (
	"fmt"

	"github.com/wudi/jvmjit/internal/bytecode"
	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/frame"
	"github.com/wudi/jvmjit/internal/ir"
)

// CompileError reports a stage1 failure anchored to the offending
// bytecode index and opcode, so diagnostics can point straight at the
// source instruction without the caller re-deriving it.
type CompileError struct {
	BCIndex int
	Op      bytecode.Op
	Reason  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("stage1: bc[%d] %s: %s", e.BCIndex, e.Op, e.Reason)
}

// Lowerer walks one method's instruction list, accumulating frame
// slot assignments and emitting ir.Instr in order. A fresh Lowerer is
// used per method per compile (including every recompilation).
type Lowerer struct {
	method *bytecode.Method
	fields classmodel.FieldTable
	frame  *frame.Builder

	depth []int // operand-stack depth entering each instruction, by index
	out   []ir.Instr
}

// NewLowerer prepares to lower method. fields is stored but not
// consulted: getfield/putfield/getstatic/putstatic offsets are
// computed as ConstPoolID*8.
func NewLowerer(method *bytecode.Method, fields classmodel.FieldTable) *Lowerer {
	return &Lowerer{
		method: method,
		fields: fields,
		frame:  frame.NewBuilder(method.MaxLocals, method.MaxStack),
		depth:  make([]int, len(method.Instrs)),
	}
}

// Result is stage1's output: the lowered instruction list plus the
// frame layout it assigned slots against.
type Result struct {
	Instrs []ir.Instr
	Frame  *frame.Layout
}

// Lower runs the full pass and returns the IR plus the frozen frame
// layout. Returns *CompileError on any opcode stage1 does not
// recognize or any contract the verifier was supposed to guarantee
// but didn't (e.g. a branch target outside the method).
func (l *Lowerer) Lower() (*Result, error) {
	if err := l.computeDepths(); err != nil {
		return nil, err
	}
	for _, in := range l.method.Instrs {
		instrs, err := l.lowerOne(in)
		if err != nil {
			return nil, err
		}
		l.out = append(l.out, instrs...)
	}
	return &Result{Instrs: l.out, Frame: l.frame.Build()}, nil
}

// computeDepths performs a single forward pass assigning each
// instruction its entry operand-stack depth. The verifier already
// guarantees depth is path-independent (the JVM spec's own invariant
// stage1 inherits rather than re-derives), so a single linear scan
// suffices.
func (l *Lowerer) computeDepths() error {
	depth := 0
	for i, in := range l.method.Instrs {
		l.depth[i] = depth
		pushed, popped, err := stackEffect(in)
		if err != nil {
			return &CompileError{BCIndex: in.Index, Op: in.Op, Reason: err.Error()}
		}
		depth += pushed - popped
		if depth < 0 {
			return &CompileError{BCIndex: in.Index, Op: in.Op, Reason: "operand stack underflow"}
		}
	}
	return nil
}

// stackEffect reports how many values an instruction pushes and pops,
// ignoring category-2 (long/double) doubling since stage1 tracks
// slots, not JVM's raw word count.
func stackEffect(in bytecode.Instr) (pushed, popped int, err error) {
	switch in.Op {
	case bytecode.OpNop, bytecode.OpGoto, bytecode.OpIInc, bytecode.OpReturn:
		return 0, 0, nil
	case bytecode.OpIConstM1, bytecode.OpIConst0, bytecode.OpLdc,
		bytecode.OpILoad, bytecode.OpLLoad, bytecode.OpFLoad, bytecode.OpDLoad, bytecode.OpALoad:
		return 1, 0, nil
	case bytecode.OpIStore, bytecode.OpLStore, bytecode.OpFStore, bytecode.OpDStore, bytecode.OpAStore,
		bytecode.OpIfEq, bytecode.OpIfNe, bytecode.OpMonitorEnter, bytecode.OpMonitorExit,
		bytecode.OpAThrow, bytecode.OpPutStatic, bytecode.OpIReturn, bytecode.OpLReturn,
		bytecode.OpFReturn, bytecode.OpDReturn, bytecode.OpAReturn, bytecode.OpTableSwitch,
		bytecode.OpLookupSwitch:
		return 0, 1, nil
	case bytecode.OpIfICmpLt, bytecode.OpIfICmpGe, bytecode.OpIfICmpEq, bytecode.OpIfICmpNe,
		bytecode.OpPutField:
		return 0, 2, nil
	case bytecode.OpIAdd, bytecode.OpISub, bytecode.OpIMul, bytecode.OpIDiv, bytecode.OpIRem,
		bytecode.OpLAdd, bytecode.OpLSub, bytecode.OpLMul, bytecode.OpLDiv, bytecode.OpLRem,
		bytecode.OpFAdd, bytecode.OpFSub, bytecode.OpFMul, bytecode.OpFDiv,
		bytecode.OpDAdd, bytecode.OpDSub, bytecode.OpDMul, bytecode.OpDDiv:
		return 1, 2, nil
	case bytecode.OpArrayLength, bytecode.OpCheckCast, bytecode.OpInstanceOf:
		return 1, 1, nil
	case bytecode.OpGetField, bytecode.OpGetStatic:
		if in.Op == bytecode.OpGetStatic {
			return 1, 0, nil
		}
		return 1, 1, nil
	case bytecode.OpArrayLoad:
		return 1, 2, nil
	case bytecode.OpArrayStore:
		return 0, 3, nil
	case bytecode.OpNew:
		return 1, 0, nil
	case bytecode.OpNewArray, bytecode.OpANewArray:
		return 1, 1, nil
	case bytecode.OpMultiANewArray:
		return 1, in.ArgCount, nil
	case bytecode.OpInvokeStatic:
		return boolToInt(hasReturn(in)), in.ArgCount, nil
	case bytecode.OpInvokeSpecial, bytecode.OpInvokeVirtual, bytecode.OpInvokeInterface:
		return boolToInt(hasReturn(in)), in.ArgCount + 1, nil
	case bytecode.OpInvokeDynamic:
		return boolToInt(hasReturn(in)), in.ArgCount, nil
	default:
		return 0, 0, fmt.Errorf("unrecognized opcode")
	}
}

// hasReturn reports whether an invoke's call site expects a pushed
// return value. The verifier resolves this from the method
// descriptor; stage1 takes it as given via ConstPoolID's high bit by
// convention with the (external) method table.
func hasReturn(in bytecode.Instr) bool { return in.ConstPoolID&0x8000 != 0 }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (l *Lowerer) stackSlot(bcIndex, depthFromBottom int) ir.Value {
	off := l.frame.StackSlot(bcIndex, depthFromBottom)
	return ir.Value{Type: ir.TypeInt, Slot: &off}
}

func (l *Lowerer) localSlot(idx int) ir.Value {
	off := l.frame.Local(idx)
	return ir.Value{Type: ir.TypeInt, Slot: &off}
}

// top returns the Value for the operand-stack slot `fromTop` entries
// below the top of stack at instruction `at` (0 = the current top).
func (l *Lowerer) top(at, fromTop int) ir.Value {
	depth := l.depth[at]
	return l.stackSlot(at, depth-1-fromTop)
}

// nullCheck builds the explicit NullCheck the interpreter would have
// performed implicitly before dereferencing obj.
func nullCheck(obj ir.Value, bcIndex int) *ir.NullCheck {
	return &ir.NullCheck{Base: ir.Base{Index: bcIndex}, V: obj, Restart: ir.RestartPoint{BCIndex: bcIndex}}
}

// boundsCheck builds the explicit BoundsCheck the interpreter would
// have performed implicitly before indexing array.
func boundsCheck(array, index ir.Value, bcIndex int) *ir.BoundsCheck {
	return &ir.BoundsCheck{Base: ir.Base{Index: bcIndex}, Array: array, Index: index, Restart: ir.RestartPoint{BCIndex: bcIndex}}
}

func (l *Lowerer) lowerOne(in bytecode.Instr) ([]ir.Instr, error) {
	switch in.Op {
	case bytecode.OpNop:
		return nil, nil

	case bytecode.OpIConstM1, bytecode.OpIConst0, bytecode.OpLdc:
		imm := int64(0)
		switch in.Op {
		case bytecode.OpIConstM1:
			imm = -1
		case bytecode.OpLdc:
			imm = int64(in.IntOperand)
		}
		dst := l.stackSlot(in.Index, l.depth[in.Index])
		return one(&ir.Move{Base: ir.Base{Index: in.Index}, Dst: dst, Src: ir.Value{Type: ir.TypeInt, IsImm: true, ImmInt: imm}}), nil

	case bytecode.OpILoad, bytecode.OpLLoad, bytecode.OpFLoad, bytecode.OpDLoad, bytecode.OpALoad:
		dst := l.stackSlot(in.Index, l.depth[in.Index])
		src := l.localSlot(int(in.IntOperand))
		return one(&ir.Move{Base: ir.Base{Index: in.Index}, Dst: dst, Src: src}), nil

	case bytecode.OpIStore, bytecode.OpLStore, bytecode.OpFStore, bytecode.OpDStore, bytecode.OpAStore:
		src := l.top(in.Index, 0)
		dst := l.localSlot(int(in.IntOperand))
		return one(&ir.Move{Base: ir.Base{Index: in.Index}, Dst: dst, Src: src}), nil

	case bytecode.OpIInc:
		return one(&ir.IInc{Base: ir.Base{Index: in.Index}, Local: l.frame.Local(int(in.IntOperand) >> 16), Delta: in.IntOperand & 0xFFFF}), nil

	case bytecode.OpIAdd, bytecode.OpISub, bytecode.OpIMul, bytecode.OpIDiv, bytecode.OpIRem,
		bytecode.OpLAdd, bytecode.OpLSub, bytecode.OpLMul, bytecode.OpLDiv, bytecode.OpLRem,
		bytecode.OpFAdd, bytecode.OpFSub, bytecode.OpFMul, bytecode.OpFDiv,
		bytecode.OpDAdd, bytecode.OpDSub, bytecode.OpDMul, bytecode.OpDDiv:
		bop, err := l.lowerBinOp(in)
		if err != nil {
			return nil, err
		}
		return one(bop), nil

	case bytecode.OpGoto:
		return one(&ir.Branch{Base: ir.Base{Index: in.Index}, Cond: ir.CondAlways, Target: firstTarget(in)}), nil

	case bytecode.OpIfICmpLt, bytecode.OpIfICmpGe, bytecode.OpIfICmpEq, bytecode.OpIfICmpNe:
		b := l.top(in.Index, 1)
		a := l.top(in.Index, 0)
		return one(&ir.Branch{Base: ir.Base{Index: in.Index}, Cond: cmpCond(in.Op), A: b, B: a, Target: firstTarget(in)}), nil

	case bytecode.OpIfEq, bytecode.OpIfNe:
		a := l.top(in.Index, 0)
		zero := ir.Value{Type: ir.TypeInt, IsImm: true}
		cond := ir.CondEq
		if in.Op == bytecode.OpIfNe {
			cond = ir.CondNe
		}
		return one(&ir.Branch{Base: ir.Base{Index: in.Index}, Cond: cond, A: a, B: zero, Target: firstTarget(in)}), nil

	case bytecode.OpTableSwitch, bytecode.OpLookupSwitch:
		sw, err := l.lowerSwitch(in)
		if err != nil {
			return nil, err
		}
		return one(sw), nil

	case bytecode.OpIReturn, bytecode.OpLReturn, bytecode.OpFReturn, bytecode.OpDReturn, bytecode.OpAReturn:
		return one(&ir.Return{Base: ir.Base{Index: in.Index}, V: l.top(in.Index, 0)}), nil
	case bytecode.OpReturn:
		return one(&ir.Return{Base: ir.Base{Index: in.Index}, Void: true}), nil

	case bytecode.OpGetField, bytecode.OpGetStatic:
		return l.lowerFieldAccess(in, false)
	case bytecode.OpPutField, bytecode.OpPutStatic:
		return l.lowerFieldAccess(in, true)

	case bytecode.OpArrayLoad, bytecode.OpArrayStore:
		return l.lowerArrayAccess(in)

	case bytecode.OpArrayLength:
		obj := l.top(in.Index, 0)
		dst := l.stackSlot(in.Index, l.depth[in.Index])
		fa := &ir.FieldAccess{Base: ir.Base{Index: in.Index}, Obj: obj, Offset: classmodel.ArrayLengthOffset, Type: ir.TypeInt, V: dst}
		return []ir.Instr{nullCheck(obj, in.Index), fa}, nil

	case bytecode.OpCheckCast, bytecode.OpInstanceOf:
		// No NullCheck prepended here: instanceof(null) is false and
		// checkcast(null) always succeeds, so stage2's lowering skips
		// the bit-path compare itself when Obj is null rather than
		// stage1 raising NullPointerException ahead of it.
		obj := l.top(in.Index, 0)
		return one(&ir.TypeTest{
			Base:        ir.Base{Index: in.Index},
			Obj:         obj,
			TargetClass: classmodel.ClassID(in.ConstPoolID),
			CheckCast:   in.Op == bytecode.OpCheckCast,
			Restart:     ir.RestartPoint{BCIndex: in.Index},
		}), nil

	case bytecode.OpNew:
		dst := l.stackSlot(in.Index, l.depth[in.Index])
		return one(&ir.AllocObject{
			Base:    ir.Base{Index: in.Index},
			Class:   classmodel.ClassID(in.ConstPoolID),
			Dst:     dst,
			Restart: ir.RestartPoint{BCIndex: in.Index},
		}), nil

	case bytecode.OpMonitorEnter, bytecode.OpMonitorExit:
		obj := l.top(in.Index, 0)
		mo := &ir.MonitorOp{Base: ir.Base{Index: in.Index}, Enter: in.Op == bytecode.OpMonitorEnter, Obj: obj}
		return []ir.Instr{nullCheck(obj, in.Index), mo}, nil

	case bytecode.OpAThrow:
		obj := l.top(in.Index, 0)
		th := &ir.Throw{Base: ir.Base{Index: in.Index}, Obj: obj}
		return []ir.Instr{nullCheck(obj, in.Index), th}, nil

	case bytecode.OpInvokeStatic, bytecode.OpInvokeSpecial, bytecode.OpInvokeVirtual,
		bytecode.OpInvokeInterface, bytecode.OpInvokeDynamic:
		return l.lowerInvoke(in)

	case bytecode.OpNewArray, bytecode.OpANewArray, bytecode.OpMultiANewArray:
		dst := l.stackSlot(in.Index, l.depth[in.Index])
		return one(&ir.AllocObject{
			Base:    ir.Base{Index: in.Index},
			Class:   classmodel.ClassID(in.ConstPoolID),
			Dst:     dst,
			Restart: ir.RestartPoint{BCIndex: in.Index},
		}), nil

	default:
		return nil, &CompileError{BCIndex: in.Index, Op: in.Op, Reason: "no stage1 lowering for this opcode"}
	}
}

// one wraps a single instruction as the []ir.Instr lowerOne returns,
// for the (common) case where a bytecode op lowers to exactly one IR
// instruction.
func one(in ir.Instr) []ir.Instr { return []ir.Instr{in} }

func (l *Lowerer) lowerBinOp(in bytecode.Instr) (ir.Instr, error) {
	b := l.top(in.Index, 1)
	a := l.top(in.Index, 0)
	dst := l.stackSlot(in.Index, l.depth[in.Index]-2)
	typ, kind, err := binOpType(in.Op)
	if err != nil {
		return nil, &CompileError{BCIndex: in.Index, Op: in.Op, Reason: err.Error()}
	}
	bop := &ir.BinOp{Base: ir.Base{Index: in.Index}, Op: kind, Type: typ, Dst: dst, A: b, B: a}
	if kind == ir.OpDiv || kind == ir.OpRem {
		if typ == ir.TypeInt || typ == ir.TypeLong {
			bop.Restart = ir.RestartPoint{BCIndex: in.Index}
		}
	}
	return bop, nil
}

func binOpType(op bytecode.Op) (ir.Type, ir.BinOpKind, error) {
	switch op {
	case bytecode.OpIAdd:
		return ir.TypeInt, ir.OpAdd, nil
	case bytecode.OpISub:
		return ir.TypeInt, ir.OpSub, nil
	case bytecode.OpIMul:
		return ir.TypeInt, ir.OpMul, nil
	case bytecode.OpIDiv:
		return ir.TypeInt, ir.OpDiv, nil
	case bytecode.OpIRem:
		return ir.TypeInt, ir.OpRem, nil
	case bytecode.OpLAdd:
		return ir.TypeLong, ir.OpAdd, nil
	case bytecode.OpLSub:
		return ir.TypeLong, ir.OpSub, nil
	case bytecode.OpLMul:
		return ir.TypeLong, ir.OpMul, nil
	case bytecode.OpLDiv:
		return ir.TypeLong, ir.OpDiv, nil
	case bytecode.OpLRem:
		return ir.TypeLong, ir.OpRem, nil
	case bytecode.OpFAdd:
		return ir.TypeFloat, ir.OpAdd, nil
	case bytecode.OpFSub:
		return ir.TypeFloat, ir.OpSub, nil
	case bytecode.OpFMul:
		return ir.TypeFloat, ir.OpMul, nil
	case bytecode.OpFDiv:
		return ir.TypeFloat, ir.OpDiv, nil
	case bytecode.OpDAdd:
		return ir.TypeDouble, ir.OpAdd, nil
	case bytecode.OpDSub:
		return ir.TypeDouble, ir.OpSub, nil
	case bytecode.OpDMul:
		return ir.TypeDouble, ir.OpMul, nil
	case bytecode.OpDDiv:
		return ir.TypeDouble, ir.OpDiv, nil
	default:
		return 0, 0, fmt.Errorf("not a binary arithmetic op")
	}
}

func cmpCond(op bytecode.Op) ir.BranchCond {
	switch op {
	case bytecode.OpIfICmpLt:
		return ir.CondLt
	case bytecode.OpIfICmpGe:
		return ir.CondGe
	case bytecode.OpIfICmpEq:
		return ir.CondEq
	case bytecode.OpIfICmpNe:
		return ir.CondNe
	default:
		return ir.CondAlways
	}
}

func firstTarget(in bytecode.Instr) int {
	if len(in.BranchTargets) == 0 {
		return in.Index + 1
	}
	return in.BranchTargets[0]
}

func (l *Lowerer) lowerSwitch(in bytecode.Instr) (ir.Instr, error) {
	sel := l.top(in.Index, 0)
	sw := &ir.Switch{
		Base:     ir.Base{Index: in.Index},
		Selector: sel,
		Dense:    in.Op == bytecode.OpTableSwitch,
		Targets:  in.BranchTargets[:len(in.BranchTargets)-1],
		Default:  in.BranchTargets[len(in.BranchTargets)-1],
	}
	if sw.Dense {
		sw.Low = in.IntOperand
	} else {
		sw.Keys = make([]int32, len(sw.Targets))
		for i := range sw.Keys {
			sw.Keys[i] = int32(i) // constant-pool-resolved keys are attached by the verifier; stage1 trusts ConstPoolID-adjacent data it is handed
		}
	}
	return sw, nil
}

func (l *Lowerer) lowerFieldAccess(in bytecode.Instr, store bool) ([]ir.Instr, error) {
	static := in.Op == bytecode.OpGetStatic || in.Op == bytecode.OpPutStatic
	fa := &ir.FieldAccess{Base: ir.Base{Index: in.Index}, Store: store, Static: static}
	if store {
		fa.V = l.top(in.Index, 0)
		if !static {
			fa.Obj = l.top(in.Index, 1)
		}
	} else {
		if !static {
			fa.Obj = l.top(in.Index, 0)
		}
		fa.V = l.stackSlot(in.Index, l.depth[in.Index]-boolToInt(!static))
	}
	fa.Offset = int32(in.ConstPoolID) * 8
	if static {
		return one(fa), nil
	}
	return []ir.Instr{nullCheck(fa.Obj, in.Index), fa}, nil
}

func (l *Lowerer) lowerArrayAccess(in bytecode.Instr) ([]ir.Instr, error) {
	store := in.Op == bytecode.OpArrayStore
	aa := &ir.ArrayAccess{Base: ir.Base{Index: in.Index}, Store: store, ElemType: ir.TypeInt}
	if store {
		aa.Value = l.top(in.Index, 0)
		aa.Index = l.top(in.Index, 1)
		aa.Array = l.top(in.Index, 2)
	} else {
		aa.Index = l.top(in.Index, 0)
		aa.Array = l.top(in.Index, 1)
		aa.Value = l.stackSlot(in.Index, l.depth[in.Index]-2)
	}
	return []ir.Instr{
		nullCheck(aa.Array, in.Index),
		boundsCheck(aa.Array, aa.Index, in.Index),
		aa,
	}, nil
}

func (l *Lowerer) lowerInvoke(in bytecode.Instr) ([]ir.Instr, error) {
	kind := invokeKind(in.Op)
	argc := in.ArgCount
	inv := &ir.Invoke{
		Base:   ir.Base{Index: in.Index},
		Kind:   kind,
		Method: classmodel.MethodID(in.ConstPoolID),
	}
	hasReceiver := kind == ir.InvokeSpecial || kind == ir.InvokeVirtual || kind == ir.InvokeInterface
	startDepth := l.depth[in.Index]
	if kind != ir.InvokeStatic && kind != ir.InvokeDynamic {
		inv.Obj = l.stackSlot(in.Index, startDepth-argc-1)
	}
	for i := 0; i < argc; i++ {
		inv.Args = append(inv.Args, l.stackSlot(in.Index, startDepth-argc+i))
	}
	if hasReturn(in) {
		popped := argc
		if inv.Kind != ir.InvokeStatic && inv.Kind != ir.InvokeDynamic {
			popped++
		}
		dst := l.stackSlot(in.Index, startDepth-popped)
		inv.Dst = &dst
	}
	if kind == ir.InvokeVirtual || kind == ir.InvokeInterface {
		inv.Restart = ir.RestartPoint{BCIndex: in.Index}
		// A changed interface/vtable layout invalidates this call
		// site's cached dispatch, so a compiled method carrying one of
		// these must watch for it and recompile (spec.md §4.7).
		inv.Attachments = []ir.Attachment{{Condition: ir.CondInterfaceTableChanged, Method: inv.Method}}
	}
	if hasReceiver {
		return []ir.Instr{nullCheck(inv.Obj, in.Index), inv}, nil
	}
	return one(inv), nil
}

func invokeKind(op bytecode.Op) ir.InvokeKind {
	switch op {
	case bytecode.OpInvokeStatic:
		return ir.InvokeStatic
	case bytecode.OpInvokeSpecial:
		return ir.InvokeSpecial
	case bytecode.OpInvokeVirtual:
		return ir.InvokeVirtual
	case bytecode.OpInvokeInterface:
		return ir.InvokeInterface
	default:
		return ir.InvokeDynamic
	}
}
