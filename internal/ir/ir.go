// Package ir defines stage1's output: a typed intermediate
// representation one step removed from bytecode, already widened to
// machine-native int/long/float/double operations, already carrying
// explicit null/bounds checks, and already attached to any recompile
// conditions a later class load or method compile could invalidate.
//
// stage2 is the only consumer; it performs a mechanical one-to-one
// lowering from ir.Instr to internal/asm calls, with the handful of
// exceptions spec.md §4.4 calls out (iinc, switches, polymorphic
// invokes).
package ir

import (
	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/frame"
)

// Type is the IR's native value type, already widened per spec.md
// §4.3 (byte/short/char/boolean all become TypeInt).
type Type byte

const (
	TypeInt Type = iota
	TypeLong
	TypeFloat
	TypeDouble
	TypeRef
)

// Value is an IR operand: either a frame slot or an immediate.
type Value struct {
	Type      Type
	Slot      *frame.PointerOffset // nil if Imm is used
	ImmInt    int64
	ImmFloat  float64
	IsImm     bool
}

// RestartPoint records everything a VM exit needs to resume guest
// execution after a runtime-side action completes: which bytecode
// index to restart at, and which frame slots were live at that point
// (spec.md §4.5, §5 "declared live register set").
type RestartPoint struct {
	BCIndex      int
	LiveGPSlots  []frame.PointerOffset
	LiveXMMSlots []frame.PointerOffset
}

// ChangeableConst is an inline-cache-style 64-bit immediate embedded
// in a MOV instruction that internal/inlinecache can overwrite later
// under a coderegion.ModificationLease. ID is assigned by stage1 and
// threaded through to stage2's emitted code location.
type ChangeableConst struct {
	ID      uint32
	Initial uint64
}

// RecompileCondition names a fact that, if it later changes, makes a
// compiled method's assumptions stale and requires recompilation
// (spec.md §4.7).
type RecompileCondition byte

const (
	CondClassInitialized RecompileCondition = iota
	CondMethodCompiled
	CondMethodRecompiledPastVersion
	CondInterfaceTableChanged
)

// Attachment pairs a RecompileCondition with the class/method/version
// it watches.
type Attachment struct {
	Condition RecompileCondition
	Class     classmodel.ClassID
	Method    classmodel.MethodID
	Version   classmodel.IRMethodID
}

// Instr is the sealed set of IR operations. Concrete types implement
// instr() to close the set; stage2 dispatches on a type switch.
type Instr interface {
	instr()
	BCIndex() int
}

type Base struct{ Index int }

func (Base) instr()        {}
func (b Base) BCIndex() int { return b.Index }

// BinOp is a widened arithmetic operation: add/sub/mul/div/rem over
// int/long/float/double, one-to-one with the corresponding bytecode
// op (spec.md §4.3). Restart is only populated for integer/long
// Div/Rem: stage2 uses it to raise ArithmeticException via a VM exit
// if B is zero, instead of letting idiv fault the process.
type BinOp struct {
	Base
	Op       BinOpKind
	Type     Type
	Dst, A, B Value
	Restart  RestartPoint
}

type BinOpKind byte

const (
	OpAdd BinOpKind = iota
	OpSub
	OpMul
	OpDiv
	OpRem
)

// Move narrows or widens a value between frame slots; used for local
// stores where the destination width differs from computation width.
type Move struct {
	Base
	Dst, Src Value
}

// IInc increments a local variable in place by a constant, the one
// bytecode op stage1 lowers outside the normal one-to-one mapping
// because it reads and writes the same slot without ever touching the
// operand stack (spec.md §4.4).
type IInc struct {
	Base
	Local frame.PointerOffset
	Delta int32
}

// Branch is a conditional or unconditional control transfer. Cond ==
// CondAlways encodes goto.
type Branch struct {
	Base
	Cond   BranchCond
	A, B   Value // B unused when Cond == CondAlways
	Target int   // bytecode index of the branch target
}

type BranchCond byte

const (
	CondAlways BranchCond = iota
	CondEq
	CondNe
	CondLt
	CondGe
)

// Switch lowers tableswitch/lookupswitch. Dense (keys Low, Low+1, ...)
// and sparse (explicit Keys) both become a linear chain of compares
// ending in a jump to Default (spec.md §4.4).
type Switch struct {
	Base
	Selector Value
	Dense    bool
	Low      int32 // tableswitch only
	Keys     []int32
	Targets  []int
	Default  int
}

// NullCheck raises NullPointerException via a VM exit if V is the
// null reference; otherwise falls through (spec.md §4.6).
type NullCheck struct {
	Base
	V       Value
	Restart RestartPoint
}

// BoundsCheck raises ArrayIndexOutOfBoundsException via a VM exit if
// Index is outside [0, Length). Length is never carried as a Value:
// stage2 derives it straight from Array's header at
// classmodel.ArrayLengthOffset, the same convention arraylength's own
// FieldAccess lowering uses (spec.md §4.6).
type BoundsCheck struct {
	Base
	Array, Index Value
	Restart      RestartPoint
}

// FieldAccess is a getfield/putfield/getstatic/putstatic at a fixed
// byte offset, which stage1 sets to the constant-pool index times 8
// (no field table is consulted).
// V holds the destination register on a load, the source value on a
// store.
type FieldAccess struct {
	Base
	Store  bool
	Static bool
	Obj    Value // unused when Static
	Offset int32
	Type   Type
	V      Value
}

// ArrayAccess is an already-bounds-checked array element load/store.
type ArrayAccess struct {
	Base
	Store       bool
	Array, Index Value
	ElemType    Type
	Value       Value
}

// TypeTest lowers instanceof/checkcast to the SIMD inheritance
// bit-path compare (spec.md §4.6, GLOSSARY "inheritance bit-path"):
// stage2 emits vpxor then vptest of the result with itself and
// branches on ZF. No valid_mask is applied, and the class bit-paths
// are not loaded into the YMM operands.
type TypeTest struct {
	Base
	Obj          Value
	TargetClass  classmodel.ClassID
	CheckCast    bool // true: checkcast (throws ClassCastException); false: instanceof (pushes bool)
	Restart      RestartPoint
}

// AllocObject lowers `new`. stage2 emits no inline bump-pointer fast
// path: every AllocObject is a KindAllocateObject VM exit, and
// HeaderConst is not used by the lowering (spec.md §4.6).
type AllocObject struct {
	Base
	Class       classmodel.ClassID
	HeaderConst ChangeableConst
	Dst         Value
	Restart     RestartPoint
}

// Invoke lowers any invoke* bytecode, the polymorphic-dispatch
// exception to the one-to-one mapping spec.md §4.4 names. stage2
// lowers every Invoke to a VM exit and emits no call: virtual and
// interface take KindInvokeVirtualResolve, dynamic takes
// KindInvokeDynamic, static and special take KindRunNativeStatic. No
// vtable or itable slot is read in generated code.
type Invoke struct {
	Base
	Kind         InvokeKind
	Method       classmodel.MethodID
	Obj          Value // unused for invokestatic
	Args         []Value
	Dst          *Value // nil for void returns
	ResolveConst ChangeableConst
	Attachments  []Attachment
	Restart      RestartPoint
}

type InvokeKind byte

const (
	InvokeStatic InvokeKind = iota
	InvokeSpecial
	InvokeVirtual
	InvokeInterface
	InvokeDynamic
)

// MonitorOp lowers monitorenter/monitorexit.
type MonitorOp struct {
	Base
	Enter bool
	Obj   Value
}

// Throw lowers athrow: unwinds via a VM exit, never returns.
type Throw struct {
	Base
	Obj Value
}

// Return lowers {i,l,f,d,a}return and bare return.
type Return struct {
	Base
	Void bool
	V    Value
}

func (k BinOpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	case OpRem:
		return "rem"
	default:
		return "binop(?)"
	}
}
