// Package bytecode models an already-decoded, already-verified JVM
// instruction stream. Classfile parsing and verification live outside
// the core (spec.md §1 Non-goals); stage1 only ever sees instructions
// shaped like these.
package bytecode

import "fmt"

// Op is a JVM bytecode opcode. Only the subset stage1 knows how to
// lower is enumerated; an unrecognized Op is a contract violation
// (the verifier guarantees the core never sees one).
type Op byte

// Constant operations.
const (
	OpNop Op = iota
	OpIConstM1
	OpIConst0
	OpLdc // indexed constant-pool load, widened to 32/64 bits by stage1
)

// Local variable load/store.
const (
	OpILoad Op = iota + 20
	OpLLoad
	OpFLoad
	OpDLoad
	OpALoad
	OpIStore
	OpLStore
	OpFStore
	OpDStore
	OpAStore
	OpIInc
)

// Stack arithmetic. Each has int/long/float/double variants; stage1
// widens byte/short/char operands to 32 bits per spec.md §4.3.
const (
	OpIAdd Op = iota + 40
	OpISub
	OpIMul
	OpIDiv
	OpIRem
	OpLAdd
	OpLSub
	OpLMul
	OpLDiv
	OpLRem
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpDAdd
	OpDSub
	OpDMul
	OpDDiv
)

// Control flow.
const (
	OpGoto Op = iota + 70
	OpIfICmpLt
	OpIfICmpGe
	OpIfICmpEq
	OpIfICmpNe
	OpIfEq
	OpIfNe
	OpTableSwitch
	OpLookupSwitch
	OpIReturn
	OpLReturn
	OpFReturn
	OpDReturn
	OpAReturn
	OpReturn
)

// Heap / object model.
const (
	OpNew Op = iota + 90
	OpNewArray
	OpANewArray
	OpMultiANewArray
	OpGetField
	OpPutField
	OpGetStatic
	OpPutStatic
	OpArrayLoad
	OpArrayStore
	OpArrayLength
	OpCheckCast
	OpInstanceOf
	OpMonitorEnter
	OpMonitorExit
	OpAThrow
)

// Dispatch.
const (
	OpInvokeStatic Op = iota + 110
	OpInvokeSpecial
	OpInvokeVirtual
	OpInvokeInterface
	OpInvokeDynamic
)

var opNames = map[Op]string{
	OpNop: "nop", OpIConstM1: "iconst_m1", OpIConst0: "iconst_0", OpLdc: "ldc",
	OpILoad: "iload", OpLLoad: "lload", OpFLoad: "fload", OpDLoad: "dload", OpALoad: "aload",
	OpIStore: "istore", OpLStore: "lstore", OpFStore: "fstore", OpDStore: "dstore", OpAStore: "astore",
	OpIInc: "iinc",
	OpIAdd: "iadd", OpISub: "isub", OpIMul: "imul", OpIDiv: "idiv", OpIRem: "irem",
	OpLAdd: "ladd", OpLSub: "lsub", OpLMul: "lmul", OpLDiv: "ldiv", OpLRem: "lrem",
	OpFAdd: "fadd", OpFSub: "fsub", OpFMul: "fmul", OpFDiv: "fdiv",
	OpDAdd: "dadd", OpDSub: "dsub", OpDMul: "dmul", OpDDiv: "ddiv",
	OpGoto: "goto", OpIfICmpLt: "if_icmplt", OpIfICmpGe: "if_icmpge",
	OpIfICmpEq: "if_icmpeq", OpIfICmpNe: "if_icmpne", OpIfEq: "ifeq", OpIfNe: "ifne",
	OpTableSwitch: "tableswitch", OpLookupSwitch: "lookupswitch",
	OpIReturn: "ireturn", OpLReturn: "lreturn", OpFReturn: "freturn", OpDReturn: "dreturn",
	OpAReturn: "areturn", OpReturn: "return",
	OpNew: "new", OpNewArray: "newarray", OpANewArray: "anewarray", OpMultiANewArray: "multianewarray",
	OpGetField: "getfield", OpPutField: "putfield", OpGetStatic: "getstatic", OpPutStatic: "putstatic",
	OpArrayLoad: "Xaload", OpArrayStore: "Xastore", OpArrayLength: "arraylength",
	OpCheckCast: "checkcast", OpInstanceOf: "instanceof",
	OpMonitorEnter: "monitorenter", OpMonitorExit: "monitorexit", OpAThrow: "athrow",
	OpInvokeStatic: "invokestatic", OpInvokeSpecial: "invokespecial",
	OpInvokeVirtual: "invokevirtual", OpInvokeInterface: "invokeinterface",
	OpInvokeDynamic: "invokedynamic",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", byte(op))
}

// Kind classifies an Op's JVM-spec integer rank, used by stage1 to
// decide widen/narrow behavior (spec.md §4.3).
type Kind byte

const (
	KindInt Kind = iota
	KindLong
	KindFloat
	KindDouble
	KindRef
)

// Instr is one decoded bytecode instruction. Operand fields are
// interpreted according to Op; unused fields are zero.
type Instr struct {
	Op          Op
	Index       int // position in the method's instruction list
	IntOperand  int32
	ConstPoolID uint16 // resolved constant-pool / method-table / field-table index
	BranchTargets []int // goto/if*/tableswitch/lookupswitch jump targets, by instruction index
	ArgCount    int    // invoke* argument count, as the verifier computed it
}

// Method is the already-verified, already-decoded input stage1
// consumes: a flat instruction list plus the facts the class loader
// and field/method tables have already resolved.
type Method struct {
	Name        string
	Descriptor  string
	MaxLocals   int
	MaxStack    int
	Instrs      []Instr
	IsStatic    bool
}
