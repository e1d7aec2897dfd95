package stage1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/jvmjit/internal/bytecode"
	"github.com/wudi/jvmjit/internal/ir"
)

// sumLoopMethod builds the bytecode for:
//
//	int sum(int n) {
//	    int i = 0, s = 0;
//	    while (i < n) { s += i; i++; }
//	    return s;
//	}
//
// matching the "sum 1..100" end-to-end scenario: iload/iadd/istore/
// iinc/if_icmpge all appear, with one backward branch.
func sumLoopMethod() *bytecode.Method {
	return &bytecode.Method{
		Name:       "sum",
		Descriptor: "(I)I",
		MaxLocals:  3,
		MaxStack:   2,
		IsStatic:   true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpIConst0, Index: 0},
			{Op: bytecode.OpIStore, Index: 1, IntOperand: 1}, // i = 0
			{Op: bytecode.OpIConst0, Index: 2},
			{Op: bytecode.OpIStore, Index: 3, IntOperand: 2}, // s = 0
			{Op: bytecode.OpILoad, Index: 4, IntOperand: 1, BranchTargets: nil},
			{Op: bytecode.OpILoad, Index: 5, IntOperand: 0},
			{Op: bytecode.OpIfICmpGe, Index: 6, BranchTargets: []int{13}}, // if i >= n goto return
			{Op: bytecode.OpILoad, Index: 7, IntOperand: 2},
			{Op: bytecode.OpILoad, Index: 8, IntOperand: 1},
			{Op: bytecode.OpIAdd, Index: 9},
			{Op: bytecode.OpIStore, Index: 10, IntOperand: 2},
			{Op: bytecode.OpIInc, Index: 11, IntOperand: (1 << 16) | 1},
			{Op: bytecode.OpGoto, Index: 12, BranchTargets: []int{4}},
			{Op: bytecode.OpILoad, Index: 13, IntOperand: 2},
			{Op: bytecode.OpIReturn, Index: 14},
		},
	}
}

func TestLowerSumLoopProducesOneInstrPerBytecode(t *testing.T) {
	m := sumLoopMethod()
	l := NewLowerer(m, nil)
	res, err := l.Lower()
	require.NoError(t, err)
	assert.Len(t, res.Instrs, len(m.Instrs))
}

func TestLowerSumLoopHasABackwardBranch(t *testing.T) {
	m := sumLoopMethod()
	l := NewLowerer(m, nil)
	res, err := l.Lower()
	require.NoError(t, err)

	var sawBackward bool
	for _, in := range res.Instrs {
		if b, ok := in.(*ir.Branch); ok && b.Target <= b.BCIndex() {
			sawBackward = true
		}
	}
	assert.True(t, sawBackward, "expected the loop's goto to branch backward")
}

func TestLowerIIncProducesIIncInstr(t *testing.T) {
	m := sumLoopMethod()
	l := NewLowerer(m, nil)
	res, err := l.Lower()
	require.NoError(t, err)

	var found bool
	for _, in := range res.Instrs {
		if _, ok := in.(*ir.IInc); ok {
			found = true
		}
	}
	assert.True(t, found, "iinc must lower to ir.IInc, not a generic BinOp")
}

func TestLowerLdcUsesTheOperandConstant(t *testing.T) {
	m := &bytecode.Method{
		MaxLocals: 0,
		MaxStack:  1,
		IsStatic:  true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpLdc, Index: 0, IntOperand: 101},
			{Op: bytecode.OpIReturn, Index: 1},
		},
	}
	l := NewLowerer(m, nil)
	res, err := l.Lower()
	require.NoError(t, err)

	mv, ok := res.Instrs[0].(*ir.Move)
	require.True(t, ok)
	assert.Equal(t, int64(101), mv.Src.ImmInt)
}

func TestLowerGetFieldPrependsNullCheck(t *testing.T) {
	m := &bytecode.Method{
		MaxLocals: 1,
		MaxStack:  1,
		IsStatic:  true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpALoad, Index: 0, IntOperand: 0},
			{Op: bytecode.OpGetField, Index: 1, ConstPoolID: 1},
			{Op: bytecode.OpAReturn, Index: 2},
		},
	}
	l := NewLowerer(m, nil)
	res, err := l.Lower()
	require.NoError(t, err)

	require.Len(t, res.Instrs, 4, "getfield must lower to a prepended NullCheck plus the FieldAccess itself")
	nc, ok := res.Instrs[1].(*ir.NullCheck)
	require.True(t, ok, "expected the getfield's receiver to be null-checked before the access")
	assert.Equal(t, 1, nc.BCIndex())
	_, ok = res.Instrs[2].(*ir.FieldAccess)
	assert.True(t, ok)
}

func TestLowerArrayLoadPrependsNullAndBoundsChecks(t *testing.T) {
	m := &bytecode.Method{
		MaxLocals: 2,
		MaxStack:  2,
		IsStatic:  true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpALoad, Index: 0, IntOperand: 0},
			{Op: bytecode.OpILoad, Index: 1, IntOperand: 1},
			{Op: bytecode.OpArrayLoad, Index: 2},
			{Op: bytecode.OpIReturn, Index: 3},
		},
	}
	l := NewLowerer(m, nil)
	res, err := l.Lower()
	require.NoError(t, err)

	var sawNull, sawBounds, sawAccess bool
	for _, in := range res.Instrs {
		if in.BCIndex() != 2 {
			continue
		}
		switch in.(type) {
		case *ir.NullCheck:
			sawNull = true
		case *ir.BoundsCheck:
			sawBounds = true
		case *ir.ArrayAccess:
			sawAccess = true
		}
	}
	assert.True(t, sawNull, "array access must null-check the array reference")
	assert.True(t, sawBounds, "array access must bounds-check the index")
	assert.True(t, sawAccess, "array access must still emit the access itself")
}

func TestLowerIDivSetsRestartPoint(t *testing.T) {
	m := &bytecode.Method{
		MaxLocals: 0,
		MaxStack:  2,
		IsStatic:  true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpIConst0, Index: 0},
			{Op: bytecode.OpIConst0, Index: 1},
			{Op: bytecode.OpIDiv, Index: 2},
			{Op: bytecode.OpIReturn, Index: 3},
		},
	}
	l := NewLowerer(m, nil)
	res, err := l.Lower()
	require.NoError(t, err)

	bop, ok := res.Instrs[2].(*ir.BinOp)
	require.True(t, ok)
	assert.Equal(t, 2, bop.Restart.BCIndex, "idiv must carry a restart point so stage2 can raise ArithmeticException instead of trapping")
}

func TestLowerInvokeVirtualAttachesInterfaceTableWatcher(t *testing.T) {
	m := &bytecode.Method{
		MaxLocals: 1,
		MaxStack:  1,
		IsStatic:  true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpALoad, Index: 0, IntOperand: 0},
			{Op: bytecode.OpInvokeVirtual, Index: 1, ConstPoolID: 42, ArgCount: 0},
			{Op: bytecode.OpReturn, Index: 2},
		},
	}
	l := NewLowerer(m, nil)
	res, err := l.Lower()
	require.NoError(t, err)

	var inv *ir.Invoke
	for _, in := range res.Instrs {
		if i, ok := in.(*ir.Invoke); ok {
			inv = i
		}
	}
	require.NotNil(t, inv)
	require.Len(t, inv.Attachments, 1)
	assert.Equal(t, ir.CondInterfaceTableChanged, inv.Attachments[0].Condition)
}

func TestUnrecognizedOpcodeFails(t *testing.T) {
	m := &bytecode.Method{
		MaxLocals: 1,
		MaxStack:  1,
		Instrs:    []bytecode.Instr{{Op: bytecode.Op(250), Index: 0}},
	}
	l := NewLowerer(m, nil)
	_, err := l.Lower()
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.BCIndex)
}
