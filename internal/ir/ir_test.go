package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseCarriesBCIndex(t *testing.T) {
	m := &Move{Base: Base{Index: 7}}
	assert.Equal(t, 7, m.BCIndex())

	var instr Instr = m
	assert.Equal(t, 7, instr.BCIndex())
}

func TestBinOpKindString(t *testing.T) {
	assert.Equal(t, "add", OpAdd.String())
	assert.Equal(t, "rem", OpRem.String())
	assert.Equal(t, "binop(?)", BinOpKind(99).String())
}

func TestErrUnsupportedCopyRegisterIsStable(t *testing.T) {
	assert.EqualError(t, ErrUnsupportedCopyRegister, "ir: CopyRegister has no reachable construction path")
}
