// Package asm is a small x86-64 assembler: a growable byte buffer plus
// REX/ModRM-aware emit helpers for the instruction shapes stage2
// needs, a label table, and a jump-fixup pass. It generalizes the
// inlined emitByte/emitMov/emitAdd/emitJump helpers a template JIT
// typically hand-rolls into its single code generator into a
// standalone type any stage2 lowering rule can drive.
package asm

import "encoding/binary"

// Label is a forward or backward branch target: an index into the
// Assembler's label table, obtained from Assembler.NewLabel (the first
// label allocated is Label(0)).
type Label int

const noTarget = -1

type fixup struct {
	// pos is the byte offset of the rel32 field to patch.
	pos int
	// label is the target label.
	label Label
}

// Assembler accumulates machine code into a single contiguous buffer.
// Callers never see absolute addresses during emission; Bind records
// label positions and Finish patches every branch target in one pass
// at the end.
type Assembler struct {
	buf      []byte
	labels   []int // label -> byte offset, noTarget until Bind
	fixups   []fixup
	changeable []changeableSite
}

// changeableSite records where a 64-bit changeable-constant immediate
// was emitted, so internal/inlinecache can find it later by ID
// without re-disassembling.
type changeableSite struct {
	ID  uint32
	Pos int
}

// New returns an empty Assembler ready to emit into.
func New() *Assembler {
	return &Assembler{buf: make([]byte, 0, 256)}
}

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, noTarget)
	return Label(len(a.labels) - 1)
}

// Bind fixes a label to the current emission position.
func (a *Assembler) Bind(l Label) {
	a.labels[l] = len(a.buf)
}

// Pos is the current length of the emitted buffer, i.e. the offset
// the next emitted byte will land at.
func (a *Assembler) Pos() int { return len(a.buf) }

func (a *Assembler) emitByte(b byte) { a.buf = append(a.buf, b) }

func (a *Assembler) emitBytes(bs ...byte) { a.buf = append(a.buf, bs...) }

func (a *Assembler) emitU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	a.buf = append(a.buf, tmp[:]...)
}

func (a *Assembler) emitU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	a.buf = append(a.buf, tmp[:]...)
}

// rex builds a REX prefix byte. w selects 64-bit operand size; r/x/b
// are the extension bits for ModRM.reg, SIB.index and ModRM.rm/SIB.base
// respectively.
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 1 << 3
	}
	if r {
		v |= 1 << 2
	}
	if x {
		v |= 1 << 1
	}
	if b {
		v |= 1
	}
	return v
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

// MovRegImm64 emits `mov reg, imm64` (opcode 0xB8+r with a REX.W
// prefix), the one instruction shape a ChangeableConst patch targets:
// the 8 immediate bytes sit at a fixed displacement from the
// instruction's start so a later patch can overwrite them in place.
func (a *Assembler) MovRegImm64(reg byte, imm uint64) (immPos int) {
	a.emitByte(rex(true, false, false, reg >= 8))
	a.emitByte(0xB8 + reg&7)
	immPos = a.Pos()
	a.emitU64(imm)
	return immPos
}

// MovChangeableConst is MovRegImm64 plus bookkeeping so
// internal/inlinecache can locate the immediate by ID later.
func (a *Assembler) MovChangeableConst(reg byte, id uint32, initial uint64) {
	pos := a.MovRegImm64(reg, initial)
	a.changeable = append(a.changeable, changeableSite{ID: id, Pos: pos})
}

// ChangeableSites returns the recorded (ID -> byte offset) table built
// up by MovChangeableConst calls, for internal/inlinecache to consume
// once the buffer has been installed into a coderegion.Region.
func (a *Assembler) ChangeableSites() map[uint32]int {
	m := make(map[uint32]int, len(a.changeable))
	for _, s := range a.changeable {
		m[s.ID] = s.Pos
	}
	return m
}

// MovRegReg emits `mov dst, src` (64-bit).
func (a *Assembler) MovRegReg(dst, src byte) {
	a.emitByte(rex(true, src >= 8, false, dst >= 8))
	a.emitByte(0x89)
	a.emitByte(modrm(3, src, dst))
}

// MovRegMem emits `mov dst, [base+disp32]`.
func (a *Assembler) MovRegMem(dst, base byte, disp int32) {
	a.emitByte(rex(true, dst >= 8, false, base >= 8))
	a.emitByte(0x8B)
	a.emitByte(modrm(2, dst, base&7))
	if base&7 == 4 {
		a.emitByte(0x24) // SIB: no index, base = base
	}
	a.emitU32(uint32(disp))
}

// MovMemReg emits `mov [base+disp32], src`.
func (a *Assembler) MovMemReg(base byte, disp int32, src byte) {
	a.emitByte(rex(true, src >= 8, false, base >= 8))
	a.emitByte(0x89)
	a.emitByte(modrm(2, src, base&7))
	if base&7 == 4 {
		a.emitByte(0x24)
	}
	a.emitU32(uint32(disp))
}

// scaleBits encodes a SIB scale factor into its 2-bit field. Only
// 1/2/4/8 are valid x86-64 scales.
func scaleBits(scale byte) byte {
	switch scale {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		panic("asm: invalid SIB scale")
	}
}

// MovRegMemIndexed emits `mov dst, [base + index*scale + disp32]`,
// the scaled-index addressing form array element access needs and
// MovRegMem's plain [base+disp32] form can't express.
func (a *Assembler) MovRegMemIndexed(dst, base, index byte, scale byte, disp int32) {
	a.emitByte(rex(true, dst >= 8, index >= 8, base >= 8))
	a.emitByte(0x8B)
	a.emitByte(modrm(2, dst, 4)) // rm=4 forces a SIB byte
	a.emitByte(scaleBits(scale)<<6 | (index&7)<<3 | (base & 7))
	a.emitU32(uint32(disp))
}

// MovMemRegIndexed emits `mov [base + index*scale + disp32], src`.
func (a *Assembler) MovMemRegIndexed(base, index byte, scale byte, disp int32, src byte) {
	a.emitByte(rex(true, src >= 8, index >= 8, base >= 8))
	a.emitByte(0x89)
	a.emitByte(modrm(2, src, 4))
	a.emitByte(scaleBits(scale)<<6 | (index&7)<<3 | (base & 7))
	a.emitU32(uint32(disp))
}

// ArithOp selects the ALU operation for Arith.
type ArithOp byte

const (
	ArithAdd ArithOp = iota
	ArithSub
	ArithAnd
	ArithXor
	ArithCmp
)

var arithOpcode = map[ArithOp]byte{
	ArithAdd: 0x01, ArithSub: 0x29, ArithAnd: 0x21, ArithXor: 0x31, ArithCmp: 0x39,
}

// Arith emits `op dst, src` (64-bit, dst/src both registers).
func (a *Assembler) Arith(op ArithOp, dst, src byte) {
	a.emitByte(rex(true, src >= 8, false, dst >= 8))
	a.emitByte(arithOpcode[op])
	a.emitByte(modrm(3, src, dst))
}

// IMul emits `imul dst, src` (64-bit, two-operand form).
func (a *Assembler) IMul(dst, src byte) {
	a.emitByte(rex(true, dst >= 8, false, src >= 8))
	a.emitByte(0x0F)
	a.emitByte(0xAF)
	a.emitByte(modrm(3, dst, src))
}

// Cqo emits `cqo`, sign-extending RAX into RDX:RAX, required before
// idiv/irem because idiv takes its dividend from the fixed RDX:RAX
// register pair (spec.md §4.4).
func (a *Assembler) Cqo() {
	a.emitBytes(rex(true, false, false, false), 0x99)
}

// IDiv emits `idiv src` (64-bit): RDX:RAX / src -> quotient in RAX,
// remainder in RDX.
func (a *Assembler) IDiv(src byte) {
	a.emitByte(rex(true, false, false, src >= 8))
	a.emitByte(0xF7)
	a.emitByte(modrm(3, 7, src))
}

// Test emits `test a, b`.
func (a *Assembler) Test(x, y byte) {
	a.emitByte(rex(true, y >= 8, false, x >= 8))
	a.emitByte(0x85)
	a.emitByte(modrm(3, y, x))
}

// JumpCond selects the condition code for a conditional jump.
type JumpCond byte

const (
	JumpAlways JumpCond = iota
	JumpEq
	JumpNe
	JumpLt
	JumpGe
	JumpZero
	JumpNotZero
)

var jccOpcode = map[JumpCond]byte{
	JumpEq: 0x84, JumpNe: 0x85, JumpLt: 0x8C, JumpGe: 0x8D, JumpZero: 0x84, JumpNotZero: 0x85,
}

// Jump emits a near jump (rel32) to label, recording a fixup to patch
// once the label is bound.
func (a *Assembler) Jump(cond JumpCond, l Label) {
	if cond == JumpAlways {
		a.emitByte(0xE9)
	} else {
		a.emitByte(0x0F)
		a.emitByte(jccOpcode[cond])
	}
	a.fixups = append(a.fixups, fixup{pos: a.Pos(), label: l})
	a.emitU32(0) // placeholder, patched by Finish
}

// vex3 builds a 3-byte VEX prefix for a 256-bit (YMM) AVX2 instruction.
// vvvv is the extra source register encoded in the prefix (stored
// inverted); pass 0 for instructions that leave it unused (1111b).
func vex3(r, x, b bool, vvvv, mmmmm, pp byte) [3]byte {
	rBit, xBit, bBit := byte(1), byte(1), byte(1)
	if r {
		rBit = 0
	}
	if x {
		xBit = 0
	}
	if b {
		bBit = 0
	}
	return [3]byte{
		0xC4,
		rBit<<7 | xBit<<6 | bBit<<5 | mmmmm,
		(^vvvv&0xF)<<3 | 1<<2 | pp, // W=0, vvvv inverted, L=1 (256-bit), pp
	}
}

// VpxorY emits `vpxor ymmDst, ymmSrcA, ymmSrcB` (256-bit), the first
// half of the inheritance bit-path compare: XOR the object's bit-path
// against the target class's so any differing bit becomes nonzero.
func (a *Assembler) VpxorY(dst, srcA, srcB byte) {
	v := vex3(dst >= 8, false, srcB >= 8, srcA, 0x01, 0x01)
	a.emitBytes(v[0], v[1], v[2])
	a.emitByte(0xEF)
	a.emitByte(modrm(3, dst, srcB))
}

// VptestY emits `vptest ymmA, ymmB` (256-bit), the second half of the
// inheritance bit-path compare: ANDs the two operands and sets ZF/CF
// from the result so a single Jcc decides instanceof/checkcast.
func (a *Assembler) VptestY(x, y byte) {
	v := vex3(x >= 8, false, y >= 8, 0, 0x02, 0x01)
	a.emitBytes(v[0], v[1], v[2])
	a.emitByte(0x17)
	a.emitByte(modrm(3, x, y))
}

// JumpReg emits `jmp reg` (indirect near jump through a 64-bit
// register), the instruction switchcode's trampolines use to transfer
// control to a saved RIP without pushing a return address.
func (a *Assembler) JumpReg(reg byte) {
	if reg >= 8 {
		a.emitByte(rex(false, false, false, true))
	}
	a.emitByte(0xFF)
	a.emitByte(modrm(3, 4, reg))
}

// Int3 emits a debug breakpoint trap. No lowering rule emits it;
// Config.DebugMode does not add int3 padding.
func (a *Assembler) Int3() { a.emitByte(0xCC) }

// Nop emits n single-byte NOPs. Skippable-exit padding does not go
// through it: inlinecache.SkipOverwrite.Apply writes its NOP bytes
// directly into the installed code.
func (a *Assembler) Nop(n int) {
	for i := 0; i < n; i++ {
		a.emitByte(0x90)
	}
}

// Ret emits a near return.
func (a *Assembler) Ret() { a.emitByte(0xC3) }

// Finish patches every recorded jump fixup against its now-bound
// label and returns the final machine code buffer. Every label
// referenced by a Jump call must have been Bind-ed first; an unbound
// label is a stage2 contract violation and panics rather than
// producing silently wrong code.
func (a *Assembler) Finish() []byte {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target == noTarget {
			panic("asm: jump to unbound label")
		}
		rel := int32(target - (f.pos + 4))
		binary.LittleEndian.PutUint32(a.buf[f.pos:], uint32(rel))
	}
	return a.buf
}
