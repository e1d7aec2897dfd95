// Package frame computes the static stack-frame layout for a compiled
// method: total frame size plus a (bytecode index, slot kind, slot
// number) → frame-pointer-relative offset map. Locals are index-stable
// across the whole method; operand-stack slots vary by program point,
// so the map is keyed per bytecode index rather than being a single
// flat table (spec.md §3).
package frame

import "fmt"

// SlotKind distinguishes a local-variable slot from an operand-stack
// slot. Both are addressed the same way once resolved: an offset from
// RBP.
type SlotKind byte

const (
	SlotLocal SlotKind = iota
	SlotStack
)

// Width is how many machine words a slot occupies. Longs and doubles
// take two JVM local-variable indices but one frame slot here; the
// frame builder is the single place that reconciles that.
type Width byte

const (
	Width32 Width = 1
	Width64 Width = 2
)

// PointerOffset is a signed byte offset from RBP at which a slot's
// value lives. Negative, growing downward, matching System V frame
// convention.
type PointerOffset int32

// key identifies one frame slot at one program point.
type key struct {
	BCIndex int
	Kind    SlotKind
	Slot    int
}

// Layout is the fully precomputed frame shape for one compiled method.
// Built once by stage1 before any code is emitted; stage2 only reads
// it.
type Layout struct {
	FrameSize int // total bytes to subtract from RSP on entry

	locals   map[int]PointerOffset // local slot index -> offset, index-stable
	perPoint map[key]PointerOffset // operand-stack slot at a given bc index -> offset
}

// Builder accumulates slot assignments while stage1 walks a method's
// bytecode, then freezes them into a Layout.
type Builder struct {
	maxLocals int
	maxStack  int
	locals    map[int]PointerOffset
	perPoint  map[key]PointerOffset
	nextStack PointerOffset
}

// NewBuilder starts a frame layout for a method with the given
// verified maxLocals/maxStack bounds (from bytecode.Method).
func NewBuilder(maxLocals, maxStack int) *Builder {
	b := &Builder{
		maxLocals: maxLocals,
		maxStack:  maxStack,
		locals:    make(map[int]PointerOffset, maxLocals),
		perPoint:  make(map[key]PointerOffset),
	}
	// Locals sit nearest RBP, one 8-byte slot per JVM local index
	// regardless of declared width; a long/double local simply
	// occupies its low index's slot and stage1 never emits a load
	// for its paired high index.
	for i := 0; i < maxLocals; i++ {
		b.locals[i] = PointerOffset(-8 * (i + 1))
	}
	b.nextStack = PointerOffset(-8 * (maxLocals + 1))
	return b
}

// StackSlot returns the frame offset for the operand-stack slot at
// depth `depth` (0 = bottom of stack) as observed at bytecode index
// bcIndex. Depth-to-offset assignment is stable within a single basic
// block; stage1 calls this once per instruction that touches the
// stack so different control-flow paths reusing the same depth share
// the same offset.
func (b *Builder) StackSlot(bcIndex, depth int) PointerOffset {
	k := key{BCIndex: bcIndex, Kind: SlotStack, Slot: depth}
	if off, ok := b.perPoint[k]; ok {
		return off
	}
	off := PointerOffset(-8 * (b.maxLocals + 1 + depth))
	b.perPoint[k] = off
	return off
}

// Local returns the frame offset for local variable index i.
func (b *Builder) Local(i int) PointerOffset {
	return b.locals[i]
}

// Build freezes the accumulated assignments into a Layout, sized to a
// 16-byte stack alignment boundary as the System V ABI requires at
// any call site.
func (b *Builder) Build() *Layout {
	size := 8 * (b.maxLocals + b.maxStack)
	if size%16 != 0 {
		size += 16 - size%16
	}
	locals := make(map[int]PointerOffset, len(b.locals))
	for k, v := range b.locals {
		locals[k] = v
	}
	perPoint := make(map[key]PointerOffset, len(b.perPoint))
	for k, v := range b.perPoint {
		perPoint[k] = v
	}
	return &Layout{FrameSize: size, locals: locals, perPoint: perPoint}
}

// Local returns the frame offset of local variable index i.
func (l *Layout) Local(i int) (PointerOffset, bool) {
	off, ok := l.locals[i]
	return off, ok
}

// Stack returns the frame offset of the operand-stack slot at depth
// as resolved at bcIndex.
func (l *Layout) Stack(bcIndex, depth int) (PointerOffset, bool) {
	off, ok := l.perPoint[key{BCIndex: bcIndex, Kind: SlotStack, Slot: depth}]
	return off, ok
}

func (o PointerOffset) String() string { return fmt.Sprintf("rbp%+d", int32(o)) }
