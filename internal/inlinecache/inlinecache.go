// Package inlinecache implements the two in-place code-patching
// mechanisms stage2-generated code relies on: ChangeableConst patches
// (overwrite a MOV's 64-bit immediate once a value it guessed at
// compile time is actually known) and skippable-exit self-overwrites
// (replace a one-time VM-exit call site with a jump-over once its
// side effect has already run once). Both always go through a
// coderegion.ModificationLease; neither ever relocates code.
package inlinecache

import (
	"fmt"

	"github.com/wudi/jvmjit/internal/asm"
	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/coderegion"
	"github.com/wudi/jvmjit/internal/vmexit"
)

// Site records where one ChangeableConst's 8-byte immediate lives
// within an installed implementation.
type Site struct {
	Impl   classmodel.MethodImplementationID
	Offset int // byte offset of the immediate within the implementation
}

// Registry maps ChangeableConst IDs to their patch sites, assembled
// once per compiled method from asm.Assembler.ChangeableSites and kept
// for the lifetime of that implementation.
type Registry struct {
	sites     map[uint32]Site
	skipSites map[vmexit.SkippableExitID]SkipOverwrite
}

// SkipSite is stage2's record of one skippable exit's call-out
// sequence, before the implementation it belongs to has an assigned
// classmodel.MethodImplementationID. NewRegistry attaches that ID to
// produce the SkipOverwrite the runtime actually applies.
type SkipSite struct {
	Kind   vmexit.Kind
	ID     vmexit.SkippableExitID
	Offset int
	Length int
}

// NewRegistry builds a Registry from one compiled method's recorded
// changeable-constant sites and skippable-exit sites.
func NewRegistry(impl classmodel.MethodImplementationID, sites map[uint32]int, skipSites []SkipSite) *Registry {
	r := &Registry{
		sites:     make(map[uint32]Site, len(sites)),
		skipSites: make(map[vmexit.SkippableExitID]SkipOverwrite, len(skipSites)),
	}
	for id, offset := range sites {
		r.sites[id] = Site{Impl: impl, Offset: offset}
	}
	for _, s := range skipSites {
		r.skipSites[s.ID] = SkipOverwrite{Kind: s.Kind, Impl: impl, Offset: s.Offset, Length: s.Length}
	}
	return r
}

// ApplySkip overwrites the recorded skippable exit's call-out sequence
// with a jump-over, under the given lease.
func (r *Registry) ApplySkip(lease *coderegion.ModificationLease, id vmexit.SkippableExitID) error {
	s, ok := r.skipSites[id]
	if !ok {
		return fmt.Errorf("inlinecache: unknown skippable exit %d", id)
	}
	return s.Apply(lease)
}

// Patch overwrites a previously recorded ChangeableConst's immediate
// with a new 64-bit value, under the given lease.
func (r *Registry) Patch(lease *coderegion.ModificationLease, id uint32, value uint64) error {
	site, ok := r.sites[id]
	if !ok {
		return fmt.Errorf("inlinecache: unknown changeable const %d", id)
	}
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}
	return lease.Patch(site.Impl, site.Offset, buf)
}

// EmitBitPathCompare emits the inheritance bit-path compare sequence
// (GLOSSARY): vpxor the object's 256-bit bit-path against the target
// class's, vptest the result, and let the caller's Jcc branch on ZF.
// objBitPath and targetBitPath are YMM registers already loaded with
// each side's bit-path; scratch is a third YMM clobbered as working
// space.
func EmitBitPathCompare(a *asm.Assembler, scratch, objBitPath, targetBitPath byte) {
	a.VpxorY(scratch, objBitPath, targetBitPath)
	a.VptestY(scratch, scratch)
}

// SkipOverwrite records where a skippable exit's call-out sequence
// begins and how long it runs, so it can be replaced with a jump past
// itself once its one-time side effect has completed (spec.md §5,
// GLOSSARY "skippable exit").
type SkipOverwrite struct {
	Kind   vmexit.Kind
	Impl   classmodel.MethodImplementationID
	Offset int
	Length int
}

// Apply overwrites the exit call-out sequence with a 5-byte `jmp rel32`
// whose zero displacement lands on the NOP padding that follows it;
// the NOPs fill the rest of Length (code is never relocated), so
// execution runs on past the end of the old sequence. Only valid for
// vmexit.Kind values with Skippable() true;
// anything else is a contract violation and panics, since stage2
// should never have recorded one otherwise.
func (s SkipOverwrite) Apply(lease *coderegion.ModificationLease) error {
	if !s.Kind.Skippable() {
		panic(fmt.Sprintf("inlinecache: %s is not a skippable exit", s.Kind))
	}
	a := asm.New()
	target := a.NewLabel()
	a.Jump(asm.JumpAlways, target)
	a.Bind(target)
	jumpCode := a.Finish()

	padded := make([]byte, s.Length)
	copy(padded, jumpCode)
	for i := len(jumpCode); i < s.Length; i++ {
		padded[i] = 0x90
	}
	return lease.Patch(s.Impl, s.Offset, padded)
}
