// Package classmodel defines the thin interfaces spec.md §6 lists as
// "interfaces the core consumes from collaborators" — the class
// loader/verifier, allocator, method table and field table — plus the
// two identifiers that outlive any one compilation: MethodImplementationID
// and IRMethodID (spec.md §3).
//
// Nothing here implements a real class loader or allocator; that is
// explicitly out of the core's scope. Production wiring supplies its
// own implementation of these interfaces. A small in-memory fake
// (FakeRuntime) is provided for tests and the cmd/jvmjit demo.
package classmodel

import "fmt"

// MethodImplementationID names one compiled body. Allocated when code
// is installed into the code region; never reused or freed for the
// life of the process (spec.md §3).
type MethodImplementationID uint32

// IRMethodID identifies one *version* of a compiled method. Changes on
// every recompilation; stale generations are retained because older
// frames may still return into them (spec.md §3).
type IRMethodID uint32

// ClassID names a loaded (or not-yet-loaded) class.
type ClassID uint32

// MethodID names a (class, method-name, descriptor) triple, independent
// of whether it has been compiled yet.
type MethodID uint32

// FieldType is the JVM type of a field slot, used to size loads/stores.
type FieldType byte

const (
	FieldInt FieldType = iota
	FieldLong
	FieldFloat
	FieldDouble
	FieldRef
	FieldBool
	FieldByte
	FieldChar
	FieldShort
)

// FieldInfo is what the field table resolves a (class, field-name) to.
type FieldInfo struct {
	Slot int
	Type FieldType
}

// ArrayLengthOffset is the byte displacement of an array's length
// field relative to the pointer generated code uses to address it:
// an array reference points directly at its element data, and the
// length is stored immediately before that, at a negative offset.
// Both stage1's arraylength lowering and stage2's BoundsCheck lowering
// use this same constant so the two halves of one array access stay
// consistent.
const ArrayLengthOffset int32 = -8

// RuntimeClass is the view of a loaded class the core needs: enough to
// find its parent for inheritance-bit-path construction and to look
// up fields by name.
type RuntimeClass struct {
	ID     ClassID
	Name   string
	Parent ClassID // 0 (no parent) for java.lang.Object
	// BitPath is the 256-bit inheritance encoding (GLOSSARY); computed
	// once when the class finishes initializing.
	BitPath [32]byte
	BitLen  byte
}

// ClassLoader is the class loader / verifier collaborator (spec.md §6).
// Opaque from the core's point of view: the core never parses a
// classfile, only asks these three questions.
type ClassLoader interface {
	LoadClass(id ClassID) (*RuntimeClass, error)
	IsInited(id ClassID) bool
	InitClass(id ClassID) error
}

// Allocator is the heap allocator collaborator (spec.md §6, §4.6).
// RegionHeaderFor returns a pointer generated code can bit-mask against
// to recover region headers in O(1); SlowAllocate is the VM-exit
// fallback target when a region's fast-path counter is exhausted.
type Allocator interface {
	RegionHeaderFor(class ClassID) (uintptr, error)
	SlowAllocate(class ClassID) (uintptr, error)
}

// MethodTable is the (class, method-index) ↔ method_id collaborator.
type MethodTable interface {
	Lookup(class ClassID, methodIndex int) (MethodID, bool)
	Inverse(id MethodID) (class ClassID, methodIndex int, ok bool)
	IsNative(id MethodID) bool
}

// FieldTable is the analogous collaborator for fields.
type FieldTable interface {
	Lookup(class ClassID, name string) (FieldInfo, bool)
}

// ResolvedMethod is what the method resolver (internal/resolver) hands
// back for a non-native, already-compiled method (spec.md §4.7).
type ResolvedMethod struct {
	MethodID     MethodID
	IRMethodID   IRMethodID
	EntryAddress uintptr
	FrameSize    int
}

func (id MethodImplementationID) String() string { return fmt.Sprintf("impl#%d", uint32(id)) }
func (id IRMethodID) String() string             { return fmt.Sprintf("ir#%d", uint32(id)) }

// FakeRuntime is a minimal in-memory ClassLoader/Allocator/MethodTable,
// enough to stand up an Engine in tests and the cmd/jvmjit demo without
// a real class loader. Every lookup that isn't explicitly registered
// reports "not found" rather than panicking.
type FakeRuntime struct {
	Classes map[ClassID]*RuntimeClass
	Inited  map[ClassID]bool
	Methods map[ClassID]map[int]MethodID
}

// NewFakeRuntime returns a FakeRuntime with every map allocated.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Classes: make(map[ClassID]*RuntimeClass),
		Inited:  make(map[ClassID]bool),
		Methods: make(map[ClassID]map[int]MethodID),
	}
}

func (f *FakeRuntime) LoadClass(id ClassID) (*RuntimeClass, error) {
	c, ok := f.Classes[id]
	if !ok {
		return nil, fmt.Errorf("classmodel: fake runtime has no class %d", id)
	}
	return c, nil
}

func (f *FakeRuntime) IsInited(id ClassID) bool { return f.Inited[id] }

func (f *FakeRuntime) InitClass(id ClassID) error {
	f.Inited[id] = true
	return nil
}

func (f *FakeRuntime) RegionHeaderFor(class ClassID) (uintptr, error) {
	return 0, fmt.Errorf("classmodel: fake runtime has no fast-path region for class %d", class)
}

func (f *FakeRuntime) SlowAllocate(class ClassID) (uintptr, error) {
	return 0, fmt.Errorf("classmodel: fake runtime cannot allocate class %d", class)
}

func (f *FakeRuntime) Lookup(class ClassID, methodIndex int) (MethodID, bool) {
	id, ok := f.Methods[class][methodIndex]
	return id, ok
}

func (f *FakeRuntime) Inverse(id MethodID) (ClassID, int, bool) {
	for class, byIndex := range f.Methods {
		for idx, m := range byIndex {
			if m == id {
				return class, idx, true
			}
		}
	}
	return 0, 0, false
}

func (f *FakeRuntime) IsNative(id MethodID) bool { return false }

// FakeFieldTable is a FieldTable backed by a plain nested map. Kept
// separate from FakeRuntime because FieldTable's Lookup(class, name)
// and MethodTable's Lookup(class, methodIndex) can't both be named
// Lookup on the same Go type.
type FakeFieldTable map[ClassID]map[string]FieldInfo

func (t FakeFieldTable) Lookup(class ClassID, name string) (FieldInfo, bool) {
	info, ok := t[class][name]
	return info, ok
}
