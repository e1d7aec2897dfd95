// Package resolver tracks which methods are compiled, to what
// IRMethodID generation, and which recompile conditions are currently
// watching each one. It is the runtime-side counterpart of
// ir.Attachment: when a class finishes initializing or a method
// finishes compiling, Notify walks the watchers and schedules
// recompilation instead of silently invalidating anything in place.
//
// The compile-and-cache half (double-checked locking around
// compiling a method body the first time) and the call-count/hotspot
// half (deciding when a method is hot enough to recompile with better
// assumptions) are both modeled on the same "cache + counters behind
// a mutex" shape a template JIT's function-level compiler typically
// uses; here they drive recompilation scheduling rather than
// first-time compilation.
package resolver

import (
	"sync"

	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/ir"
)

// CompiledMethod is what the resolver caches per MethodID: the
// current generation's identity and where its code lives.
type CompiledMethod struct {
	classmodel.ResolvedMethod
	Attachments []ir.Attachment
}

// Compiler is the callback the resolver invokes to produce a new
// generation of a method. internal/engine supplies the real
// stage1+stage2 pipeline; tests supply a fake.
type Compiler interface {
	Compile(method classmodel.MethodID) (CompiledMethod, error)
}

// Table is the resolver's cache: one entry per method that has ever
// been compiled, plus reverse indexes from each recompile condition
// to the methods watching it.
type Table struct {
	mu sync.Mutex

	compiled map[classmodel.MethodID]CompiledMethod
	compiling map[classmodel.MethodID]*sync.WaitGroup

	watchersByClass     map[ir.RecompileCondition]map[classmodel.ClassID][]classmodel.MethodID
	callCounts          map[classmodel.MethodID]uint64
	compiler            Compiler
}

// New returns an empty resolver table backed by the given compiler.
func New(compiler Compiler) *Table {
	return &Table{
		compiled:        make(map[classmodel.MethodID]CompiledMethod),
		compiling:       make(map[classmodel.MethodID]*sync.WaitGroup),
		watchersByClass: make(map[ir.RecompileCondition]map[classmodel.ClassID][]classmodel.MethodID),
		callCounts:      make(map[classmodel.MethodID]uint64),
		compiler:        compiler,
	}
}

// Resolve returns the current compiled generation of a method,
// compiling it for the first time if necessary. Double-checked
// locking: a second caller racing the first compile waits on the same
// in-flight WaitGroup rather than compiling twice.
func (t *Table) Resolve(method classmodel.MethodID) (CompiledMethod, error) {
	t.mu.Lock()
	if cm, ok := t.compiled[method]; ok {
		t.mu.Unlock()
		return cm, nil
	}
	if wg, inFlight := t.compiling[method]; inFlight {
		t.mu.Unlock()
		wg.Wait()
		t.mu.Lock()
		cm := t.compiled[method]
		t.mu.Unlock()
		return cm, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	t.compiling[method] = wg
	t.mu.Unlock()

	cm, err := t.compiler.Compile(method)

	t.mu.Lock()
	delete(t.compiling, method)
	if err == nil {
		t.compiled[method] = cm
		t.registerWatchers(method, cm.Attachments)
	}
	wg.Done()
	t.mu.Unlock()
	return cm, err
}

func (t *Table) registerWatchers(method classmodel.MethodID, attachments []ir.Attachment) {
	for _, a := range attachments {
		byClass, ok := t.watchersByClass[a.Condition]
		if !ok {
			byClass = make(map[classmodel.ClassID][]classmodel.MethodID)
			t.watchersByClass[a.Condition] = byClass
		}
		byClass[a.Class] = append(byClass[a.Class], method)
	}
}

// Notify is called by the runtime whenever a fact one of
// ir.RecompileCondition watches has changed — a class finished
// initializing, an interface's table gained an implementor, and so
// on. Every method that attached a watcher for that (condition,
// class) pair is dropped from the cache so the next Resolve call
// recompiles it with fresh assumptions.
func (t *Table) Notify(cond ir.RecompileCondition, class classmodel.ClassID) []classmodel.MethodID {
	t.mu.Lock()
	defer t.mu.Unlock()
	byClass, ok := t.watchersByClass[cond]
	if !ok {
		return nil
	}
	methods := byClass[class]
	for _, m := range methods {
		delete(t.compiled, m)
	}
	delete(byClass, class)
	return methods
}

// RecordCall increments a method's call counter and reports whether it
// just crossed the recompilation threshold, mirroring a hotspot
// detector's per-function sample count used to decide when a method
// is worth a second, better-informed compile.
func (t *Table) RecordCall(method classmodel.MethodID, threshold uint64) (justCrossed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callCounts[method]++
	return t.callCounts[method] == threshold
}

// CallCount reports a method's current call count as recorded by
// RecordCall.
func (t *Table) CallCount(method classmodel.MethodID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callCounts[method]
}
