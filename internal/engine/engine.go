// Package engine wires the core's packages into one running JIT: a
// code region, a switchcode trampoline pair, a resolver table, and
// the launch sessions the CLI drives. The CLI reaches compilation,
// installation and launching only through it (it still imports the
// bytecode, classmodel, config and vmexit data types directly),
// mirroring how a template JIT's top-level driver assembles its own
// memory/compiler/call-stack components into one object instead of
// leaving callers to wire each piece by hand.
package engine

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/wudi/jvmjit/internal/bytecode"
	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/coderegion"
	"github.com/wudi/jvmjit/internal/config"
	"github.com/wudi/jvmjit/internal/inlinecache"
	"github.com/wudi/jvmjit/internal/ir"
	"github.com/wudi/jvmjit/internal/launch"
	"github.com/wudi/jvmjit/internal/resolver"
	"github.com/wudi/jvmjit/internal/stage1"
	"github.com/wudi/jvmjit/internal/stage2"
	"github.com/wudi/jvmjit/internal/switchcode"
	"github.com/wudi/jvmjit/internal/vmexit"
)

// Engine is the process-wide JIT runtime: one code region, one
// trampoline pair, one resolver table. Safe for concurrent Resolve
// calls; launching and resuming a given Session is not concurrent
// with itself (internal/launch's contract).
type Engine struct {
	cfg    config.Config
	region *coderegion.Region
	switch_ *switchcode.Runtime
	switchEnterAddr uintptr
	switchExitAddr  uintptr
	resolver *resolver.Table
	fields   classmodel.FieldTable
	logger   *log.Logger

	mu         sync.Mutex // guards nextImpl and caches across concurrent compiles
	nextImpl   classmodel.MethodImplementationID
	caches     map[classmodel.MethodImplementationID]*inlinecache.Registry

	// methodBodies holds the decoded bytecode for every method
	// RegisterMethod has seen, so a later resolver.Compiler.Compile
	// call (triggered by Table.Resolve, possibly long after
	// RegisterMethod ran) still has a body to lower.
	methodBodies map[classmodel.MethodID]*bytecode.Method
}

// New builds an Engine: reserves the code region, installs the two
// trampolines as the first two entries in it, and prepares an empty
// resolver table.
func New(cfg config.Config, fields classmodel.FieldTable) (*Engine, error) {
	region, err := coderegion.New(cfg.CodeRegionSize)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	rt := switchcode.New()

	enterAddr, err := region.Install(0, rt.EnterCode)
	if err != nil {
		return nil, fmt.Errorf("engine: install enter trampoline: %w", err)
	}
	exitAddr, err := region.Install(1, rt.ExitCode)
	if err != nil {
		return nil, fmt.Errorf("engine: install exit trampoline: %w", err)
	}

	e := &Engine{
		cfg:             cfg,
		region:          region,
		switch_:         rt,
		switchEnterAddr: enterAddr,
		switchExitAddr:  exitAddr,
		fields:          fields,
		logger:          log.New(os.Stderr, "jvmjit: ", 0),
		nextImpl:        2,
		caches:          make(map[classmodel.MethodImplementationID]*inlinecache.Registry),
		methodBodies:    make(map[classmodel.MethodID]*bytecode.Method),
	}
	e.resolver = resolver.New(e)
	return e, nil
}

// RegisterMethod records a method's decoded bytecode body so a later
// Compile call (including one triggered indirectly through
// e.resolver.Resolve, possibly after a recompile Notify) can find it
// again without the caller threading the body through the resolver.
func (e *Engine) RegisterMethod(id classmodel.MethodID, method *bytecode.Method) {
	e.methodBodies[id] = method
}

// Compile implements resolver.Compiler: looks up a method body
// RegisterMethod has already recorded, then runs stage1/stage2 over
// it exactly as CompileMethod does. Table.Resolve is the only caller
// that matters in production (the CLI goes through Launch, which
// resolves through it); CompileMethod's direct path stays for callers
// (the tests) that already hold the body in hand.
func (e *Engine) Compile(id classmodel.MethodID) (resolver.CompiledMethod, error) {
	method, ok := e.methodBodies[id]
	if !ok {
		return resolver.CompiledMethod{}, fmt.Errorf("engine: no registered body for %v; call RegisterMethod first", id)
	}
	resolved, attachments, err := e.lowerAndInstall(id, method)
	if err != nil {
		return resolver.CompiledMethod{}, err
	}
	return resolver.CompiledMethod{ResolvedMethod: resolved, Attachments: attachments}, nil
}

// CompileMethod lowers one already-decoded bytecode.Method through
// stage1 and stage2 and installs the result, returning the address
// and frame size the resolver/launch packages need. Also registers
// the body, so a subsequent recompile triggered through the resolver
// (e.g. after Notify invalidates this generation) has something to
// compile against.
func (e *Engine) CompileMethod(id classmodel.MethodID, method *bytecode.Method) (classmodel.ResolvedMethod, error) {
	e.RegisterMethod(id, method)
	resolved, _, err := e.lowerAndInstall(id, method)
	return resolved, err
}

// lowerAndInstall is the shared stage1/stage2/install path behind
// both Compile and CompileMethod.
func (e *Engine) lowerAndInstall(id classmodel.MethodID, method *bytecode.Method) (classmodel.ResolvedMethod, []ir.Attachment, error) {
	l1 := stage1.NewLowerer(method, e.fields)
	res, err := l1.Lower()
	if err != nil {
		return classmodel.ResolvedMethod{}, nil, fmt.Errorf("engine: stage1: %w", err)
	}

	l2 := stage2.NewLowerer(res.Frame, stage2.ExitTarget{Address: e.switchExitAddr})
	code, sites, skipSites, err := l2.Lower(res.Instrs)
	if err != nil {
		return classmodel.ResolvedMethod{}, nil, fmt.Errorf("engine: stage2: %w", err)
	}

	e.mu.Lock()
	impl := e.nextImpl
	e.nextImpl++
	addr, err := e.region.Install(impl, code)
	if err != nil {
		e.mu.Unlock()
		return classmodel.ResolvedMethod{}, nil, fmt.Errorf("engine: install: %w", err)
	}
	e.caches[impl] = inlinecache.NewRegistry(impl, sites, skipSites)
	e.mu.Unlock()

	if e.cfg.DebugMode {
		e.logger.Printf("compiled %v: %d bytes at 0x%x (impl %s)", id, len(code), addr, impl)
	}

	var attachments []ir.Attachment
	for _, in := range res.Instrs {
		if inv, ok := in.(*ir.Invoke); ok {
			attachments = append(attachments, inv.Attachments...)
		}
	}

	return classmodel.ResolvedMethod{
		MethodID:     id,
		EntryAddress: addr,
		FrameSize:    res.Frame.FrameSize,
	}, attachments, nil
}

// Launch registers a method's body, resolves it through the resolver
// table (compiling it on first use, reusing the cached generation
// thereafter), and starts a launch.Session at its entry point.
func (e *Engine) Launch(id classmodel.MethodID, method *bytecode.Method, args [15]uint64) (*launch.Session, error) {
	e.RegisterMethod(id, method)
	resolved, err := e.resolver.Resolve(id)
	if err != nil {
		return nil, err
	}
	return launch.LaunchVM(e.switchEnterAddr, e.switchExitAddr, resolved.EntryAddress, args)
}

// Resolver exposes the engine's resolver table (its call counts and
// recompile watchers) to callers outside the engine.
func (e *Engine) Resolver() *resolver.Table { return e.resolver }

// InlineCache returns the changeable-constant registry recorded for a
// compiled implementation, so resolver.Table watchers or a VM-exit
// handler can patch a now-known value into place.
func (e *Engine) InlineCache(impl classmodel.MethodImplementationID) (*inlinecache.Registry, bool) {
	r, ok := e.caches[impl]
	return r, ok
}

// PatchInlineCache overwrites one ChangeableConst's immediate under a
// fresh lease on the engine's code region.
func (e *Engine) PatchInlineCache(impl classmodel.MethodImplementationID, id uint32, value uint64) error {
	registry, ok := e.caches[impl]
	if !ok {
		return fmt.Errorf("engine: no inline cache registry for %s", impl)
	}
	lease := e.region.Lease()
	defer lease.Release()
	return registry.Patch(lease, id, value)
}

// ApplySkip overwrites one skippable VM-exit call site with a
// jump-over under a fresh lease, once the runtime has handled it and
// knows its one-time side effect need not run again.
func (e *Engine) ApplySkip(impl classmodel.MethodImplementationID, id vmexit.SkippableExitID) error {
	registry, ok := e.caches[impl]
	if !ok {
		return fmt.Errorf("engine: no inline cache registry for %s", impl)
	}
	lease := e.region.Lease()
	defer lease.Release()
	return registry.ApplySkip(lease, id)
}

// RegionStats exposes code-region occupancy for diagnostics.
func (e *Engine) RegionStats() coderegion.Stats { return e.region.Stats() }

// Close releases the engine's code region.
func (e *Engine) Close() error { return e.region.Close() }
