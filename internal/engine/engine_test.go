package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/jvmjit/internal/bytecode"
	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/config"
)

func voidReturnMethod() *bytecode.Method {
	return &bytecode.Method{
		Name:       "noop",
		Descriptor: "()V",
		MaxLocals:  0,
		MaxStack:   0,
		IsStatic:   true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpReturn, Index: 0},
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.CodeRegionSize = 1 << 16
	eng, err := New(cfg, classmodel.FakeFieldTable{})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestNewInstallsBothTrampolinesBeforeAnyMethod(t *testing.T) {
	eng := newTestEngine(t)
	stats := eng.RegionStats()
	assert.Equal(t, 2, stats.Implementations)
	assert.Equal(t, classmodel.MethodImplementationID(2), eng.nextImpl)
}

func TestCompileMethodInstallsCodeAndGrowsRegion(t *testing.T) {
	eng := newTestEngine(t)
	before := eng.RegionStats()

	resolved, err := eng.CompileMethod(1, voidReturnMethod())
	require.NoError(t, err)
	assert.NotZero(t, resolved.EntryAddress)
	assert.Equal(t, 0, resolved.FrameSize%16)

	after := eng.RegionStats()
	assert.Equal(t, before.Implementations+1, after.Implementations)
	assert.Greater(t, after.Used, before.Used)
}

func TestCompileRequiresARegisteredMethodBody(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.Compile(classmodel.MethodID(1))
	assert.Error(t, err, "Compile has no body to lower until RegisterMethod has recorded one")
}

func TestCompileCompilesARegisteredBody(t *testing.T) {
	eng := newTestEngine(t)
	eng.RegisterMethod(classmodel.MethodID(1), voidReturnMethod())

	cm, err := eng.Compile(classmodel.MethodID(1))
	require.NoError(t, err)
	assert.NotZero(t, cm.EntryAddress)
	assert.Equal(t, classmodel.MethodID(1), cm.MethodID)
}

func TestLaunchRoutesThroughResolverCache(t *testing.T) {
	eng := newTestEngine(t)

	session, err := eng.Launch(classmodel.MethodID(7), voidReturnMethod(), [15]uint64{})
	require.NoError(t, err)
	t.Cleanup(func() { session.Finish() })

	cm, err := eng.Resolver().Resolve(classmodel.MethodID(7))
	require.NoError(t, err)
	assert.NotZero(t, cm.EntryAddress, "Launch should have populated the resolver's cache, not just installed code")
}

func TestInlineCacheRegistryIsRecordedPerImplementation(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.CompileMethod(1, voidReturnMethod())
	require.NoError(t, err)

	_, ok := eng.InlineCache(classmodel.MethodImplementationID(2))
	assert.True(t, ok, "the first user method should install as impl #2, after both trampolines")

	_, ok = eng.InlineCache(classmodel.MethodImplementationID(99))
	assert.False(t, ok)
}
