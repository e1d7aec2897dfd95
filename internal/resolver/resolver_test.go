package resolver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/ir"
)

type countingCompiler struct {
	mu    sync.Mutex
	calls int
	watch []ir.Attachment
}

func (c *countingCompiler) Compile(method classmodel.MethodID) (CompiledMethod, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	return CompiledMethod{
		ResolvedMethod: classmodel.ResolvedMethod{MethodID: method, IRMethodID: classmodel.IRMethodID(n)},
		Attachments:    c.watch,
	}, nil
}

func TestResolveCompilesOnce(t *testing.T) {
	compiler := &countingCompiler{}
	table := New(compiler)

	cm1, err := table.Resolve(1)
	require.NoError(t, err)
	cm2, err := table.Resolve(1)
	require.NoError(t, err)

	assert.Equal(t, cm1.IRMethodID, cm2.IRMethodID)
	assert.Equal(t, 1, compiler.calls)
}

func TestNotifyInvalidatesWatchers(t *testing.T) {
	compiler := &countingCompiler{
		watch: []ir.Attachment{{Condition: ir.CondClassInitialized, Class: 7}},
	}
	table := New(compiler)

	_, err := table.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, 1, compiler.calls)

	invalidated := table.Notify(ir.CondClassInitialized, 7)
	assert.Equal(t, []classmodel.MethodID{1}, invalidated)

	_, err = table.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, 2, compiler.calls, "recompiled after its watched class initialized")
}

func TestRecordCallCrossesThreshold(t *testing.T) {
	table := New(&countingCompiler{})
	assert.False(t, table.RecordCall(1, 3))
	assert.False(t, table.RecordCall(1, 3))
	assert.True(t, table.RecordCall(1, 3))
	assert.Equal(t, uint64(3), table.CallCount(1))
}
