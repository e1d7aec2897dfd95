package inlinecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/jvmjit/internal/asm"
	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/coderegion"
	"github.com/wudi/jvmjit/internal/vmexit"
)

func buildMovImm(t *testing.T, reg byte, imm uint64) []byte {
	t.Helper()
	a := asm.New()
	a.MovRegImm64(reg, imm)
	return a.Finish()
}

func TestRegistryPatchOverwritesRecordedSite(t *testing.T) {
	region, err := coderegion.New(4096)
	require.NoError(t, err)
	defer region.Close()

	code := buildMovImm(t, 0, 0xAAAA)
	impl := classmodel.MethodImplementationID(1)
	_, err = region.Install(impl, code)
	require.NoError(t, err)

	registry := NewRegistry(impl, map[uint32]int{7: 2}, nil)
	lease := region.Lease()
	defer lease.Release()
	require.NoError(t, registry.Patch(lease, 7, 0xBEEF))
}

func TestRegistryPatchUnknownIDFails(t *testing.T) {
	region, err := coderegion.New(4096)
	require.NoError(t, err)
	defer region.Close()

	registry := NewRegistry(classmodel.MethodImplementationID(1), map[uint32]int{}, nil)
	lease := region.Lease()
	defer lease.Release()
	err = registry.Patch(lease, 99, 0)
	assert.Error(t, err)
}

func TestRegistryApplySkipOverwritesRecordedSite(t *testing.T) {
	region, err := coderegion.New(4096)
	require.NoError(t, err)
	defer region.Close()

	impl := classmodel.MethodImplementationID(1)
	_, err = region.Install(impl, make([]byte, 16))
	require.NoError(t, err)

	registry := NewRegistry(impl, nil, []SkipSite{
		{Kind: vmexit.KindInvokeVirtualResolve, ID: 3, Offset: 0, Length: 16},
	})
	lease := region.Lease()
	defer lease.Release()
	require.NoError(t, registry.ApplySkip(lease, 3))
}

func TestRegistryApplySkipUnknownIDFails(t *testing.T) {
	region, err := coderegion.New(4096)
	require.NoError(t, err)
	defer region.Close()

	registry := NewRegistry(classmodel.MethodImplementationID(1), nil, nil)
	lease := region.Lease()
	defer lease.Release()
	err = registry.ApplySkip(lease, 3)
	assert.Error(t, err)
}

func TestSkipOverwriteRejectsNonSkippableKind(t *testing.T) {
	s := SkipOverwrite{Kind: vmexit.KindNullPointerException, Length: 5}
	assert.Panics(t, func() { s.Apply(nil) })
}

func TestSkipOverwriteApplyPatchesInstalledSite(t *testing.T) {
	region, err := coderegion.New(4096)
	require.NoError(t, err)
	defer region.Close()

	impl := classmodel.MethodImplementationID(1)
	_, err = region.Install(impl, make([]byte, 16))
	require.NoError(t, err)

	s := SkipOverwrite{Kind: vmexit.KindInvokeVirtualResolve, Impl: impl, Offset: 0, Length: 16}
	lease := region.Lease()
	defer lease.Release()
	require.NoError(t, s.Apply(lease))
}
