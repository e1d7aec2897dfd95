package coderegion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/jvmjit/internal/classmodel"
)

func TestInstallThenAddressOfRoundTrips(t *testing.T) {
	r, err := New(4096)
	require.NoError(t, err)
	defer r.Close()

	addr, err := r.Install(classmodel.MethodImplementationID(1), []byte{0xC3})
	require.NoError(t, err)
	assert.NotZero(t, addr)

	got, ok := r.AddressOf(classmodel.MethodImplementationID(1))
	require.True(t, ok)
	assert.Equal(t, addr, got)
}

func TestAddressOfUnknownIDNotFound(t *testing.T) {
	r, err := New(4096)
	require.NoError(t, err)
	defer r.Close()

	_, ok := r.AddressOf(classmodel.MethodImplementationID(999))
	assert.False(t, ok)
}

func TestInstallRejectsOversizedCode(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Install(classmodel.MethodImplementationID(1), make([]byte, 16))
	assert.Error(t, err)
}

func TestLeasePatchOverwritesInstalledBytes(t *testing.T) {
	r, err := New(4096)
	require.NoError(t, err)
	defer r.Close()

	id := classmodel.MethodImplementationID(1)
	_, err = r.Install(id, []byte{0x90, 0x90, 0x90})
	require.NoError(t, err)

	lease := r.Lease()
	err = lease.Patch(id, 1, []byte{0xCC})
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, []byte{0x90, 0xCC, 0x90}, r.base[:3])

	stats := r.Stats()
	assert.Equal(t, 1, stats.Implementations)
	assert.Equal(t, 3, stats.Used)
}

func TestPatchOverruningImplementationFails(t *testing.T) {
	r, err := New(4096)
	require.NoError(t, err)
	defer r.Close()

	id := classmodel.MethodImplementationID(1)
	_, err = r.Install(id, []byte{0x90})
	require.NoError(t, err)

	lease := r.Lease()
	defer lease.Release()
	err = lease.Patch(id, 0, []byte{0xCC, 0xCC})
	assert.Error(t, err)
}
