package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsStable(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1<<30, cfg.CodeRegionSize)
	assert.False(t, cfg.DebugMode)
	assert.Equal(t, uint64(10000), cfg.RecompileThreshold)
	assert.Equal(t, 1<<20, cfg.GuestStackSize)
}

func TestLoadOverridesOnlyFieldsPresentInFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jvmjit.toml")
	require.NoError(t, os.WriteFile(path, []byte("debug_mode = true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.DebugMode)
	assert.Equal(t, 1<<30, cfg.CodeRegionSize, "unset fields keep their default")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	assert.Error(t, err)
}
