// Package config loads engine configuration from a TOML file,
// following the same small typed-struct-plus-defaults pattern most of
// the corpus's config loaders use: a Config struct with struct tags,
// a DefaultConfig constructor, and a Load that decodes a file over
// those defaults rather than requiring every field to be present.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config controls engine-wide behavior that isn't a per-compile
// decision: code region sizing, debug instrumentation, and the
// recompilation threshold.
type Config struct {
	// CodeRegionSize is the size, in bytes, of the single executable
	// mapping internal/coderegion reserves at startup.
	CodeRegionSize int `toml:"code_region_size"`

	// DebugMode turns on internal/engine's per-compile log line. It
	// does not add int3 padding or any other code to compiled methods.
	DebugMode bool `toml:"debug_mode"`

	// RecompileThreshold is the call count at which a compiled method
	// counts as hot. The engine does not read it; resolver.RecordCall
	// takes its threshold as an argument from its caller.
	RecompileThreshold uint64 `toml:"recompile_threshold"`

	// GuestStackSize is the intended size, in bytes, of a launched
	// session's guest stack. internal/launch does not read it and maps
	// a fixed 1 MiB stack.
	GuestStackSize int `toml:"guest_stack_size"`
}

// DefaultConfig returns the configuration the engine runs with when
// no config file is given.
func DefaultConfig() Config {
	return Config{
		CodeRegionSize:      1 << 30,
		DebugMode:           false,
		RecompileThreshold:  10000,
		GuestStackSize:      1 << 20,
	}
}

// Load decodes a TOML file over DefaultConfig's values: fields absent
// from the file keep their default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
