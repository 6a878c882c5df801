// Package config loads the engine's sizing constants — block pool
// depth and the per-message data limit — from an INI
// file, the format the teacher uses for its own EDS configuration
// (gopkg.in/ini.v1). A missing file, section, or key is not an error:
// compiled-in defaults matching spec.md §6 apply.
package config

import (
	"github.com/sillysagiri/dsipc/pkg/ipc"
	"github.com/sillysagiri/dsipc/pkg/wire"
	"gopkg.in/ini.v1"
)

// Defaults mirror the reference sizing named in spec.md §6.
const (
	DefaultBlocks       = 256
	DefaultMaxDataBytes = wire.FifoMaxDataBytes
)

// Engine holds the sizing constants read from an "[engine]" section.
// NumChannels is deliberately absent: the wire format's 4-bit channel
// field fixes it at wire.NumChannels, so there is nothing to override.
type Engine struct {
	Blocks       int
	MaxDataBytes int
}

// Load reads path and returns the Engine section, falling back to
// compiled-in defaults for any key (or the whole file) that is
// missing. path may name a file that does not exist; that is treated
// the same as an empty file.
func Load(path string) (Engine, error) {
	eng := Engine{Blocks: DefaultBlocks, MaxDataBytes: DefaultMaxDataBytes}

	opts := ini.LoadOptions{Loose: true, Insensitive: true}
	cfg, err := ini.LoadSources(opts, path)
	if err != nil {
		return eng, err
	}

	sec := cfg.Section("engine")
	eng.Blocks = sec.Key("blocks").MustInt(DefaultBlocks)
	eng.MaxDataBytes = sec.Key("max_data_bytes").MustInt(DefaultMaxDataBytes)
	return eng, nil
}

// Options converts Engine into the ipc.Option list New expects.
func (e Engine) Options() []ipc.Option {
	return []ipc.Option{
		ipc.WithBlocks(e.Blocks),
		ipc.WithMaxDataBytes(e.MaxDataBytes),
	}
}
