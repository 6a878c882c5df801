package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	eng, err := Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	if err != nil {
		t.Fatalf("Load of a missing file should not error: %v", err)
	}
	if eng.Blocks != DefaultBlocks || eng.MaxDataBytes != DefaultMaxDataBytes {
		t.Fatalf("got %+v, want defaults", eng)
	}
}

func TestLoadOverridesFromEngineSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.ini")
	contents := "[engine]\nblocks = 64\nmax_data_bytes = 32\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	eng, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if eng.Blocks != 64 || eng.MaxDataBytes != 32 {
		t.Fatalf("got %+v, want {64 32}", eng)
	}
	opts := eng.Options()
	if len(opts) != 2 {
		t.Fatalf("Options() = %d entries, want 2", len(opts))
	}
}
