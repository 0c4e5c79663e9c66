// Package manifest handles native.toml build configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file astc2native looks for.
const FileName = "native.toml"

// Manifest represents a native.toml build configuration.
type Manifest struct {
	Module  Module   `toml:"module"`
	Build   Build    `toml:"build"`
	VM      VM       `toml:"vm"`
	Output  Output   `toml:"output"`
	Exports []Export `toml:"exports"`

	// Dir is the directory containing the native.toml file (set at load time).
	Dir string `toml:"-"`
}

// Module contains module metadata.
type Module struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   uint32 `toml:"entry"`
}

// Build selects the compilation target and optimizer configuration.
type Build struct {
	Target   string `toml:"target"`
	Level    string `toml:"level"`
	Strategy string `toml:"strategy"`
}

// VM configures the interpreter behind the -run flag.
type VM struct {
	StackSize         int   `toml:"stack-size"`
	EnableModuleCalls *bool `toml:"enable-module-calls"`
	EnableDebug       bool  `toml:"enable-debug"`
}

// ModuleCallsEnabled resolves the optional enable-module-calls key;
// absent means enabled.
func (v VM) ModuleCallsEnabled() bool {
	return v.EnableModuleCalls == nil || *v.EnableModuleCalls
}

// Output configures side artifacts.
type Output struct {
	Report string `toml:"report"`
}

// Export declares an extra export-table entry for the native container.
type Export struct {
	Name   string `toml:"name"`
	Offset uint32 `toml:"offset"`
	Flags  uint32 `toml:"flags"`
}

// Load parses a native.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Module.Name == "" {
		m.Module.Name = filepath.Base(m.Dir)
	}
	if m.Build.Target == "" {
		m.Build.Target = "host"
	}
	if m.Build.Level == "" {
		m.Build.Level = "standard"
	}
	if m.Build.Strategy == "" {
		m.Build.Strategy = "balanced"
	}
	if m.VM.StackSize == 0 {
		m.VM.StackSize = 1024
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a native.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ReportPath returns the absolute path of the requested compile report,
// or "" when no report was configured.
func (m *Manifest) ReportPath() string {
	if m.Output.Report == "" {
		return ""
	}
	if filepath.IsAbs(m.Output.Report) {
		return m.Output.Report
	}
	return filepath.Join(m.Dir, m.Output.Report)
}
