package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a native.toml
	dir := t.TempDir()
	tomlContent := `
[module]
name = "demo"
version = "0.3.0"
entry = 24

[build]
target = "arm64"
level = "aggressive"
strategy = "speed"

[vm]
stack-size = 4096
enable-module-calls = false
enable-debug = true

[output]
report = "demo.report"

[[exports]]
name = "main"
offset = 0

[[exports]]
name = "helper"
offset = 64
flags = 1
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Module.Name != "demo" {
		t.Errorf("module name = %q, want demo", m.Module.Name)
	}
	if m.Module.Version != "0.3.0" {
		t.Errorf("module version = %q, want 0.3.0", m.Module.Version)
	}
	if m.Module.Entry != 24 {
		t.Errorf("module entry = %d, want 24", m.Module.Entry)
	}
	if m.Build.Target != "arm64" {
		t.Errorf("build target = %q, want arm64", m.Build.Target)
	}
	if m.Build.Level != "aggressive" {
		t.Errorf("build level = %q, want aggressive", m.Build.Level)
	}
	if m.Build.Strategy != "speed" {
		t.Errorf("build strategy = %q, want speed", m.Build.Strategy)
	}
	if m.VM.StackSize != 4096 {
		t.Errorf("vm stack-size = %d, want 4096", m.VM.StackSize)
	}
	if m.VM.ModuleCallsEnabled() {
		t.Error("vm module calls enabled, want disabled")
	}
	if !m.VM.EnableDebug {
		t.Error("vm enable-debug = false, want true")
	}
	if m.Output.Report != "demo.report" {
		t.Errorf("output report = %q, want demo.report", m.Output.Report)
	}
	if len(m.Exports) != 2 {
		t.Fatalf("exports count = %d, want 2", len(m.Exports))
	}
	if m.Exports[0].Name != "main" || m.Exports[0].Offset != 0 {
		t.Errorf("exports[0] = %+v, want main at 0", m.Exports[0])
	}
	if m.Exports[1].Name != "helper" || m.Exports[1].Offset != 64 || m.Exports[1].Flags != 1 {
		t.Errorf("exports[1] = %+v, want helper at 64 flags 1", m.Exports[1])
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[module]
version = "1.0.0"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// The module name defaults to the directory name
	if m.Module.Name != filepath.Base(m.Dir) {
		t.Errorf("default module name = %q, want %q", m.Module.Name, filepath.Base(m.Dir))
	}
	if m.Build.Target != "host" {
		t.Errorf("default build target = %q, want host", m.Build.Target)
	}
	if m.Build.Level != "standard" {
		t.Errorf("default build level = %q, want standard", m.Build.Level)
	}
	if m.Build.Strategy != "balanced" {
		t.Errorf("default build strategy = %q, want balanced", m.Build.Strategy)
	}
	if m.VM.StackSize != 1024 {
		t.Errorf("default vm stack-size = %d, want 1024", m.VM.StackSize)
	}
	if !m.VM.ModuleCallsEnabled() {
		t.Error("module calls should default to enabled")
	}
	if m.VM.EnableDebug {
		t.Error("enable-debug should default to false")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[module]
name = "found-module"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Module.Name != "found-module" {
		t.Errorf("module name = %q, want found-module", m.Module.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no native.toml exists")
	}
}

func TestReportPath(t *testing.T) {
	m := &Manifest{Dir: "/app"}
	if got := m.ReportPath(); got != "" {
		t.Errorf("ReportPath with no report = %q, want empty", got)
	}

	m.Output.Report = "out/build.report"
	if got := m.ReportPath(); got != "/app/out/build.report" {
		t.Errorf("ReportPath = %q, want /app/out/build.report", got)
	}

	m.Output.Report = "/tmp/abs.report"
	if got := m.ReportPath(); got != "/tmp/abs.report" {
		t.Errorf("ReportPath = %q, want /tmp/abs.report", got)
	}
}
