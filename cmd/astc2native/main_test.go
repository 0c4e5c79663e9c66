package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anvilvm/astc2native/manifest"
	"github.com/anvilvm/astc2native/pkg/astc"
	"github.com/anvilvm/astc2native/pkg/natv"
	"github.com/anvilvm/astc2native/vm"
	"github.com/anvilvm/astc2native/vm/report"
)

// ---------------------------------------------------------------------------
// Target resolution
// ---------------------------------------------------------------------------

func TestResolveArch(t *testing.T) {
	cases := []struct {
		in   string
		want vm.Arch
	}{
		{"x86_64", vm.ArchX8664},
		{"arm64", vm.ArchARM64},
		{"riscv64", vm.ArchRISCV64},
		{"wasm32", vm.ArchWASM32},
	}
	for _, tc := range cases {
		got, err := resolveArch(tc.in)
		if err != nil {
			t.Fatalf("resolveArch(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("resolveArch(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}

	if _, err := resolveArch("vax"); err == nil {
		t.Error("resolveArch(vax): expected error")
	}

	if vm.HostArch() != vm.ArchUnknown {
		if _, err := resolveArch("host"); err != nil {
			t.Errorf("resolveArch(host): %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// String recovery for printf
// ---------------------------------------------------------------------------

func TestStringAt(t *testing.T) {
	b := astc.NewBuilder()
	instr := b.EmitConstString("hi")
	code := b.Code()

	payload := uint32(instr) + 5
	s, err := stringAt(code, payload)
	if err != nil {
		t.Fatalf("stringAt: %v", err)
	}
	if s != "hi" {
		t.Errorf("stringAt = %q, want %q", s, "hi")
	}

	if _, err := stringAt(code, 2); err == nil {
		t.Error("offset below first payload: expected error")
	}
	if _, err := stringAt(code, 100); err == nil {
		t.Error("offset past code end: expected error")
	}
	if _, err := stringAt(code, uint32(len(code))); err == nil {
		t.Error("payload overrunning code: expected error")
	}
}

// ---------------------------------------------------------------------------
// Exit codes
// ---------------------------------------------------------------------------

func TestRunModuleExitCode(t *testing.T) {
	b := astc.NewBuilder()
	b.EmitConstI32(42)
	b.Emit(astc.OpHalt)
	m, err := astc.Decode(b.Serialize())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if code := runModule(m, nil); code != 42 {
		t.Errorf("exit code = %d, want 42", code)
	}
}

func TestRunModuleFaultExitsOne(t *testing.T) {
	b := astc.NewBuilder()
	b.Emit(astc.OpAdd) // pops an empty stack
	m, err := astc.Decode(b.Serialize())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if code := runModule(m, nil); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRunModulePrintf(t *testing.T) {
	b := astc.NewBuilder()
	b.EmitConstString("ok\n")
	b.EmitLibcCall(libcPrintf, 1)
	b.Emit(astc.OpHalt)
	m, err := astc.Decode(b.Serialize())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// printf returns the byte count, which becomes the exit status.
	if code := runModule(m, nil); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

// ---------------------------------------------------------------------------
// Compilation driver
// ---------------------------------------------------------------------------

func TestCompileModuleWritesOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out.native")
	reportPath := filepath.Join(dir, "out.report")

	oldTarget, oldReport := *target, *reportFile
	*target, *reportFile = "x86_64", reportPath
	defer func() { *target, *reportFile = oldTarget, oldReport }()

	b := astc.NewBuilder()
	b.EmitConstI32(10)
	b.EmitConstI32(20)
	b.Emit(astc.OpAdd)
	b.Emit(astc.OpReturn)
	data := b.Serialize()
	m, err := astc.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if code := compileModule(m, data, output, nil); code != 0 {
		t.Fatalf("compileModule exit code = %d", code)
	}

	encoded, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	nm, err := natv.Decode(encoded)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if nm.Architecture != uint32(vm.ArchX8664) {
		t.Errorf("Architecture = %d, want %d", nm.Architecture, vm.ArchX8664)
	}
	if len(nm.Code) == 0 {
		t.Error("no native code emitted")
	}
	if _, ok := nm.Lookup("main"); !ok {
		t.Error("main export missing")
	}
	if nm.Flags&natv.FlagOptimized == 0 {
		t.Error("FlagOptimized not set for the default level")
	}

	blob, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	rep, err := report.UnmarshalCompileReport(blob)
	if err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rep.Architecture != "x86_64" {
		t.Errorf("report arch = %q", rep.Architecture)
	}
	if rep.NativeBytes != len(nm.Code) {
		t.Errorf("report native bytes = %d, want %d", rep.NativeBytes, len(nm.Code))
	}
}

func TestEncodeContainerManifestExports(t *testing.T) {
	cm := &vm.CompiledModule{
		Arch:   vm.ArchX8664,
		Unit:   vm.NewOptimizationUnit(vm.OptNone, vm.StrategyBalanced),
		Native: []byte{0xC3},
		Exports: []vm.ExportSymbol{
			{Name: "main", Offset: 0, Size: 1},
		},
	}
	m := &astc.Module{Version: astc.Version, Data: []byte{0xAA}}
	mf := &manifest.Manifest{
		Exports: []manifest.Export{
			{Name: "main"}, // already exported by the backend
			{Name: "helper", Offset: 8},
		},
	}

	encoded, err := encodeContainer(cm, m, mf)
	if err != nil {
		t.Fatalf("encodeContainer: %v", err)
	}
	nm, err := natv.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(nm.Exports) != 2 {
		t.Fatalf("exports = %d, want 2", len(nm.Exports))
	}
	helper, ok := nm.Lookup("helper")
	if !ok {
		t.Fatal("helper export missing")
	}
	if helper.Offset != 8 || helper.Flags != natv.ExportFunction {
		t.Errorf("helper = %+v", helper)
	}
	if nm.Flags&natv.FlagOptimized != 0 {
		t.Error("FlagOptimized set for an unoptimized module")
	}
	if nm.Flags&natv.FlagRelocatable != 0 {
		t.Error("FlagRelocatable set with no pending relocations")
	}
}
