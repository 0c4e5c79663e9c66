package vm

import (
	"fmt"
	"runtime"
	"strings"
)

// Arch identifies a target instruction set. The numeric values are part of
// the NATV loader contract and never change.
type Arch uint32

const (
	ArchUnknown Arch = 0
	ArchX8664   Arch = 1
	ArchARM64   Arch = 2
	ArchX8632   Arch = 3
	ArchARM32   Arch = 4
	ArchRISCV32 Arch = 5
	ArchRISCV64 Arch = 6
	ArchWASM32  Arch = 9
)

var archNames = map[Arch]string{
	ArchUnknown: "unknown",
	ArchX8664:   "x86_64",
	ArchARM64:   "arm64",
	ArchX8632:   "x86_32",
	ArchARM32:   "arm32",
	ArchRISCV32: "riscv32",
	ArchRISCV64: "riscv64",
	ArchWASM32:  "wasm32",
}

// String returns the canonical lower-case architecture name.
func (a Arch) String() string {
	if name, ok := archNames[a]; ok {
		return name
	}
	return fmt.Sprintf("arch(%d)", uint32(a))
}

// ParseArch resolves an architecture name. Accepts the canonical names plus
// the usual aliases (amd64, aarch64, x64, i386).
func ParseArch(name string) (Arch, error) {
	switch strings.ToLower(name) {
	case "x86_64", "amd64", "x64":
		return ArchX8664, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "x86_32", "x86", "i386", "386":
		return ArchX8632, nil
	case "arm32", "arm":
		return ArchARM32, nil
	case "riscv32":
		return ArchRISCV32, nil
	case "riscv64", "riscv":
		return ArchRISCV64, nil
	case "wasm32", "wasm":
		return ArchWASM32, nil
	}
	return ArchUnknown, fmt.Errorf("unknown architecture %q", name)
}

// HostArch returns the architecture of the running process, or ArchUnknown
// for hosts outside the supported set.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return ArchX8664
	case "arm64":
		return ArchARM64
	case "386":
		return ArchX8632
	case "arm":
		return ArchARM32
	case "riscv64":
		return ArchRISCV64
	case "wasm":
		return ArchWASM32
	}
	return ArchUnknown
}

// widened maps each 32-bit architecture to its 64-bit counterpart.
// wasm32 is deliberately absent: its module format is self-contained and
// interoperates with nothing else.
var widened = map[Arch]Arch{
	ArchX8632:   ArchX8664,
	ArchARM32:   ArchARM64,
	ArchRISCV32: ArchRISCV64,
}

// Compatible reports whether code targeted at src can run on a dst
// machine. The rules are fixed and asymmetric: an architecture is
// compatible with itself, and a 32-bit architecture is compatible with its
// own 64-bit counterpart in the widen direction only. Everything
// cross-family, and anything involving wasm32 other than wasm32 itself,
// is incompatible.
func Compatible(src, dst Arch) bool {
	if src == dst {
		return src != ArchUnknown
	}
	return widened[src] == dst
}

// ArchInfo is the read-only descriptive record for one supported
// architecture.
type ArchInfo struct {
	Arch           Arch
	Name           string
	WordSize       int // bytes
	RegisterCount  int
	StackAlignment int // bytes
	HasFPU         bool
	HasVector      bool
}

var archInfoTable = map[Arch]ArchInfo{
	ArchX8664: {
		Arch: ArchX8664, Name: "x86_64",
		WordSize: 8, RegisterCount: 16, StackAlignment: 16,
		HasFPU: true, HasVector: true,
	},
	ArchARM64: {
		Arch: ArchARM64, Name: "arm64",
		WordSize: 8, RegisterCount: 31, StackAlignment: 16,
		HasFPU: true, HasVector: true,
	},
	ArchRISCV64: {
		Arch: ArchRISCV64, Name: "riscv64",
		WordSize: 8, RegisterCount: 32, StackAlignment: 16,
		HasFPU: true, HasVector: false,
	},
	ArchWASM32: {
		Arch: ArchWASM32, Name: "wasm32",
		WordSize: 4, RegisterCount: 0, StackAlignment: 4,
		HasFPU: true, HasVector: false,
	},
}

// GetArchInfo returns the descriptive record for an architecture with a
// code generator in this runtime.
func GetArchInfo(a Arch) (ArchInfo, bool) {
	info, ok := archInfoTable[a]
	return info, ok
}
