package vm

import "testing"

func TestArchString(t *testing.T) {
	cases := []struct {
		arch Arch
		want string
	}{
		{ArchUnknown, "unknown"},
		{ArchX8664, "x86_64"},
		{ArchARM64, "arm64"},
		{ArchX8632, "x86_32"},
		{ArchARM32, "arm32"},
		{ArchRISCV32, "riscv32"},
		{ArchRISCV64, "riscv64"},
		{ArchWASM32, "wasm32"},
	}
	for _, tc := range cases {
		if got := tc.arch.String(); got != tc.want {
			t.Errorf("Arch(%d).String() = %q, want %q", uint32(tc.arch), got, tc.want)
		}
	}
}

func TestParseArch(t *testing.T) {
	cases := []struct {
		name string
		want Arch
	}{
		{"x86_64", ArchX8664},
		{"amd64", ArchX8664},
		{"X64", ArchX8664},
		{"arm64", ArchARM64},
		{"aarch64", ArchARM64},
		{"i386", ArchX8632},
		{"riscv64", ArchRISCV64},
		{"wasm32", ArchWASM32},
		{"wasm", ArchWASM32},
	}
	for _, tc := range cases {
		got, err := ParseArch(tc.name)
		if err != nil {
			t.Errorf("ParseArch(%q) failed: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseArch(%q) = %s, want %s", tc.name, got, tc.want)
		}
	}

	if _, err := ParseArch("vax"); err == nil {
		t.Error("ParseArch(vax) should fail")
	}
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		src, dst Arch
		want     bool
	}{
		// Identity
		{ArchX8664, ArchX8664, true},
		{ArchARM64, ArchARM64, true},
		{ArchWASM32, ArchWASM32, true},
		{ArchUnknown, ArchUnknown, false},

		// 32-bit code runs on the matching 64-bit machine, never the reverse
		{ArchX8632, ArchX8664, true},
		{ArchX8664, ArchX8632, false},
		{ArchARM32, ArchARM64, true},
		{ArchARM64, ArchARM32, false},
		{ArchRISCV32, ArchRISCV64, true},
		{ArchRISCV64, ArchRISCV32, false},

		// Cross-family never works
		{ArchX8664, ArchARM64, false},
		{ArchARM64, ArchX8664, false},
		{ArchX8632, ArchARM64, false},
		{ArchRISCV64, ArchX8664, false},

		// wasm32 interoperates with nothing else, either direction
		{ArchWASM32, ArchX8664, false},
		{ArchX8664, ArchWASM32, false},
		{ArchWASM32, ArchARM64, false},
	}

	for _, tc := range cases {
		if got := Compatible(tc.src, tc.dst); got != tc.want {
			t.Errorf("Compatible(%s, %s) = %v, want %v", tc.src, tc.dst, got, tc.want)
		}
	}
}

func TestGetArchInfo(t *testing.T) {
	cases := []struct {
		arch      Arch
		wordSize  int
		registers int
		alignment int
		vector    bool
	}{
		{ArchX8664, 8, 16, 16, true},
		{ArchARM64, 8, 31, 16, true},
		{ArchRISCV64, 8, 32, 16, false},
		{ArchWASM32, 4, 0, 4, false},
	}

	for _, tc := range cases {
		info, ok := GetArchInfo(tc.arch)
		if !ok {
			t.Errorf("GetArchInfo(%s) missing", tc.arch)
			continue
		}
		if info.Arch != tc.arch || info.Name != tc.arch.String() {
			t.Errorf("%s: identity fields wrong: %+v", tc.arch, info)
		}
		if info.WordSize != tc.wordSize {
			t.Errorf("%s: word size = %d, want %d", tc.arch, info.WordSize, tc.wordSize)
		}
		if info.RegisterCount != tc.registers {
			t.Errorf("%s: registers = %d, want %d", tc.arch, info.RegisterCount, tc.registers)
		}
		if info.StackAlignment != tc.alignment {
			t.Errorf("%s: alignment = %d, want %d", tc.arch, info.StackAlignment, tc.alignment)
		}
		if !info.HasFPU {
			t.Errorf("%s: every supported target has an FPU", tc.arch)
		}
		if info.HasVector != tc.vector {
			t.Errorf("%s: vector = %v, want %v", tc.arch, info.HasVector, tc.vector)
		}
	}

	if _, ok := GetArchInfo(ArchARM32); ok {
		t.Error("arm32 has no code generator and should have no info record")
	}
	if _, ok := GetArchInfo(ArchUnknown); ok {
		t.Error("unknown should have no info record")
	}
}
