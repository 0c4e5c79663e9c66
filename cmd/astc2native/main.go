// astc2native - ASTC bytecode to native code compiler
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tliron/commonlog"

	"github.com/anvilvm/astc2native/manifest"
	"github.com/anvilvm/astc2native/pkg/astc"
	"github.com/anvilvm/astc2native/pkg/natv"
	"github.com/anvilvm/astc2native/vm"
	"github.com/anvilvm/astc2native/vm/report"

	_ "github.com/tliron/commonlog/simple"
)

var (
	target     = flag.String("target", "", `target architecture (x86_64, arm64, riscv64, wasm32, or "host")`)
	optLevel   = flag.String("O", "", "optimization level: none, basic, standard, aggressive, extreme")
	strategy   = flag.String("strategy", "", "optimization strategy: size, speed, balanced, power, debug")
	runVM      = flag.Bool("run", false, "interpret the module and use its result as the exit status")
	showAsm    = flag.Bool("S", false, "print bytecode disassembly instead of compiling")
	reportFile = flag.String("report", "", "write a CBOR compile report to this file")
	stackSize  = flag.Int("stack", 0, "operand stack slots for -run (0 = default)")
	version    = flag.Bool("version", false, "print version and exit")
)

// countFlag counts repeated occurrences, so -v -v means verbosity 2.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) Set(string) error { *c++; return nil }
func (c *countFlag) IsBoolFlag() bool { return true }

var verbosity countFlag

const versionStr = "0.1.0"

// Module-call function IDs serviced by the -run interpreter.
const (
	libcPrintf uint16 = 0x0030
	libcMalloc uint16 = 0x0031
	libcFree   uint16 = 0x0032
)

func main() {
	flag.Var(&verbosity, "v", "increase log verbosity (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "astc2native - ASTC bytecode to native code compiler\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  astc2native [options] <input.astc> <output.native>\n")
		fmt.Fprintf(os.Stderr, "  astc2native -run [options] <input.astc>\n")
		fmt.Fprintf(os.Stderr, "  astc2native -S <input.astc>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *version {
		fmt.Printf("astc2native version %s\n", versionStr)
		os.Exit(0)
	}

	commonlog.Configure(int(verbosity), nil)

	args := flag.Args()
	wantArgs := 2
	if *runVM || *showAsm {
		wantArgs = 1
	}
	if len(args) != wantArgs {
		flag.Usage()
		os.Exit(1)
	}
	input := args[0]

	// A native.toml near the input supplies defaults; flags override.
	mf, err := manifest.FindAndLoad(filepath.Dir(input))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", input, err)
		os.Exit(1)
	}

	m, err := astc.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding %s: %v\n", input, err)
		os.Exit(1)
	}
	if mf != nil && mf.Module.Entry != 0 {
		m.EntryPoint = mf.Module.Entry
		data = m.Serialize()
	}

	if *showAsm {
		fmt.Print(m.DisassembleWithName(filepath.Base(input)))
		return
	}

	if *runVM {
		os.Exit(runModule(m, mf))
	}

	os.Exit(compileModule(m, data, args[1], mf))
}

// compileModule drives decode-to-container compilation and returns the
// process exit code.
func compileModule(m *astc.Module, data []byte, output string, mf *manifest.Manifest) int {
	targetName := *target
	levelName := *optLevel
	strategyName := *strategy
	reportPath := *reportFile
	if mf != nil {
		if targetName == "" {
			targetName = mf.Build.Target
		}
		if levelName == "" {
			levelName = mf.Build.Level
		}
		if strategyName == "" {
			strategyName = mf.Build.Strategy
		}
		if reportPath == "" {
			reportPath = mf.ReportPath()
		}
	}
	if targetName == "" {
		targetName = "host"
	}
	if levelName == "" {
		levelName = "standard"
	}
	if strategyName == "" {
		strategyName = "balanced"
	}

	arch, err := resolveArch(targetName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	level, err := vm.ParseOptLevel(levelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	strat, err := vm.ParseOptStrategy(strategyName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	backend := vm.NewBackend(vm.NewDefaultRegistry(), vm.NewOptimizationUnit(level, strat))
	cm, err := backend.CompileASTC(data, arch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error compiling for %s: %v\n", arch, err)
		return 1
	}

	encoded, err := encodeContainer(cm, m, mf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding %s: %v\n", output, err)
		return 1
	}
	if err := os.WriteFile(output, encoded, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", output, err)
		return 1
	}

	if reportPath != "" {
		blob, err := report.MarshalCompileReport(report.New(cm))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building compile report: %v\n", err)
			return 1
		}
		if err := os.WriteFile(reportPath, blob, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", reportPath, err)
			return 1
		}
	}

	return 0
}

// resolveArch maps a CLI target name to an architecture, with "host"
// resolved against the running process.
func resolveArch(name string) (vm.Arch, error) {
	if name == "host" {
		a := vm.HostArch()
		if a == vm.ArchUnknown {
			return vm.ArchUnknown, fmt.Errorf("cannot determine host architecture; pass -target")
		}
		return a, nil
	}
	return vm.ParseArch(name)
}

// encodeContainer assembles the NATV output from a compiled module plus
// any extra exports declared in the manifest.
func encodeContainer(cm *vm.CompiledModule, m *astc.Module, mf *manifest.Manifest) ([]byte, error) {
	exports := make([]natv.Export, 0, len(cm.Exports))
	for _, sym := range cm.Exports {
		flags := sym.Flags
		if flags == 0 {
			flags = natv.ExportFunction
		}
		exports = append(exports, natv.Export{
			Name:   sym.Name,
			Offset: sym.Offset,
			Size:   sym.Size,
			Flags:  flags,
		})
	}
	if mf != nil {
		for _, e := range mf.Exports {
			if e.Name == "main" {
				// The backend already exports the entry thunk.
				continue
			}
			flags := e.Flags
			if flags == 0 {
				flags = natv.ExportFunction
			}
			exports = append(exports, natv.Export{Name: e.Name, Offset: e.Offset, Flags: flags})
		}
	}

	flags := natv.FlagNone
	if len(cm.Pending) > 0 {
		flags |= natv.FlagRelocatable
	}
	if cm.Unit.Level > vm.OptNone {
		flags |= natv.FlagOptimized
	}

	nm := &natv.Module{
		Version:      natv.Version,
		Architecture: uint32(cm.Arch),
		ModuleType:   natv.TypeUser,
		Flags:        flags,
		Code:         cm.Native,
		Data:         m.Data,
		Exports:      exports,
	}
	return nm.Encode()
}

// runModule interprets the module and returns its result as an exit code.
func runModule(m *astc.Module, mf *manifest.Manifest) int {
	cfg := vm.Config{
		StackSize:         *stackSize,
		EnableModuleCalls: true,
	}
	if mf != nil {
		if cfg.StackSize == 0 {
			cfg.StackSize = mf.VM.StackSize
		}
		cfg.EnableModuleCalls = mf.VM.ModuleCallsEnabled()
		cfg.EnableDebug = mf.VM.EnableDebug
	}

	core := vm.NewCore(cfg)
	if cfg.EnableModuleCalls {
		core.SetModuleCallHandler(hostCallHandler(m))
	}

	result, err := core.ExecuteModule(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return int(uint8(result))
}

// hostCallHandler services LIBC_CALL requests during -run. Only calls a
// standalone interpreter can satisfy are implemented; allocation calls
// report exhaustion rather than faulting.
func hostCallHandler(m *astc.Module) vm.ModuleCallHandler {
	return func(funcID uint16, args []vm.Value) (vm.Value, error) {
		switch funcID {
		case libcPrintf:
			if len(args) < 1 {
				return 0, fmt.Errorf("printf: missing format argument")
			}
			s, err := stringAt(m.Code, uint32(args[0]))
			if err != nil {
				return 0, fmt.Errorf("printf: %w", err)
			}
			n, _ := os.Stdout.WriteString(s)
			return vm.Value(n), nil
		case libcMalloc, libcFree:
			return 0, nil
		}
		return 0, fmt.Errorf("unsupported module call 0x%04X", funcID)
	}
}

// stringAt recovers a string payload from the code region. off points at
// the payload bytes; the little-endian length word sits directly before
// them.
func stringAt(code []byte, off uint32) (string, error) {
	if off < 5 || int(off) > len(code) {
		return "", fmt.Errorf("string offset 0x%X out of range", off)
	}
	n := binary.LittleEndian.Uint32(code[off-4 : off])
	if int(off)+int(n) > len(code) {
		return "", fmt.Errorf("string at 0x%X overruns code", off)
	}
	return string(code[off : off+n]), nil
}
