package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/anvilvm/astc2native/pkg/astc"
)

// ---------------------------------------------------------------------------
// Codegen: pluggable per-architecture code generation
// ---------------------------------------------------------------------------

// Codegen turns a decoded ASTC instruction stream into native code for one
// architecture. Implementations are stateless between compiles; everything
// per-compile lives in the EmitContext. An instruction a generator cannot
// express must fail with ErrUnsupportedOp, never emit a silent skip.
type Codegen interface {
	Info() ArchInfo
	EmitPrologue(ctx *EmitContext) error
	EmitInstruction(ctx *EmitContext, instr astc.Instruction) error
	EmitEpilogue(ctx *EmitContext) error
	FixupRelocations(ctx *EmitContext) error
}

// RelocKind classifies a patch site in the emitted code.
type RelocKind int

const (
	// RelocBranch is a pc-relative branch whose bytecode target resolves
	// at fixup time.
	RelocBranch RelocKind = iota
	// RelocCall is a pc-relative call to a bytecode target.
	RelocCall
	// RelocModuleCall is an absolute slot the loader fills with the
	// module-call bridge address. It survives fixup.
	RelocModuleCall
)

func (k RelocKind) String() string {
	switch k {
	case RelocBranch:
		return "branch"
	case RelocCall:
		return "call"
	case RelocModuleCall:
		return "module-call"
	default:
		return fmt.Sprintf("reloc(%d)", int(k))
	}
}

// Relocation records one patch site. NativeOff addresses the displacement
// or slot inside the code buffer; Target is the bytecode offset the site
// refers to (unused for RelocModuleCall).
type Relocation struct {
	Kind      RelocKind
	NativeOff int
	Target    uint32
}

// EmitContext carries the per-compile emission state: the output buffer,
// the bytecode-to-native offset map, and the relocations awaiting fixup.
type EmitContext struct {
	Buf   *CodeBuffer
	Unit  OptimizationUnit
	Entry uint32 // bytecode entry point the prologue calls

	offsets map[uint32]int
	relocs  []Relocation
}

// NewEmitContext creates an emission context for one compile.
func NewEmitContext(unit OptimizationUnit, entry uint32) *EmitContext {
	return &EmitContext{
		Buf:     NewCodeBuffer(),
		Unit:    unit,
		Entry:   entry,
		offsets: make(map[uint32]int),
	}
}

// MarkOffset records that the bytecode offset begins at the current buffer
// position.
func (ctx *EmitContext) MarkOffset(bytecodeOff uint32) {
	ctx.offsets[bytecodeOff] = ctx.Buf.Len()
}

// NativeOffset resolves a bytecode offset to its native buffer position.
func (ctx *EmitContext) NativeOffset(bytecodeOff uint32) (int, bool) {
	off, ok := ctx.offsets[bytecodeOff]
	return off, ok
}

// AddReloc queues a patch site for FixupRelocations.
func (ctx *EmitContext) AddReloc(kind RelocKind, nativeOff int, target uint32) {
	ctx.relocs = append(ctx.relocs, Relocation{Kind: kind, NativeOff: nativeOff, Target: target})
}

// Relocations returns every recorded patch site.
func (ctx *EmitContext) Relocations() []Relocation {
	return ctx.relocs
}

// Pending returns the relocations left for the loader after fixup
// (module-call bridge slots).
func (ctx *EmitContext) Pending() []Relocation {
	var out []Relocation
	for _, r := range ctx.relocs {
		if r.Kind == RelocModuleCall {
			out = append(out, r)
		}
	}
	return out
}

// resolve maps a branch target to its native offset, failing when the
// target was never emitted.
func (ctx *EmitContext) resolve(r Relocation) (int, error) {
	native, ok := ctx.offsets[r.Target]
	if !ok {
		return 0, fmt.Errorf("%w: %s to bytecode offset 0x%04X", ErrBadRelocation, r.Kind, r.Target)
	}
	return native, nil
}

// GenerateCode drives one compile: prologue, per-instruction emission with
// offset marking, epilogue, then relocation fixup. It returns the native
// bytes and the relocations left for the loader.
func GenerateCode(cg Codegen, unit OptimizationUnit, code []byte, entry uint32) ([]byte, []Relocation, error) {
	ctx := NewEmitContext(unit, entry)

	if err := cg.EmitPrologue(ctx); err != nil {
		return nil, nil, err
	}

	dec := astc.NewCodeDecoder(code)
	for {
		instr, err := dec.Next()
		if err == astc.ErrEndOfCode {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s codegen: %w", cg.Info().Name, err)
		}
		ctx.MarkOffset(uint32(instr.Offset))
		if err := cg.EmitInstruction(ctx, instr); err != nil {
			return nil, nil, err
		}
	}

	// Branches may legally target the end of the stream.
	ctx.MarkOffset(uint32(len(code)))

	if err := cg.EmitEpilogue(ctx); err != nil {
		return nil, nil, err
	}
	if err := cg.FixupRelocations(ctx); err != nil {
		return nil, nil, err
	}
	return ctx.Buf.Clone(), ctx.Pending(), nil
}

// ---------------------------------------------------------------------------
// Registry: registered code generators
// ---------------------------------------------------------------------------

// Registry maps architectures to their registered code generators. The
// first registration for an architecture wins; later ones fail with
// ErrDuplicateCodegen. Registration happens at start-up, after which the
// registry is effectively read-only.
type Registry struct {
	mu       sync.RWMutex
	codegens map[Arch]Codegen
	target   Arch
}

// NewRegistry creates an empty registry with no target selected.
func NewRegistry() *Registry {
	return &Registry{
		codegens: make(map[Arch]Codegen),
	}
}

// NewDefaultRegistry creates a registry with all built-in generators.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(NewX8664Codegen())
	_ = r.Register(NewARM64Codegen())
	_ = r.Register(NewRISCV64Codegen())
	_ = r.Register(NewWASM32Codegen())
	return r
}

// Register installs a code generator for its architecture.
func (r *Registry) Register(cg Codegen) error {
	if cg == nil {
		return fmt.Errorf("register: nil codegen")
	}
	arch := cg.Info().Arch
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codegens[arch]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCodegen, arch)
	}
	r.codegens[arch] = cg
	return nil
}

// Lookup returns the generator registered for an architecture.
func (r *Registry) Lookup(arch Arch) (Codegen, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cg, ok := r.codegens[arch]
	return cg, ok
}

// SetTarget selects the default compile target. Fails when no generator is
// registered for it.
func (r *Registry) SetTarget(arch Arch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codegens[arch]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
	}
	r.target = arch
	return nil
}

// Target returns the currently selected compile target (ArchUnknown when
// none was set).
func (r *Registry) Target() Arch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// Arches returns the registered architectures in ascending enum order.
func (r *Registry) Arches() []Arch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Arch, 0, len(r.codegens))
	for arch := range r.codegens {
		out = append(out, arch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
