package vm

import (
	"fmt"

	"github.com/anvilvm/astc2native/pkg/astc"
)

// ---------------------------------------------------------------------------
// WASM32 code generator
// ---------------------------------------------------------------------------

// Code model: unlike the register machines, the output is a complete
// WebAssembly module: one function of type () -> i64 exported as "main",
// whose 16 i64 locals are the register file and whose operand stack is
// the wasm operand stack. Wasm only has structured control flow, so the
// generator accepts the straight-line subset (constants, arithmetic,
// locals, return) and rejects raw jumps and calls with ErrUnsupportedOp.
//
// Section and body sizes are LEB128 fields that precede content of
// unknown length, so the prologue reserves them as padded 5-byte LEBs at
// fixed offsets and the fixup pass patches them once the body is closed.

const (
	// Byte offsets of the two padded size fields in the fixed prologue.
	wasmSectionSizeOff = 30
	wasmBodySizeOff    = 36
)

// wasmEmitter appends bytes and LEB128-encoded values with a sticky error.
type wasmEmitter struct {
	buf *CodeBuffer
	err error
}

func (e *wasmEmitter) emit(b ...byte) {
	if e.err != nil {
		return
	}
	e.err = e.buf.EmitBytes(b...)
}

func (e *wasmEmitter) uleb(v uint64) {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v == 0 {
			e.emit(b)
			return
		}
		e.emit(b | 0x80)
	}
}

func (e *wasmEmitter) sleb(v int64) {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			e.emit(b)
			return
		}
		e.emit(b | 0x80)
	}
}

// lebPadded5 emits zero as a 5-byte padded LEB, to be patched later.
func (e *wasmEmitter) lebPadded5() {
	e.emit(0x80, 0x80, 0x80, 0x80, 0x00)
}

// wasmPatchSize rewrites a padded 5-byte LEB in place.
func wasmPatchSize(buf *CodeBuffer, off int, v uint32) error {
	for i := 0; i < 4; i++ {
		if err := buf.PatchByte(off+i, byte(v>>(7*i))&0x7F|0x80); err != nil {
			return err
		}
	}
	return buf.PatchByte(off+4, byte(v>>28)&0x7F)
}

// ---------------------------------------------------------------------------
// Codegen implementation
// ---------------------------------------------------------------------------

// WASM32Codegen implements Codegen for WebAssembly.
type WASM32Codegen struct{}

// NewWASM32Codegen returns the WASM32 code generator.
func NewWASM32Codegen() *WASM32Codegen { return &WASM32Codegen{} }

func (g *WASM32Codegen) Info() ArchInfo {
	info, _ := GetArchInfo(ArchWASM32)
	return info
}

// EmitPrologue emits the module header and every section up to the start
// of the function body: type () -> i64, one function, export "main", and
// the code section opening with 16 i64 locals. The body cannot begin
// anywhere but bytecode offset zero, so a nonzero entry point is
// rejected.
func (g *WASM32Codegen) EmitPrologue(ctx *EmitContext) error {
	if ctx.Entry != 0 {
		return fmt.Errorf("%w: wasm32 requires entry point 0", ErrUnsupportedOp)
	}
	e := &wasmEmitter{buf: ctx.Buf}
	e.emit(0x00, 0x61, 0x73, 0x6D) // "\0asm"
	e.emit(0x01, 0x00, 0x00, 0x00) // version 1
	// Type section: one functype, no params, one i64 result.
	e.emit(0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7E)
	// Function section: one function of type 0.
	e.emit(0x03, 0x02, 0x01, 0x00)
	// Export section: func 0 as "main".
	e.emit(0x07, 0x08, 0x01, 0x04, 'm', 'a', 'i', 'n', 0x00, 0x00)
	// Code section: sizes are patched by FixupRelocations.
	e.emit(0x0A)
	e.lebPadded5() // section size
	e.emit(0x01)   // function count
	e.lebPadded5() // body size
	// Locals: one group of 16 i64.
	e.emit(0x01, astc.NumRegisters, 0x7E)
	return e.err
}

func (g *WASM32Codegen) EmitInstruction(ctx *EmitContext, instr astc.Instruction) error {
	e := &wasmEmitter{buf: ctx.Buf}

	switch instr.Op {
	case astc.OpNop:
		e.emit(0x01) // nop

	case astc.OpHalt, astc.OpReturn:
		e.emit(0x0F) // return

	case astc.OpConstI32:
		e.emit(0x42) // i64.const
		e.sleb(int64(instr.Imm32()))

	case astc.OpConstString:
		// The pushed value is the payload's code-region offset
		e.emit(0x42)
		e.sleb(int64(instr.StrOffset()))

	case astc.OpAdd:
		e.emit(0x7C) // i64.add
	case astc.OpSub:
		e.emit(0x7D) // i64.sub
	case astc.OpMul:
		e.emit(0x7E) // i64.mul
	case astc.OpDiv:
		e.emit(0x7F) // i64.div_s

	case astc.OpStoreLocal:
		e.emit(0x21) // local.set
		e.uleb(uint64(instr.RegIndex()))

	case astc.OpLoadLocal:
		e.emit(0x20) // local.get
		e.uleb(uint64(instr.RegIndex()))

	default:
		return fmt.Errorf("%w: wasm32 cannot encode %s (structured control flow only)", ErrUnsupportedOp, instr.Op)
	}
	return e.err
}

// EmitEpilogue closes the function body.
func (g *WASM32Codegen) EmitEpilogue(ctx *EmitContext) error {
	e := &wasmEmitter{buf: ctx.Buf}
	e.emit(0x0B) // end
	return e.err
}

// FixupRelocations patches the code section and body size fields now
// that the body length is known. The supported opcode subset emits no
// branch or call relocations.
func (g *WASM32Codegen) FixupRelocations(ctx *EmitContext) error {
	total := ctx.Buf.Len()
	if err := wasmPatchSize(ctx.Buf, wasmSectionSizeOff, uint32(total-(wasmSectionSizeOff+5))); err != nil {
		return err
	}
	return wasmPatchSize(ctx.Buf, wasmBodySizeOff, uint32(total-(wasmBodySizeOff+5)))
}
