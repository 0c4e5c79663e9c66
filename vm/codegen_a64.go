package vm

import (
	"fmt"

	"github.com/anvilvm/astc2native/pkg/astc"
)

// ---------------------------------------------------------------------------
// ARM64 code generator
// ---------------------------------------------------------------------------

// Code model: the same trampoline shape as x86-64, expressed in AArch64
// conventions. The native stack mirrors the VM operand stack with one
// 16-byte slot per value so sp stays 16-aligned, x0 is the working
// register, x1 the second operand, and x27 holds the base of the 16-slot
// register file. All emissions are fixed-width words, so branch fixups
// repack the imm26 (b, bl) or imm19 (cbz) field of the placeholder word.

const (
	a64X0  uint32 = 0
	a64X1  uint32 = 1
	a64X16 uint32 = 16
	a64X27 uint32 = 27
)

// a64Emitter appends instruction words with a sticky error so opcode
// expansions read linearly.
type a64Emitter struct {
	buf *CodeBuffer
	err error
}

func (e *a64Emitter) word(w uint32) {
	if e.err != nil {
		return
	}
	e.err = e.buf.EmitU32(w)
}

// push: str xr, [sp, #-16]!
func (e *a64Emitter) push(r uint32) {
	e.word(0xF81F0FE0 | r)
}

// pop: ldr xr, [sp], #16
func (e *a64Emitter) pop(r uint32) {
	e.word(0xF84107E0 | r)
}

// movzW: movz w_rd, #imm16
func (e *a64Emitter) movzW(rd, imm16 uint32) {
	e.word(0x52800000 | imm16<<5 | rd)
}

// movkWHi: movk w_rd, #imm16, lsl #16
func (e *a64Emitter) movkWHi(rd, imm16 uint32) {
	e.word(0x72A00000 | imm16<<5 | rd)
}

// movU32 materializes a 32-bit value in w_rd, zero-extending into x_rd.
func (e *a64Emitter) movU32(rd, v uint32) {
	e.movzW(rd, v&0xFFFF)
	if hi := v >> 16; hi != 0 {
		e.movkWHi(rd, hi)
	}
}

// movX64 materializes a 64-bit value in x_rd as movz plus three movk,
// always four words so the loader can patch the sequence in place.
// Returns the buffer offset of the first word.
func (e *a64Emitter) movX64(rd uint32, v uint64) int {
	off := e.buf.Len()
	e.word(0xD2800000 | uint32(v&0xFFFF)<<5 | rd)
	e.word(0xF2A00000 | uint32(v>>16&0xFFFF)<<5 | rd)
	e.word(0xF2C00000 | uint32(v>>32&0xFFFF)<<5 | rd)
	e.word(0xF2E00000 | uint32(v>>48&0xFFFF)<<5 | rd)
	return off
}

// sxtw: sxtw x_rd, w_rn
func (e *a64Emitter) sxtw(rd, rn uint32) {
	e.word(0x93407C00 | rn<<5 | rd)
}

// add x_rd, x_rn, x_rm
func (e *a64Emitter) add(rd, rn, rm uint32) {
	e.word(0x8B000000 | rm<<16 | rn<<5 | rd)
}

// sub x_rd, x_rn, x_rm
func (e *a64Emitter) sub(rd, rn, rm uint32) {
	e.word(0xCB000000 | rm<<16 | rn<<5 | rd)
}

// mul x_rd, x_rn, x_rm (madd with xzr accumulator)
func (e *a64Emitter) mul(rd, rn, rm uint32) {
	e.word(0x9B000000 | rm<<16 | 31<<10 | rn<<5 | rd)
}

// sdiv x_rd, x_rn, x_rm
func (e *a64Emitter) sdiv(rd, rn, rm uint32) {
	e.word(0x9AC00C00 | rm<<16 | rn<<5 | rd)
}

// strSlot: str x_rt, [x27, #slot*8]
func (e *a64Emitter) strSlot(rt, slot uint32) {
	e.word(0xF9000000 | slot<<10 | a64X27<<5 | rt)
}

// ldrSlot: ldr x_rt, [x27, #slot*8]
func (e *a64Emitter) ldrSlot(rt, slot uint32) {
	e.word(0xF9400000 | slot<<10 | a64X27<<5 | rt)
}

// b emits an unconditional branch placeholder and returns its offset.
func (e *a64Emitter) b() int {
	off := e.buf.Len()
	e.word(0x14000000)
	return off
}

// bl emits a call placeholder and returns its offset.
func (e *a64Emitter) bl() int {
	off := e.buf.Len()
	e.word(0x94000000)
	return off
}

// cbz emits cbz x_rt with a zero imm19 placeholder and returns its offset.
func (e *a64Emitter) cbz(rt uint32) int {
	off := e.buf.Len()
	e.word(0xB4000000 | rt)
	return off
}

// blr x_rn
func (e *a64Emitter) blr(rn uint32) {
	e.word(0xD63F0000 | rn<<5)
}

func (e *a64Emitter) ret() { e.word(0xD65F03C0) }
func (e *a64Emitter) nop() { e.word(0xD503201F) }

// ---------------------------------------------------------------------------
// Codegen implementation
// ---------------------------------------------------------------------------

// ARM64Codegen implements Codegen for AArch64.
type ARM64Codegen struct{}

// NewARM64Codegen returns the ARM64 code generator.
func NewARM64Codegen() *ARM64Codegen { return &ARM64Codegen{} }

func (g *ARM64Codegen) Info() ArchInfo {
	info, _ := GetArchInfo(ArchARM64)
	return info
}

// EmitPrologue emits the entry thunk:
//
//	stp  x29, x30, [sp, #-16]!
//	mov  x29, sp
//	sub  sp, sp, #128       ; 16 register slots
//	mov  x27, sp            ; register file base
//	bl   <entry>
//	add  sp, sp, #128
//	ldp  x29, x30, [sp], #16
//	ret
func (g *ARM64Codegen) EmitPrologue(ctx *EmitContext) error {
	e := &a64Emitter{buf: ctx.Buf}
	e.word(0xA9BF7BFD) // stp x29, x30, [sp, #-16]!
	e.word(0x910003FD) // mov x29, sp
	e.word(0xD10203FF) // sub sp, sp, #128
	e.word(0x910003FB) // mov x27, sp
	site := e.bl()
	ctx.AddReloc(RelocCall, site, ctx.Entry)
	e.word(0x910203FF) // add sp, sp, #128
	e.word(0xA8C17BFD) // ldp x29, x30, [sp], #16
	e.ret()
	return e.err
}

func (g *ARM64Codegen) EmitInstruction(ctx *EmitContext, instr astc.Instruction) error {
	e := &a64Emitter{buf: ctx.Buf}

	switch instr.Op {
	case astc.OpNop:
		e.nop()

	case astc.OpHalt, astc.OpReturn:
		e.pop(a64X0)
		e.ret()

	case astc.OpConstI32:
		imm := instr.Imm32()
		e.movU32(a64X0, uint32(imm))
		if imm < 0 {
			e.sxtw(a64X0, a64X0)
		}
		e.push(a64X0)

	case astc.OpConstString:
		// The pushed value is the payload's code-region offset
		e.movU32(a64X0, instr.StrOffset())
		e.push(a64X0)

	case astc.OpAdd, astc.OpSub, astc.OpMul, astc.OpDiv:
		e.pop(a64X1) // b
		e.pop(a64X0) // a
		switch instr.Op {
		case astc.OpAdd:
			e.add(a64X0, a64X0, a64X1)
		case astc.OpSub:
			e.sub(a64X0, a64X0, a64X1)
		case astc.OpMul:
			e.mul(a64X0, a64X0, a64X1)
		case astc.OpDiv:
			e.sdiv(a64X0, a64X0, a64X1)
		}
		e.push(a64X0)

	case astc.OpStoreLocal:
		e.pop(a64X0)
		e.strSlot(a64X0, instr.RegIndex())

	case astc.OpLoadLocal:
		e.ldrSlot(a64X0, instr.RegIndex())
		e.push(a64X0)

	case astc.OpJump:
		site := e.b()
		ctx.AddReloc(RelocBranch, site, instr.Target())

	case astc.OpJumpIfFalse:
		e.pop(a64X0)
		site := e.cbz(a64X0)
		ctx.AddReloc(RelocBranch, site, instr.Target())

	case astc.OpCallUser:
		site := e.bl()
		ctx.AddReloc(RelocCall, site, instr.Target())
		e.push(a64X0) // callee result

	case astc.OpLibcCall:
		funcID, argc := instr.LibcFunc()
		e.movzW(a64X0, uint32(funcID))
		e.movzW(a64X1, uint32(argc))
		slot := e.movX64(a64X16, 0) // bridge address, loader-patched
		ctx.AddReloc(RelocModuleCall, slot, 0)
		e.blr(a64X16)
		e.push(a64X0)

	default:
		return fmt.Errorf("%w: arm64 cannot encode %s", ErrUnsupportedOp, instr.Op)
	}
	return e.err
}

// EmitEpilogue emits the fall-off-the-end safety net: a stream that ends
// without HALT or RETURN behaves like RETURN.
func (g *ARM64Codegen) EmitEpilogue(ctx *EmitContext) error {
	e := &a64Emitter{buf: ctx.Buf}
	e.pop(a64X0)
	e.ret()
	return e.err
}

// FixupRelocations repacks the displacement field of every branch and
// call placeholder. The placeholder word itself says which field: b and
// bl carry imm26, cbz carries imm19. Module-call slots stay pending for
// the loader.
func (g *ARM64Codegen) FixupRelocations(ctx *EmitContext) error {
	for _, r := range ctx.Relocations() {
		if r.Kind == RelocModuleCall {
			continue
		}
		native, err := ctx.resolve(r)
		if err != nil {
			return err
		}
		word, err := ctx.Buf.ReadU32(r.NativeOff)
		if err != nil {
			return err
		}
		delta := native - r.NativeOff
		switch {
		case word>>26 == 0x05 || word>>26 == 0x25: // b / bl
			if delta < -(1<<27) || delta >= 1<<27 {
				return fmt.Errorf("%w: arm64 branch displacement %d out of range", ErrBadRelocation, delta)
			}
			word |= uint32(delta>>2) & 0x03FFFFFF
		case word&0xFF000000 == 0xB4000000: // cbz
			if delta < -(1<<20) || delta >= 1<<20 {
				return fmt.Errorf("%w: arm64 cbz displacement %d out of range", ErrBadRelocation, delta)
			}
			word |= (uint32(delta>>2) & 0x7FFFF) << 5
		default:
			return fmt.Errorf("%w: unexpected arm64 placeholder %#08x", ErrBadRelocation, word)
		}
		if err := ctx.Buf.Patch32(r.NativeOff, word); err != nil {
			return err
		}
	}
	return nil
}
