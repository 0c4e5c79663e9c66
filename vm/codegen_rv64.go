package vm

import (
	"fmt"

	"github.com/anvilvm/astc2native/pkg/astc"
)

// ---------------------------------------------------------------------------
// RISC-V 64 code generator (RV64IM)
// ---------------------------------------------------------------------------

// Code model: the x86-64 trampoline shape on RV64IM. The native stack
// mirrors the VM operand stack with one 16-byte slot per value to keep
// the ABI stack alignment, a0 is the working register, a1 the second
// operand, and s1 holds the base of the 16-slot register file. RISC-V
// has no movk-style immediate patching, so the module-call bridge
// address lives in an 8-byte literal embedded in the stream: the code
// jumps over it and reads it back with auipc+ld.

const (
	rvZero uint32 = 0
	rvRA   uint32 = 1
	rvSP   uint32 = 2
	rvT0   uint32 = 5
	rvS0   uint32 = 8
	rvS1   uint32 = 9
	rvA0   uint32 = 10
	rvA1   uint32 = 11
)

// rvPackJ scatters a J-type (jal) displacement: imm[20|10:1|11|19:12].
func rvPackJ(delta int) uint32 {
	d := uint32(delta)
	return ((d>>20)&1)<<31 | ((d>>1)&0x3FF)<<21 | ((d>>11)&1)<<20 | ((d>>12)&0xFF)<<12
}

// rvPackB scatters a B-type (branch) displacement: imm[12|10:5] ... imm[4:1|11].
func rvPackB(delta int) uint32 {
	d := uint32(delta)
	return ((d>>12)&1)<<31 | ((d>>5)&0x3F)<<25 | ((d>>1)&0xF)<<8 | ((d>>11)&1)<<7
}

// rv64Emitter appends instruction words with a sticky error.
type rv64Emitter struct {
	buf *CodeBuffer
	err error
}

func (e *rv64Emitter) word(w uint32) {
	if e.err != nil {
		return
	}
	e.err = e.buf.EmitU32(w)
}

func (e *rv64Emitter) dword(v uint64) {
	if e.err != nil {
		return
	}
	e.err = e.buf.EmitU64(v)
}

// iType: [imm12][rs1][funct3][rd][opcode]
func (e *rv64Emitter) iType(opcode, rd, funct3, rs1 uint32, imm int32) {
	e.word((uint32(imm)&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode)
}

// sType: [imm12 split][rs2][rs1][funct3][opcode]
func (e *rv64Emitter) sType(opcode, funct3, rs1, rs2 uint32, imm int32) {
	u := uint32(imm) & 0xFFF
	e.word((u>>5)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1F)<<7 | opcode)
}

// rType: [funct7][rs2][rs1][funct3][rd][opcode]
func (e *rv64Emitter) rType(funct7, rs2, rs1, funct3, rd uint32) {
	e.word(funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | 0x33)
}

func (e *rv64Emitter) addi(rd, rs1 uint32, imm int32) { e.iType(0x13, rd, 0, rs1, imm) }
func (e *rv64Emitter) addiw(rd, rs1 uint32, imm int32) {
	e.iType(0x1B, rd, 0, rs1, imm)
}
func (e *rv64Emitter) ld(rd, rs1 uint32, imm int32) { e.iType(0x03, rd, 3, rs1, imm) }
func (e *rv64Emitter) sd(rs2, rs1 uint32, imm int32) {
	e.sType(0x23, 3, rs1, rs2, imm)
}

// lui: rd = sext(imm20 << 12)
func (e *rv64Emitter) lui(rd, imm20 uint32) {
	e.word((imm20&0xFFFFF)<<12 | rd<<7 | 0x37)
}

// auipc: rd = pc + sext(imm20 << 12)
func (e *rv64Emitter) auipc(rd, imm20 uint32) {
	e.word((imm20&0xFFFFF)<<12 | rd<<7 | 0x17)
}

func (e *rv64Emitter) slli(rd, rs1, shamt uint32) {
	e.word(shamt<<20 | rs1<<15 | 1<<12 | rd<<7 | 0x13)
}

func (e *rv64Emitter) srli(rd, rs1, shamt uint32) {
	e.word(shamt<<20 | rs1<<15 | 5<<12 | rd<<7 | 0x13)
}

// jalr rd, imm(rs1)
func (e *rv64Emitter) jalr(rd, rs1 uint32, imm int32) {
	e.iType(0x67, rd, 0, rs1, imm)
}

// jal emits a jal placeholder for rd and returns its offset. When the
// displacement is already known it can be packed immediately instead.
func (e *rv64Emitter) jal(rd uint32, delta int) int {
	off := e.buf.Len()
	e.word(0x6F | rd<<7 | rvPackJ(delta))
	return off
}

// beqz emits beq rs1, zero with a zero displacement placeholder.
func (e *rv64Emitter) beqz(rs1 uint32) int {
	off := e.buf.Len()
	e.word(rs1<<15 | 0x63)
	return off
}

// li32 materializes a sign-extended 32-bit immediate: a single addi when
// it fits, otherwise lui plus addiw (which performs the 32-bit sign
// extension RV64 defines for W-suffixed ops).
func (e *rv64Emitter) li32(rd uint32, v int32) {
	if v >= -2048 && v < 2048 {
		e.addi(rd, rvZero, v)
		return
	}
	hi := (uint32(v) + 0x800) >> 12
	lo := int32(uint32(v)<<20) >> 20
	e.lui(rd, hi)
	e.addiw(rd, rd, lo)
}

// movU32 materializes a 32-bit value zero-extended to 64 bits.
func (e *rv64Emitter) movU32(rd uint32, v uint32) {
	e.li32(rd, int32(v))
	if v >= 1<<31 {
		e.slli(rd, rd, 32)
		e.srli(rd, rd, 32)
	}
}

// push: addi sp, sp, -16; sd rs, 0(sp)
func (e *rv64Emitter) push(rs uint32) {
	e.addi(rvSP, rvSP, -16)
	e.sd(rs, rvSP, 0)
}

// pop: ld rd, 0(sp); addi sp, sp, 16
func (e *rv64Emitter) pop(rd uint32) {
	e.ld(rd, rvSP, 0)
	e.addi(rvSP, rvSP, 16)
}

// ret: jalr zero, 0(ra)
func (e *rv64Emitter) ret() { e.jalr(rvZero, rvRA, 0) }
func (e *rv64Emitter) nop() { e.word(0x00000013) }

// ---------------------------------------------------------------------------
// Codegen implementation
// ---------------------------------------------------------------------------

// RISCV64Codegen implements Codegen for RV64IM.
type RISCV64Codegen struct{}

// NewRISCV64Codegen returns the RISC-V 64 code generator.
func NewRISCV64Codegen() *RISCV64Codegen { return &RISCV64Codegen{} }

func (g *RISCV64Codegen) Info() ArchInfo {
	info, _ := GetArchInfo(ArchRISCV64)
	return info
}

// EmitPrologue emits the entry thunk:
//
//	addi sp, sp, -16
//	sd   ra, 8(sp)
//	sd   s0, 0(sp)
//	addi sp, sp, -128    ; 16 register slots
//	mv   s1, sp          ; register file base
//	jal  ra, <entry>
//	addi sp, sp, 128
//	ld   s0, 0(sp)
//	ld   ra, 8(sp)
//	addi sp, sp, 16
//	ret
func (g *RISCV64Codegen) EmitPrologue(ctx *EmitContext) error {
	e := &rv64Emitter{buf: ctx.Buf}
	e.addi(rvSP, rvSP, -16)
	e.sd(rvRA, rvSP, 8)
	e.sd(rvS0, rvSP, 0)
	e.addi(rvSP, rvSP, -int32(astc.NumRegisters*8))
	e.addi(rvS1, rvSP, 0)
	site := e.jal(rvRA, 0)
	ctx.AddReloc(RelocCall, site, ctx.Entry)
	e.addi(rvSP, rvSP, int32(astc.NumRegisters*8))
	e.ld(rvS0, rvSP, 0)
	e.ld(rvRA, rvSP, 8)
	e.addi(rvSP, rvSP, 16)
	e.ret()
	return e.err
}

func (g *RISCV64Codegen) EmitInstruction(ctx *EmitContext, instr astc.Instruction) error {
	e := &rv64Emitter{buf: ctx.Buf}

	switch instr.Op {
	case astc.OpNop:
		e.nop()

	case astc.OpHalt, astc.OpReturn:
		e.pop(rvA0)
		e.ret()

	case astc.OpConstI32:
		e.li32(rvA0, instr.Imm32())
		e.push(rvA0)

	case astc.OpConstString:
		// The pushed value is the payload's code-region offset
		e.movU32(rvA0, instr.StrOffset())
		e.push(rvA0)

	case astc.OpAdd, astc.OpSub, astc.OpMul, astc.OpDiv:
		e.pop(rvA1) // b
		e.pop(rvA0) // a
		switch instr.Op {
		case astc.OpAdd:
			e.rType(0x00, rvA1, rvA0, 0, rvA0)
		case astc.OpSub:
			e.rType(0x20, rvA1, rvA0, 0, rvA0)
		case astc.OpMul:
			e.rType(0x01, rvA1, rvA0, 0, rvA0)
		case astc.OpDiv:
			e.rType(0x01, rvA1, rvA0, 4, rvA0)
		}
		e.push(rvA0)

	case astc.OpStoreLocal:
		e.pop(rvA0)
		e.sd(rvA0, rvS1, int32(instr.RegIndex()*8))

	case astc.OpLoadLocal:
		e.ld(rvA0, rvS1, int32(instr.RegIndex()*8))
		e.push(rvA0)

	case astc.OpJump:
		site := e.jal(rvZero, 0)
		ctx.AddReloc(RelocBranch, site, instr.Target())

	case astc.OpJumpIfFalse:
		e.pop(rvA0)
		site := e.beqz(rvA0)
		ctx.AddReloc(RelocBranch, site, instr.Target())

	case astc.OpCallUser:
		site := e.jal(rvRA, 0)
		ctx.AddReloc(RelocCall, site, instr.Target())
		e.push(rvA0) // callee result

	case astc.OpLibcCall:
		funcID, argc := instr.LibcFunc()
		e.li32(rvA0, int32(funcID))
		e.li32(rvA1, int32(argc))
		// Keep the 8-byte literal aligned; every emission here is a
		// 4-byte word, so at most one nop is needed.
		if (ctx.Buf.Len()+4)%8 != 0 {
			e.nop()
		}
		e.jal(rvZero, 12) // hop over the literal
		slot := ctx.Buf.Len()
		e.dword(0) // bridge address, loader-patched
		ctx.AddReloc(RelocModuleCall, slot, 0)
		e.auipc(rvT0, 0)
		e.ld(rvT0, rvT0, -8)
		e.jalr(rvRA, rvT0, 0)
		e.push(rvA0)

	default:
		return fmt.Errorf("%w: riscv64 cannot encode %s", ErrUnsupportedOp, instr.Op)
	}
	return e.err
}

// EmitEpilogue emits the fall-off-the-end safety net: a stream that ends
// without HALT or RETURN behaves like RETURN.
func (g *RISCV64Codegen) EmitEpilogue(ctx *EmitContext) error {
	e := &rv64Emitter{buf: ctx.Buf}
	e.pop(rvA0)
	e.ret()
	return e.err
}

// FixupRelocations scatters the displacement into the J-type (jal) or
// B-type (beq) immediate fields of each placeholder. Module-call slots
// stay pending for the loader.
func (g *RISCV64Codegen) FixupRelocations(ctx *EmitContext) error {
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
		switch word & 0x7F {
		case 0x6F: // jal
			if delta < -(1<<20) || delta >= 1<<20 {
				return fmt.Errorf("%w: riscv64 jal displacement %d out of range", ErrBadRelocation, delta)
			}
			word |= rvPackJ(delta)
		case 0x63: // beq
			if delta < -(1<<12) || delta >= 1<<12 {
				return fmt.Errorf("%w: riscv64 branch displacement %d out of range", ErrBadRelocation, delta)
			}
			word |= rvPackB(delta)
		default:
			return fmt.Errorf("%w: unexpected riscv64 placeholder %#08x", ErrBadRelocation, word)
		}
		if err := ctx.Buf.Patch32(r.NativeOff, word); err != nil {
			return err
		}
	}
	return nil
}
