package vm

import (
	"fmt"

	"github.com/anvilvm/astc2native/pkg/astc"
)

// ---------------------------------------------------------------------------
// x86-64 code generator
// ---------------------------------------------------------------------------

// Code model: the native stack mirrors the VM operand stack (one 8-byte
// push per value), rax is the working register, and r15 holds the base of
// the 16-slot register file the prologue reserves. The prologue is an
// entry thunk: it builds the frame, calls the bytecode entry point, and
// tears down when the program returns. RETURN and HALT compile to
// "pop rax; ret", so the result travels back to the thunk in rax and the
// register file stays shared across CALL_USER frames, exactly as the
// interpreter treats it.

type x86Reg byte

const (
	x86RAX x86Reg = 0
	x86RDX x86Reg = 2
	x86RBX x86Reg = 3
	x86RSP x86Reg = 4
	x86RBP x86Reg = 5
	x86RSI x86Reg = 6
	x86RDI x86Reg = 7
	x86R15 x86Reg = 15
)

// x86REX builds a REX prefix: 0100WRXB.
func x86REX(w bool, reg, rm x86Reg) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if reg >= 8 {
		prefix |= 0x04
	}
	if rm >= 8 {
		prefix |= 0x01
	}
	return prefix
}

// x86ModRM builds a ModR/M byte: [mod:2][reg:3][rm:3]. mod arrives
// pre-shifted (0xC0 register, 0x40 disp8).
func x86ModRM(mod byte, reg, rm x86Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// x86Emitter wraps a CodeBuffer with sticky-error instruction emitters so
// a full opcode expansion reads linearly.
type x86Emitter struct {
	buf *CodeBuffer
	err error
}

func (e *x86Emitter) emit(b ...byte) {
	if e.err != nil {
		return
	}
	e.err = e.buf.EmitBytes(b...)
}

func (e *x86Emitter) u32(v uint32) {
	if e.err != nil {
		return
	}
	e.err = e.buf.EmitU32(v)
}

func (e *x86Emitter) u64(v uint64) {
	if e.err != nil {
		return
	}
	e.err = e.buf.EmitU64(v)
}

func (e *x86Emitter) push(r x86Reg) {
	if r >= 8 {
		e.emit(0x41)
	}
	e.emit(0x50 | byte(r&7))
}

func (e *x86Emitter) pop(r x86Reg) {
	if r >= 8 {
		e.emit(0x41)
	}
	e.emit(0x58 | byte(r&7))
}

// movRegReg: mov dst, src (64-bit)
func (e *x86Emitter) movRegReg(dst, src x86Reg) {
	e.emit(x86REX(true, src, dst), 0x89, x86ModRM(0xC0, src, dst))
}

// movEAXImm32: mov eax, imm32 (zero-extends into rax)
func (e *x86Emitter) movEAXImm32(v uint32) {
	e.emit(0xB8)
	e.u32(v)
}

// movRAXImm32Signed: mov rax, imm32 (sign-extended)
func (e *x86Emitter) movRAXImm32Signed(v int32) {
	e.emit(0x48, 0xC7, 0xC0)
	e.u32(uint32(v))
}

// movRAXImm64: mov rax, imm64. Returns the buffer offset of the immediate
// so callers can register it as a relocation slot.
func (e *x86Emitter) movRAXImm64(v uint64) int {
	e.emit(0x48, 0xB8)
	off := e.buf.Len()
	e.u64(v)
	return off
}

// pushImm8: push imm8 (sign-extended to 64-bit)
func (e *x86Emitter) pushImm8(v int8) {
	e.emit(0x6A, byte(v))
}

// pushImm32: push imm32 (sign-extended to 64-bit)
func (e *x86Emitter) pushImm32(v int32) {
	e.emit(0x68)
	e.u32(uint32(v))
}

// alu: common reg-reg form for add (0x01), sub (0x29), test (0x85)
func (e *x86Emitter) alu(op byte, dst, src x86Reg) {
	e.emit(x86REX(true, src, dst), op, x86ModRM(0xC0, src, dst))
}

// imul: imul dst, src (64-bit signed)
func (e *x86Emitter) imul(dst, src x86Reg) {
	e.emit(x86REX(true, dst, src), 0x0F, 0xAF, x86ModRM(0xC0, dst, src))
}

// cqo sign-extends rax into rdx:rax for idiv.
func (e *x86Emitter) cqo() {
	e.emit(0x48, 0x99)
}

// idiv: idiv r (signed divide rdx:rax by r, quotient in rax)
func (e *x86Emitter) idiv(r x86Reg) {
	e.emit(x86REX(true, 0, r), 0xF7, x86ModRM(0xC0, 7, r))
}

// movMemReg: mov [base+disp8], src (64-bit)
func (e *x86Emitter) movMemReg(base x86Reg, disp int8, src x86Reg) {
	e.emit(x86REX(true, src, base), 0x89, x86ModRM(0x40, src, base), byte(disp))
}

// movRegMem: mov dst, [base+disp8] (64-bit)
func (e *x86Emitter) movRegMem(dst, base x86Reg, disp int8) {
	e.emit(x86REX(true, dst, base), 0x8B, x86ModRM(0x40, dst, base), byte(disp))
}

// subRSPImm32: sub rsp, imm32
func (e *x86Emitter) subRSPImm32(v uint32) {
	e.emit(0x48, 0x81, 0xEC)
	e.u32(v)
}

// movImm32To32 loads a 32-bit immediate into edi (0xBF) or esi (0xBE).
func (e *x86Emitter) movImm32To32(opcode byte, v uint32) {
	e.emit(opcode)
	e.u32(v)
}

// jmpRel32 emits jmp rel32 with a zero placeholder and returns the
// displacement offset.
func (e *x86Emitter) jmpRel32() int {
	e.emit(0xE9)
	off := e.buf.Len()
	e.u32(0)
	return off
}

// jeRel32 emits je rel32 with a zero placeholder.
func (e *x86Emitter) jeRel32() int {
	e.emit(0x0F, 0x84)
	off := e.buf.Len()
	e.u32(0)
	return off
}

// callRel32 emits call rel32 with a zero placeholder.
func (e *x86Emitter) callRel32() int {
	e.emit(0xE8)
	off := e.buf.Len()
	e.u32(0)
	return off
}

// callReg: call r
func (e *x86Emitter) callReg(r x86Reg) {
	if r >= 8 {
		e.emit(0x41)
	}
	e.emit(0xFF, x86ModRM(0xC0, 2, r))
}

func (e *x86Emitter) leave() { e.emit(0xC9) }
func (e *x86Emitter) ret()   { e.emit(0xC3) }
func (e *x86Emitter) nop()   { e.emit(0x90) }

// ---------------------------------------------------------------------------
// Codegen implementation
// ---------------------------------------------------------------------------

// X8664Codegen implements Codegen for x86-64.
type X8664Codegen struct{}

// NewX8664Codegen returns the x86-64 code generator.
func NewX8664Codegen() *X8664Codegen { return &X8664Codegen{} }

func (g *X8664Codegen) Info() ArchInfo {
	info, _ := GetArchInfo(ArchX8664)
	return info
}

// EmitPrologue emits the entry thunk:
//
//	push rbp
//	mov  rbp, rsp
//	sub  rsp, 128        ; 16 register slots
//	mov  r15, rsp        ; register file base
//	call <entry>
//	leave
//	ret
func (g *X8664Codegen) EmitPrologue(ctx *EmitContext) error {
	e := &x86Emitter{buf: ctx.Buf}
	e.push(x86RBP)
	e.movRegReg(x86RBP, x86RSP)
	e.subRSPImm32(uint32(astc.NumRegisters * 8))
	e.movRegReg(x86R15, x86RSP)
	disp := e.callRel32()
	ctx.AddReloc(RelocCall, disp, ctx.Entry)
	e.leave()
	e.ret()
	return e.err
}

func (g *X8664Codegen) EmitInstruction(ctx *EmitContext, instr astc.Instruction) error {
	e := &x86Emitter{buf: ctx.Buf}

	switch instr.Op {
	case astc.OpNop:
		e.nop()

	case astc.OpHalt, astc.OpReturn:
		e.pop(x86RAX)
		e.ret()

	case astc.OpConstI32:
		imm := instr.Imm32()
		switch {
		case ctx.Unit.shortImmediates() && imm >= -128 && imm <= 127:
			e.pushImm8(int8(imm))
		case ctx.Unit.shortImmediates():
			e.pushImm32(imm)
		case imm >= 0:
			e.movEAXImm32(uint32(imm))
			e.push(x86RAX)
		default:
			e.movRAXImm32Signed(imm)
			e.push(x86RAX)
		}

	case astc.OpConstString:
		// The pushed value is the payload's code-region offset
		e.movEAXImm32(instr.StrOffset())
		e.push(x86RAX)

	case astc.OpAdd, astc.OpSub, astc.OpMul, astc.OpDiv:
		e.pop(x86RBX) // b
		e.pop(x86RAX) // a
		switch instr.Op {
		case astc.OpAdd:
			e.alu(0x01, x86RAX, x86RBX) // add rax, rbx
		case astc.OpSub:
			e.alu(0x29, x86RAX, x86RBX) // sub rax, rbx
		case astc.OpMul:
			e.imul(x86RAX, x86RBX)
		case astc.OpDiv:
			e.cqo()
			e.idiv(x86RBX)
		}
		e.push(x86RAX)

	case astc.OpStoreLocal:
		e.pop(x86RAX)
		e.movMemReg(x86R15, int8(instr.RegIndex()*8), x86RAX)

	case astc.OpLoadLocal:
		e.movRegMem(x86RAX, x86R15, int8(instr.RegIndex()*8))
		e.push(x86RAX)

	case astc.OpJump:
		disp := e.jmpRel32()
		ctx.AddReloc(RelocBranch, disp, instr.Target())

	case astc.OpJumpIfFalse:
		e.pop(x86RAX)
		e.alu(0x85, x86RAX, x86RAX) // test rax, rax
		disp := e.jeRel32()
		ctx.AddReloc(RelocBranch, disp, instr.Target())

	case astc.OpCallUser:
		disp := e.callRel32()
		ctx.AddReloc(RelocCall, disp, instr.Target())
		e.push(x86RAX) // callee result

	case astc.OpLibcCall:
		funcID, argc := instr.LibcFunc()
		e.movImm32To32(0xBF, uint32(funcID)) // mov edi, funcID
		e.movImm32To32(0xBE, uint32(argc))   // mov esi, argc
		slot := e.movRAXImm64(0)             // bridge address, loader-patched
		ctx.AddReloc(RelocModuleCall, slot, 0)
		e.callReg(x86RAX)
		e.push(x86RAX)

	default:
		return fmt.Errorf("%w: x86_64 cannot encode %s", ErrUnsupportedOp, instr.Op)
	}
	return e.err
}

// EmitEpilogue emits the fall-off-the-end safety net: a stream that ends
// without HALT or RETURN behaves like RETURN.
func (g *X8664Codegen) EmitEpilogue(ctx *EmitContext) error {
	e := &x86Emitter{buf: ctx.Buf}
	e.pop(x86RAX)
	e.ret()
	return e.err
}

// FixupRelocations patches every rel32 branch and call displacement now
// that all native offsets are known. Module-call slots stay pending for
// the loader.
func (g *X8664Codegen) FixupRelocations(ctx *EmitContext) error {
	for _, r := range ctx.Relocations() {
		if r.Kind == RelocModuleCall {
			continue
		}
		native, err := ctx.resolve(r)
		if err != nil {
			return err
		}
		rel := native - (r.NativeOff + 4)
		if err := ctx.Buf.Patch32(r.NativeOff, uint32(int32(rel))); err != nil {
			return err
		}
	}
	return nil
}
