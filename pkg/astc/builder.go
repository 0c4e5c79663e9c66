package astc

import "encoding/binary"

// Builder assembles ASTC instruction streams. It exists for the front-end
// collaborator, for fixtures, and for the optimizer's re-encoding step;
// the decoder never depends on it.
type Builder struct {
	code  []byte
	data  []byte
	entry uint32
	flags uint32
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Emit appends a zero-operand instruction and returns its code offset.
func (b *Builder) Emit(op Opcode) int {
	offset := len(b.code)
	b.code = append(b.code, byte(op))
	return offset
}

// EmitU32 appends an instruction with a 4-byte little-endian operand and
// returns its code offset.
func (b *Builder) EmitU32(op Opcode, operand uint32) int {
	offset := len(b.code)
	b.code = append(b.code, byte(op), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(b.code[offset+1:], operand)
	return offset
}

// EmitConstI32 appends an OpConstI32 with the given immediate.
func (b *Builder) EmitConstI32(imm int32) int {
	return b.EmitU32(OpConstI32, uint32(imm))
}

// EmitConstString appends an OpConstString with the payload inline.
func (b *Builder) EmitConstString(s string) int {
	offset := b.EmitU32(OpConstString, uint32(len(s)))
	b.code = append(b.code, s...)
	return offset
}

// EmitLibcCall appends an OpLibcCall for the given function id and
// argument count.
func (b *Builder) EmitLibcCall(funcID, argc uint16) int {
	return b.EmitU32(OpLibcCall, uint32(funcID)|uint32(argc)<<16)
}

// EmitJump appends a branch with a placeholder target and returns the
// offset of the placeholder bytes for a later PatchJump.
func (b *Builder) EmitJump(op Opcode) int {
	offset := b.EmitU32(op, 0xFFFFFFFF)
	return offset + 1
}

// PatchJump points a placeholder emitted by EmitJump at the current
// offset.
func (b *Builder) PatchJump(placeholderOffset int) {
	b.PatchJumpTo(placeholderOffset, uint32(len(b.code)))
}

// PatchJumpTo points a placeholder emitted by EmitJump at an explicit
// target offset.
func (b *Builder) PatchJumpTo(placeholderOffset int, target uint32) {
	binary.LittleEndian.PutUint32(b.code[placeholderOffset:placeholderOffset+4], target)
}

// CurrentOffset returns the offset the next instruction will occupy.
// Useful as a backward branch target.
func (b *Builder) CurrentOffset() uint32 {
	return uint32(len(b.code))
}

// SetEntry sets the module entry point.
func (b *Builder) SetEntry(offset uint32) { b.entry = offset }

// SetFlags sets the module flag word.
func (b *Builder) SetFlags(flags uint32) { b.flags = flags }

// SetData sets the module data region.
func (b *Builder) SetData(data []byte) { b.data = data }

// Code returns the assembled instruction stream.
func (b *Builder) Code() []byte { return b.code }

// Module wraps the assembled stream in a Module.
func (b *Builder) Module() *Module {
	return &Module{
		Version:    Version,
		EntryPoint: b.entry,
		Flags:      b.flags,
		Code:       b.code,
		Data:       b.data,
	}
}

// Serialize emits the assembled module in container form.
func (b *Builder) Serialize() []byte {
	return b.Module().Serialize()
}
