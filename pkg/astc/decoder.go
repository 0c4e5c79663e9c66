package astc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrEndOfCode is returned by Decoder.Next when the stream is exhausted.
// It marks normal termination, not a format failure.
var ErrEndOfCode = errors.New("end of code")

// Instruction is one decoded ASTC instruction. Str aliases the code region
// for OpConstString and is nil otherwise.
type Instruction struct {
	Offset  int    // code offset of the opcode byte
	Op      Opcode // the opcode
	Operand uint32 // raw little-endian operand word (0 when the opcode has none)
	Str     []byte // OpConstString payload
	Len     int    // total encoded length, opcode byte included
}

// Imm32 returns the OpConstI32 immediate.
func (in Instruction) Imm32() int32 { return int32(in.Operand) }

// Target returns the absolute code offset carried by jump and call opcodes.
func (in Instruction) Target() uint32 { return in.Operand }

// RegIndex returns the register index carried by OpLoadLocal/OpStoreLocal.
func (in Instruction) RegIndex() uint32 { return in.Operand }

// LibcFunc splits the OpLibcCall operand into its function id and argument
// count halves.
func (in Instruction) LibcFunc() (funcID, argc uint16) {
	return uint16(in.Operand), uint16(in.Operand >> 16)
}

// StrOffset returns the code-region offset of the OpConstString payload,
// the value the instruction pushes at run time.
func (in Instruction) StrOffset() uint32 { return uint32(in.Offset) + 5 }

// Next returns the code offset of the following instruction.
func (in Instruction) Next() int { return in.Offset + in.Len }

// DecodeAt decodes the single instruction at the given code offset.
// Decoding never reads past the end of code: a truncated operand or an
// unknown opcode is an error, with the offending offset in the message.
func DecodeAt(code []byte, off int) (Instruction, error) {
	if off < 0 || off >= len(code) {
		return Instruction{}, fmt.Errorf("%w: offset %d outside code of %d bytes", ErrTruncated, off, len(code))
	}

	op := Opcode(code[off])
	if !op.Valid() {
		return Instruction{}, fmt.Errorf("%w: 0x%02X at offset %d", ErrUnknownOpcode, byte(op), off)
	}

	ins := Instruction{Offset: off, Op: op, Len: 1}
	operandLen := op.OperandLen()

	if operandLen == OperandVariable {
		// OpConstString: u32 length prefix, then the payload bytes.
		if off+5 > len(code) {
			return Instruction{}, fmt.Errorf("%w: %s length at offset %d", ErrOperandTruncated, op, off)
		}
		strLen := binary.LittleEndian.Uint32(code[off+1 : off+5])
		end := off + 5 + int(strLen)
		if int(strLen) < 0 || end > len(code) {
			return Instruction{}, fmt.Errorf("%w: %s of %d bytes at offset %d overruns code", ErrOperandTruncated, op, strLen, off)
		}
		ins.Operand = strLen
		ins.Str = code[off+5 : end : end]
		ins.Len = 5 + int(strLen)
		return ins, nil
	}

	if operandLen > 0 {
		if off+1+operandLen > len(code) {
			return Instruction{}, fmt.Errorf("%w: %s at offset %d", ErrOperandTruncated, op, off)
		}
		ins.Operand = binary.LittleEndian.Uint32(code[off+1 : off+1+operandLen])
		ins.Len = 1 + operandLen
	}
	return ins, nil
}

// Decoder walks an instruction stream lazily from front to back. It is
// restartable via Reset and fails fast: after the first error, Next keeps
// returning the same error without advancing.
type Decoder struct {
	code []byte
	pc   int
	err  error
}

// NewDecoder returns a decoder over the module's code region.
func NewDecoder(m *Module) *Decoder {
	return &Decoder{code: m.Code}
}

// NewCodeDecoder returns a decoder over a raw instruction stream.
func NewCodeDecoder(code []byte) *Decoder {
	return &Decoder{code: code}
}

// Next decodes and returns the next instruction. Returns ErrEndOfCode once
// the stream is exhausted.
func (d *Decoder) Next() (Instruction, error) {
	if d.err != nil {
		return Instruction{}, d.err
	}
	if d.pc >= len(d.code) {
		return Instruction{}, ErrEndOfCode
	}
	ins, err := DecodeAt(d.code, d.pc)
	if err != nil {
		d.err = err
		return Instruction{}, err
	}
	d.pc = ins.Next()
	return ins, nil
}

// Offset returns the code offset the decoder will read next.
func (d *Decoder) Offset() int { return d.pc }

// Reset restarts the decoder from the beginning of the stream and clears
// any sticky error.
func (d *Decoder) Reset() {
	d.pc = 0
	d.err = nil
}

// DecodeAll eagerly decodes a full instruction stream. Any decode failure
// aborts the whole operation; no partial trust.
func DecodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	d := Decoder{code: code}
	for {
		ins, err := d.Next()
		if err == ErrEndOfCode {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
}
