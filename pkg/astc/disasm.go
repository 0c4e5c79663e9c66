package astc

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the module.
func (m *Module) Disassemble() string {
	return m.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable listing with a name header.
func (m *Module) DisassembleWithName(name string) string {
	var sb strings.Builder

	// Header
	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; ASTC v%d\n", m.Version))
	sb.WriteString(fmt.Sprintf("; Flags: 0x%08X\n", m.Flags))
	sb.WriteString(fmt.Sprintf("; Entry: 0x%04X\n", m.EntryPoint))
	if len(m.Data) > 0 {
		sb.WriteString(fmt.Sprintf("; Data: %d bytes\n", len(m.Data)))
	}
	sb.WriteString("\n; Code:\n")

	offset := 0
	for offset < len(m.Code) {
		line, instrLen := disassembleInstruction(m.Code, offset)
		sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
		if instrLen <= 0 {
			break
		}
		offset += instrLen
	}

	return sb.String()
}

// DisassembleInstruction returns a human-readable representation of the
// single instruction at the given offset.
func (m *Module) DisassembleInstruction(offset int) string {
	line, _ := disassembleInstruction(m.Code, offset)
	return line
}

// disassembleInstruction formats one instruction and returns the rendered
// line plus the encoded length. A malformed instruction renders as a
// comment and stops the walk (length 0).
func disassembleInstruction(code []byte, offset int) (string, int) {
	ins, err := DecodeAt(code, offset)
	if err != nil {
		return fmt.Sprintf("; decode error: %v", err), 0
	}

	switch ins.Op {
	case OpConstI32:
		return fmt.Sprintf("CONST_I32 %d", ins.Imm32()), ins.Len

	case OpConstString:
		display := string(ins.Str)
		if len(display) > 40 {
			display = display[:37] + "..."
		}
		display = strings.ReplaceAll(display, "\n", "\\n")
		display = strings.ReplaceAll(display, "\t", "\\t")
		return fmt.Sprintf("CONST_STRING %d %q", ins.Operand, display), ins.Len

	case OpStoreLocal, OpLoadLocal:
		return fmt.Sprintf("%s r%d", ins.Op, ins.RegIndex()), ins.Len

	case OpJump, OpJumpIfFalse, OpCallUser:
		return fmt.Sprintf("%s -> %04X", ins.Op, ins.Target()), ins.Len

	case OpLibcCall:
		funcID, argc := ins.LibcFunc()
		return fmt.Sprintf("LIBC_CALL func=%d argc=%d", funcID, argc), ins.Len

	default:
		return ins.Op.String(), ins.Len
	}
}

// DisassembleToLines returns the disassembly of the code region as a slice
// of lines without the header.
func (m *Module) DisassembleToLines() []string {
	var lines []string
	offset := 0
	for offset < len(m.Code) {
		line, instrLen := disassembleInstruction(m.Code, offset)
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, line))
		if instrLen <= 0 {
			break
		}
		offset += instrLen
	}
	return lines
}

// InstructionCount returns the number of instructions in the code region,
// or -1 if the stream does not decode.
func (m *Module) InstructionCount() int {
	count := 0
	d := Decoder{code: m.Code}
	for {
		_, err := d.Next()
		if err == ErrEndOfCode {
			return count
		}
		if err != nil {
			return -1
		}
		count++
	}
}
