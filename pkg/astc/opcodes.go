package astc

import "fmt"

// Opcode represents an ASTC bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Control (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpHalt Opcode = 0x01 // Stop execution; result is top of stack (0 if empty)

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConstI32    Opcode = 0x10 // Push i32 immediate, sign-extended: OpConstI32 <imm:i32>
	OpConstString Opcode = 0x12 // Push code-region offset of payload: OpConstString <len:u32> <bytes>

	// ========================================================================
	// Arithmetic (0x20-0x2F)
	// ========================================================================

	OpAdd Opcode = 0x20 // Pop two, push sum
	OpSub Opcode = 0x21 // Pop two, push difference (a - b where b is TOS)
	OpMul Opcode = 0x22 // Pop two, push product
	OpDiv Opcode = 0x23 // Pop two, push signed quotient

	// ========================================================================
	// Registers (0x30-0x3F)
	// ========================================================================

	OpStoreLocal Opcode = 0x30 // Pop and store to register: OpStoreLocal <index:u32>
	OpLoadLocal  Opcode = 0x31 // Push register value: OpLoadLocal <index:u32>

	// ========================================================================
	// Control flow (0x40-0x4F)
	// ========================================================================

	OpJump        Opcode = 0x40 // Unconditional jump: OpJump <offset:u32>
	OpJumpIfFalse Opcode = 0x41 // Pop condition, jump if zero: OpJumpIfFalse <offset:u32>

	// ========================================================================
	// Calls (0x50-0x5F)
	// ========================================================================

	OpCallUser Opcode = 0x50 // Call bytecode function: OpCallUser <offset:u32>

	// ========================================================================
	// Module calls and return (0xF0-0xFF)
	// ========================================================================

	OpLibcCall Opcode = 0xF0 // Delegated host call: OpLibcCall <funcID:u16> <argc:u16>
	OpReturn   Opcode = 0xFF // Return top of stack to the caller (or finish the program)
)

// NumRegisters is the size of the VM register file addressed by
// OpLoadLocal/OpStoreLocal.
const NumRegisters = 16

// OperandVariable marks opcodes whose operand length depends on the encoded
// payload (OpConstString: u32 length prefix plus that many bytes).
const OperandVariable = -1

// OpcodeInfo provides metadata about each opcode for decoding and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack
	OperandLen int    // Operand bytes following the opcode (OperandVariable = length-prefixed)
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Control
	OpNop:  {"NOP", 0, 0, 0},
	OpHalt: {"HALT", 0, 0, 0},

	// Constants
	OpConstI32:    {"CONST_I32", 0, 1, 4},
	OpConstString: {"CONST_STRING", 0, 1, OperandVariable},

	// Arithmetic
	OpAdd: {"ADD", 2, 1, 0},
	OpSub: {"SUB", 2, 1, 0},
	OpMul: {"MUL", 2, 1, 0},
	OpDiv: {"DIV", 2, 1, 0},

	// Registers
	OpStoreLocal: {"STORE_LOCAL", 1, 0, 4},
	OpLoadLocal:  {"LOAD_LOCAL", 0, 1, 4},

	// Control flow
	OpJump:        {"JUMP", 0, 0, 4},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1, 0, 4},

	// Calls
	OpCallUser: {"CALL_USER", 0, 1, 4},

	// Module calls and return
	OpLibcCall: {"LIBC_CALL", -1, 1, 4}, // pops argc values
	OpReturn:   {"RETURN", 1, 0, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Valid reports whether the opcode is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode, or
// OperandVariable for length-prefixed operands.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// IsJump returns true for the branch instructions that carry a code offset.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse
}

// IsTerminator returns true if this opcode ends the current control path.
func (op Opcode) IsTerminator() bool {
	return op == OpHalt || op == OpReturn || op == OpJump
}

// HasCodeTarget returns true if the operand is an absolute code offset
// subject to validation and relocation.
func (op Opcode) HasCodeTarget() bool {
	return op == OpJump || op == OpJumpIfFalse || op == OpCallUser
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
