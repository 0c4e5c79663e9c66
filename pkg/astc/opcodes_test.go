package astc

import (
	"strings"
	"testing"
)

func TestAllOpcodesHaveMetadata(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("Opcode 0x%02X has no metadata", op)
		}
	}
}

func TestOpcodeCount(t *testing.T) {
	if count := OpcodeCount(); count != 15 {
		t.Errorf("OpcodeCount() = %d, want 15", count)
	}
}

func TestOpcodeString(t *testing.T) {
	tests := []struct {
		op   Opcode
		want string
	}{
		{OpNop, "NOP"},
		{OpHalt, "HALT"},
		{OpConstI32, "CONST_I32"},
		{OpConstString, "CONST_STRING"},
		{OpAdd, "ADD"},
		{OpSub, "SUB"},
		{OpMul, "MUL"},
		{OpDiv, "DIV"},
		{OpStoreLocal, "STORE_LOCAL"},
		{OpLoadLocal, "LOAD_LOCAL"},
		{OpJump, "JUMP"},
		{OpJumpIfFalse, "JUMP_IF_FALSE"},
		{OpCallUser, "CALL_USER"},
		{OpLibcCall, "LIBC_CALL"},
		{OpReturn, "RETURN"},
	}

	for _, tt := range tests {
		got := tt.op.String()
		if got != tt.want {
			t.Errorf("Opcode(0x%02X).String() = %q, want %q", byte(tt.op), got, tt.want)
		}
	}
}

func TestUnknownOpcodeString(t *testing.T) {
	op := Opcode(0xEE)
	if got := op.String(); !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("Unknown opcode should return UNKNOWN, got %q", got)
	}
	if op.Valid() {
		t.Error("Opcode(0xEE).Valid() = true, want false")
	}
}

func TestOpcodeOperandLen(t *testing.T) {
	tests := []struct {
		op   Opcode
		want int
	}{
		{OpNop, 0},
		{OpHalt, 0},
		{OpConstI32, 4},
		{OpConstString, OperandVariable},
		{OpAdd, 0},
		{OpStoreLocal, 4},
		{OpLoadLocal, 4},
		{OpJump, 4},
		{OpJumpIfFalse, 4},
		{OpCallUser, 4},
		{OpLibcCall, 4},
		{OpReturn, 0},
	}

	for _, tt := range tests {
		if got := tt.op.OperandLen(); got != tt.want {
			t.Errorf("%s.OperandLen() = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestOpcodePredicates(t *testing.T) {
	if !OpJump.IsJump() || !OpJumpIfFalse.IsJump() {
		t.Error("branch opcodes should report IsJump")
	}
	if OpCallUser.IsJump() {
		t.Error("CALL_USER is not a jump")
	}
	for _, op := range []Opcode{OpJump, OpJumpIfFalse, OpCallUser} {
		if !op.HasCodeTarget() {
			t.Errorf("%s.HasCodeTarget() = false, want true", op)
		}
	}
	for _, op := range []Opcode{OpHalt, OpReturn, OpJump} {
		if !op.IsTerminator() {
			t.Errorf("%s.IsTerminator() = false, want true", op)
		}
	}
	if OpJumpIfFalse.IsTerminator() {
		t.Error("JUMP_IF_FALSE falls through, not a terminator")
	}
}

func TestArithmeticStackEffect(t *testing.T) {
	for _, op := range []Opcode{OpAdd, OpSub, OpMul, OpDiv} {
		info := GetOpcodeInfo(op)
		if info.StackPop != 2 || info.StackPush != 1 {
			t.Errorf("%s stack effect = pop %d push %d, want pop 2 push 1",
				op, info.StackPop, info.StackPush)
		}
	}
}
