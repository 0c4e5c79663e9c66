package vm

import (
	"errors"
	"fmt"
)

// ErrCode is the numeric execution status a VM run surfaces alongside its
// Go error. The values match the runtime contract consumed by loaders.
type ErrCode int32

const (
	CodeSuccess            ErrCode = 0
	CodeStackOverflow      ErrCode = -1
	CodeStackUnderflow     ErrCode = -2
	CodeInvalidInstruction ErrCode = -3
	CodeDivisionByZero     ErrCode = -4
	CodeModuleCallFailed   ErrCode = -5
)

// String returns the symbolic name of an error code.
func (c ErrCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeStackOverflow:
		return "STACK_OVERFLOW"
	case CodeStackUnderflow:
		return "STACK_UNDERFLOW"
	case CodeInvalidInstruction:
		return "INVALID_INSTRUCTION"
	case CodeDivisionByZero:
		return "DIVISION_BY_ZERO"
	case CodeModuleCallFailed:
		return "MODULE_CALL_FAILED"
	default:
		return fmt.Sprintf("ERR(%d)", int32(c))
	}
}

// Execution sentinels. ExecuteBytecode wraps these in an *ExecutionError
// carrying the failure location.
var (
	ErrStackOverflow      = errors.New("stack overflow")
	ErrStackUnderflow     = errors.New("stack underflow")
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrModuleCallFailed   = errors.New("module call failed: no handler registered")
)

// ExecutionError halts a single VM run and carries the machine state needed
// for diagnosis. Other VM instances are unaffected. Unwrap exposes the
// sentinel above, or the collaborator's own error for failed module calls,
// so errors.Is works against either.
type ExecutionError struct {
	Code       ErrCode
	PC         uint32
	StackDepth int
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v at pc=0x%04X (stack depth %d)", e.Code, e.Err, e.PC, e.StackDepth)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Codegen and registry sentinels. These are fatal for the affected compile
// unit only.
var (
	ErrDuplicateCodegen = errors.New("code generator already registered")
	ErrUnsupportedArch  = errors.New("no code generator registered for architecture")
	ErrUnsupportedOp    = errors.New("instruction not supported by target architecture")
	ErrBufferLimit      = errors.New("code buffer limit exceeded")
	ErrBadRelocation    = errors.New("relocation target not emitted")
)

// ErrCompileFailed wraps decode/validate/codegen failures reported by the
// backend state machine.
var ErrCompileFailed = errors.New("compilation failed")
