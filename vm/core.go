package vm

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/anvilvm/astc2native/pkg/astc"
)

// ---------------------------------------------------------------------------
// Core: ASTC bytecode execution engine
// ---------------------------------------------------------------------------

// Value is a single VM cell. Arithmetic treats it as a 64-bit
// two's-complement integer; CONST_STRING pushes code-region offsets in it.
type Value uint64

// DefaultStackSize is the operand stack capacity used when Config leaves
// StackSize zero.
const DefaultStackSize = 1024

// MaxCallDepth bounds CALL_USER nesting. Exceeding it is a stack-overflow
// fault.
const MaxCallDepth = 256

// ModuleCallHandler services LIBC_CALL instructions. Arguments arrive in
// push order. The returned value is pushed as the call's result; a returned
// error faults the run with MODULE_CALL_FAILED and is preserved unwrapped.
type ModuleCallHandler func(funcID uint16, args []Value) (Value, error)

// Config sizes and gates a Core.
type Config struct {
	StackSize         int  // operand stack slots (0 = DefaultStackSize)
	EnableModuleCalls bool // allow LIBC_CALL delegation
	EnableDebug       bool // honor an attached Debugger
}

// CoreState tracks where a Core is in its run lifecycle.
type CoreState int

const (
	StateReady CoreState = iota
	StateRunning
	StatePaused
	StateHalted
	StateFaulted
)

func (s CoreState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CoreStats counts what one run did. Reset at the start of every execute.
type CoreStats struct {
	Instructions  uint64
	UserCalls     uint64
	ModuleCalls   uint64
	MaxStackDepth int
	Errors        uint64
}

// Core executes ASTC bytecode: an operand stack plus 16 general registers
// shared across CALL_USER frames. A Core is owned by one goroutine; run
// state never migrates between instances.
type Core struct {
	cfg Config

	code []byte
	data []byte

	stack     []Value
	sp        int
	regs      [astc.NumRegisters]Value
	flags     Value // reserved for conditional encodings
	pc        uint32
	callStack []uint32

	state   CoreState
	lastErr *ExecutionError
	stats   CoreStats

	handler  ModuleCallHandler
	tracker  *Tracker
	debugger *Debugger

	tick time.Time // last hot-spot sample point
}

// NewCore builds an execution core from cfg.
func NewCore(cfg Config) *Core {
	if cfg.StackSize <= 0 {
		cfg.StackSize = DefaultStackSize
	}
	return &Core{
		cfg:       cfg,
		stack:     make([]Value, cfg.StackSize),
		callStack: make([]uint32, 0, 16),
		state:     StateReady,
	}
}

// SetModuleCallHandler registers the LIBC_CALL delegate. Passing nil
// removes it.
func (c *Core) SetModuleCallHandler(h ModuleCallHandler) {
	c.handler = h
}

// AttachTracker feeds backward jumps and CALL_USER targets into t during
// execution. Passing nil detaches.
func (c *Core) AttachTracker(t *Tracker) {
	c.tracker = t
}

// AttachDebugger installs d. It is only consulted when Config.EnableDebug
// is set.
func (c *Core) AttachDebugger(d *Debugger) {
	c.debugger = d
}

// State returns the lifecycle state of the core.
func (c *Core) State() CoreState {
	return c.state
}

// PC returns the current program counter.
func (c *Core) PC() uint32 {
	return c.pc
}

// StackDepth returns the number of live operand slots.
func (c *Core) StackDepth() int {
	return c.sp
}

// Registers returns a copy of the 16 general registers.
func (c *Core) Registers() [astc.NumRegisters]Value {
	return c.regs
}

// LastError returns the fault that ended the most recent run, or nil.
func (c *Core) LastError() *ExecutionError {
	return c.lastErr
}

// Stats returns the counters for the current or most recent run.
func (c *Core) Stats() CoreStats {
	return c.stats
}

// ---------------------------------------------------------------------------
// Execution entry points
// ---------------------------------------------------------------------------

// ExecuteModule runs a decoded container from its entry point. It returns
// the program result: the HALT-time top of stack (0 when empty) or the
// outer frame's RETURN value.
func (c *Core) ExecuteModule(m *astc.Module) (Value, error) {
	if m == nil {
		return 0, fmt.Errorf("execute: nil module")
	}
	c.reset(m.Code, m.Data, m.EntryPoint)
	return c.run(false)
}

// ExecuteBytecode runs a bare instruction stream from offset 0.
func (c *Core) ExecuteBytecode(code []byte) (Value, error) {
	c.reset(code, nil, 0)
	return c.run(false)
}

func (c *Core) reset(code, data []byte, entry uint32) {
	c.code = code
	c.data = data
	c.sp = 0
	c.regs = [astc.NumRegisters]Value{}
	c.flags = 0
	c.pc = entry
	c.callStack = c.callStack[:0]
	c.state = StateRunning
	c.lastErr = nil
	c.stats = CoreStats{}
	c.tick = time.Now()
}

// run drives execOne until the program ends, faults, or hits a breakpoint.
// skipBreak suppresses the breakpoint check for the first instruction so
// Resume does not re-trip the breakpoint it is parked on.
func (c *Core) run(skipBreak bool) (Value, error) {
	for {
		if c.cfg.EnableDebug && c.debugger != nil && !skipBreak {
			if hit, reason := c.debugger.shouldBreak(c.pc); hit {
				c.state = StatePaused
				return 0, fmt.Errorf("%w at pc=0x%04X (%s)", ErrBreakpoint, c.pc, reason)
			}
		}
		skipBreak = false

		done, result, err := c.execOne()
		if err != nil {
			return 0, err
		}
		if done {
			return result, nil
		}
	}
}

// Resume continues a paused core until the next stopping point.
func (c *Core) Resume() (Value, error) {
	if c.state != StatePaused {
		return 0, fmt.Errorf("resume: core is %s, not paused", c.state)
	}
	c.state = StateRunning
	return c.run(true)
}

// Step executes exactly one instruction of a paused core, ignoring
// breakpoints. done reports that the program finished during the step, in
// which case result carries its value; otherwise the core is paused again.
func (c *Core) Step() (done bool, result Value, err error) {
	if c.state != StatePaused {
		return false, 0, fmt.Errorf("step: core is %s, not paused", c.state)
	}
	c.state = StateRunning
	done, result, err = c.execOne()
	if err != nil {
		return false, 0, err
	}
	if done {
		return true, result, nil
	}
	c.state = StatePaused
	return false, 0, nil
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (c *Core) push(v Value) error {
	if c.sp >= len(c.stack) {
		return c.fault(CodeStackOverflow, ErrStackOverflow)
	}
	c.stack[c.sp] = v
	c.sp++
	if c.sp > c.stats.MaxStackDepth {
		c.stats.MaxStackDepth = c.sp
	}
	return nil
}

// pop returns the sentinel value 0 alongside the underflow fault so a
// misbehaving program stops with a diagnosable error instead of crashing.
func (c *Core) pop() (Value, error) {
	if c.sp == 0 {
		return 0, c.fault(CodeStackUnderflow, ErrStackUnderflow)
	}
	c.sp--
	return c.stack[c.sp], nil
}

func (c *Core) fault(code ErrCode, err error) error {
	e := &ExecutionError{
		Code:       code,
		PC:         c.pc,
		StackDepth: c.sp,
		Err:        err,
	}
	c.state = StateFaulted
	c.lastErr = e
	c.stats.Errors++
	return e
}

// fetchU32 reads the 4-byte little-endian operand at pc and advances past
// it.
func (c *Core) fetchU32() (uint32, error) {
	if int(c.pc)+4 > len(c.code) {
		return 0, c.fault(CodeInvalidInstruction,
			fmt.Errorf("%w: truncated operand at pc=0x%04X", ErrInvalidInstruction, c.pc))
	}
	v := binary.LittleEndian.Uint32(c.code[c.pc:])
	c.pc += 4
	return v, nil
}

func (c *Core) checkTarget(target uint32) error {
	if int(target) > len(c.code) {
		return c.fault(CodeInvalidInstruction,
			fmt.Errorf("%w: jump target 0x%04X outside code (size %d)",
				ErrInvalidInstruction, target, len(c.code)))
	}
	return nil
}

// sample feeds the hot-spot tracker with the time spent since the previous
// sample point.
func (c *Core) sample(target uint32) {
	if c.tracker == nil {
		return
	}
	now := time.Now()
	c.tracker.Record(target, now.Sub(c.tick))
	c.tick = now
}

// ---------------------------------------------------------------------------
// Instruction dispatch
// ---------------------------------------------------------------------------

// execOne decodes and executes the instruction at pc. done is true when the
// program completed (HALT, outer-frame RETURN, or running off the end of
// the code region, which behaves like HALT).
func (c *Core) execOne() (done bool, result Value, err error) {
	if int(c.pc) >= len(c.code) {
		return true, c.halt(), nil
	}

	instrOff := c.pc
	op := astc.Opcode(c.code[c.pc])
	c.pc++
	c.stats.Instructions++

	switch op {
	case astc.OpNop:
		// Do nothing

	case astc.OpHalt:
		return true, c.halt(), nil

	case astc.OpConstI32:
		imm, err := c.fetchU32()
		if err != nil {
			return false, 0, err
		}
		if err := c.push(Value(int64(int32(imm)))); err != nil {
			return false, 0, err
		}

	case astc.OpConstString:
		length, err := c.fetchU32()
		if err != nil {
			return false, 0, err
		}
		payload := c.pc
		if int(payload)+int(length) > len(c.code) {
			return false, 0, c.fault(CodeInvalidInstruction,
				fmt.Errorf("%w: string payload of %d bytes at pc=0x%04X overruns code",
					ErrInvalidInstruction, length, instrOff))
		}
		c.pc += length
		if err := c.push(Value(payload)); err != nil {
			return false, 0, err
		}

	case astc.OpAdd, astc.OpSub, astc.OpMul, astc.OpDiv:
		b, err := c.pop()
		if err != nil {
			return false, 0, err
		}
		a, err := c.pop()
		if err != nil {
			return false, 0, err
		}
		r, err := c.arith(op, a, b)
		if err != nil {
			return false, 0, err
		}
		if err := c.push(r); err != nil {
			return false, 0, err
		}

	case astc.OpStoreLocal:
		idx, err := c.fetchU32()
		if err != nil {
			return false, 0, err
		}
		if idx >= astc.NumRegisters {
			return false, 0, c.fault(CodeInvalidInstruction,
				fmt.Errorf("%w: register r%d out of range", ErrInvalidInstruction, idx))
		}
		v, err := c.pop()
		if err != nil {
			return false, 0, err
		}
		c.regs[idx] = v

	case astc.OpLoadLocal:
		idx, err := c.fetchU32()
		if err != nil {
			return false, 0, err
		}
		if idx >= astc.NumRegisters {
			return false, 0, c.fault(CodeInvalidInstruction,
				fmt.Errorf("%w: register r%d out of range", ErrInvalidInstruction, idx))
		}
		if err := c.push(c.regs[idx]); err != nil {
			return false, 0, err
		}

	case astc.OpJump:
		target, err := c.fetchU32()
		if err != nil {
			return false, 0, err
		}
		if err := c.checkTarget(target); err != nil {
			return false, 0, err
		}
		if target <= instrOff {
			c.sample(target)
		}
		c.pc = target

	case astc.OpJumpIfFalse:
		target, err := c.fetchU32()
		if err != nil {
			return false, 0, err
		}
		cond, err := c.pop()
		if err != nil {
			return false, 0, err
		}
		if cond == 0 {
			if err := c.checkTarget(target); err != nil {
				return false, 0, err
			}
			if target <= instrOff {
				c.sample(target)
			}
			c.pc = target
		}

	case astc.OpCallUser:
		target, err := c.fetchU32()
		if err != nil {
			return false, 0, err
		}
		if err := c.checkTarget(target); err != nil {
			return false, 0, err
		}
		if len(c.callStack) >= MaxCallDepth {
			return false, 0, c.fault(CodeStackOverflow,
				fmt.Errorf("%w: call depth %d exceeded", ErrStackOverflow, MaxCallDepth))
		}
		c.callStack = append(c.callStack, c.pc)
		c.stats.UserCalls++
		c.sample(target)
		c.pc = target

	case astc.OpLibcCall:
		operand, err := c.fetchU32()
		if err != nil {
			return false, 0, err
		}
		funcID := uint16(operand & 0xFFFF)
		argc := int(operand >> 16)
		if !c.cfg.EnableModuleCalls || c.handler == nil {
			return false, 0, c.fault(CodeModuleCallFailed, ErrModuleCallFailed)
		}
		args := make([]Value, argc)
		for i := argc - 1; i >= 0; i-- {
			v, err := c.pop()
			if err != nil {
				return false, 0, err
			}
			args[i] = v
		}
		c.stats.ModuleCalls++
		r, herr := c.handler(funcID, args)
		if herr != nil {
			return false, 0, c.fault(CodeModuleCallFailed, herr)
		}
		if err := c.push(r); err != nil {
			return false, 0, err
		}

	case astc.OpReturn:
		r, err := c.pop()
		if err != nil {
			return false, 0, err
		}
		if len(c.callStack) == 0 {
			// Outer frame: the program's result
			c.state = StateHalted
			return true, r, nil
		}
		ret := c.callStack[len(c.callStack)-1]
		c.callStack = c.callStack[:len(c.callStack)-1]
		c.pc = ret
		if err := c.push(r); err != nil {
			return false, 0, err
		}

	default:
		return false, 0, c.fault(CodeInvalidInstruction,
			fmt.Errorf("%w: opcode 0x%02X at offset %d", ErrInvalidInstruction, byte(op), instrOff))
	}

	return false, 0, nil
}

// halt ends the run with the conventional result: top of stack, or 0 when
// the stack is empty.
func (c *Core) halt() Value {
	c.state = StateHalted
	if c.sp > 0 {
		return c.stack[c.sp-1]
	}
	return 0
}

// arith applies a binary opcode with 64-bit two's-complement semantics.
// DIV is signed; the MinInt64 / -1 quotient wraps to MinInt64.
func (c *Core) arith(op astc.Opcode, a, b Value) (Value, error) {
	switch op {
	case astc.OpAdd:
		return a + b, nil
	case astc.OpSub:
		return a - b, nil
	case astc.OpMul:
		return a * b, nil
	case astc.OpDiv:
		if b == 0 {
			return 0, c.fault(CodeDivisionByZero, ErrDivisionByZero)
		}
		return Value(int64(a) / int64(b)), nil
	}
	return 0, c.fault(CodeInvalidInstruction,
		fmt.Errorf("%w: opcode 0x%02X is not arithmetic", ErrInvalidInstruction, byte(op)))
}
