package vm

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/anvilvm/astc2native/pkg/astc"
)

var optLog = commonlog.GetLogger("astc2native.optimizer")

// ---------------------------------------------------------------------------
// Levels and strategies
// ---------------------------------------------------------------------------

// OptLevel selects how much rewriting the optimizer may do. Each level is
// a superset of the one below it.
type OptLevel uint32

const (
	OptNone OptLevel = iota
	OptBasic
	OptStandard
	OptAggressive
	OptExtreme
)

func (l OptLevel) String() string {
	switch l {
	case OptNone:
		return "none"
	case OptBasic:
		return "basic"
	case OptStandard:
		return "standard"
	case OptAggressive:
		return "aggressive"
	case OptExtreme:
		return "extreme"
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// ParseOptLevel accepts a level name or its numeric form 0..4.
func ParseOptLevel(s string) (OptLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "none":
		return OptNone, nil
	case "1", "basic":
		return OptBasic, nil
	case "2", "standard":
		return OptStandard, nil
	case "3", "aggressive":
		return OptAggressive, nil
	case "4", "extreme":
		return OptExtreme, nil
	}
	return OptNone, fmt.Errorf("unknown optimization level %q", s)
}

// OptStrategy biases the optimizer toward a deployment goal.
type OptStrategy uint32

const (
	StrategySize OptStrategy = iota
	StrategySpeed
	StrategyBalanced
	StrategyPower
	StrategyDebug
)

func (s OptStrategy) String() string {
	switch s {
	case StrategySize:
		return "size"
	case StrategySpeed:
		return "speed"
	case StrategyBalanced:
		return "balanced"
	case StrategyPower:
		return "power"
	case StrategyDebug:
		return "debug"
	}
	return fmt.Sprintf("strategy(%d)", uint32(s))
}

// ParseOptStrategy accepts a strategy name.
func ParseOptStrategy(s string) (OptStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "size":
		return StrategySize, nil
	case "speed":
		return StrategySpeed, nil
	case "balanced":
		return StrategyBalanced, nil
	case "power":
		return StrategyPower, nil
	case "debug":
		return StrategyDebug, nil
	}
	return StrategyBalanced, fmt.Errorf("unknown optimization strategy %q", s)
}

const (
	DefaultMaxInlineDepth  = 3
	DefaultMaxUnrollFactor = 4

	maxInlineBodyInstrs  = 16
	maxInlineSitesPerRun = 16
	maxUnrollBodyInstrs  = 16
	maxPipelineRounds    = 8
)

// OptimizationUnit is the full optimizer configuration: a level, a
// strategy, and the bounded knobs for the expanding passes.
type OptimizationUnit struct {
	Level           OptLevel
	Strategy        OptStrategy
	MaxInlineDepth  int
	MaxUnrollFactor int
}

// NewOptimizationUnit returns a unit with the default knob values.
func NewOptimizationUnit(level OptLevel, strategy OptStrategy) OptimizationUnit {
	return OptimizationUnit{
		Level:           level,
		Strategy:        strategy,
		MaxInlineDepth:  DefaultMaxInlineDepth,
		MaxUnrollFactor: DefaultMaxUnrollFactor,
	}
}

func (u OptimizationUnit) String() string {
	return fmt.Sprintf("%s/%s", u.Level, u.Strategy)
}

// Pass gates. The strategy modulates what the level allows: Debug keeps
// only folding and dead-code elimination, Size trades everything for
// bytes, Power avoids layout changes and unrolling.

func (u OptimizationUnit) foldConstants() bool { return u.Level >= OptBasic }

func (u OptimizationUnit) eliminateDeadCode() bool { return u.Level >= OptBasic }

func (u OptimizationUnit) peephole() bool {
	return u.Level >= OptStandard && u.Strategy != StrategyDebug
}

func (u OptimizationUnit) stripNops() bool {
	return u.Level >= OptStandard && u.Strategy == StrategySize
}

func (u OptimizationUnit) alignLoops() bool {
	return u.Level >= OptStandard &&
		(u.Strategy == StrategySpeed || u.Strategy == StrategyBalanced)
}

func (u OptimizationUnit) inlineCalls() bool {
	return u.Level >= OptAggressive && u.MaxInlineDepth > 0 &&
		u.Strategy != StrategySize && u.Strategy != StrategyDebug
}

func (u OptimizationUnit) unrollLoops() bool {
	return u.Level >= OptAggressive && u.MaxUnrollFactor > 0 &&
		u.Strategy != StrategySize && u.Strategy != StrategyPower && u.Strategy != StrategyDebug
}

func (u OptimizationUnit) threadJumps() bool {
	return u.Level >= OptExtreme && u.Strategy != StrategyDebug
}

func (u OptimizationUnit) forwardStores() bool {
	return u.Level >= OptExtreme && u.Strategy != StrategyDebug
}

// shortImmediates reports whether codegens may pick compact immediate
// encodings (push imm8/imm32 on x86-64) over the uniform baseline forms.
func (u OptimizationUnit) shortImmediates() bool {
	switch u.Strategy {
	case StrategySize, StrategySpeed, StrategyBalanced:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Stream re-encoding with jump-target remapping
// ---------------------------------------------------------------------------

// Passes rewrite the decoded instruction list. Every kept or synthesized
// instruction carries the offset of the instruction (or region) it
// replaces, in non-decreasing order, so re-encoding can remap any old
// branch target to the first surviving instruction at or after it.

// synthInstr builds a replacement instruction at the old offset off.
func synthInstr(off int, op astc.Opcode, operand uint32) astc.Instruction {
	ln := 1
	if op.OperandLen() == 4 {
		ln = 5
	}
	return astc.Instruction{Offset: off, Op: op, Operand: operand, Len: ln}
}

func encodedLen(in astc.Instruction) int {
	if in.Op == astc.OpConstString {
		return 5 + len(in.Str)
	}
	if in.Op.OperandLen() == 4 {
		return 5
	}
	return 1
}

// encodeInstrs re-emits the instruction list as bytecode. Branch and
// call operands and the entry point are remapped from old offsets to the
// new layout.
func encodeInstrs(ins []astc.Instruction, entry, oldEnd uint32) ([]byte, uint32, error) {
	type pair struct{ old, new uint32 }
	pairs := make([]pair, len(ins))
	total := 0
	for i, in := range ins {
		if i > 0 && uint32(in.Offset) < pairs[i-1].old {
			return nil, 0, fmt.Errorf("pass produced unordered stream at index %d", i)
		}
		pairs[i] = pair{uint32(in.Offset), uint32(total)}
		total += encodedLen(in)
	}
	newEnd := uint32(total)

	remap := func(t uint32) uint32 {
		i := sort.Search(len(pairs), func(i int) bool { return pairs[i].old >= t })
		if i == len(pairs) {
			return newEnd
		}
		return pairs[i].new
	}
	_ = oldEnd // targets beyond it were rejected by Validate

	buf := make([]byte, 0, total)
	for _, in := range ins {
		buf = append(buf, byte(in.Op))
		switch {
		case in.Op == astc.OpConstString:
			buf = appendU32(buf, uint32(len(in.Str)))
			buf = append(buf, in.Str...)
		case in.Op.HasCodeTarget():
			buf = appendU32(buf, remap(in.Operand))
		case in.Op.OperandLen() == 4:
			buf = appendU32(buf, in.Operand)
		}
	}
	return buf, remap(entry), nil
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// branchTargets collects every code offset that control can enter
// non-sequentially: branch and call targets plus the entry point.
func branchTargets(ins []astc.Instruction, entry uint32) map[uint32]bool {
	t := map[uint32]bool{entry: true}
	for _, in := range ins {
		if in.Op.HasCodeTarget() {
			t[in.Operand] = true
		}
	}
	return t
}

func isArithOp(op astc.Opcode) bool {
	switch op {
	case astc.OpAdd, astc.OpSub, astc.OpMul, astc.OpDiv:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Passes
// ---------------------------------------------------------------------------

type optPass struct {
	name    string
	enabled func(OptimizationUnit) bool
	run     func(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error)
}

var optPasses = []optPass{
	{"thread-jumps", OptimizationUnit.threadJumps, passThreadJumps},
	{"fold-constants", OptimizationUnit.foldConstants, passFoldConstants},
	{"forward-stores", OptimizationUnit.forwardStores, passForwardStores},
	{"inline-calls", OptimizationUnit.inlineCalls, passInlineCalls},
	{"unroll-loops", OptimizationUnit.unrollLoops, passUnrollLoops},
	{"peephole", OptimizationUnit.peephole, passPeephole},
	{"dead-code", OptimizationUnit.eliminateDeadCode, passDeadCode},
	{"strip-nops", OptimizationUnit.stripNops, passStripNops},
	{"align-loops", OptimizationUnit.alignLoops, passAlignLoops},
}

// passThreadJumps retargets branches that land on an unconditional jump
// straight to the final destination, with a visited set against cycles.
func passThreadJumps(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	byOff := make(map[uint32]int, len(ins))
	for i, in := range ins {
		byOff[uint32(in.Offset)] = i
	}
	changed := false
	for i, in := range ins {
		if !in.Op.IsJump() {
			continue
		}
		t := in.Target()
		seen := map[uint32]bool{t: true}
		for {
			j, ok := byOff[t]
			if !ok || ins[j].Op != astc.OpJump {
				break
			}
			nt := ins[j].Target()
			if seen[nt] {
				break
			}
			seen[nt] = true
			t = nt
		}
		if t != in.Target() {
			ins[i].Operand = t
			changed = true
		}
	}
	return ins, changed, nil
}

// foldArith evaluates op over sign-extended 32-bit constants the way the
// core would, and reports whether the result is itself encodable as a
// 32-bit constant.
func foldArith(op astc.Opcode, a, b int32) (int32, bool) {
	var r int64
	switch op {
	case astc.OpAdd:
		r = int64(a) + int64(b)
	case astc.OpSub:
		r = int64(a) - int64(b)
	case astc.OpMul:
		r = int64(a) * int64(b)
	case astc.OpDiv:
		if b == 0 {
			return 0, false // keep the runtime fault
		}
		r = int64(a) / int64(b)
	default:
		return 0, false
	}
	if r < math.MinInt32 || r > math.MaxInt32 {
		return 0, false
	}
	return int32(r), true
}

// passFoldConstants merges CONST/CONST/arith runs into a single constant
// and folds branches whose condition is a constant. Runs that cross a
// branch target are left alone.
func passFoldConstants(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	leaders := branchTargets(ins, entry)
	changed := false
	for again := true; again; {
		again = false
		for i := 0; i+1 < len(ins); i++ {
			a, b := ins[i], ins[i+1]

			if a.Op == astc.OpConstI32 && b.Op == astc.OpJumpIfFalse && !leaders[uint32(b.Offset)] {
				if a.Imm32() != 0 {
					ins = append(ins[:i], ins[i+2:]...)
				} else {
					ins[i] = synthInstr(a.Offset, astc.OpJump, b.Operand)
					ins = append(ins[:i+1], ins[i+2:]...)
				}
				changed, again = true, true
				continue
			}

			if i+2 < len(ins) {
				c := ins[i+2]
				if a.Op == astc.OpConstI32 && b.Op == astc.OpConstI32 && isArithOp(c.Op) &&
					!leaders[uint32(b.Offset)] && !leaders[uint32(c.Offset)] {
					if v, ok := foldArith(c.Op, a.Imm32(), b.Imm32()); ok {
						ins[i] = synthInstr(a.Offset, astc.OpConstI32, uint32(v))
						ins = append(ins[:i+1], ins[i+3:]...)
						changed, again = true, true
					}
				}
			}
		}
	}
	return ins, changed, nil
}

// passForwardStores replaces register loads with the constant the
// register is known to hold within the current block. Block entry and
// CALL_USER clear all knowledge; module calls cannot touch the register
// file, so they clear nothing.
func passForwardStores(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	leaders := branchTargets(ins, entry)
	known := make(map[uint32]int32)
	var topVal int32
	topOK := false
	changed := false

	for i := range ins {
		in := ins[i]
		if leaders[uint32(in.Offset)] {
			known = make(map[uint32]int32)
			topOK = false
		}
		switch in.Op {
		case astc.OpNop:
		case astc.OpConstI32:
			topVal, topOK = in.Imm32(), true
		case astc.OpStoreLocal:
			if topOK {
				known[in.RegIndex()] = topVal
			} else {
				delete(known, in.RegIndex())
			}
			topOK = false
		case astc.OpLoadLocal:
			if v, ok := known[in.RegIndex()]; ok {
				ins[i] = synthInstr(in.Offset, astc.OpConstI32, uint32(v))
				topVal, topOK = v, true
				changed = true
			} else {
				topOK = false
			}
		case astc.OpCallUser:
			known = make(map[uint32]int32)
			topOK = false
		default:
			topOK = false
		}
	}
	return ins, changed, nil
}

// inlinableBody returns the callee's instructions up to its RETURN when
// the callee is a short straight-line run of stack and register ops.
// Copying such a body in place of the call leaves the same result on the
// stack and the same register file behind, because frames share both.
func inlinableBody(ins []astc.Instruction, byOff map[uint32]int, target uint32) ([]astc.Instruction, bool) {
	j, ok := byOff[target]
	if !ok {
		return nil, false
	}
	var body []astc.Instruction
	for k := j; k < len(ins) && len(body) <= maxInlineBodyInstrs; k++ {
		switch ins[k].Op {
		case astc.OpReturn:
			return body, true
		case astc.OpNop, astc.OpConstI32, astc.OpAdd, astc.OpSub, astc.OpMul, astc.OpDiv,
			astc.OpStoreLocal, astc.OpLoadLocal, astc.OpLibcCall:
			body = append(body, ins[k])
		default:
			return nil, false
		}
	}
	return nil, false
}

func passInlineCalls(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	byOff := make(map[uint32]int, len(ins))
	for i, in := range ins {
		byOff[uint32(in.Offset)] = i
	}
	out := make([]astc.Instruction, 0, len(ins))
	expanded := 0
	for _, in := range ins {
		if in.Op == astc.OpCallUser && expanded < maxInlineSitesPerRun {
			if body, ok := inlinableBody(ins, byOff, in.Target()); ok {
				for _, b := range body {
					b.Offset = in.Offset
					out = append(out, b)
				}
				expanded++
				continue
			}
		}
		out = append(out, in)
	}
	return out, expanded > 0, nil
}

func unrollableBodyOp(in astc.Instruction, counter uint32) bool {
	switch in.Op {
	case astc.OpNop, astc.OpConstI32, astc.OpAdd, astc.OpSub, astc.OpMul, astc.OpDiv,
		astc.OpLoadLocal, astc.OpLibcCall:
		return true
	case astc.OpStoreLocal:
		return in.RegIndex() != counter
	}
	return false
}

// passUnrollLoops fully expands countdown loops with a constant trip
// count:
//
//	CONST n / STORE r
//	L: LOAD r / JUMP_IF_FALSE end
//	   <straight-line body>
//	   LOAD r / CONST 1 / SUB / STORE r / JUMP L
//	end:
//
// The replacement repeats body plus decrement n times, so every body
// iteration still observes the same value of r and r ends at zero.
func passUnrollLoops(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	for i := 0; i+9 <= len(ins); i++ {
		if ins[i].Op != astc.OpConstI32 || ins[i+1].Op != astc.OpStoreLocal {
			continue
		}
		n := ins[i].Imm32()
		if n < 0 || int(n) > u.MaxUnrollFactor {
			continue
		}
		r := ins[i+1].RegIndex()
		h := i + 2
		if ins[h].Op != astc.OpLoadLocal || ins[h].RegIndex() != r ||
			ins[h+1].Op != astc.OpJumpIfFalse {
			continue
		}
		exit := ins[h+1].Target()

		d := -1
		for k := h + 2; k+4 < len(ins); k++ {
			if ins[k].Op == astc.OpLoadLocal && ins[k].RegIndex() == r &&
				ins[k+1].Op == astc.OpConstI32 && ins[k+1].Imm32() == 1 &&
				ins[k+2].Op == astc.OpSub &&
				ins[k+3].Op == astc.OpStoreLocal && ins[k+3].RegIndex() == r &&
				ins[k+4].Op == astc.OpJump && ins[k+4].Target() == uint32(ins[h].Offset) {
				d = k
				break
			}
			if !unrollableBodyOp(ins[k], r) {
				break
			}
		}
		if d < 0 || d-(h+2) > maxUnrollBodyInstrs {
			continue
		}

		exitOff := codeLen
		if d+5 < len(ins) {
			exitOff = uint32(ins[d+5].Offset)
		}
		if exit != exitOff {
			continue
		}

		// Nothing outside the loop may branch into it past its first
		// instruction.
		lo, hi := uint32(ins[i].Offset), uint32(ins[d+4].Offset)
		external := entry > lo && entry <= hi
		for j, in := range ins {
			if j >= i && j <= d+4 {
				continue
			}
			if in.Op.HasCodeTarget() && in.Operand > lo && in.Operand <= hi {
				external = true
				break
			}
		}
		if external {
			continue
		}

		at := ins[i].Offset
		rep := make([]astc.Instruction, 0, 2+int(n)*(d-h+2))
		rep = append(rep,
			synthInstr(at, astc.OpConstI32, uint32(n)),
			synthInstr(at, astc.OpStoreLocal, r))
		body := ins[h+2 : d]
		for it := int32(0); it < n; it++ {
			for _, b := range body {
				b.Offset = at
				rep = append(rep, b)
			}
			rep = append(rep,
				synthInstr(at, astc.OpLoadLocal, r),
				synthInstr(at, astc.OpConstI32, 1),
				synthInstr(at, astc.OpSub, 0),
				synthInstr(at, astc.OpStoreLocal, r))
		}

		out := make([]astc.Instruction, 0, len(ins)-(d+5-i)+len(rep))
		out = append(out, ins[:i]...)
		out = append(out, rep...)
		out = append(out, ins[d+5:]...)
		return out, true, nil
	}
	return ins, false, nil
}

// passPeephole removes LOAD r / STORE r pairs (push then pop of the same
// register) and jumps to the immediately following instruction.
func passPeephole(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	leaders := branchTargets(ins, entry)
	changed := false
	for again := true; again; {
		again = false
		for i := 0; i < len(ins); i++ {
			in := ins[i]

			if in.Op == astc.OpLoadLocal && i+1 < len(ins) &&
				ins[i+1].Op == astc.OpStoreLocal &&
				ins[i+1].RegIndex() == in.RegIndex() &&
				!leaders[uint32(ins[i+1].Offset)] {
				ins = append(ins[:i], ins[i+2:]...)
				changed, again = true, true
				continue
			}

			if in.Op == astc.OpJump {
				next := codeLen
				if i+1 < len(ins) {
					next = uint32(ins[i+1].Offset)
				}
				if in.Target() == next {
					ins = append(ins[:i], ins[i+1:]...)
					changed, again = true, true
				}
			}
		}
	}
	return ins, changed, nil
}

// passDeadCode removes instructions no control path from the entry point
// can reach.
func passDeadCode(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	byOff := make(map[uint32]int, len(ins))
	for i, in := range ins {
		byOff[uint32(in.Offset)] = i
	}
	reach := make([]bool, len(ins))
	var work []int
	if i, ok := byOff[entry]; ok {
		work = append(work, i)
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		if i < 0 || i >= len(ins) || reach[i] {
			continue
		}
		reach[i] = true
		in := ins[i]
		if in.Op.HasCodeTarget() {
			if j, ok := byOff[in.Target()]; ok {
				work = append(work, j)
			}
		}
		if !in.Op.IsTerminator() {
			work = append(work, i+1)
		}
	}

	kept := make([]astc.Instruction, 0, len(ins))
	for i, in := range ins {
		if reach[i] {
			kept = append(kept, in)
		}
	}
	return kept, len(kept) != len(ins), nil
}

// passStripNops drops every NOP. Targets that pointed at one remap to
// the next surviving instruction.
func passStripNops(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	kept := make([]astc.Instruction, 0, len(ins))
	for _, in := range ins {
		if in.Op != astc.OpNop {
			kept = append(kept, in)
		}
	}
	return kept, len(kept) != len(ins), nil
}

// passAlignLoops pads the stream with NOPs so each backward-branch
// target begins at a 4-byte offset. The padding inherits the previous
// instruction's old offset, so remapped branches land on the header
// itself, not the pad.
func passAlignLoops(u OptimizationUnit, ins []astc.Instruction, entry, codeLen uint32) ([]astc.Instruction, bool, error) {
	headers := make(map[uint32]bool)
	for _, in := range ins {
		if in.Op.IsJump() && in.Target() < uint32(in.Offset) {
			headers[in.Target()] = true
		}
	}
	if len(headers) == 0 {
		return ins, false, nil
	}

	out := make([]astc.Instruction, 0, len(ins))
	shift := uint32(0)
	changed := false
	for idx, in := range ins {
		off := uint32(in.Offset)
		if idx > 0 && headers[off] {
			if pad := (4 - (off+shift)%4) % 4; pad > 0 {
				for p := uint32(0); p < pad; p++ {
					out = append(out, synthInstr(ins[idx-1].Offset, astc.OpNop, 0))
				}
				shift += pad
				changed = true
			}
		}
		out = append(out, in)
	}
	return out, changed, nil
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// Optimize runs every pass the unit enables over the module's code and
// returns a new module with remapped branch targets and entry point. The
// input module is not modified. Passes repeat until a fixpoint, so a
// second run over the output is byte-identical. A pass that fails is
// logged and skipped; optimization never turns a valid module into an
// error.
func Optimize(unit OptimizationUnit, m *astc.Module) (*astc.Module, QualityReport, error) {
	if unit.Level == OptNone || len(m.Code) == 0 {
		return m, QualityReport{}, nil
	}

	code := m.Code
	entry := m.EntryPoint
	for round := 0; round < maxPipelineRounds; round++ {
		roundChanged := false
		for _, p := range optPasses {
			if !p.enabled(unit) {
				continue
			}
			ins, err := astc.DecodeAll(code)
			if err != nil {
				optLog.Warningf("pass %s skipped: %s", p.name, err.Error())
				continue
			}
			next, changed, err := p.run(unit, ins, entry, uint32(len(code)))
			if err != nil {
				optLog.Warningf("pass %s skipped: %s", p.name, err.Error())
				continue
			}
			if !changed {
				continue
			}
			newCode, newEntry, err := encodeInstrs(next, entry, uint32(len(code)))
			if err != nil {
				optLog.Warningf("pass %s discarded: %s", p.name, err.Error())
				continue
			}
			optLog.Debugf("pass %s: %d -> %d bytes", p.name, len(code), len(newCode))
			code, entry = newCode, newEntry
			roundChanged = true
		}
		if !roundChanged {
			break
		}
	}

	out := &astc.Module{
		Version:    m.Version,
		EntryPoint: entry,
		Flags:      m.Flags,
		Code:       code,
		Data:       m.Data,
	}
	return out, EvaluateQuality(m.Code, code), nil
}

// ---------------------------------------------------------------------------
// Quality evaluation
// ---------------------------------------------------------------------------

// QualityReport compares an instruction stream before and after
// optimization.
type QualityReport struct {
	SizeReductionPct       float64
	PerfImprovementPct     float64
	InstructionsEliminated int
	OptCount               int
}

// opcodeCost is the static weight model behind PerfImprovementPct:
// straight-line ops cost 1, register traffic 2, multiplies 3, branches
// 2-3, division 10, and calls dominate at 6 (user) and 12 (module).
func opcodeCost(op astc.Opcode) int {
	switch op {
	case astc.OpMul:
		return 3
	case astc.OpDiv:
		return 10
	case astc.OpLoadLocal, astc.OpStoreLocal:
		return 2
	case astc.OpJump:
		return 2
	case astc.OpJumpIfFalse:
		return 3
	case astc.OpCallUser:
		return 6
	case astc.OpLibcCall:
		return 12
	}
	return 1
}

// EvaluateQuality measures how the optimized stream compares to the
// original: byte-size reduction, weighted-cost improvement, instruction
// count delta, and OptCount, a cheap edit-count stand-in (positions
// where the streams disagree plus the net length change).
func EvaluateQuality(original, optimized []byte) QualityReport {
	origIns, _ := astc.DecodeAll(original)
	optIns, _ := astc.DecodeAll(optimized)

	var rep QualityReport
	rep.InstructionsEliminated = len(origIns) - len(optIns)

	origCost, optCost := 0, 0
	for _, in := range origIns {
		origCost += opcodeCost(in.Op)
	}
	for _, in := range optIns {
		optCost += opcodeCost(in.Op)
	}

	if len(original) > 0 {
		rep.SizeReductionPct = 100 * (1 - float64(len(optimized))/float64(len(original)))
	}
	if origCost > 0 {
		rep.PerfImprovementPct = 100 * (1 - float64(optCost)/float64(origCost))
	}

	common := len(origIns)
	if len(optIns) < common {
		common = len(optIns)
	}
	diff := 0
	for i := 0; i < common; i++ {
		a, b := origIns[i], optIns[i]
		if a.Op != b.Op || a.Operand != b.Operand || string(a.Str) != string(b.Str) {
			diff++
		}
	}
	longer := len(origIns) + len(optIns) - 2*common
	rep.OptCount = diff + longer
	return rep
}
