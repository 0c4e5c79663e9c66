package vm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Debugger: breakpoint and stepping support for the Core
// ---------------------------------------------------------------------------

// ErrBreakpoint is returned by ExecuteModule/Resume when execution stops at
// a breakpoint or a requested pause. The core is left paused and can be
// inspected, stepped, or resumed.
var ErrBreakpoint = errors.New("breakpoint")

// Breakpoint describes one configured stop location.
type Breakpoint struct {
	PC     uint32
	Active bool
}

// Debugger holds breakpoints for a Core. It is consulted before each
// instruction when the core was built with EnableDebug. Safe for concurrent
// configuration while a run is in progress.
type Debugger struct {
	mu          sync.Mutex
	breakpoints map[uint32]bool
	pauseReq    bool

	// OnStop, when set, is invoked with the stop location and reason just
	// before the core pauses.
	OnStop func(pc uint32, reason string)
}

// NewDebugger creates an empty debugger.
func NewDebugger() *Debugger {
	return &Debugger{
		breakpoints: make(map[uint32]bool),
	}
}

// SetBreakpoint arms a breakpoint at the given bytecode offset.
func (d *Debugger) SetBreakpoint(pc uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakpoints[pc] = true
}

// RemoveBreakpoint deletes the breakpoint at pc.
func (d *Debugger) RemoveBreakpoint(pc uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.breakpoints[pc]; !exists {
		return fmt.Errorf("no breakpoint at 0x%04X", pc)
	}
	delete(d.breakpoints, pc)
	return nil
}

// EnableBreakpoint re-arms a disabled breakpoint.
func (d *Debugger) EnableBreakpoint(pc uint32) error {
	return d.setActive(pc, true)
}

// DisableBreakpoint keeps the breakpoint but stops it from firing.
func (d *Debugger) DisableBreakpoint(pc uint32) error {
	return d.setActive(pc, false)
}

func (d *Debugger) setActive(pc uint32, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.breakpoints[pc]; !exists {
		return fmt.Errorf("no breakpoint at 0x%04X", pc)
	}
	d.breakpoints[pc] = active
	return nil
}

// HasBreakpoint reports whether an armed breakpoint exists at pc.
func (d *Debugger) HasBreakpoint(pc uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	active, exists := d.breakpoints[pc]
	return exists && active
}

// ListBreakpoints returns all breakpoints ordered by offset.
func (d *Debugger) ListBreakpoints() []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]Breakpoint, 0, len(d.breakpoints))
	for pc, active := range d.breakpoints {
		result = append(result, Breakpoint{PC: pc, Active: active})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PC < result[j].PC })
	return result
}

// ClearAllBreakpoints removes every breakpoint.
func (d *Debugger) ClearAllBreakpoints() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakpoints = make(map[uint32]bool)
}

// RequestPause stops the core before its next instruction, wherever that
// is. May be called from another goroutine while the core runs.
func (d *Debugger) RequestPause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pauseReq = true
}

// shouldBreak is the per-instruction hook called by the core.
func (d *Debugger) shouldBreak(pc uint32) (bool, string) {
	d.mu.Lock()
	pending := d.pauseReq
	d.pauseReq = false
	active, exists := d.breakpoints[pc]
	cb := d.OnStop
	d.mu.Unlock()

	if pending {
		if cb != nil {
			cb(pc, "pause")
		}
		return true, "pause"
	}
	if exists && active {
		if cb != nil {
			cb(pc, "breakpoint")
		}
		return true, "breakpoint"
	}
	return false, ""
}

// ---------------------------------------------------------------------------
// State inspection
// ---------------------------------------------------------------------------

// DumpState renders the core's registers, stack, and status for debugger
// display. The stack prints top-first, at most eight slots.
func (c *Core) DumpState() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state:      %s\n", c.state)
	fmt.Fprintf(&b, "pc:         0x%04X\n", c.pc)
	fmt.Fprintf(&b, "flags:      0x%X\n", uint64(c.flags))
	fmt.Fprintf(&b, "call depth: %d\n", len(c.callStack))
	fmt.Fprintf(&b, "stack:      %d of %d slots\n", c.sp, len(c.stack))
	for i := c.sp - 1; i >= 0 && i >= c.sp-8; i-- {
		fmt.Fprintf(&b, "  [%d] %d (0x%X)\n", i, int64(c.stack[i]), uint64(c.stack[i]))
	}
	for i, r := range c.regs {
		if r != 0 {
			fmt.Fprintf(&b, "r%-2d = %d (0x%X)\n", i, int64(r), uint64(r))
		}
	}
	if c.lastErr != nil {
		fmt.Fprintf(&b, "last error: %v\n", c.lastErr)
	} else {
		fmt.Fprintf(&b, "last error: none\n")
	}
	return b.String()
}
