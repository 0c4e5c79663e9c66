// Package astc implements the ASTC bytecode container format: parsing and
// validation of the binary container, lazy instruction decoding, stream
// assembly, and disassembly.
//
// The container is little-endian throughout:
//
//	magic[4] = "ASTC"
//	version, code_size, data_size, entry_point, flags: u32 each
//	<code_size bytes of instruction stream>
//	<data_size bytes of data>
//
// Instructions are a one-byte opcode followed by a fixed 4-byte operand
// word where the opcode takes one (OpConstString instead carries a u32
// length prefix plus payload). The set covers constants, the 16-slot
// register file, arithmetic, control flow, and delegated module calls.
//
// Decoding is strict: an unknown opcode, a truncated operand, or declared
// region sizes that overrun the buffer reject the module before anything
// executes. Module.Validate additionally pins branch/call targets and the
// entry point to instruction boundaries, which the native backend requires
// before code generation.
package astc
