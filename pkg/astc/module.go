package astc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Container layout. All header fields are little-endian.
const (
	// Magic is the 4-byte container signature.
	Magic = "ASTC"

	// Version is the supported container format version. Compatibility is
	// an exact match.
	Version = 1

	// HeaderSize is the fixed byte length of the container header:
	// magic[4], version, code_size, data_size, entry_point, flags.
	HeaderSize = 24
)

// Sentinel errors for container and instruction decoding. Every failure is
// fatal for the load: a module that trips any of these is rejected before a
// single instruction executes.
var (
	ErrInvalidMagic     = errors.New("not an ASTC module")
	ErrVersionMismatch  = errors.New("unsupported ASTC version")
	ErrTruncated        = errors.New("truncated ASTC module")
	ErrUnknownOpcode    = errors.New("unknown opcode")
	ErrOperandTruncated = errors.New("truncated operand")
	ErrBadTarget        = errors.New("branch target out of range")
	ErrBadRegister      = errors.New("register index out of range")
	ErrBadEntryPoint    = errors.New("entry point out of range")
)

// Module is a parsed ASTC container. Immutable once decoded; Code and Data
// alias the input buffer and must not be written.
type Module struct {
	Version    uint32
	EntryPoint uint32
	Flags      uint32
	Code       []byte
	Data       []byte
}

// Decode parses and validates an ASTC container. The magic is checked
// first, then the version, then the declared region sizes against the
// buffer length. No instruction bytes are examined here; structural
// instruction checks live in Validate.
func Decode(data []byte) (*Module, error) {
	if len(data) < len(Magic) || string(data[:len(Magic)]) != Magic {
		return nil, ErrInvalidMagic
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: have %d header bytes, need %d", ErrTruncated, len(data), HeaderSize)
	}

	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, support %d", ErrVersionMismatch, version, Version)
	}

	codeSize := binary.LittleEndian.Uint32(data[8:12])
	dataSize := binary.LittleEndian.Uint32(data[12:16])
	entry := binary.LittleEndian.Uint32(data[16:20])
	flags := binary.LittleEndian.Uint32(data[20:24])

	need := uint64(HeaderSize) + uint64(codeSize) + uint64(dataSize)
	if need > uint64(len(data)) {
		return nil, fmt.Errorf("%w: declared regions need %d bytes, have %d", ErrTruncated, need, len(data))
	}
	if entry > 0 && entry >= codeSize {
		return nil, fmt.Errorf("%w: entry %d, code size %d", ErrBadEntryPoint, entry, codeSize)
	}

	codeEnd := HeaderSize + int(codeSize)
	return &Module{
		Version:    version,
		EntryPoint: entry,
		Flags:      flags,
		Code:       data[HeaderSize:codeEnd:codeEnd],
		Data:       data[codeEnd : codeEnd+int(dataSize) : codeEnd+int(dataSize)],
	}, nil
}

// NewModule wraps a raw instruction stream in a version-1 module with entry
// point 0 and no data region.
func NewModule(code []byte) *Module {
	return &Module{Version: Version, Code: code}
}

// Serialize re-emits the container in its binary form.
func (m *Module) Serialize() []byte {
	out := make([]byte, HeaderSize+len(m.Code)+len(m.Data))
	copy(out, Magic)
	binary.LittleEndian.PutUint32(out[4:8], m.Version)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(m.Code)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(m.Data)))
	binary.LittleEndian.PutUint32(out[16:20], m.EntryPoint)
	binary.LittleEndian.PutUint32(out[20:24], m.Flags)
	copy(out[HeaderSize:], m.Code)
	copy(out[HeaderSize+len(m.Code):], m.Data)
	return out
}

// Validate walks the full instruction stream and checks structural
// invariants that the header-level Decode cannot see: every opcode is
// known, no operand runs past the code region, register indexes address
// the 16-slot register file, and every branch or call target (and the
// entry point) lands on an instruction boundary.
func (m *Module) Validate() error {
	boundaries := make(map[uint32]bool)
	var targets []Instruction

	d := Decoder{code: m.Code}
	for {
		ins, err := d.Next()
		if err == ErrEndOfCode {
			break
		}
		if err != nil {
			return err
		}
		boundaries[uint32(ins.Offset)] = true

		switch {
		case ins.Op.HasCodeTarget():
			if ins.Target() >= uint32(len(m.Code)) {
				return fmt.Errorf("%w: %s to %d at offset %d (code size %d)",
					ErrBadTarget, ins.Op, ins.Target(), ins.Offset, len(m.Code))
			}
			targets = append(targets, ins)
		case ins.Op == OpStoreLocal || ins.Op == OpLoadLocal:
			if ins.RegIndex() >= NumRegisters {
				return fmt.Errorf("%w: %s %d at offset %d (register file holds %d)",
					ErrBadRegister, ins.Op, ins.RegIndex(), ins.Offset, NumRegisters)
			}
		}
	}

	for _, ins := range targets {
		if !boundaries[ins.Target()] {
			return fmt.Errorf("%w: %s to %d at offset %d lands inside an instruction",
				ErrBadTarget, ins.Op, ins.Target(), ins.Offset)
		}
	}
	if m.EntryPoint != 0 && !boundaries[m.EntryPoint] {
		return fmt.Errorf("%w: entry %d lands inside an instruction", ErrBadEntryPoint, m.EntryPoint)
	}
	return nil
}
