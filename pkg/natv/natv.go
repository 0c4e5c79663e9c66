// Package natv implements the NATV native-module container: the
// architecture-tagged binary blob plus export table that the backend hands
// to the loader. It is not an OS executable format; there are no PE/ELF
// headers, only the fields the loader contract needs.
//
// Layout, little-endian throughout:
//
//	magic[4] = "NATV"
//	version, architecture, module_type, flags: u32 each
//	header_size, code_size, data_size: u32
//	export_count, export_offset: u32
//	<code_size bytes of native code>
//	<data_size bytes of data>
//	exports[export_count] = { name[64], offset u32, size u32, flags u32, reserved u32 }
package natv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic is the 4-byte container signature.
	Magic = "NATV"

	// Version is the supported container version.
	Version = 1

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 40

	// ExportNameLen is the fixed byte length of an export name field,
	// NUL padding included. Names must fit in ExportNameLen-1 bytes.
	ExportNameLen = 64

	// ExportRecordLen is the encoded length of one export record.
	ExportRecordLen = ExportNameLen + 16

	// MaxExports bounds the export table.
	MaxExports = 1024
)

// Module types.
const (
	TypeVM   uint32 = 1 // VM core module
	TypeLibc uint32 = 2 // libc forwarding module
	TypeUser uint32 = 3 // user-defined module
)

// Module flags.
const (
	FlagNone        uint32 = 0
	FlagRelocatable uint32 = 1
	FlagPIC         uint32 = 2
	FlagDebugInfo   uint32 = 4
	FlagOptimized   uint32 = 8
)

// Export flags.
const (
	ExportFunction uint32 = 1
	ExportVariable uint32 = 2
	ExportConstant uint32 = 3
)

// Sentinel errors for container decoding.
var (
	ErrInvalidMagic    = errors.New("not a NATV module")
	ErrVersionMismatch = errors.New("unsupported NATV version")
	ErrTruncated       = errors.New("truncated NATV module")
	ErrBadExportTable  = errors.New("malformed export table")
	ErrNameTooLong     = errors.New("export name too long")
	ErrTooManyExports  = errors.New("too many exports")
)

// Export is one entry of the module export table.
type Export struct {
	Name   string
	Offset uint32 // byte offset into the code region
	Size   uint32 // byte length of the exported region
	Flags  uint32 // ExportFunction, ExportVariable, ExportConstant
}

// Module is a decoded NATV container.
type Module struct {
	Version      uint32
	Architecture uint32 // numeric architecture tag, assigned by the backend
	ModuleType   uint32
	Flags        uint32
	Code         []byte
	Data         []byte
	Exports      []Export
}

// Encode emits the module in container form. Export names longer than
// ExportNameLen-1 bytes and tables larger than MaxExports are rejected.
func (m *Module) Encode() ([]byte, error) {
	if len(m.Exports) > MaxExports {
		return nil, fmt.Errorf("%w: %d, limit %d", ErrTooManyExports, len(m.Exports), MaxExports)
	}
	for _, e := range m.Exports {
		if len(e.Name) >= ExportNameLen {
			return nil, fmt.Errorf("%w: %q is %d bytes, limit %d", ErrNameTooLong, e.Name, len(e.Name), ExportNameLen-1)
		}
	}

	exportOffset := HeaderSize + len(m.Code) + len(m.Data)
	total := exportOffset + len(m.Exports)*ExportRecordLen
	out := make([]byte, total)

	copy(out, Magic)
	le := binary.LittleEndian
	le.PutUint32(out[4:], m.Version)
	le.PutUint32(out[8:], m.Architecture)
	le.PutUint32(out[12:], m.ModuleType)
	le.PutUint32(out[16:], m.Flags)
	le.PutUint32(out[20:], HeaderSize)
	le.PutUint32(out[24:], uint32(len(m.Code)))
	le.PutUint32(out[28:], uint32(len(m.Data)))
	le.PutUint32(out[32:], uint32(len(m.Exports)))
	le.PutUint32(out[36:], uint32(exportOffset))

	copy(out[HeaderSize:], m.Code)
	copy(out[HeaderSize+len(m.Code):], m.Data)

	rec := out[exportOffset:]
	for _, e := range m.Exports {
		copy(rec[:ExportNameLen], e.Name)
		le.PutUint32(rec[ExportNameLen:], e.Offset)
		le.PutUint32(rec[ExportNameLen+4:], e.Size)
		le.PutUint32(rec[ExportNameLen+8:], e.Flags)
		le.PutUint32(rec[ExportNameLen+12:], 0) // reserved
		rec = rec[ExportRecordLen:]
	}
	return out, nil
}

// Decode parses and validates a NATV container. Magic first, then version,
// then size arithmetic against the buffer, then the export table.
func Decode(data []byte) (*Module, error) {
	if len(data) < len(Magic) || string(data[:len(Magic)]) != Magic {
		return nil, ErrInvalidMagic
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: have %d header bytes, need %d", ErrTruncated, len(data), HeaderSize)
	}

	le := binary.LittleEndian
	version := le.Uint32(data[4:])
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, support %d", ErrVersionMismatch, version, Version)
	}

	headerSize := le.Uint32(data[20:])
	if headerSize < HeaderSize || uint64(headerSize) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: header size %d", ErrTruncated, headerSize)
	}

	codeSize := le.Uint32(data[24:])
	dataSize := le.Uint32(data[28:])
	if uint64(headerSize)+uint64(codeSize)+uint64(dataSize) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: declared regions overrun %d-byte buffer", ErrTruncated, len(data))
	}

	exportCount := le.Uint32(data[32:])
	exportOffset := le.Uint32(data[36:])
	if exportCount > MaxExports {
		return nil, fmt.Errorf("%w: %d, limit %d", ErrTooManyExports, exportCount, MaxExports)
	}
	tableEnd := uint64(exportOffset) + uint64(exportCount)*ExportRecordLen
	if exportCount > 0 && (uint64(exportOffset) < uint64(headerSize) || tableEnd > uint64(len(data))) {
		return nil, fmt.Errorf("%w: table of %d at offset %d overruns %d-byte buffer",
			ErrBadExportTable, exportCount, exportOffset, len(data))
	}

	m := &Module{
		Version:      version,
		Architecture: le.Uint32(data[8:]),
		ModuleType:   le.Uint32(data[12:]),
		Flags:        le.Uint32(data[16:]),
	}
	codeStart := int(headerSize)
	m.Code = data[codeStart : codeStart+int(codeSize) : codeStart+int(codeSize)]
	dataStart := codeStart + int(codeSize)
	m.Data = data[dataStart : dataStart+int(dataSize) : dataStart+int(dataSize)]

	rec := data[exportOffset:]
	for i := uint32(0); i < exportCount; i++ {
		name := rec[:ExportNameLen]
		end := 0
		for end < len(name) && name[end] != 0 {
			end++
		}
		e := Export{
			Name:   string(name[:end]),
			Offset: le.Uint32(rec[ExportNameLen:]),
			Size:   le.Uint32(rec[ExportNameLen+4:]),
			Flags:  le.Uint32(rec[ExportNameLen+8:]),
		}
		if uint64(e.Offset)+uint64(e.Size) > uint64(codeSize) {
			return nil, fmt.Errorf("%w: export %q spans [%d, %d) outside %d-byte code",
				ErrBadExportTable, e.Name, e.Offset, uint64(e.Offset)+uint64(e.Size), codeSize)
		}
		m.Exports = append(m.Exports, e)
		rec = rec[ExportRecordLen:]
	}
	return m, nil
}

// Lookup returns the export with the given name.
func (m *Module) Lookup(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}
