package astc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// buildContainer assembles a raw container with full control over each
// header field, for decode failure tests.
func buildContainer(magic string, version, codeSize, dataSize, entry, flags uint32, body []byte) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, magic)
	binary.LittleEndian.PutUint32(buf[4:], version)
	binary.LittleEndian.PutUint32(buf[8:], codeSize)
	binary.LittleEndian.PutUint32(buf[12:], dataSize)
	binary.LittleEndian.PutUint32(buf[16:], entry)
	binary.LittleEndian.PutUint32(buf[20:], flags)
	return append(buf, body...)
}

func TestDecodeRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI32(10)
	b.EmitConstI32(20)
	b.Emit(OpAdd)
	b.Emit(OpReturn)
	b.SetFlags(0x2)
	b.SetData([]byte{1, 2, 3})

	m, err := Decode(b.Serialize())
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if m.Version != Version {
		t.Errorf("Version = %d, want %d", m.Version, Version)
	}
	if m.Flags != 0x2 {
		t.Errorf("Flags = %#x, want 0x2", m.Flags)
	}
	if !bytes.Equal(m.Code, b.Code()) {
		t.Errorf("Code = % X, want % X", m.Code, b.Code())
	}
	if !bytes.Equal(m.Data, []byte{1, 2, 3}) {
		t.Errorf("Data = % X, want 01 02 03", m.Data)
	}
	if !bytes.Equal(m.Serialize(), b.Serialize()) {
		t.Error("Serialize() does not round-trip")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"wrong magic", buildContainer("NOPE", Version, 0, 0, 0, 0, nil)},
		{"lowercase", buildContainer("astc", Version, 0, 0, 0, 0, nil)},
		{"empty", nil},
		{"short", []byte("AS")},
		{"elf", []byte{0x7F, 'E', 'L', 'F', 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		_, err := Decode(tt.data)
		if !errors.Is(err, ErrInvalidMagic) {
			t.Errorf("%s: Decode() error = %v, want ErrInvalidMagic", tt.name, err)
		}
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	for _, version := range []uint32{0, 2, 99, 0x00010001} {
		data := buildContainer(Magic, version, 0, 0, 0, 0, nil)
		if _, err := Decode(data); !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("version %d: Decode() error = %v, want ErrVersionMismatch", version, err)
		}
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	data := buildContainer(Magic, Version, 0, 0, 0, 0, nil)
	if _, err := Decode(data[:HeaderSize-4]); !errors.Is(err, ErrTruncated) {
		t.Errorf("Decode() error = %v, want ErrTruncated", err)
	}
}

func TestDecodeRejectsOversizedRegions(t *testing.T) {
	tests := []struct {
		name               string
		codeSize, dataSize uint32
		body               []byte
	}{
		{"code overruns", 16, 0, make([]byte, 8)},
		{"data overruns", 4, 100, make([]byte, 8)},
		{"overflowing sum", 0xFFFFFFFF, 0xFFFFFFFF, make([]byte, 8)},
	}

	for _, tt := range tests {
		data := buildContainer(Magic, Version, tt.codeSize, tt.dataSize, 0, 0, tt.body)
		if _, err := Decode(data); !errors.Is(err, ErrTruncated) {
			t.Errorf("%s: Decode() error = %v, want ErrTruncated", tt.name, err)
		}
	}
}

func TestDecodeRejectsEntryOutOfRange(t *testing.T) {
	data := buildContainer(Magic, Version, 2, 0, 7, 0, []byte{byte(OpNop), byte(OpHalt)})
	if _, err := Decode(data); !errors.Is(err, ErrBadEntryPoint) {
		t.Errorf("Decode() error = %v, want ErrBadEntryPoint", err)
	}
}

func TestDecodeEmptyModule(t *testing.T) {
	m, err := Decode(buildContainer(Magic, Version, 0, 0, 0, 0, nil))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(m.Code) != 0 || len(m.Data) != 0 {
		t.Errorf("empty module has code=%d data=%d bytes", len(m.Code), len(m.Data))
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI32(3)
	b.EmitU32(OpStoreLocal, 0)
	loop := b.CurrentOffset()
	b.EmitU32(OpLoadLocal, 0)
	exit := b.EmitJump(OpJumpIfFalse)
	b.EmitU32(OpLoadLocal, 0)
	b.EmitConstI32(1)
	b.Emit(OpSub)
	b.EmitU32(OpStoreLocal, 0)
	b.EmitU32(OpJump, loop)
	b.PatchJump(exit)
	b.EmitConstI32(0)
	b.Emit(OpReturn)

	if err := b.Module().Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestValidateRejectsBadJumpTarget(t *testing.T) {
	b := NewBuilder()
	b.EmitU32(OpJump, 1000)
	b.Emit(OpHalt)
	if err := b.Module().Validate(); !errors.Is(err, ErrBadTarget) {
		t.Errorf("Validate() error = %v, want ErrBadTarget", err)
	}
}

func TestValidateRejectsMidInstructionTarget(t *testing.T) {
	b := NewBuilder()
	b.EmitU32(OpJump, 7) // lands inside the CONST_I32 below
	b.EmitConstI32(42)
	b.Emit(OpHalt)
	if err := b.Module().Validate(); !errors.Is(err, ErrBadTarget) {
		t.Errorf("Validate() error = %v, want ErrBadTarget", err)
	}
}

func TestValidateRejectsBadRegister(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI32(1)
	b.EmitU32(OpStoreLocal, NumRegisters)
	b.Emit(OpHalt)
	if err := b.Module().Validate(); !errors.Is(err, ErrBadRegister) {
		t.Errorf("Validate() error = %v, want ErrBadRegister", err)
	}
}

func TestValidateRejectsUnknownOpcode(t *testing.T) {
	m := NewModule([]byte{0xEE})
	if err := m.Validate(); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("Validate() error = %v, want ErrUnknownOpcode", err)
	}
}

func TestValidateRejectsMidInstructionEntry(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI32(1)
	b.Emit(OpHalt)
	m := b.Module()
	m.EntryPoint = 2
	if err := m.Validate(); !errors.Is(err, ErrBadEntryPoint) {
		t.Errorf("Validate() error = %v, want ErrBadEntryPoint", err)
	}
}
