package vm

import (
	"encoding/binary"
	"fmt"
)

// DefaultCodeBufferCap is the initial capacity for generated code buffers.
// Typical modules compile to a few hundred bytes, so one page is plenty to
// avoid regrowth in the common case.
const DefaultCodeBufferCap = 4096

// MaxCodeBufferSize caps generated code at 64 MiB. A module that emits
// more than this is malformed or hostile.
const MaxCodeBufferSize = 64 << 20

// CodeBuffer accumulates generated machine code. Emission is append-only:
// offsets handed out by Len are stable for the lifetime of the buffer, so
// they can be recorded in relocation entries and patched later.
type CodeBuffer struct {
	buf []byte
	max int
}

// NewCodeBuffer returns an empty buffer with the default growth limit.
func NewCodeBuffer() *CodeBuffer {
	return &CodeBuffer{
		buf: make([]byte, 0, DefaultCodeBufferCap),
		max: MaxCodeBufferSize,
	}
}

// NewCodeBufferLimit returns an empty buffer that refuses to grow past
// max bytes.
func NewCodeBufferLimit(max int) *CodeBuffer {
	if max <= 0 || max > MaxCodeBufferSize {
		max = MaxCodeBufferSize
	}
	cap := DefaultCodeBufferCap
	if cap > max {
		cap = max
	}
	return &CodeBuffer{
		buf: make([]byte, 0, cap),
		max: max,
	}
}

// Len returns the number of bytes emitted so far. This is also the offset
// the next emitted byte will land at.
func (b *CodeBuffer) Len() int {
	return len(b.buf)
}

// Cap returns the current capacity of the underlying storage.
func (b *CodeBuffer) Cap() int {
	return cap(b.buf)
}

func (b *CodeBuffer) ensure(n int) error {
	if len(b.buf)+n > b.max {
		return fmt.Errorf("%w: %d + %d exceeds %d bytes", ErrBufferLimit, len(b.buf), n, b.max)
	}
	return nil
}

// EmitByte appends a single byte.
func (b *CodeBuffer) EmitByte(v byte) error {
	if err := b.ensure(1); err != nil {
		return err
	}
	b.buf = append(b.buf, v)
	return nil
}

// EmitBytes appends a byte sequence verbatim.
func (b *CodeBuffer) EmitBytes(v ...byte) error {
	if err := b.ensure(len(v)); err != nil {
		return err
	}
	b.buf = append(b.buf, v...)
	return nil
}

// EmitU16 appends a 16-bit value in little-endian order.
func (b *CodeBuffer) EmitU16(v uint16) error {
	if err := b.ensure(2); err != nil {
		return err
	}
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return nil
}

// EmitU32 appends a 32-bit value in little-endian order.
func (b *CodeBuffer) EmitU32(v uint32) error {
	if err := b.ensure(4); err != nil {
		return err
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return nil
}

// EmitU64 appends a 64-bit value in little-endian order.
func (b *CodeBuffer) EmitU64(v uint64) error {
	if err := b.ensure(8); err != nil {
		return err
	}
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	return nil
}

// Patch32 overwrites the 4 bytes at off with v. The bytes must already
// have been emitted.
func (b *CodeBuffer) Patch32(off int, v uint32) error {
	if off < 0 || off+4 > len(b.buf) {
		return fmt.Errorf("patch at %d out of range (len %d)", off, len(b.buf))
	}
	binary.LittleEndian.PutUint32(b.buf[off:], v)
	return nil
}

// PatchByte overwrites the single byte at off.
func (b *CodeBuffer) PatchByte(off int, v byte) error {
	if off < 0 || off >= len(b.buf) {
		return fmt.Errorf("patch at %d out of range (len %d)", off, len(b.buf))
	}
	b.buf[off] = v
	return nil
}

// ReadU32 returns the 4 bytes at off as a little-endian value. Used by
// relocation fixup to read back placeholder words.
func (b *CodeBuffer) ReadU32(off int) (uint32, error) {
	if off < 0 || off+4 > len(b.buf) {
		return 0, fmt.Errorf("read at %d out of range (len %d)", off, len(b.buf))
	}
	return binary.LittleEndian.Uint32(b.buf[off:]), nil
}

// Bytes returns the emitted code. The slice aliases the buffer's storage;
// callers that keep it past further emission should copy it.
func (b *CodeBuffer) Bytes() []byte {
	return b.buf
}

// Clone returns a copy of the emitted code.
func (b *CodeBuffer) Clone() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Reset empties the buffer while keeping its storage.
func (b *CodeBuffer) Reset() {
	b.buf = b.buf[:0]
}
