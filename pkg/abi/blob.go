package abi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrFieldSize    = errors.New("field size does not match accessor")
	ErrReleased     = errors.New("blob released")
)

// Blob is an opaque vendor struct. It is only ever read or written through
// the offset table of its Layout, never reinterpreted as a Go type.
type Blob struct {
	layout *Layout
	arena  Arena
	buf    []byte
}

// NewBlob allocates a zeroed blob for l from arena. If the layout starts
// with a structSize member it is filled with the declared size, as the
// vendor API requires.
func NewBlob(arena Arena, l *Layout) *Blob {
	b := &Blob{
		layout: l,
		arena:  arena,
		buf:    arena.Alloc(int(l.Declared)),
	}
	if f, ok := l.Field("structSize"); ok && f.Size == 8 {
		binary.LittleEndian.PutUint64(b.buf[f.Offset:], uint64(l.Declared))
	}
	return b
}

// Layout returns the offset table of the blob.
func (b *Blob) Layout() *Layout { return b.layout }

// Bytes returns the raw struct bytes.
func (b *Blob) Bytes() []byte { return b.buf }

// Pointer returns the address of the first byte, for handing to vendor code.
func (b *Blob) Pointer() unsafe.Pointer {
	if len(b.buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.buf[0])
}

func (b *Blob) field(name string, size uintptr) (Field, error) {
	if b.buf == nil {
		return Field{}, ErrReleased
	}
	f, ok := b.layout.Field(name)
	if !ok {
		return Field{}, fmt.Errorf("%s.%s: %w", b.layout.Name, name, ErrUnknownField)
	}
	if f.Size != size {
		return Field{}, fmt.Errorf("%s.%s is %d bytes: %w", b.layout.Name, name, f.Size, ErrFieldSize)
	}
	return f, nil
}

// Uint64 reads the 8-byte field name.
func (b *Blob) Uint64(name string) (uint64, error) {
	f, err := b.field(name, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b.buf[f.Offset:]), nil
}

// SetUint64 writes the 8-byte field name.
func (b *Blob) SetUint64(name string, v uint64) error {
	f, err := b.field(name, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b.buf[f.Offset:], v)
	return nil
}

// Uint32 reads the 4-byte field name.
func (b *Blob) Uint32(name string) (uint32, error) {
	f, err := b.field(name, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b.buf[f.Offset:]), nil
}

// SetUint32 writes the 4-byte field name.
func (b *Blob) SetUint32(name string, v uint32) error {
	f, err := b.field(name, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b.buf[f.Offset:], v)
	return nil
}

// Uint8 reads the 1-byte field name.
func (b *Blob) Uint8(name string) (uint8, error) {
	f, err := b.field(name, 1)
	if err != nil {
		return 0, err
	}
	return b.buf[f.Offset], nil
}

// SetUint8 writes the 1-byte field name.
func (b *Blob) SetUint8(name string, v uint8) error {
	f, err := b.field(name, 1)
	if err != nil {
		return err
	}
	b.buf[f.Offset] = v
	return nil
}

// Release returns the buffer to its arena. The blob is unusable afterwards.
func (b *Blob) Release() {
	if b.buf == nil {
		return
	}
	b.arena.Release(b.buf)
	b.buf = nil
}
