package abi

import (
	"errors"
	"fmt"

	"github.com/modern-go/reflect2"
)

// ErrAbiMismatch is returned whenever a declared vendor constant disagrees
// with what was measured at runtime. It is always fatal for memory operations.
var ErrAbiMismatch = errors.New("abi mismatch")

// MismatchError reports which struct (and optionally field) disagreed.
type MismatchError struct {
	Struct   string
	Field    string
	Declared uintptr
	Runtime  uintptr
}

func (e *MismatchError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("abi mismatch: %s.%s declared offset %d, measured %d", e.Struct, e.Field, e.Declared, e.Runtime)
	}
	if e.Struct != "" {
		return fmt.Sprintf("abi mismatch: %s declared size %d, measured %d", e.Struct, e.Declared, e.Runtime)
	}
	return fmt.Sprintf("abi mismatch: declared size %d, measured %d", e.Declared, e.Runtime)
}

// Unwrap makes errors.Is match ErrAbiMismatch.
func (e *MismatchError) Unwrap() error {
	return ErrAbiMismatch
}

// VerifyStructSize fails with ErrAbiMismatch if declared != runtime.
func VerifyStructSize(declared, runtime uintptr) error {
	if declared != runtime {
		return &MismatchError{Declared: declared, Runtime: runtime}
	}
	return nil
}

// VerifyLayout checks the offset table against itself and against the
// generated mirror type: size, and the offset and size of every field.
func VerifyLayout(l *Layout, mirror any) error {
	measured, err := l.Measure()
	if err != nil {
		return err
	}
	if err := VerifyStructSize(l.Declared, measured); err != nil {
		return named(l.Name, err)
	}

	typ, ok := reflect2.TypeOf(mirror).(reflect2.StructType)
	if !ok {
		return fmt.Errorf("%s: mirror %T is not a struct", l.Name, mirror)
	}
	if err := VerifyStructSize(l.Declared, typ.Type1().Size()); err != nil {
		return named(l.Name, err)
	}
	for _, f := range l.Fields {
		sf := typ.FieldByName(f.GoName)
		if sf == nil {
			return &MismatchError{Struct: l.Name, Field: f.Name, Declared: f.Offset}
		}
		if sf.Offset() != f.Offset {
			return &MismatchError{Struct: l.Name, Field: f.Name, Declared: f.Offset, Runtime: sf.Offset()}
		}
		if size := sf.Type().Type1().Size(); size != f.Size {
			return fmt.Errorf("%s.%s: declared size %d, mirror size %d: %w", l.Name, f.Name, f.Size, size, ErrAbiMismatch)
		}
	}
	return nil
}

// VerifyAll runs every load-time check. Nothing that touches vendor memory
// may run unless it returns nil.
func VerifyAll() error {
	if err := VerifyLayout(&CheckpointLayout, Checkpoint{}); err != nil {
		return err
	}
	if err := VerifyStructSize(SizeofCheckpoint, CheckpointStructSize); err != nil {
		return named(CheckpointLayout.Name, err)
	}
	if err := VerifyLayout(&ActivityAPILayout, ActivityAPI{}); err != nil {
		return err
	}
	return nil
}

func named(name string, err error) error {
	var m *MismatchError
	if errors.As(err, &m) && m.Struct == "" {
		m.Struct = name
	}
	return err
}
