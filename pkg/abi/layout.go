package abi

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Field describes one member of a vendor struct as laid out by the vendor compiler.
type Field struct {
	Name   string  // name in the vendor header
	GoName string  // name in the generated mirror type
	Offset uintptr // byte offset from the start of the struct
	Size   uintptr
	Align  uintptr
}

// Layout is the offset table for a vendor struct. Declared is the size the
// vendor headers advertise for the struct (its STRUCT_SIZE constant).
type Layout struct {
	Name     string
	Declared uintptr
	Fields   []Field
}

// CheckpointLayout mirrors CUpti_Checkpoint from cupti_checkpoint.h.
var CheckpointLayout = Layout{
	Name:     "CUpti_Checkpoint",
	Declared: CheckpointStructSize,
	Fields: []Field{
		{Name: "structSize", GoName: "StructSize", Offset: 0, Size: 8, Align: 8},
		{Name: "ctx", GoName: "Ctx", Offset: 8, Size: 8, Align: 8},
		{Name: "reserveDeviceMB", GoName: "ReserveDeviceMB", Offset: 16, Size: 8, Align: 8},
		{Name: "reserveHostMB", GoName: "ReserveHostMB", Offset: 24, Size: 8, Align: 8},
		{Name: "allowOverwrite", GoName: "AllowOverwrite", Offset: 32, Size: 1, Align: 1},
		{Name: "optimizations", GoName: "Optimizations", Offset: 33, Size: 1, Align: 1},
		{Name: "pPriv", GoName: "PPriv", Offset: 40, Size: 8, Align: 8},
	},
}

// ActivityAPILayout mirrors CUpti_ActivityAPI from cupti_activity.h.
var ActivityAPILayout = Layout{
	Name:     "CUpti_ActivityAPI",
	Declared: ActivityAPIStructSize,
	Fields: []Field{
		{Name: "kind", GoName: "Kind", Offset: 0, Size: 4, Align: 4},
		{Name: "cbid", GoName: "Cbid", Offset: 4, Size: 4, Align: 4},
		{Name: "start", GoName: "Start", Offset: 8, Size: 8, Align: 8},
		{Name: "end", GoName: "End", Offset: 16, Size: 8, Align: 8},
		{Name: "processId", GoName: "ProcessId", Offset: 24, Size: 4, Align: 4},
		{Name: "threadId", GoName: "ThreadId", Offset: 28, Size: 4, Align: 4},
		{Name: "correlationId", GoName: "CorrelationId", Offset: 32, Size: 4, Align: 4},
		{Name: "returnValue", GoName: "ReturnValue", Offset: 36, Size: 4, Align: 4},
	},
}

// Layouts lists every struct the shim checks at load time.
var Layouts = []*Layout{&CheckpointLayout, &ActivityAPILayout}

// Align rounds a up to the next multiple of b. b must be a power of two.
func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

// Field returns the field called name.
func (l *Layout) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Measure lays the fields out with natural alignment and returns the
// resulting struct size, failing if any table offset disagrees.
func (l *Layout) Measure() (uintptr, error) {
	var off, maxAlign uintptr = 0, 1
	for _, f := range l.Fields {
		off = Align(off, f.Align)
		if off != f.Offset {
			return 0, &MismatchError{Struct: l.Name, Field: f.Name, Declared: f.Offset, Runtime: off}
		}
		off += f.Size
		if f.Align > maxAlign {
			maxAlign = f.Align
		}
	}
	return Align(off, maxAlign), nil
}

// String lists the fields with their offsets and sizes.
func (l *Layout) String() string {
	return fmt.Sprintf("%s{size=%d, fields=%d}", l.Name, l.Declared, len(l.Fields))
}
