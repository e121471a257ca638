package checkpoint

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/KernelFlow/pkg/abi"
	"github.com/willibrandon/KernelFlow/pkg/emitter"
)

// Region is a span of device memory captured by a checkpoint.
type Region struct {
	Addr uint64 `msgpack:"addr"`
	Size uint64 `msgpack:"size"`
}

// Status is the lifecycle state of a Record.
type Status int32

const (
	StatusActive Status = iota
	StatusConsumed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Record is one checkpoint of a device. It is created by Manager.Begin and
// consumed by exactly one Restore or End.
type Record struct {
	ID       uint64
	DeviceID int
	// StructSize is the size of the vendor checkpoint struct the record was
	// created with.
	StructSize uintptr
	Regions    []Region
	Created    time.Time

	owner       int64
	owned       bool
	header      *abi.Blob
	state       []byte
	compression emitter.CompressionType
	rawSize     int

	status   atomic.Int32
	inFlight atomic.Bool
}

// Status returns the lifecycle state.
func (r *Record) Status() Status { return Status(r.status.Load()) }

// Active reports whether the record can still be restored or ended.
func (r *Record) Active() bool { return r.Status() == StatusActive }

// Owner returns the identity that created the record. ok is false when the
// record was begun without WithOwner.
func (r *Record) Owner() (owner int64, ok bool) { return r.owner, r.owned }

// Header returns the vendor checkpoint struct, nil once consumed.
func (r *Record) Header() *abi.Blob { return r.header }

// StateSize returns the stored and uncompressed sizes of the saved state.
func (r *Record) StateSize() (stored, raw int) { return len(r.state), r.rawSize }

// Bytes returns the total size of the captured regions.
func (r *Record) Bytes() uint64 {
	var n uint64
	for _, reg := range r.Regions {
		n += reg.Size
	}
	return n
}

type ownerKey struct{}

// WithOwner attaches an owner identity to ctx. A record begun under an owner
// may only be restored or ended under the same owner. Callers pinned to an OS
// thread pass its id; goroutines are not, so Go callers either pick a stable
// identity of their own or omit it and treat the *Record as the capability.
func WithOwner(ctx context.Context, owner int64) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner set by WithOwner.
func OwnerFrom(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(ownerKey{}).(int64)
	return v, ok
}

// eventThread is the thread id reported in lifecycle events.
func (r *Record) eventThread() int {
	if r.owned {
		return int(r.owner)
	}
	return unix.Gettid()
}
