package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/willibrandon/KernelFlow/pkg/abi"
)

// Backend performs the device side of a checkpoint. The header is the vendor
// checkpoint struct prepared by the manager; backends fill and consume it
// only through its offset table.
type Backend interface {
	// Save captures the device state. Backends that keep the state on the
	// vendor side return a nil state.
	Save(ctx context.Context, device int, header *abi.Blob) (state []byte, regions []Region, err error)
	// Restore writes the state captured by Save back to the device.
	Restore(ctx context.Context, device int, header *abi.Blob, state []byte) error
	// Free releases vendor resources held for the checkpoint.
	Free(device int, header *abi.Blob) error
}

// SymbolSource resolves vendor entry points. *resolver.Resolver implements it.
type SymbolSource interface {
	Resolve(name string) (uintptr, error)
}

// ErrWrongDevice is returned when the calling thread's current context
// belongs to another device than the one being checkpointed.
var ErrWrongDevice = errors.New("current context is on another device")

// checkDevice compares the device of the current context with want.
func checkDevice(want int, current func() (int, error)) error {
	got, err := current()
	if err != nil {
		return fmt.Errorf("device %d: %w", want, err)
	}
	if got != want {
		return fmt.Errorf("checkpoint of device %d, current context on device %d: %w", want, got, ErrWrongDevice)
	}
	return nil
}
