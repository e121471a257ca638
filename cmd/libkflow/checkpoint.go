//go:build cgo && linux

package main

/*
#include <stdint.h>
*/
import "C"

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/KernelFlow/pkg/abi"
	"github.com/willibrandon/KernelFlow/pkg/checkpoint"
	"github.com/willibrandon/KernelFlow/pkg/interposer"
)

// Status codes returned by the kflow_checkpoint_* entry points.
const (
	statusOK = iota
	statusNotInitialized
	statusDeviceBusy
	statusAlreadyCheckpointed
	statusUseAfterEnd
	statusConcurrentAccess
	statusAbiMismatch
	statusFailed
)

func status(err error) C.int {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, interposer.ErrNotInitialized):
		return statusNotInitialized
	case errors.Is(err, checkpoint.ErrDeviceBusy):
		return statusDeviceBusy
	case errors.Is(err, checkpoint.ErrAlreadyCheckpointed):
		return statusAlreadyCheckpointed
	case errors.Is(err, checkpoint.ErrUseAfterEnd):
		return statusUseAfterEnd
	case errors.Is(err, checkpoint.ErrConcurrentAccess):
		return statusConcurrentAccess
	case errors.Is(err, abi.ErrAbiMismatch):
		return statusAbiMismatch
	}
	return statusFailed
}

func markers() (*interposer.Markers, context.Context, error) {
	st := interposer.Get()
	if st == nil || st.Markers == nil {
		return nil, nil, interposer.ErrNotInitialized
	}
	return st.Markers, checkpoint.WithOwner(context.Background(), int64(unix.Gettid())), nil
}

// beginCheckpoint, restoreCheckpoint and endCheckpoint run on the calling
// C thread, which stays pinned for the duration of the call.
func beginCheckpoint(device int) (uint64, error) {
	m, ctx, err := markers()
	if err != nil {
		return 0, err
	}
	return m.Begin(ctx, device)
}

func restoreCheckpoint(handle uint64) error {
	m, ctx, err := markers()
	if err != nil {
		return err
	}
	return m.Restore(ctx, handle)
}

func endCheckpoint(handle uint64) error {
	m, ctx, err := markers()
	if err != nil {
		return err
	}
	return m.End(ctx, handle)
}

//export kflow_checkpoint_begin
func kflow_checkpoint_begin(device C.int, handle *C.uint64_t) C.int {
	h, err := beginCheckpoint(int(device))
	if err == nil && handle != nil {
		*handle = C.uint64_t(h)
	}
	return status(err)
}

//export kflow_checkpoint_restore
func kflow_checkpoint_restore(handle C.uint64_t) C.int {
	return status(restoreCheckpoint(uint64(handle)))
}

//export kflow_checkpoint_end
func kflow_checkpoint_end(handle C.uint64_t) C.int {
	return status(endCheckpoint(uint64(handle)))
}
