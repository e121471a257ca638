//go:build cgo && linux

package checkpoint

/*
typedef int (*kflow_ckpt_fn)(void *);
typedef int (*kflow_ctx_fn)(void **);
typedef int (*kflow_dev_fn)(int *);

static int kflow_call_ckpt(void *fn, void *ckpt) {
	return ((kflow_ckpt_fn)fn)(ckpt);
}

static int kflow_call_ctx(void *fn, void **ctx) {
	return ((kflow_ctx_fn)fn)(ctx);
}

static int kflow_call_dev(void *fn, int *dev) {
	return ((kflow_dev_fn)fn)(dev);
}
*/
import "C"

import (
	"context"
	"fmt"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/willibrandon/KernelFlow/pkg/abi"
)

// CuptiAvailable reports whether NewCuptiBackend can work in this build.
const CuptiAvailable = true

// CuptiBackend checkpoints the calling thread's current context through the
// CUPTI checkpoint API. The device state stays inside CUPTI; the header must
// live in C memory because CUPTI keeps a pointer to it until Free.
type CuptiBackend struct {
	save, restore, free, ctxCurrent, ctxDevice uintptr
}

// NewCuptiBackend resolves the CUPTI checkpoint entry points,
// cuCtxGetCurrent and cuCtxGetDevice through src.
func NewCuptiBackend(src SymbolSource) (*CuptiBackend, error) {
	b := &CuptiBackend{}
	var errs error
	for name, dst := range map[string]*uintptr{
		"cuptiCheckpointSave":    &b.save,
		"cuptiCheckpointRestore": &b.restore,
		"cuptiCheckpointFree":    &b.free,
		"cuCtxGetCurrent":        &b.ctxCurrent,
		"cuCtxGetDevice":         &b.ctxDevice,
	} {
		addr, err := src.Resolve(name)
		errs = multierr.Append(errs, err)
		*dst = addr
	}
	if errs != nil {
		return nil, fmt.Errorf("cupti checkpoint backend: %w", errs)
	}
	return b, nil
}

func fnptr(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

func (b *CuptiBackend) call(op string, fn uintptr, header *abi.Blob) error {
	r := C.kflow_call_ckpt(fnptr(fn), header.Pointer())
	return abi.CheckCupti(op, abi.CuptiResult(r))
}

func (b *CuptiBackend) currentDevice() (int, error) {
	var dev C.int
	if err := abi.Check("cuCtxGetDevice", abi.Result(C.kflow_call_dev(fnptr(b.ctxDevice), &dev))); err != nil {
		return 0, err
	}
	return int(dev), nil
}

// Save checkpoints the calling thread's current context, which must belong
// to device.
func (b *CuptiBackend) Save(ctx context.Context, device int, header *abi.Blob) ([]byte, []Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var cuctx unsafe.Pointer
	r := C.kflow_call_ctx(fnptr(b.ctxCurrent), &cuctx)
	if err := abi.Check("cuCtxGetCurrent", abi.Result(r)); err != nil {
		return nil, nil, err
	}
	if cuctx == nil {
		return nil, nil, fmt.Errorf("device %d: no current context on this thread", device)
	}
	if err := checkDevice(device, b.currentDevice); err != nil {
		return nil, nil, err
	}
	if err := header.SetUint64("ctx", uint64(uintptr(cuctx))); err != nil {
		return nil, nil, err
	}
	return nil, nil, b.call("cuptiCheckpointSave", b.save, header)
}

// Restore calls cuptiCheckpointRestore on header.
func (b *CuptiBackend) Restore(ctx context.Context, device int, header *abi.Blob, _ []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.call("cuptiCheckpointRestore", b.restore, header)
}

// Free calls cuptiCheckpointFree on header.
func (b *CuptiBackend) Free(device int, header *abi.Blob) error {
	return b.call("cuptiCheckpointFree", b.free, header)
}
