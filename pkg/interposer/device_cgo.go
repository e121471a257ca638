//go:build cgo && linux

package interposer

/*
typedef int (*kflow_get_device_fn)(int *);

static int kflow_ctx_get_device(void *fn, int *dev) {
	return ((kflow_get_device_fn)fn)(dev);
}
*/
import "C"

import (
	"unsafe"

	"github.com/willibrandon/KernelFlow/pkg/abi"
	"github.com/willibrandon/KernelFlow/pkg/interceptor"
	"github.com/willibrandon/KernelFlow/pkg/resolver"
)

// cudaDeviceQuery asks the real cuCtxGetDevice for the calling thread's
// device. The call goes straight to the resolved address, so it is not
// intercepted itself.
func cudaDeviceQuery(r *resolver.Resolver) interceptor.DeviceQuery {
	return func() (int, error) {
		addr, err := r.Resolve("cuCtxGetDevice")
		if err != nil {
			return 0, err
		}
		var dev C.int
		fn := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
		if err := abi.Check("cuCtxGetDevice", abi.Result(C.kflow_ctx_get_device(fn, &dev))); err != nil {
			return 0, err
		}
		return int(dev), nil
	}
}
