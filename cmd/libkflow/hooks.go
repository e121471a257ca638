//go:build cgo && linux

package main

/*
#include "shim.h"
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/KernelFlow/pkg/interposer"
)

// registerHooks installs a trampoline for each function worth tracing when
// the application obtains it through cuGetProcAddress, which bypasses the
// PLT. Keys are the unversioned names cuGetProcAddress is queried with.
func registerHooks(st *interposer.State) {
	hooks := map[string]unsafe.Pointer{
		"cuLaunchKernel":            unsafe.Pointer(C.kflow_hook_cuLaunchKernel),
		"cuLaunchCooperativeKernel": unsafe.Pointer(C.kflow_hook_cuLaunchCooperativeKernel),
		"cuMemAlloc":                unsafe.Pointer(C.kflow_hook_cuMemAlloc),
		"cuMemFree":                 unsafe.Pointer(C.kflow_hook_cuMemFree),
		"cuMemcpyHtoD":              unsafe.Pointer(C.kflow_hook_cuMemcpyHtoD),
		"cuMemcpyDtoH":              unsafe.Pointer(C.kflow_hook_cuMemcpyDtoH),
		"cuCtxSynchronize":          unsafe.Pointer(C.kflow_hook_cuCtxSynchronize),
		"cuStreamSynchronize":       unsafe.Pointer(C.kflow_hook_cuStreamSynchronize),
	}
	for name, fn := range hooks {
		st.Interceptor.RegisterHook(name, uintptr(fn))
	}
}

//export kflowHookEnter
func kflowHookEnter(name *C.char, args *C.uint64_t, n C.int) C.uintptr_t {
	if audit == nil {
		return 0
	}
	symbol := C.GoString(name)
	real, ok := audit.HookTarget(symbol)
	if !ok {
		return 0
	}

	slots := unsafe.Slice((*uint64)(unsafe.Pointer(args)), int(n))
	in := append([]uint64(nil), slots...)
	_, forwarded := audit.PLTEnter(unix.Gettid(), symbol, real, in)
	copy(slots, forwarded)
	return C.uintptr_t(real)
}

//export kflowHookExit
func kflowHookExit(name *C.char, ret C.uint64_t) {
	if audit != nil {
		audit.PLTExit(unix.Gettid(), C.GoString(name), uint64(ret))
	}
}
