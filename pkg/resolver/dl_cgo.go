//go:build cgo && linux

package resolver

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

static void *kflow_dlopen(const char *path) {
	return dlopen(path, RTLD_NOW | RTLD_LOCAL | RTLD_NODELETE);
}

static void *kflow_dlsym(void *handle, const char *name, char **err) {
	void *sym;
	dlerror();
	sym = dlsym(handle, name);
	*err = dlerror();
	return sym;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// DLAvailable reports whether OpenDL can work in this build.
const DLAvailable = true

// DLLibrary resolves symbols through the system dynamic loader. The handle
// is opened with RTLD_NODELETE so addresses stay valid after Close.
type DLLibrary struct {
	path string

	mu     sync.Mutex
	handle unsafe.Pointer
}

// OpenDL dlopens path with RTLD_NOW|RTLD_LOCAL|RTLD_NODELETE.
func OpenDL(path string) (*DLLibrary, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	h := C.kflow_dlopen(cpath)
	if h == nil {
		return nil, fmt.Errorf("dlopen %s: %s", path, C.GoString(C.dlerror()))
	}
	return &DLLibrary{path: path, handle: h}, nil
}

func (l *DLLibrary) Path() string { return l.path }

// Lookup calls dlsym on the library handle.
func (l *DLLibrary) Lookup(name string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return 0, fmt.Errorf("%s: %w", l.path, ErrNotLoaded)
	}

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var cerr *C.char
	sym := C.kflow_dlsym(l.handle, cname, &cerr)
	if cerr != nil || sym == nil {
		return 0, fmt.Errorf("%s in %s: %w", name, l.path, ErrNotFound)
	}
	return uintptr(sym), nil
}

// Close calls dlclose. RTLD_NODELETE keeps the library mapped.
func (l *DLLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return nil
	}
	C.dlclose(l.handle)
	l.handle = nil
	return nil
}
