package interceptor

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// hook is one trampoline and the driver pointer it forwards to. The target
// is the exact pointer cuGetProcAddress handed out, which may be a versioned
// or per-thread-stream variant of the name the trampoline is registered under.
type hook struct {
	addr   uintptr
	target atomic.Uintptr
}

// RegisterHook makes ProcAddress hand out addr instead of the real pointer
// for name.
func (i *Interceptor) RegisterHook(name string, addr uintptr) {
	i.hooks.Store(name, &hook{addr: addr})
}

// Hooked reports whether name has a registered hook.
func (i *Interceptor) Hooked(name string) bool {
	_, ok := i.hooks.Load(name)
	return ok
}

// ProcAddress filters a pointer returned by cuGetProcAddress. Hooked names
// get the hook so later calls still pass through the interposer; everything
// else gets the real pointer unchanged.
//
// A trampoline forwards to a single pointer. When the same name is later
// handed out as a different variant, that caller gets the real pointer and
// its calls go untraced.
func (i *Interceptor) ProcAddress(name string, real uintptr) uintptr {
	v, ok := i.hooks.Load(name)
	if !ok || real == 0 {
		return real
	}
	h := v.(*hook)
	if !h.target.CompareAndSwap(0, real) && h.target.Load() != real {
		i.log.Debug("cuGetProcAddress variant left unhooked", zap.String("symbol", name),
			zap.Uintptr("hooked", h.target.Load()), zap.Uintptr("real", real))
		return real
	}
	i.log.Debug("cuGetProcAddress hooked", zap.String("symbol", name), zap.Uintptr("real", real))
	return h.addr
}

// HookTarget returns the driver pointer the hook for name forwards to. ok is
// false until ProcAddress has handed the hook out.
func (i *Interceptor) HookTarget(name string) (uintptr, bool) {
	v, ok := i.hooks.Load(name)
	if !ok {
		return 0, false
	}
	target := v.(*hook).target.Load()
	return target, target != 0
}

// Intercepts reports whether calls to symbol are traced by the current
// selection.
func (i *Interceptor) Intercepts(symbol string) bool {
	return i.selection.ShouldIntercept(symbol)
}
