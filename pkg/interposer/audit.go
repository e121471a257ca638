package interposer

import (
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/willibrandon/KernelFlow/pkg/interceptor"
	"github.com/willibrandon/KernelFlow/pkg/resolver"
)

// Values from <link.h>.
const (
	// AuditVersion is the audit interface version implemented here.
	AuditVersion = 1

	FlagBindTo   = 0x01 // LA_FLG_BINDTO
	FlagBindFrom = 0x02 // LA_FLG_BINDFROM

	SymbNoPLTEnter = 0x01 // LA_SYMB_NOPLTENTER
	SymbNoPLTExit  = 0x02 // LA_SYMB_NOPLTEXIT

	ActConsistent = 0 // LA_ACT_CONSISTENT
)

// FrameSize is the number of stack argument bytes the loader copies for the
// callee when pltexit is requested. It covers the five stack arguments of
// cuLaunchKernel with room to spare.
const FrameSize = 128

var (
	driverPrefixes = []string{"libcuda.so"}
	vendorPrefixes = []string{"libcuda.so", "libcupti.so"}
	selfPrefixes   = []string{"libkflow.so"}
)

type object struct {
	path   string
	vendor bool
}

type frameStack struct {
	mu     sync.Mutex
	frames []*interceptor.Frame
}

// Audit implements the decisions behind the rtld-audit callbacks. The cgo
// exports in cmd/libkflow only translate C arguments and call these methods.
type Audit struct {
	st *State

	mu      sync.Mutex
	objects map[uintptr]object

	stacks sync.Map // tid -> *frameStack
}

// NewAudit creates the audit callbacks for st.
func NewAudit(st *State) *Audit {
	return &Audit{st: st, objects: make(map[uintptr]object)}
}

// Version negotiates the audit interface version. Zero disables auditing.
func (a *Audit) Version(loader uint32) uint32 {
	if loader == 0 || !a.st.Enabled() {
		return 0
	}
	if loader < AuditVersion {
		return loader
	}
	return AuditVersion
}

func hasPrefix(path string, prefixes []string) bool {
	base := filepath.Base(path)
	for _, p := range prefixes {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}

// ObjOpen is called for every object the loader maps and returns the
// LA_FLG_* bits for it. Vendor libraries become symbol sources; when the
// driver is opened its mandatory symbols must resolve or interception is
// disabled.
func (a *Audit) ObjOpen(path string, cookie uintptr) uint32 {
	if !a.st.Enabled() || hasPrefix(path, selfPrefixes) {
		return 0
	}
	vendor := hasPrefix(path, vendorPrefixes)

	a.mu.Lock()
	a.objects[cookie] = object{path: path, vendor: vendor}
	a.mu.Unlock()

	if !vendor {
		return FlagBindFrom
	}

	if a.st.Mode == ModeAudit {
		lib, err := resolver.OpenELF(path)
		if err != nil {
			a.st.Log.Warn("cannot read vendor library", zap.String("path", path), zap.Error(err))
		} else {
			a.st.Resolver.AddLibrary(lib)
		}
		if hasPrefix(path, driverPrefixes) {
			if err := a.st.Resolver.ResolveMandatory(); err != nil {
				a.st.Disable(err)
				return 0
			}
		}
	}
	a.st.Log.Debug("auditing vendor library", zap.String("path", path))
	return FlagBindTo | FlagBindFrom
}

// ObjClose forgets a closed object.
func (a *Audit) ObjClose(cookie uintptr) {
	a.mu.Lock()
	delete(a.objects, cookie)
	a.mu.Unlock()
}

func (a *Audit) object(cookie uintptr) (object, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.objects[cookie]
	return o, ok
}

func isProcAddress(name string) bool {
	return strings.HasPrefix(name, "cuGetProcAddress")
}

// SymBind records the address the loader bound for name in the defining
// object and returns the address to bind plus LA_SYMB_* flags. Only vendor
// symbols that are traced, and cuGetProcAddress, keep their PLT callbacks.
func (a *Audit) SymBind(name string, addr uintptr, defCookie uintptr) (uintptr, uint32) {
	const skip = SymbNoPLTEnter | SymbNoPLTExit
	if !a.st.Enabled() {
		return addr, skip
	}
	if obj, ok := a.object(defCookie); !ok || !obj.vendor {
		return addr, skip
	}
	if _, err := a.st.Resolver.Bind(name, addr); err != nil {
		a.st.Log.Debug("not binding", zap.String("symbol", name), zap.Error(err))
		return addr, skip
	}
	if !isProcAddress(name) && !a.st.Interceptor.Intercepts(name) {
		return addr, skip
	}
	return addr, 0
}

func (a *Audit) stack(tid int) *frameStack {
	if v, ok := a.stacks.Load(tid); ok {
		return v.(*frameStack)
	}
	v, _ := a.stacks.LoadOrStore(tid, &frameStack{})
	return v.(*frameStack)
}

// PLTEnter starts a call through the PLT on thread tid. It returns the
// address to jump to and the argument registers to use, which differ from
// args only when a mutator is installed.
func (a *Audit) PLTEnter(tid int, name string, addr uintptr, args []uint64) (uintptr, []uint64) {
	s := a.stack(tid)
	f, _, err := a.st.Interceptor.Enter(tid, name, args)
	s.mu.Lock()
	s.frames = append(s.frames, f) // nil keeps pltexit balanced
	s.mu.Unlock()
	if err != nil {
		return addr, args
	}
	return addr, f.Args()
}

// PLTExit completes the innermost call of thread tid.
func (a *Audit) PLTExit(tid int, name string, ret uint64) {
	s := a.stack(tid)
	s.mu.Lock()
	n := len(s.frames)
	if n == 0 {
		s.mu.Unlock()
		a.st.Log.Warn("pltexit without pltenter", zap.Int("tid", tid), zap.String("symbol", name))
		return
	}
	f := s.frames[n-1]
	s.frames[n-1] = nil
	s.frames = s.frames[:n-1]
	s.mu.Unlock()

	if f == nil {
		return
	}
	if f.Symbol.Name != name {
		a.st.Log.Warn("unbalanced pltexit", zap.Int("tid", tid), zap.String("expected", f.Symbol.Name), zap.String("symbol", name))
	}
	a.st.Interceptor.Exit(f, ret)
}

// ProcAddress filters a pointer returned through cuGetProcAddress.
func (a *Audit) ProcAddress(name string, real uintptr) uintptr {
	return a.st.Interceptor.ProcAddress(name, real)
}

// HookTarget returns the driver pointer a cuGetProcAddress trampoline
// forwards to.
func (a *Audit) HookTarget(name string) (uintptr, bool) {
	return a.st.Interceptor.HookTarget(name)
}

// Activity handles la_activity. Once the link map is consistent again any
// buffered events are flushed.
func (a *Audit) Activity(flag uint32) {
	if flag == ActConsistent && a.st.Emitter != nil {
		a.st.Emitter.Flush()
	}
}

// Depth returns the number of PLT calls in progress on tid.
func (a *Audit) Depth(tid int) int {
	s := a.stack(tid)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
