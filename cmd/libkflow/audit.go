//go:build cgo && linux

package main

/*
#include "shim.h"
*/
import "C"

import (
	"strings"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/willibrandon/KernelFlow/pkg/config"
	"github.com/willibrandon/KernelFlow/pkg/interposer"
	kflog "github.com/willibrandon/KernelFlow/pkg/log"
)

const maxArgs = 11 // KFLOW_MAX_ARGS

var audit *interposer.Audit

func cookieOf(p *C.uintptr_t) uintptr {
	if p == nil {
		return 0
	}
	return uintptr(*p)
}

//export la_version
func la_version(version C.uint) C.uint {
	cfg, err := config.Load()
	if err != nil {
		kflog.NewOrNop(kflog.LevelFromEnv("error")).Error("invalid configuration, auditing disabled", zap.Error(err))
		return 0
	}
	st, err := interposer.Init(interposer.Options{Config: cfg, Mode: interposer.ModeAudit})
	if err != nil {
		kflog.NewOrNop(cfg.LogLevel).Error("interposer init failed, auditing disabled", zap.Error(err))
		return 0
	}
	audit = interposer.NewAudit(st)
	registerHooks(st)
	return C.uint(audit.Version(uint32(version)))
}

//export kflowShutdown
func kflowShutdown() {
	if interposer.Get() != nil {
		// State.Close logs what went wrong
		_ = interposer.Shutdown()
	}
}

//export la_objopen
func la_objopen(m *C.struct_kflow_link_map, lmid C.long, cookie *C.uintptr_t) C.uint {
	if audit == nil || m == nil {
		return 0
	}
	var name string
	if m.l_name != nil {
		name = C.GoString(m.l_name)
	}
	return C.uint(audit.ObjOpen(name, cookieOf(cookie)))
}

//export la_objclose
func la_objclose(cookie *C.uintptr_t) C.uint {
	if audit != nil {
		audit.ObjClose(cookieOf(cookie))
	}
	return 0
}

//export la_activity
func la_activity(cookie *C.uintptr_t, flag C.uint) {
	if audit != nil {
		audit.Activity(uint32(flag))
	}
}

//export la_preinit
func la_preinit(cookie *C.uintptr_t) {
	if st := interposer.Get(); st != nil {
		st.Log.Debug("application about to run", zap.Bool("enabled", st.Enabled()))
	}
}

//export la_symbind64
func la_symbind64(sym *C.Elf64_Sym, ndx C.uint, refcook, defcook *C.uintptr_t, flags *C.uint, symname *C.char) C.uintptr_t {
	addr := uintptr(sym.st_value)
	if audit == nil {
		*flags |= C.uint(interposer.SymbNoPLTEnter | interposer.SymbNoPLTExit)
		return C.uintptr_t(addr)
	}
	bound, skip := audit.SymBind(C.GoString(symname), addr, cookieOf(defcook))
	*flags |= C.uint(skip)
	return C.uintptr_t(bound)
}

//export la_x86_64_gnu_pltenter
func la_x86_64_gnu_pltenter(sym *C.Elf64_Sym, ndx C.uint, refcook, defcook *C.uintptr_t, regs *C.kflow_regs, flags *C.uint, symname *C.char, framesizep *C.long) C.Elf64_Addr {
	addr := uintptr(sym.st_value)
	if audit == nil {
		return C.Elf64_Addr(addr)
	}

	var args [maxArgs]uint64
	for i := range args {
		args[i] = uint64(C.kflow_get_arg(regs, C.int(i)))
	}
	target, forwarded := audit.PLTEnter(unix.Gettid(), C.GoString(symname), addr, args[:])
	for i, v := range forwarded {
		if i < len(args) && v != args[i] {
			C.kflow_set_arg(regs, C.int(i), C.uint64_t(v))
		}
	}
	*framesizep = C.long(interposer.FrameSize)
	return C.Elf64_Addr(target)
}

//export la_x86_64_gnu_pltexit
func la_x86_64_gnu_pltexit(sym *C.Elf64_Sym, ndx C.uint, refcook, defcook *C.uintptr_t, inregs *C.kflow_regs, outregs *C.kflow_retval, symname *C.char) C.uint {
	if audit == nil {
		return 0
	}
	name := C.GoString(symname)
	ret := uint64(outregs.rax)
	if strings.HasPrefix(name, "cuGetProcAddress") && ret == 0 {
		patchProcAddress(inregs)
	}
	audit.PLTExit(unix.Gettid(), name, ret)
	return 0
}

// patchProcAddress swaps the function pointer cuGetProcAddress stored
// through its pfn argument for a hook when one is registered.
func patchProcAddress(regs *C.kflow_regs) {
	symbol := C.kflow_get_arg(regs, 0)
	pfn := C.kflow_get_arg(regs, 1)
	if symbol == 0 || pfn == 0 {
		return
	}
	name := C.GoString((*C.char)(unsafe.Pointer(uintptr(symbol))))
	real := uintptr(C.kflow_load(pfn))
	if hook := audit.ProcAddress(name, real); hook != real {
		C.kflow_store(pfn, C.uint64_t(hook))
	}
}
