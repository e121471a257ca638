// Package interceptor wraps calls into the vendor driver: it records a start
// event with a copy of the arguments, forwards the call to the real
// implementation and records a completion event with the return value.
package interceptor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/willibrandon/KernelFlow/pkg/config"
	"github.com/willibrandon/KernelFlow/pkg/emitter"
	"github.com/willibrandon/KernelFlow/pkg/resolver"
)

var (
	// ErrMutationDisabled is returned by SetMutator unless mutation was
	// enabled in the configuration.
	ErrMutationDisabled = errors.New("argument mutation is disabled")
	ErrUnknownPolicy    = errors.New("unknown reentrancy policy")
)

// EventEmitter receives call events. *emitter.Emitter implements it.
type EventEmitter interface {
	Emit(emitter.Event)
}

// Forwarder performs the real call at addr with the given integer arguments
// and returns the raw return register.
type Forwarder func(addr uintptr, args []uint64) uint64

// Mutator may rewrite the arguments forwarded to the real function. It
// receives a copy; the recorded start event always holds the original.
type Mutator func(symbol string, args []uint64) []uint64

// DeviceQuery returns the device of the calling thread's current context.
type DeviceQuery func() (int, error)

// Options configures an Interceptor.
type Options struct {
	Resolver  *resolver.Resolver
	Emitter   EventEmitter
	Selection Selection
	// Reentrancy is config.ReentrancyMarkNested or config.ReentrancyPassthrough.
	Reentrancy string
	// Mutate must be true before SetMutator is accepted.
	Mutate   bool
	Observer ActivityObserver
	Device   DeviceQuery
	Logger   *zap.Logger
}

// Frame is one in-progress call. It is returned by Enter and must be passed
// to Exit on the same thread.
type Frame struct {
	Symbol   *resolver.TrackedSymbol
	ThreadID int
	CallID   uint64
	Depth    int
	Nested   bool
	// Traced is false when no events are produced for the call.
	Traced bool
	Device int

	args []uint64
}

// Args returns the arguments to forward to the real function.
func (f *Frame) Args() []uint64 { return f.args }

// Interceptor is safe for concurrent use by any number of threads.
type Interceptor struct {
	resolver   *resolver.Resolver
	emitter    EventEmitter
	selection  Selection
	passNested bool
	mutate     bool
	observer   ActivityObserver
	device     DeviceQuery
	log        *zap.Logger

	guard   guard
	callSeq atomic.Uint64
	mutator atomic.Pointer[Mutator]
	hooks   sync.Map // name -> *hook
}

// New creates an Interceptor from opts.
func New(opts Options) (*Interceptor, error) {
	if opts.Resolver == nil {
		return nil, errors.New("interceptor needs a resolver")
	}
	var passNested bool
	switch opts.Reentrancy {
	case "", config.ReentrancyMarkNested:
	case config.ReentrancyPassthrough:
		passNested = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, opts.Reentrancy)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Interceptor{
		resolver:   opts.Resolver,
		emitter:    opts.Emitter,
		selection:  opts.Selection,
		passNested: passNested,
		mutate:     opts.Mutate,
		observer:   opts.Observer,
		device:     opts.Device,
		log:        opts.Logger.Named("interceptor"),
	}, nil
}

// SetMutator installs m, or removes the current mutator when m is nil.
func (i *Interceptor) SetMutator(m Mutator) error {
	if m == nil {
		i.mutator.Store(nil)
		return nil
	}
	if !i.mutate {
		return ErrMutationDisabled
	}
	i.log.Warn("argument mutation active, forwarded calls may differ from the application's")
	i.mutator.Store(&m)
	return nil
}

// SetObserver replaces the activity observer. It must be called before any
// interception happens.
func (i *Interceptor) SetObserver(o ActivityObserver) {
	i.observer = o
}

// Enter starts a call to symbol on thread tid. It returns the frame to hand
// to Exit and the real address to call. The caller's args slice is never
// modified.
func (i *Interceptor) Enter(tid int, symbol string, args []uint64) (*Frame, uintptr, error) {
	addr, err := i.resolver.Resolve(symbol)
	if err != nil {
		return nil, 0, err
	}
	sym, _ := i.resolver.Symbol(symbol)

	depth := i.guard.enter(tid)
	f := &Frame{
		Symbol:   sym,
		ThreadID: tid,
		Depth:    depth,
		Nested:   depth > 0,
		args:     args,
	}
	if !i.selection.ShouldIntercept(symbol) || (f.Nested && i.passNested) {
		return f, addr, nil
	}

	f.Traced = true
	f.CallID = i.callSeq.Add(1)
	sym.CountCall()
	if i.observer != nil && isLaunch(symbol) {
		f.Device = i.currentDevice(tid)
	}

	if mp := i.mutator.Load(); mp != nil {
		forwarded := (*mp)(symbol, append([]uint64(nil), args...))
		if forwarded != nil {
			f.args = forwarded
		}
	}

	i.emit(emitter.Event{
		Type:      emitter.CallStart,
		Symbol:    symbol,
		ThreadID:  tid,
		ThreadSeq: i.guard.next(tid),
		CallID:    f.CallID,
		Depth:     depth,
		Nested:    f.Nested,
		Args:      snapshotArgs(args),
		Detail:    Describe(symbol, args),
	})
	return f, addr, nil
}

// Exit completes the call started by Enter.
func (i *Interceptor) Exit(f *Frame, ret uint64) {
	defer i.guard.exit(f.ThreadID)
	if !f.Traced {
		return
	}

	name := f.Symbol.Name
	r := ret
	i.emit(emitter.Event{
		Type:      emitter.CallComplete,
		Symbol:    name,
		ThreadID:  f.ThreadID,
		ThreadSeq: i.guard.next(f.ThreadID),
		CallID:    f.CallID,
		Depth:     f.Depth,
		Nested:    f.Nested,
		Return:    &r,
		Detail:    DescribeResult(ret),
	})

	if uint32(ret) != 0 {
		return
	}
	if name == "cuInit" {
		i.log.Info("initialized CUDA driver")
	}
	if i.observer == nil {
		return
	}
	act, ok := activities[name]
	if !ok {
		return
	}
	switch act.kind {
	case activityLaunch:
		i.observer.KernelLaunched(f.Device, act.stream(f.args))
	case activityStreamSync:
		i.observer.StreamSynchronized(i.currentDevice(f.ThreadID), act.stream(f.args))
	case activityDeviceSync:
		i.observer.DeviceSynchronized(i.currentDevice(f.ThreadID))
	}
}

// Invoke wraps fwd with Enter and Exit on the calling OS thread.
func (i *Interceptor) Invoke(symbol string, args []uint64, fwd Forwarder) (uint64, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, addr, err := i.Enter(unix.Gettid(), symbol, args)
	if err != nil {
		return 0, err
	}
	ret := fwd(addr, f.Args())
	i.Exit(f, ret)
	return ret, nil
}

// Depth returns the current nesting depth of tid.
func (i *Interceptor) Depth(tid int) int {
	return i.guard.depth(tid)
}

// ForgetThread releases the bookkeeping of an exited thread.
func (i *Interceptor) ForgetThread(tid int) {
	i.guard.forget(tid)
}

func (i *Interceptor) currentDevice(tid int) int {
	if i.device == nil {
		return 0
	}
	dev, err := i.device()
	if err != nil {
		i.log.Warn("failed to get current device ordinal, falling back to 0", zap.Int("tid", tid), zap.Error(err))
		return 0
	}
	return dev
}

func (i *Interceptor) emit(ev emitter.Event) {
	if i.emitter == nil {
		return
	}
	ev.Timestamp = emitter.Now()
	i.emitter.Emit(ev)
}
