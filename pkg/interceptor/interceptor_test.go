package interceptor

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/willibrandon/KernelFlow/pkg/config"
	"github.com/willibrandon/KernelFlow/pkg/emitter"
	"github.com/willibrandon/KernelFlow/pkg/resolver"
)

// recorder collects events synchronously.
type recorder struct {
	mu     sync.Mutex
	events []emitter.Event
}

func (r *recorder) Emit(e emitter.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []emitter.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitter.Event(nil), r.events...)
}

type activityLog struct {
	launches []int
	syncs    []int
	streams  []uint64
}

func (a *activityLog) KernelLaunched(device int, stream uint64) {
	a.launches = append(a.launches, device)
	a.streams = append(a.streams, stream)
}

func (a *activityLog) StreamSynchronized(device int, stream uint64) {
	a.syncs = append(a.syncs, device)
}

func (a *activityLog) DeviceSynchronized(device int) {
	a.syncs = append(a.syncs, device)
}

var driver = map[string]uintptr{
	"cuInit":              0x1000,
	"cuLaunchKernel":      0x2000,
	"cuCtxSynchronize":    0x3000,
	"cuMemAlloc":          0x4100,
	"cuMemAlloc_v2":       0x4000,
	"cuGetProcAddress_v2": 0x5000,
	"cuStreamSynchronize": 0x6000,
}

func newInterceptor(t *testing.T, mutate func(*Options)) (*Interceptor, *recorder) {
	t.Helper()
	res, err := resolver.New(resolver.Options{
		Libraries: []resolver.Library{&resolver.StaticLibrary{Name: "libcuda.so", Symbols: driver}},
	})
	require.NoError(t, err)
	rec := &recorder{}
	opts := Options{Resolver: res, Emitter: rec, Selection: DefaultSelection()}
	if mutate != nil {
		mutate(&opts)
	}
	ic, err := New(opts)
	require.NoError(t, err)
	return ic, rec
}

func launchArgs() []uint64 {
	// f, grid xyz, block xyz, shmem, stream, params, extra
	return []uint64{0xf00, 4, 1, 1, 256, 1, 1, 0, 0xabc, 0x7000, 0}
}

func TestLaunchKernelProducesOneStartAndOneCompletion(t *testing.T) {
	ic, rec := newInterceptor(t, nil)

	args := launchArgs()
	var forwardedAddr uintptr
	var forwardedArgs []uint64
	ret, err := ic.Invoke("cuLaunchKernel", args, func(addr uintptr, a []uint64) uint64 {
		forwardedAddr = addr
		forwardedArgs = append([]uint64(nil), a...)
		return 0
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ret)
	assert.Equal(t, uintptr(0x2000), forwardedAddr)
	assert.Equal(t, launchArgs(), forwardedArgs, "arguments must be forwarded unmodified")
	assert.Equal(t, launchArgs(), args, "caller arguments must not be written")

	events := rec.all()
	require.Len(t, events, 2)
	start, done := events[0], events[1]

	assert.Equal(t, emitter.CallStart, start.Type)
	assert.Equal(t, emitter.CallComplete, done.Type)
	assert.Equal(t, "cuLaunchKernel", start.Symbol)
	assert.Equal(t, start.CallID, done.CallID)
	assert.Equal(t, start.ThreadID, done.ThreadID)
	assert.Less(t, start.ThreadSeq, done.ThreadSeq)
	assert.LessOrEqual(t, start.Timestamp, done.Timestamp)
	assert.False(t, start.Nested)

	assert.Equal(t, launchArgs(), DecodeArgs(start.Args))
	assert.Equal(t, "grid=(4,1,1) block=(256,1,1) shmem=0 stream=0xabc", start.Detail)
	require.NotNil(t, done.Return)
	assert.Equal(t, uint64(0), *done.Return)
	assert.Equal(t, "CUDA_SUCCESS", done.Detail)

	sym, _ := ic.resolver.Symbol("cuLaunchKernel")
	assert.Equal(t, uint64(1), sym.Calls())
}

func TestErrorReturnIsRecorded(t *testing.T) {
	ic, rec := newInterceptor(t, nil)

	ret, err := ic.Invoke("cuMemAlloc_v2", []uint64{0x10, 1 << 40}, func(uintptr, []uint64) uint64 { return 2 })
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ret)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "bytes=1099511627776", events[0].Detail)
	assert.Equal(t, "CUDA_ERROR_OUT_OF_MEMORY", events[1].Detail)
}

func nestedForwarder(ic *Interceptor, t *testing.T) Forwarder {
	return func(uintptr, []uint64) uint64 {
		// the driver calls back into another tracked entry point
		_, err := ic.Invoke("cuCtxSynchronize", nil, func(uintptr, []uint64) uint64 { return 0 })
		assert.NoError(t, err)
		return 0
	}
}

func TestNestedCallsAreMarked(t *testing.T) {
	ic, rec := newInterceptor(t, nil)

	_, err := ic.Invoke("cuLaunchKernel", launchArgs(), nestedForwarder(ic, t))
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 4)
	assert.Equal(t, "cuLaunchKernel", events[0].Symbol)
	assert.Equal(t, "cuCtxSynchronize", events[1].Symbol)
	assert.Equal(t, emitter.CallStart, events[1].Type)
	assert.Equal(t, "cuCtxSynchronize", events[2].Symbol)
	assert.Equal(t, emitter.CallComplete, events[2].Type)
	assert.Equal(t, "cuLaunchKernel", events[3].Symbol)

	assert.False(t, events[0].Nested)
	assert.True(t, events[1].Nested)
	assert.Equal(t, 1, events[1].Depth)
	assert.True(t, events[2].Nested)
	assert.False(t, events[3].Nested)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].ThreadSeq, events[i].ThreadSeq)
	}
}

func TestNestedCallsPassthrough(t *testing.T) {
	ic, rec := newInterceptor(t, func(o *Options) { o.Reentrancy = config.ReentrancyPassthrough })

	_, err := ic.Invoke("cuLaunchKernel", launchArgs(), nestedForwarder(ic, t))
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "cuLaunchKernel", events[0].Symbol)
	assert.Equal(t, "cuLaunchKernel", events[1].Symbol)
}

func TestDepthUnwindsAfterExit(t *testing.T) {
	ic, _ := newInterceptor(t, nil)

	outer, _, err := ic.Enter(7, "cuLaunchKernel", launchArgs())
	require.NoError(t, err)
	inner, _, err := ic.Enter(7, "cuCtxSynchronize", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ic.Depth(7))
	assert.Equal(t, 0, ic.Depth(8), "other threads are independent")

	ic.Exit(inner, 0)
	ic.Exit(outer, 0)
	assert.Equal(t, 0, ic.Depth(7))
}

func TestPerThreadOrdering(t *testing.T) {
	ic, rec := newInterceptor(t, nil)

	a, _, _ := ic.Enter(1, "cuInit", []uint64{0})
	b, _, _ := ic.Enter(2, "cuInit", []uint64{0})
	ic.Exit(b, 0)
	ic.Exit(a, 0)

	seqs := map[int][]uint64{}
	for _, e := range rec.all() {
		seqs[e.ThreadID] = append(seqs[e.ThreadID], e.ThreadSeq)
	}
	assert.Equal(t, []uint64{1, 2}, seqs[1])
	assert.Equal(t, []uint64{1, 2}, seqs[2])
}

func TestSelectionSkipsEvents(t *testing.T) {
	ic, rec := newInterceptor(t, func(o *Options) {
		o.Selection = Selection{Include: []string{"cu*"}, Exclude: []string{"cuMem*"}}
	})

	called := false
	_, err := ic.Invoke("cuMemAlloc_v2", []uint64{0x10, 64}, func(addr uintptr, _ []uint64) uint64 {
		called = addr == 0x4000
		return 0
	})
	require.NoError(t, err)
	assert.True(t, called, "excluded calls are still forwarded")
	assert.Empty(t, rec.all())

	_, err = ic.Invoke("cuGetProcAddress_v2", nil, func(uintptr, []uint64) uint64 { return 0 })
	require.NoError(t, err)
	assert.Empty(t, rec.all(), "cuGetProcAddress is never traced")
}

func TestUnresolvedSymbol(t *testing.T) {
	ic, rec := newInterceptor(t, nil)

	called := false
	_, err := ic.Invoke("cuMissing", nil, func(uintptr, []uint64) uint64 {
		called = true
		return 0
	})
	assert.ErrorIs(t, err, resolver.ErrNotFound)
	assert.False(t, called)
	assert.Empty(t, rec.all())
}

func TestMutator(t *testing.T) {
	ic, _ := newInterceptor(t, nil)
	assert.ErrorIs(t, ic.SetMutator(func(string, []uint64) []uint64 { return nil }), ErrMutationDisabled)

	core, logs := observer.New(zap.WarnLevel)
	ic, rec := newInterceptor(t, func(o *Options) {
		o.Mutate = true
		o.Logger = zap.New(core)
	})
	require.NoError(t, ic.SetMutator(func(symbol string, args []uint64) []uint64 {
		args[0] = 1
		return args
	}))
	assert.Equal(t, 1, logs.Len())

	orig := []uint64{0}
	var forwarded []uint64
	_, err := ic.Invoke("cuInit", orig, func(_ uintptr, a []uint64) uint64 {
		forwarded = a
		return 0
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, forwarded)
	assert.Equal(t, []uint64{0}, orig, "mutator must work on a copy")
	assert.Equal(t, []uint64{0}, DecodeArgs(rec.all()[0].Args), "start event keeps the original arguments")

	require.NoError(t, ic.SetMutator(nil))
	_, err = ic.Invoke("cuInit", orig, func(_ uintptr, a []uint64) uint64 {
		forwarded = a
		return 0
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, forwarded)
}

func TestActivityObserver(t *testing.T) {
	act := &activityLog{}
	ic, _ := newInterceptor(t, func(o *Options) {
		o.Observer = act
		o.Device = func() (int, error) { return 3, nil }
	})
	ok := func(uintptr, []uint64) uint64 { return 0 }

	ic.Invoke("cuLaunchKernel", launchArgs(), ok)
	ic.Invoke("cuLaunchKernel", launchArgs(), func(uintptr, []uint64) uint64 { return 719 })
	ic.Invoke("cuStreamSynchronize", []uint64{0xabc}, ok)
	ic.Invoke("cuCtxSynchronize", nil, ok)

	assert.Equal(t, []int{3}, act.launches, "failed launches are not reported")
	assert.Equal(t, []uint64{0xabc}, act.streams)
	assert.Equal(t, []int{3, 3}, act.syncs)
}

func TestDeviceQueryFallback(t *testing.T) {
	act := &activityLog{}
	core, logs := observer.New(zap.WarnLevel)
	ic, _ := newInterceptor(t, func(o *Options) {
		o.Observer = act
		o.Device = func() (int, error) { return 0, errors.New("CUDA_ERROR_INVALID_CONTEXT") }
		o.Logger = zap.New(core)
	})

	_, err := ic.Invoke("cuLaunchKernel", launchArgs(), func(uintptr, []uint64) uint64 { return 0 })
	require.NoError(t, err)
	assert.Equal(t, []int{0}, act.launches)
	assert.Equal(t, 1, logs.FilterMessage("failed to get current device ordinal, falling back to 0").Len())
}

func TestUnknownPolicy(t *testing.T) {
	res, _ := resolver.New(resolver.Options{})
	_, err := New(Options{Resolver: res, Reentrancy: "ignore"})
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestProcAddressHooks(t *testing.T) {
	ic, _ := newInterceptor(t, nil)
	ic.RegisterHook("cuLaunchKernel", 0xbeef)

	assert.True(t, ic.Hooked("cuLaunchKernel"))
	_, ok := ic.HookTarget("cuLaunchKernel")
	assert.False(t, ok, "no target before the hook is handed out")

	assert.Equal(t, uintptr(0xbeef), ic.ProcAddress("cuLaunchKernel", 0x2000))
	assert.Equal(t, uintptr(0x3000), ic.ProcAddress("cuCtxSynchronize", 0x3000))
	assert.Equal(t, uintptr(0), ic.ProcAddress("cuLaunchKernel", 0))
}

func TestProcAddressForwardsToHandedOutVariant(t *testing.T) {
	ic, _ := newInterceptor(t, nil)
	ic.RegisterHook("cuMemAlloc", 0xbeef)

	// the legacy export is already cached under the unversioned name
	legacy, err := ic.resolver.Resolve("cuMemAlloc")
	require.NoError(t, err)
	require.Equal(t, uintptr(0x4100), legacy)

	assert.Equal(t, uintptr(0xbeef), ic.ProcAddress("cuMemAlloc", 0x4000))
	target, ok := ic.HookTarget("cuMemAlloc")
	require.True(t, ok)
	assert.Equal(t, uintptr(0x4000), target, "hook forwards to the pointer the driver handed out")

	assert.Equal(t, uintptr(0xbeef), ic.ProcAddress("cuMemAlloc", 0x4000), "same variant again")
	assert.Equal(t, uintptr(0x4100), ic.ProcAddress("cuMemAlloc", 0x4100), "other variant stays unhooked")
	target, _ = ic.HookTarget("cuMemAlloc")
	assert.Equal(t, uintptr(0x4000), target)
}

func TestConcurrentInvoke(t *testing.T) {
	ic, rec := newInterceptor(t, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ic.Invoke("cuInit", []uint64{0}, func(uintptr, []uint64) uint64 { return 0 })
			}
		}()
	}
	wg.Wait()

	events := rec.all()
	require.Len(t, events, 1600)
	open := map[uint64]bool{}
	for _, e := range events {
		switch e.Type {
		case emitter.CallStart:
			open[e.CallID] = true
		case emitter.CallComplete:
			assert.True(t, open[e.CallID], "completion %d without start", e.CallID)
			delete(open, e.CallID)
		}
	}
	assert.Empty(t, open)
}
