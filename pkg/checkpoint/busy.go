package checkpoint

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"go.uber.org/multierr"
)

// BusyChecker reports whether a device has work in flight.
type BusyChecker interface {
	Busy(ctx context.Context, device int) (bool, error)
}

// BusyFunc adapts a function to BusyChecker.
type BusyFunc func(ctx context.Context, device int) (bool, error)

// Busy calls f.
func (f BusyFunc) Busy(ctx context.Context, device int) (bool, error) { return f(ctx, device) }

// ActivityTracker counts kernels launched since the last synchronization,
// per device and stream. It is fed by the interceptor.
type ActivityTracker struct {
	mu      sync.Mutex
	pending map[int]map[uint64]int
}

// NewActivityTracker creates a tracker with nothing in flight.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{pending: make(map[int]map[uint64]int)}
}

// KernelLaunched records a launch on stream of device.
func (t *ActivityTracker) KernelLaunched(device int, stream uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	streams, ok := t.pending[device]
	if !ok {
		streams = make(map[uint64]int)
		t.pending[device] = streams
	}
	streams[stream]++
}

// StreamSynchronized clears the launches on stream of device.
func (t *ActivityTracker) StreamSynchronized(device int, stream uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending[device], stream)
}

// DeviceSynchronized clears every launch on device.
func (t *ActivityTracker) DeviceSynchronized(device int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, device)
}

// InFlight returns the number of unsynchronized launches on device.
func (t *ActivityTracker) InFlight(device int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.pending[device] {
		n += c
	}
	return n
}

// Busy reports whether device has unsynchronized launches.
func (t *ActivityTracker) Busy(_ context.Context, device int) (bool, error) {
	return t.InFlight(device) > 0, nil
}

// NVMLChecker asks the management library whether a device is busy.
type NVMLChecker struct {
	lib nvml.Interface
	// Threshold is the GPU utilization percentage above which the device is
	// considered busy.
	Threshold uint32
	// Exclusive also treats compute processes other than this one as busy.
	Exclusive bool
	pid       uint32
}

// NewNVMLChecker initializes lib. Close must be called to shut it down.
func NewNVMLChecker(lib nvml.Interface) (*NVMLChecker, error) {
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init: %s", nvmlCode(ret))
	}
	return &NVMLChecker{lib: lib, pid: uint32(os.Getpid())}, nil
}

// Busy reports whether utilization is above Threshold or, with Exclusive set,
// any compute process runs on device.
func (c *NVMLChecker) Busy(_ context.Context, device int) (bool, error) {
	dev, ret := c.lib.DeviceGetHandleByIndex(device)
	if ret != nvml.SUCCESS {
		return false, fmt.Errorf("nvml device %d: %s", device, nvmlCode(ret))
	}

	util, ret := dev.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return false, fmt.Errorf("nvml utilization of device %d: %s", device, nvmlCode(ret))
	}
	if util.Gpu > c.Threshold {
		return true, nil
	}
	if !c.Exclusive {
		return false, nil
	}

	procs, ret := dev.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return false, fmt.Errorf("nvml processes of device %d: %s", device, nvmlCode(ret))
	}
	for _, p := range procs {
		if p.Pid != c.pid {
			return true, nil
		}
	}
	return false, nil
}

// Close shuts NVML down.
func (c *NVMLChecker) Close() error {
	if ret := c.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", nvmlCode(ret))
	}
	return nil
}

// nvmlCode formats a return code without calling back into the library,
// which may not be loaded.
func nvmlCode(ret nvml.Return) string {
	return fmt.Sprintf("nvml return %d", int32(ret))
}

// AnyBusy reports busy when any checker does. Errors are only returned when
// no checker reported busy.
func AnyBusy(checkers ...BusyChecker) BusyChecker {
	return BusyFunc(func(ctx context.Context, device int) (bool, error) {
		var errs error
		for _, c := range checkers {
			if c == nil {
				continue
			}
			busy, err := c.Busy(ctx, device)
			if busy {
				return true, nil
			}
			errs = multierr.Append(errs, err)
		}
		return false, errs
	})
}
