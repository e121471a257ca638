package interceptor

// ActivityObserver is told about work submitted to and retired from a
// device. Notifications are only sent for calls that returned CUDA_SUCCESS.
type ActivityObserver interface {
	KernelLaunched(device int, stream uint64)
	StreamSynchronized(device int, stream uint64)
	DeviceSynchronized(device int)
}

type activityKind int

const (
	activityNone activityKind = iota
	activityLaunch
	activityStreamSync
	activityDeviceSync
)

type activity struct {
	kind activityKind
	// streamArg is the argument index of the stream handle, or -1
	streamArg int
}

var activities = map[string]activity{
	"cuLaunchKernel":                 {activityLaunch, 8},
	"cuLaunchKernel_ptsz":            {activityLaunch, 8},
	"cuLaunchCooperativeKernel":      {activityLaunch, 8},
	"cuLaunchCooperativeKernel_ptsz": {activityLaunch, 8},
	"cuLaunchKernelEx":               {activityLaunch, -1},
	"cuLaunchKernelEx_ptsz":          {activityLaunch, -1},
	"cuStreamSynchronize":            {activityStreamSync, 0},
	"cuStreamSynchronize_ptsz":       {activityStreamSync, 0},
	"cuCtxSynchronize":               {activityDeviceSync, -1},
}

// isLaunch reports whether symbol submits a kernel.
func isLaunch(symbol string) bool {
	return activities[symbol].kind == activityLaunch
}

func (a activity) stream(args []uint64) uint64 {
	if a.streamArg < 0 {
		return 0
	}
	return arg(args, a.streamArg)
}
