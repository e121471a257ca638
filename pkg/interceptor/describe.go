package interceptor

import (
	"encoding/binary"
	"fmt"

	"github.com/willibrandon/KernelFlow/pkg/abi"
)

// snapshotArgs copies the integer argument registers into the event payload,
// 8 little-endian bytes each.
func snapshotArgs(args []uint64) []byte {
	if len(args) == 0 {
		return nil
	}
	out := make([]byte, 0, 8*len(args))
	for _, a := range args {
		out = binary.LittleEndian.AppendUint64(out, a)
	}
	return out
}

// DecodeArgs reverses the payload written for a start event.
func DecodeArgs(payload []byte) []uint64 {
	out := make([]uint64, 0, len(payload)/8)
	for len(payload) >= 8 {
		out = append(out, binary.LittleEndian.Uint64(payload))
		payload = payload[8:]
	}
	return out
}

type describer func(args []uint64) string

func arg(args []uint64, i int) uint64 {
	if i < len(args) {
		return args[i]
	}
	return 0
}

var describers = map[string]describer{
	"cuInit": func(a []uint64) string {
		return fmt.Sprintf("flags=%d", uint32(arg(a, 0)))
	},
	"cuDeviceGet": func(a []uint64) string {
		return fmt.Sprintf("ordinal=%d", int32(arg(a, 1)))
	},
	"cuLaunchKernel":            describeLaunch,
	"cuLaunchKernel_ptsz":       describeLaunch,
	"cuLaunchCooperativeKernel": describeLaunch,
	"cuLaunchKernelEx": func(a []uint64) string {
		return fmt.Sprintf("config=%#x func=%#x", arg(a, 0), arg(a, 1))
	},
	"cuMemAlloc_v2": func(a []uint64) string {
		return fmt.Sprintf("bytes=%d", arg(a, 1))
	},
	"cuMemFree_v2": func(a []uint64) string {
		return fmt.Sprintf("dptr=%#x", arg(a, 0))
	},
	"cuMemcpyHtoD_v2": func(a []uint64) string {
		return fmt.Sprintf("dst=%#x bytes=%d", arg(a, 0), arg(a, 2))
	},
	"cuMemcpyDtoH_v2": func(a []uint64) string {
		return fmt.Sprintf("src=%#x bytes=%d", arg(a, 1), arg(a, 2))
	},
	"cuMemsetD8_v2": func(a []uint64) string {
		return fmt.Sprintf("dst=%#x value=%#x count=%d", arg(a, 0), uint8(arg(a, 1)), arg(a, 2))
	},
	"cuStreamSynchronize": func(a []uint64) string {
		return fmt.Sprintf("stream=%#x", arg(a, 0))
	},
}

// cuGetProcAddress is queried with unversioned names and hands out the
// current version of the function.
func init() {
	for _, name := range []string{"cuMemAlloc", "cuMemFree", "cuMemcpyHtoD", "cuMemcpyDtoH", "cuMemsetD8"} {
		describers[name] = describers[name+"_v2"]
	}
}

func describeLaunch(a []uint64) string {
	return fmt.Sprintf("grid=(%d,%d,%d) block=(%d,%d,%d) shmem=%d stream=%#x",
		uint32(arg(a, 1)), uint32(arg(a, 2)), uint32(arg(a, 3)),
		uint32(arg(a, 4)), uint32(arg(a, 5)), uint32(arg(a, 6)),
		uint32(arg(a, 7)), arg(a, 8))
}

// Describe renders the arguments of a known symbol, or "" for others.
func Describe(symbol string, args []uint64) string {
	if d, ok := describers[symbol]; ok {
		return d(args)
	}
	return ""
}

// DescribeResult names a CUresult carried in a return register.
func DescribeResult(ret uint64) string {
	return abi.Result(int32(uint32(ret))).String()
}
