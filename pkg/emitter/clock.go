package emitter

import "time"

var processStart = time.Now()

// Now returns monotonic nanoseconds elapsed since the process loaded this
// package. Wall-clock adjustments do not affect it.
func Now() int64 {
	return int64(time.Since(processStart))
}
