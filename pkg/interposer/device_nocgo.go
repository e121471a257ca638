//go:build !cgo || !linux

package interposer

import (
	"errors"

	"github.com/willibrandon/KernelFlow/pkg/interceptor"
	"github.com/willibrandon/KernelFlow/pkg/resolver"
)

func cudaDeviceQuery(*resolver.Resolver) interceptor.DeviceQuery {
	return func() (int, error) {
		return 0, errors.New("querying the current device requires cgo")
	}
}
