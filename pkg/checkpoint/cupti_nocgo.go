//go:build !cgo || !linux

package checkpoint

import (
	"context"
	"errors"

	"github.com/willibrandon/KernelFlow/pkg/abi"
)

const CuptiAvailable = false

var errNoCupti = errors.New("cupti checkpoint backend requires a cgo build on linux")

type CuptiBackend struct{}

// NewCuptiBackend always fails without cgo.
func NewCuptiBackend(src SymbolSource) (*CuptiBackend, error) {
	return nil, errNoCupti
}

func (b *CuptiBackend) Save(context.Context, int, *abi.Blob) ([]byte, []Region, error) {
	return nil, nil, errNoCupti
}

func (b *CuptiBackend) Restore(context.Context, int, *abi.Blob, []byte) error { return errNoCupti }

func (b *CuptiBackend) Free(int, *abi.Blob) error { return errNoCupti }
