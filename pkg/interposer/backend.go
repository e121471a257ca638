package interposer

import (
	"context"
	"sync"

	"github.com/willibrandon/KernelFlow/pkg/abi"
	"github.com/willibrandon/KernelFlow/pkg/checkpoint"
	"github.com/willibrandon/KernelFlow/pkg/resolver"
)

// lazyCupti builds the CUPTI backend on first use, since the application may
// load CUPTI after the interposer starts. A failed attempt is retried on the
// next checkpoint.
type lazyCupti struct {
	resolver *resolver.Resolver

	mu      sync.Mutex
	backend *checkpoint.CuptiBackend
}

func (l *lazyCupti) get() (*checkpoint.CuptiBackend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend != nil {
		return l.backend, nil
	}
	b, err := checkpoint.NewCuptiBackend(l.resolver)
	if err != nil {
		return nil, err
	}
	l.backend = b
	return b, nil
}

func (l *lazyCupti) Save(ctx context.Context, device int, header *abi.Blob) ([]byte, []checkpoint.Region, error) {
	b, err := l.get()
	if err != nil {
		return nil, nil, err
	}
	return b.Save(ctx, device, header)
}

func (l *lazyCupti) Restore(ctx context.Context, device int, header *abi.Blob, state []byte) error {
	b, err := l.get()
	if err != nil {
		return err
	}
	return b.Restore(ctx, device, header, state)
}

func (l *lazyCupti) Free(device int, header *abi.Blob) error {
	b, err := l.get()
	if err != nil {
		return err
	}
	return b.Free(device, header)
}
