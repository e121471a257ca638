package interposer

import (
	"context"
	"fmt"
	"sync"

	"github.com/willibrandon/KernelFlow/pkg/checkpoint"
)

// Markers exposes the checkpoint manager through integer handles, for
// callers that cannot hold Go pointers.
type Markers struct {
	mgr     *checkpoint.Manager
	records sync.Map // handle -> *checkpoint.Record
}

// NewMarkers creates a handle table over mgr.
func NewMarkers(mgr *checkpoint.Manager) *Markers {
	return &Markers{mgr: mgr}
}

func (m *Markers) record(handle uint64) (*checkpoint.Record, error) {
	v, ok := m.records.Load(handle)
	if !ok {
		return nil, fmt.Errorf("checkpoint handle %d: %w", handle, checkpoint.ErrUseAfterEnd)
	}
	return v.(*checkpoint.Record), nil
}

// Begin checkpoints device and returns a handle for Restore or End.
func (m *Markers) Begin(ctx context.Context, device int) (uint64, error) {
	rec, err := m.mgr.Begin(ctx, device)
	if err != nil {
		return 0, err
	}
	m.records.Store(rec.ID, rec)
	return rec.ID, nil
}

// Restore restores the checkpoint behind handle. The handle stays valid
// while the record is still active, so a busy restore can be retried.
func (m *Markers) Restore(ctx context.Context, handle uint64) error {
	rec, err := m.record(handle)
	if err != nil {
		return err
	}
	err = m.mgr.Restore(ctx, rec)
	if !rec.Active() {
		m.records.Delete(handle)
	}
	return err
}

// End releases the checkpoint behind handle.
func (m *Markers) End(ctx context.Context, handle uint64) error {
	rec, err := m.record(handle)
	if err != nil {
		return err
	}
	err = m.mgr.End(ctx, rec)
	if !rec.Active() {
		m.records.Delete(handle)
	}
	return err
}
