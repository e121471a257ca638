// Package checkpoint snapshots and restores device memory around explicit
// regions of interest.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/willibrandon/KernelFlow/pkg/abi"
	"github.com/willibrandon/KernelFlow/pkg/emitter"
	kflog "github.com/willibrandon/KernelFlow/pkg/log"
)

var (
	ErrDeviceBusy          = errors.New("device has kernels in flight")
	ErrAlreadyCheckpointed = errors.New("device already has an active checkpoint")
	ErrUseAfterEnd         = errors.New("checkpoint already consumed")
	ErrConcurrentAccess    = errors.New("checkpoint is owned or in use by another caller")
	ErrLeaked              = errors.New("checkpoint still active at teardown")
	ErrClosed              = errors.New("checkpoint manager closed")
)

// Settings are copied into every vendor checkpoint header.
type Settings struct {
	ReserveDeviceMB uint64
	ReserveHostMB   uint64
	AllowOverwrite  bool
	Optimizations   uint8
}

// EventEmitter receives checkpoint lifecycle events.
type EventEmitter interface {
	Emit(emitter.Event)
}

// Options configures a Manager.
type Options struct {
	Backend Backend
	// Busy is consulted by Begin and Restore. Nil means never busy.
	Busy    BusyChecker
	Emitter EventEmitter
	// Arena holds the vendor headers. Defaults to abi.DefaultArena().
	Arena       abi.Arena
	Compression emitter.CompressionType
	Settings    Settings
	// StructSize is the checkpoint struct size verified at load time.
	// Defaults to the compiled mirror's size.
	StructSize uintptr
	Logger     *zap.Logger
}

// Manager owns every active checkpoint of the process. At most one
// checkpoint is active per device.
type Manager struct {
	backend     Backend
	busy        BusyChecker
	emitter     EventEmitter
	arena       abi.Arena
	compression emitter.CompressionType
	settings    Settings
	structSize  uintptr
	log         *zap.Logger

	nextID atomic.Uint64

	mu     sync.Mutex
	active map[int]*Record
	closed bool
}

// NewManager creates a Manager. It fails with ErrAbiMismatch when the
// struct size differs from the compiled mirror.
func NewManager(opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, errors.New("checkpoint manager needs a backend")
	}
	if opts.Arena == nil {
		opts.Arena = abi.DefaultArena()
	}
	if opts.StructSize == 0 {
		opts.StructSize = abi.SizeofCheckpoint
	}
	if err := abi.VerifyStructSize(abi.CheckpointStructSize, opts.StructSize); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		backend:     opts.Backend,
		busy:        opts.Busy,
		emitter:     opts.Emitter,
		arena:       opts.Arena,
		compression: opts.Compression,
		settings:    opts.Settings,
		structSize:  opts.StructSize,
		log:         opts.Logger.Named("checkpoint"),
		active:      make(map[int]*Record),
	}, nil
}

// Begin captures the current state of device.
func (m *Manager) Begin(ctx context.Context, device int) (*Record, error) {
	if err := m.checkBusy(ctx, device); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          m.nextID.Add(1),
		DeviceID:    device,
		StructSize:  m.structSize,
		Created:     time.Now(),
		compression: m.compression,
	}
	rec.owner, rec.owned = OwnerFrom(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if cur, ok := m.active[device]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("device %d (checkpoint %d): %w", device, cur.ID, ErrAlreadyCheckpointed)
	}
	// the slot is reserved while the backend saves; in flight keeps Close
	// from consuming it underneath save
	rec.inFlight.Store(true)
	m.active[device] = rec
	m.mu.Unlock()

	err := m.save(ctx, rec)
	m.mu.Lock()
	closed := m.closed
	if err != nil {
		delete(m.active, device)
	} else if !closed {
		// cleared under the lock so a later Close sees it and consumes it
		rec.inFlight.Store(false)
	}
	m.mu.Unlock()
	if err == nil && closed {
		m.consume(rec)
		rec.inFlight.Store(false)
		return nil, fmt.Errorf("device %d: %w", device, ErrClosed)
	}
	if err != nil {
		return nil, err
	}

	stored, raw := rec.StateSize()
	m.log.Debug("checkpoint saved", kflog.TID(), zap.Uint64("id", rec.ID), zap.Int("device", device),
		zap.Int("regions", len(rec.Regions)), zap.Int("state_bytes", raw), zap.Int("stored_bytes", stored))
	m.emit(emitter.CheckpointBegin, rec, fmt.Sprintf("checkpoint %d regions=%d bytes=%d", rec.ID, len(rec.Regions), rec.Bytes()))
	return rec, nil
}

func (m *Manager) save(ctx context.Context, rec *Record) error {
	header := abi.NewBlob(m.arena, &abi.CheckpointLayout)
	err := multierr.Combine(
		header.SetUint64("reserveDeviceMB", m.settings.ReserveDeviceMB),
		header.SetUint64("reserveHostMB", m.settings.ReserveHostMB),
		header.SetUint8("allowOverwrite", boolByte(m.settings.AllowOverwrite)),
		header.SetUint8("optimizations", m.settings.Optimizations),
	)
	if err != nil {
		header.Release()
		return fmt.Errorf("preparing checkpoint header: %w", err)
	}

	state, regions, err := m.backend.Save(ctx, rec.DeviceID, header)
	if err != nil {
		header.Release()
		return fmt.Errorf("saving device %d: %w", rec.DeviceID, err)
	}
	stored, err := emitter.CompressData(state, m.compression)
	if err != nil {
		m.free(rec.DeviceID, header)
		return fmt.Errorf("compressing device %d state: %w", rec.DeviceID, err)
	}

	rec.header = header
	rec.Regions = regions
	rec.state = stored
	rec.rawSize = len(state)
	return nil
}

// Restore writes the checkpointed state back to the device and consumes the
// record. When the device is busy the record stays active and the caller may
// retry.
func (m *Manager) Restore(ctx context.Context, rec *Record) error {
	release, err := m.acquire(ctx, rec)
	if err != nil {
		return err
	}
	defer release()

	if err := abi.VerifyStructSize(m.structSize, rec.StructSize); err != nil {
		return err
	}
	if err := m.checkBusy(ctx, rec.DeviceID); err != nil {
		return err
	}

	state, err := emitter.DecompressData(rec.state, rec.compression)
	if err != nil {
		return fmt.Errorf("decompressing checkpoint %d: %w", rec.ID, err)
	}
	if err := m.backend.Restore(ctx, rec.DeviceID, rec.header, state); err != nil {
		return fmt.Errorf("restoring device %d: %w", rec.DeviceID, err)
	}

	m.consume(rec)
	m.emit(emitter.CheckpointRestore, rec, fmt.Sprintf("checkpoint %d restored", rec.ID))
	return nil
}

// End releases the checkpoint without restoring it.
func (m *Manager) End(ctx context.Context, rec *Record) error {
	release, err := m.acquire(ctx, rec)
	if err != nil {
		return err
	}
	defer release()

	m.consume(rec)
	m.emit(emitter.CheckpointEnd, rec, fmt.Sprintf("checkpoint %d ended", rec.ID))
	return nil
}

// acquire marks rec in flight for the caller after checking its state and
// owner. The returned func clears the mark.
func (m *Manager) acquire(ctx context.Context, rec *Record) (func(), error) {
	if rec == nil {
		return nil, errors.New("nil checkpoint record")
	}
	if !rec.inFlight.CompareAndSwap(false, true) {
		if !rec.Active() {
			return nil, fmt.Errorf("checkpoint %d: %w", rec.ID, ErrUseAfterEnd)
		}
		return nil, fmt.Errorf("checkpoint %d: %w", rec.ID, ErrConcurrentAccess)
	}
	release := func() { rec.inFlight.Store(false) }

	if !rec.Active() {
		release()
		return nil, fmt.Errorf("checkpoint %d: %w", rec.ID, ErrUseAfterEnd)
	}
	if owner, ok := OwnerFrom(ctx); rec.owned && (!ok || owner != rec.owner) {
		release()
		return nil, fmt.Errorf("checkpoint %d owned by %d: %w", rec.ID, rec.owner, ErrConcurrentAccess)
	}
	return release, nil
}

func (m *Manager) consume(rec *Record) {
	rec.status.Store(int32(StatusConsumed))
	m.free(rec.DeviceID, rec.header)
	rec.header = nil
	rec.state = nil

	m.mu.Lock()
	if m.active[rec.DeviceID] == rec {
		delete(m.active, rec.DeviceID)
	}
	m.mu.Unlock()
}

func (m *Manager) free(device int, header *abi.Blob) {
	if header == nil {
		return
	}
	if err := m.backend.Free(device, header); err != nil {
		m.log.Warn("freeing checkpoint resources failed", zap.Int("device", device), zap.Error(err))
	}
	header.Release()
}

func (m *Manager) checkBusy(ctx context.Context, device int) error {
	if m.busy == nil {
		return nil
	}
	busy, err := m.busy.Busy(ctx, device)
	if err != nil {
		return fmt.Errorf("checking device %d activity: %w", device, err)
	}
	if busy {
		return fmt.Errorf("device %d: %w", device, ErrDeviceBusy)
	}
	return nil
}

// Active returns the active records sorted by device.
func (m *Manager) Active() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close frees every record still active and reports each one as leaked.
// Records must not outlive their device context.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs error
	for _, rec := range m.Active() {
		errs = multierr.Append(errs, fmt.Errorf("checkpoint %d on device %d: %w", rec.ID, rec.DeviceID, ErrLeaked))
		if rec.inFlight.CompareAndSwap(false, true) {
			m.consume(rec)
			rec.inFlight.Store(false)
		}
	}
	return errs
}

func (m *Manager) emit(t emitter.EventType, rec *Record, detail string) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(emitter.Event{
		Timestamp: emitter.Now(),
		Type:      t,
		ThreadID:  rec.eventThread(),
		DeviceID:  rec.DeviceID,
		Detail:    detail,
	})
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
