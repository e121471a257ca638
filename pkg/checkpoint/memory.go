package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/willibrandon/KernelFlow/pkg/abi"
)

var ErrBadAddress = errors.New("address not allocated")

// DeviceMemory is a host-backed stand-in for the memory of one device.
type DeviceMemory struct {
	mu      sync.Mutex
	next    uint64
	regions map[uint64][]byte
}

func newDeviceMemory() *DeviceMemory {
	return &DeviceMemory{next: 0x7f0000000000, regions: make(map[uint64][]byte)}
}

// Alloc reserves size zeroed bytes and returns their device address.
func (d *DeviceMemory) Alloc(size int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.next
	d.regions[addr] = make([]byte, size)
	d.next += uint64(abi.Align(size, 256))
	return addr
}

// Free releases the allocation at addr.
func (d *DeviceMemory) Free(addr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[addr]; !ok {
		return fmt.Errorf("%#x: %w", addr, ErrBadAddress)
	}
	delete(d.regions, addr)
	return nil
}

// Write copies data to the start of the allocation at addr.
func (d *DeviceMemory) Write(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.regions[addr]
	if !ok || len(data) > len(buf) {
		return fmt.Errorf("%#x+%d: %w", addr, len(data), ErrBadAddress)
	}
	copy(buf, data)
	return nil
}

// Read returns a copy of the allocation at addr.
func (d *DeviceMemory) Read(addr uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.regions[addr]
	if !ok {
		return nil, fmt.Errorf("%#x: %w", addr, ErrBadAddress)
	}
	return append([]byte(nil), buf...), nil
}

type savedRegion struct {
	Addr uint64 `msgpack:"addr"`
	Data []byte `msgpack:"data"`
}

// MemoryBackend checkpoints DeviceMemory instances. It is used where no GPU
// is present: tests and the selftest command.
type MemoryBackend struct {
	mu      sync.Mutex
	devices map[int]*DeviceMemory
	saves   int
}

// NewMemoryBackend creates a backend with no devices.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{devices: make(map[int]*DeviceMemory)}
}

// Device returns the memory of device id, creating it on first use.
func (b *MemoryBackend) Device(id int) *DeviceMemory {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	if !ok {
		d = newDeviceMemory()
		b.devices[id] = d
	}
	return d
}

// Save copies every allocation of device into a msgpack state blob.
func (b *MemoryBackend) Save(ctx context.Context, device int, header *abi.Blob) ([]byte, []Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	d := b.Device(device)

	d.mu.Lock()
	saved := make([]savedRegion, 0, len(d.regions))
	for addr, buf := range d.regions {
		saved = append(saved, savedRegion{Addr: addr, Data: append([]byte(nil), buf...)})
	}
	d.mu.Unlock()
	sort.Slice(saved, func(i, j int) bool { return saved[i].Addr < saved[j].Addr })

	regions := make([]Region, len(saved))
	for i, s := range saved {
		regions[i] = Region{Addr: s.Addr, Size: uint64(len(s.Data))}
	}
	state, err := msgpack.Marshal(saved)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding device %d state: %w", device, err)
	}

	b.mu.Lock()
	b.saves++
	token := uint64(b.saves)
	b.mu.Unlock()
	if err := header.SetUint64("pPriv", token); err != nil {
		return nil, nil, err
	}
	return state, regions, nil
}

// Restore writes the saved allocations back bit-for-bit.
func (b *MemoryBackend) Restore(ctx context.Context, device int, header *abi.Blob, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var saved []savedRegion
	if err := msgpack.Unmarshal(state, &saved); err != nil {
		return fmt.Errorf("decoding device %d state: %w", device, err)
	}

	d := b.Device(device)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range saved {
		buf, ok := d.regions[s.Addr]
		if !ok || len(buf) != len(s.Data) {
			buf = make([]byte, len(s.Data))
			d.regions[s.Addr] = buf
		}
		copy(buf, s.Data)
	}
	return nil
}

// Free clears the header's private pointer.
func (b *MemoryBackend) Free(device int, header *abi.Blob) error {
	return header.SetUint64("pPriv", 0)
}
