package abi

import "sync"

// Arena hands out byte buffers for vendor struct blobs. Buffers returned by
// Alloc are zeroed and stay valid until passed to Release.
type Arena interface {
	Alloc(n int) []byte
	Release(b []byte)
}

// DefaultSlabSize is the slab size used by NewSlabArena when given 0.
const DefaultSlabSize = 64 << 10

// SlabArena carves buffers out of large slabs and keeps released buffers on
// per-size free lists.
type SlabArena struct {
	mu       sync.Mutex
	slabSize int
	cur      []byte
	free     map[int][][]byte
	live     int
}

// NewSlabArena creates an arena that allocates slabs of slabSize bytes.
func NewSlabArena(slabSize int) *SlabArena {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	return &SlabArena{
		slabSize: slabSize,
		free:     make(map[int][][]byte),
	}
}

// Alloc returns a zeroed buffer of n bytes aligned to 8 bytes within its slab.
func (a *SlabArena) Alloc(n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.live++
	if list := a.free[n]; len(list) > 0 {
		b := list[len(list)-1]
		a.free[n] = list[:len(list)-1]
		clear(b)
		return b
	}

	size := Align(n, 8)
	if size > a.slabSize {
		return make([]byte, n, size)
	}
	if len(a.cur) < size {
		a.cur = make([]byte, a.slabSize)
	}
	b := a.cur[:n:size]
	a.cur = a.cur[size:]
	return b
}

// Release puts b back on the free list for its size.
func (a *SlabArena) Release(b []byte) {
	if b == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live--
	a.free[len(b)] = append(a.free[len(b)], b)
}

// Live returns the number of buffers handed out and not yet released.
func (a *SlabArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
