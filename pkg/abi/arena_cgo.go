//go:build cgo && linux

package abi

/*
#include <stdlib.h>
*/
import "C"

import (
	"sync"
	"unsafe"
)

// CArena allocates from the C heap, so vendor code may keep pointers into a
// blob after the call that received it returns.
type CArena struct {
	mu   sync.Mutex
	live map[unsafe.Pointer]int
}

// NewCArena creates an arena backed by the C heap.
func NewCArena() *CArena {
	return &CArena{live: make(map[unsafe.Pointer]int)}
}

// Alloc returns n zeroed bytes of C memory.
func (a *CArena) Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	p := C.calloc(1, C.size_t(n))
	if p == nil {
		panic("kflow: C heap exhausted")
	}
	a.mu.Lock()
	a.live[p] = n
	a.mu.Unlock()
	return unsafe.Slice((*byte)(p), n)
}

// Release frees b. b must come from Alloc.
func (a *CArena) Release(b []byte) {
	if len(b) == 0 {
		return
	}
	p := unsafe.Pointer(&b[0])
	a.mu.Lock()
	_, ok := a.live[p]
	delete(a.live, p)
	a.mu.Unlock()
	if ok {
		C.free(p)
	}
}

// Live returns the number of unreleased allocations.
func (a *CArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// DefaultArena returns the arena used for blobs handed to vendor code.
func DefaultArena() Arena {
	return NewCArena()
}
