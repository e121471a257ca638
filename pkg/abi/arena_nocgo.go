//go:build !cgo || !linux

package abi

// DefaultArena returns the arena used for blobs handed to vendor code.
// Without cgo no vendor code can run, so Go memory is sufficient.
func DefaultArena() Arena {
	return NewSlabArena(0)
}
