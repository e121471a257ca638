//go:build !cgo || !linux

package resolver

import "errors"

const DLAvailable = false

// DLLibrary is unavailable without cgo; use ELFLibrary instead.
type DLLibrary struct{}

// OpenDL always fails without cgo.
func OpenDL(path string) (*DLLibrary, error) {
	return nil, errors.New("dlopen backend requires a cgo build on linux")
}

func (l *DLLibrary) Path() string { return "" }

func (l *DLLibrary) Lookup(name string) (uintptr, error) { return 0, ErrNotLoaded }

func (l *DLLibrary) Close() error { return nil }
