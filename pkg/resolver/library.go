package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no library exports the symbol.
	ErrNotFound = errors.New("symbol not found")
	// ErrNotLoaded is returned by ELFLibrary lookups when the file is not
	// mapped into this process.
	ErrNotLoaded = errors.New("library not loaded")
)

// Library is a source of real symbol addresses.
type Library interface {
	Path() string
	Lookup(name string) (uintptr, error)
	Close() error
}

// StaticLibrary serves addresses from a fixed table. It stands in for the
// vendor library when the addresses are already known, for example from the
// loader's symbol bindings.
type StaticLibrary struct {
	Name    string
	Symbols map[string]uintptr
}

func (l *StaticLibrary) Path() string { return l.Name }

// Lookup returns the fixed address of name.
func (l *StaticLibrary) Lookup(name string) (uintptr, error) {
	if addr, ok := l.Symbols[name]; ok && addr != 0 {
		return addr, nil
	}
	return 0, fmt.Errorf("%s in %s: %w", name, l.Name, ErrNotFound)
}

func (l *StaticLibrary) Close() error { return nil }

// Open loads the first existing candidate with the named backend ("dl" or
// "elf"). The dl backend falls back to elf in builds without cgo.
func Open(backend string, candidates []string) (Library, error) {
	path, ok := FindLibrary(candidates)
	if !ok {
		return nil, fmt.Errorf("none of %d candidate paths exist: %w", len(candidates), ErrNotLoaded)
	}
	if backend == "dl" && DLAvailable {
		return OpenDL(path)
	}
	return OpenELF(path)
}
