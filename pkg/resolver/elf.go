package resolver

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/prometheus/procfs"
)

// ELFLibrary reads exported functions from a shared object's dynamic symbol
// table and relocates them against the object's mapping in this process.
// It needs neither cgo nor a dynamic loader.
type ELFLibrary struct {
	path    string
	base    uintptr
	mapped  bool
	symbols map[string]uint64
}

// OpenELF parses path and locates its load address in /proc/self/maps.
func OpenELF(path string) (*ELFLibrary, error) {
	maps, err := selfMaps()
	if err != nil {
		return nil, err
	}
	return NewELFLibrary(path, maps)
}

// NewELFLibrary parses path and relocates it against maps. A library that is
// not present in maps can still list its symbols but Lookup fails with
// ErrNotLoaded.
func NewELFLibrary(path string, maps []*procfs.ProcMap) (*ELFLibrary, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("reading dynamic symbols of %s: %w", path, err)
	}

	lib := &ELFLibrary{path: path, symbols: make(map[string]uint64, len(syms))}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF || s.Value == 0 {
			continue
		}
		if _, dup := lib.symbols[s.Name]; !dup {
			lib.symbols[s.Name] = s.Value
		}
	}

	var first *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && (first == nil || p.Vaddr < first.Vaddr) {
			first = p
		}
	}
	if first == nil {
		return lib, nil
	}

	names := map[string]bool{path: true}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		names[real] = true
	}
	if abs, err := filepath.Abs(path); err == nil {
		names[abs] = true
	}
	segStart := first.Vaddr
	if first.Align > 1 {
		segStart &^= first.Align - 1
	}
	for _, m := range maps {
		if m.Offset == 0 && names[m.Pathname] {
			lib.base = m.StartAddr - uintptr(segStart)
			lib.mapped = true
			break
		}
	}
	return lib, nil
}

func (l *ELFLibrary) Path() string { return l.path }

// Mapped reports whether the library was found in the process mappings.
func (l *ELFLibrary) Mapped() bool { return l.mapped }

// Offset returns the symbol's link-time value.
func (l *ELFLibrary) Offset(name string) (uint64, bool) {
	v, ok := l.symbols[name]
	return v, ok
}

// Lookup returns the runtime address of a dynamic symbol.
func (l *ELFLibrary) Lookup(name string) (uintptr, error) {
	v, ok := l.symbols[name]
	if !ok {
		return 0, fmt.Errorf("%s in %s: %w", name, l.path, ErrNotFound)
	}
	if !l.mapped {
		return 0, fmt.Errorf("%s: %w", l.path, ErrNotLoaded)
	}
	return l.base + uintptr(v), nil
}

// Symbols lists exported function names, sorted.
func (l *ELFLibrary) Symbols() []string {
	out := make([]string, 0, len(l.symbols))
	for name := range l.symbols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (l *ELFLibrary) Close() error { return nil }
