package resolver

import (
	"fmt"
	"reflect"

	"github.com/prometheus/procfs"
)

// AddrRange is a half-open address interval belonging to one mapped file.
type AddrRange struct {
	Start, End uintptr
	Path       string
}

// Contains reports whether addr lies in [Start, End).
func (r AddrRange) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

func selfMaps() ([]*procfs.ProcMap, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("opening /proc/self: %w", err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading /proc/self/maps: %w", err)
	}
	return maps, nil
}

func marker() {}

// SelfRanges returns every mapping of the module this code was linked into.
// Addresses inside these ranges are the interposer's own and are never
// accepted as a real implementation.
func SelfRanges() ([]AddrRange, error) {
	maps, err := selfMaps()
	if err != nil {
		return nil, err
	}
	return selfRangesFrom(maps, reflect.ValueOf(marker).Pointer()), nil
}

func selfRangesFrom(maps []*procfs.ProcMap, pc uintptr) []AddrRange {
	var path string
	for _, m := range maps {
		if pc >= m.StartAddr && pc < m.EndAddr {
			path = m.Pathname
			break
		}
	}
	if path == "" {
		return nil
	}
	var out []AddrRange
	for _, m := range maps {
		if m.Pathname == path {
			out = append(out, AddrRange{Start: m.StartAddr, End: m.EndAddr, Path: path})
		}
	}
	return out
}
