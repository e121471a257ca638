package replay

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/willibrandon/KernelFlow/pkg/emitter"
)

// BreakpointType defines the type of breakpoint
type BreakpointType int

const (
	// SymbolBreakpoint stops at calls whose symbol matches a glob
	SymbolBreakpoint BreakpointType = iota
	// ThreadBreakpoint stops at any event of one thread
	ThreadBreakpoint
	// EventTypeBreakpoint stops at a specific event type
	EventTypeBreakpoint
)

// Breakpoint is a condition to stop at during replay.
type Breakpoint struct {
	ID        int
	Type      BreakpointType
	Symbol    string // glob, for SymbolBreakpoint
	ThreadID  int    // for ThreadBreakpoint
	EventType emitter.EventType
	Enabled   bool
}

// BreakpointManager manages breakpoints for replay
type BreakpointManager struct {
	breakpoints []*Breakpoint
	nextID      int
}

// NewBreakpointManager creates a new breakpoint manager
func NewBreakpointManager() *BreakpointManager {
	return &BreakpointManager{
		breakpoints: make([]*Breakpoint, 0),
		nextID:      1,
	}
}

// AddBreakpoint parses location and adds a breakpoint for it. Accepted forms
// are "sym:<glob>", "tid:<thread id>" and an event type name such as
// "CheckpointBegin".
func (bm *BreakpointManager) AddBreakpoint(location string) (*Breakpoint, error) {
	bp := &Breakpoint{Enabled: true}

	switch {
	case strings.HasPrefix(location, "sym:"):
		bp.Type = SymbolBreakpoint
		bp.Symbol = strings.TrimPrefix(location, "sym:")
		// Matching against the empty name does not parse the whole pattern.
		if _, err := filepath.Match(bp.Symbol, bp.Symbol); err != nil {
			return nil, fmt.Errorf("invalid symbol pattern %q: %w", bp.Symbol, err)
		}
	case strings.HasPrefix(location, "tid:"):
		bp.Type = ThreadBreakpoint
		tid, err := strconv.Atoi(strings.TrimPrefix(location, "tid:"))
		if err != nil {
			return nil, fmt.Errorf("invalid thread id: %w", err)
		}
		bp.ThreadID = tid
	default:
		et, err := emitter.ParseEventType(location)
		if err != nil {
			return nil, err
		}
		bp.Type = EventTypeBreakpoint
		bp.EventType = et
	}

	bp.ID = bm.nextID
	bm.nextID++
	bm.breakpoints = append(bm.breakpoints, bp)
	return bp, nil
}

// GetBreakpoints returns all breakpoints
func (bm *BreakpointManager) GetBreakpoints() []*Breakpoint {
	return bm.breakpoints
}

func (bm *BreakpointManager) find(id int) (int, error) {
	for i, bp := range bm.breakpoints {
		if bp.ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("breakpoint %d not found", id)
}

// RemoveBreakpoint removes a breakpoint by ID
func (bm *BreakpointManager) RemoveBreakpoint(id int) error {
	i, err := bm.find(id)
	if err != nil {
		return err
	}
	bm.breakpoints = append(bm.breakpoints[:i], bm.breakpoints[i+1:]...)
	return nil
}

// EnableBreakpoint enables a breakpoint by ID
func (bm *BreakpointManager) EnableBreakpoint(id int) error {
	i, err := bm.find(id)
	if err != nil {
		return err
	}
	bm.breakpoints[i].Enabled = true
	return nil
}

// DisableBreakpoint disables a breakpoint by ID
func (bm *BreakpointManager) DisableBreakpoint(id int) error {
	i, err := bm.find(id)
	if err != nil {
		return err
	}
	bm.breakpoints[i].Enabled = false
	return nil
}

// Hit reports whether the enabled breakpoint bp matches ev.
func (bp *Breakpoint) Hit(ev emitter.Event) bool {
	if !bp.Enabled {
		return false
	}
	switch bp.Type {
	case SymbolBreakpoint:
		if ev.Type != emitter.CallStart {
			return false
		}
		ok, _ := filepath.Match(bp.Symbol, ev.Symbol)
		return ok
	case ThreadBreakpoint:
		return ev.ThreadID == bp.ThreadID
	case EventTypeBreakpoint:
		return ev.Type == bp.EventType
	}
	return false
}

// CheckBreakpoint reports whether any breakpoint matches ev. It can be
// passed to ReplayUntilBreakpoint.
func (bm *BreakpointManager) CheckBreakpoint(ev emitter.Event) bool {
	for _, bp := range bm.breakpoints {
		if bp.Hit(ev) {
			return true
		}
	}
	return false
}
