// Package replay walks recorded event traces and checks that they are
// consistent with how the interposer emits them.
package replay

import (
	"errors"
	"fmt"
	"io"

	"github.com/willibrandon/KernelFlow/pkg/emitter"
)

// ErrAtStart is returned when stepping back from the first event.
var ErrAtStart = errors.New("already at the beginning")

// Replayer interface defines methods for replaying recorded events
type Replayer interface {
	// LoadEvents loads recorded events into the replayer
	LoadEvents([]emitter.Event) error

	// ReplayForward replays all events from the current position
	ReplayForward() error

	// ReplayUntilBreakpoint replays events until a breakpoint is hit
	ReplayUntilBreakpoint(breakpointCheck func(event emitter.Event) bool) error

	// ReplayToEventIndex moves to the specified index
	ReplayToEventIndex(idx int) error

	// StepBackward steps backward from the current index and returns the
	// new index
	StepBackward(currentIdx int) (int, error)

	CurrentIndex() int

	Events() []emitter.Event
}

// BasicReplayer prints events to a writer in trace order.
type BasicReplayer struct {
	out        io.Writer
	events     []emitter.Event
	currentIdx int
}

// NewBasicReplayer creates a replayer that prints to out. A nil out discards
// the output.
func NewBasicReplayer(out io.Writer) *BasicReplayer {
	if out == nil {
		out = io.Discard
	}
	return &BasicReplayer{
		out:        out,
		currentIdx: -1,
	}
}

// LoadEvents loads events for replay
func (r *BasicReplayer) LoadEvents(events []emitter.Event) error {
	r.events = events
	r.currentIdx = -1
	return nil
}

// ReplayForward replays all events from current position to the end
func (r *BasicReplayer) ReplayForward() error {
	return r.ReplayUntilBreakpoint(nil)
}

// ReplayUntilBreakpoint replays events until one satisfies breakpointCheck.
// The matching event is not printed and becomes the current event. A nil
// check replays to the end.
func (r *BasicReplayer) ReplayUntilBreakpoint(breakpointCheck func(event emitter.Event) bool) error {
	if len(r.events) == 0 {
		return nil
	}

	start := r.currentIdx + 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(r.events); i++ {
		ev := r.events[i]
		if breakpointCheck != nil && breakpointCheck(ev) {
			if _, err := fmt.Fprintf(r.out, "Breakpoint hit at event %d (seq %d)\n", i, ev.Seq); err != nil {
				return err
			}
			r.currentIdx = i
			return nil
		}
		if _, err := fmt.Fprintln(r.out, ev.String()); err != nil {
			return err
		}
		r.currentIdx = i
	}

	_, err := fmt.Fprintln(r.out, "Replay complete")
	return err
}

// ReplayToEventIndex moves to idx. Out of range indexes are ignored.
func (r *BasicReplayer) ReplayToEventIndex(idx int) error {
	if idx < 0 || idx >= len(r.events) {
		return nil
	}
	r.currentIdx = idx
	return nil
}

// StepBackward moves one step backward in the event log
func (r *BasicReplayer) StepBackward(currentIdx int) (int, error) {
	if currentIdx <= 0 {
		return 0, ErrAtStart
	}
	r.currentIdx = currentIdx - 1
	return r.currentIdx, nil
}

// CurrentIndex returns the index of the next event to replay
func (r *BasicReplayer) CurrentIndex() int {
	return r.currentIdx
}

// Events returns the loaded events
func (r *BasicReplayer) Events() []emitter.Event {
	return r.events
}
