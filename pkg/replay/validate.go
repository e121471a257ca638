package replay

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/multierr"

	"github.com/willibrandon/KernelFlow/pkg/emitter"
)

// Call is one intercepted call rebuilt from its start and completion.
type Call struct {
	Start    emitter.Event
	Complete *emitter.Event // nil while the call has not returned
}

// Duration is the time between start and completion, or zero for an open
// call.
func (c Call) Duration() time.Duration {
	if c.Complete == nil {
		return 0
	}
	return time.Duration(c.Complete.Timestamp - c.Start.Timestamp)
}

// Violation is an inconsistency found in a trace.
type Violation struct {
	Seq    uint64
	Reason string
}

// Error formats the violation with its sequence number.
func (v *Violation) Error() string {
	return fmt.Sprintf("event %d: %s", v.Seq, v.Reason)
}

// SymbolStats aggregates completed calls of one symbol.
type SymbolStats struct {
	Symbol string
	Calls  int
	Failed int
	Total  time.Duration
}

// Report is the result of Analyze.
type Report struct {
	Events  int
	Threads int
	// Calls are ordered by the sequence number of their start event.
	Calls []Call
	// Orphans are completions whose start is not in the trace.
	Orphans []emitter.Event
	// Dropped is the number of events the emitter reported as dropped.
	Dropped uint64
	// Missing is the number of sequence numbers absent from the trace.
	Missing uint64
	// Checkpoints counts checkpoint lifecycle events.
	Checkpoints int
}

// Open returns the calls that never completed.
func (r *Report) Open() []Call {
	var open []Call
	for _, c := range r.Calls {
		if c.Complete == nil {
			open = append(open, c)
		}
	}
	return open
}

// Summary aggregates completed calls per symbol, busiest first.
func (r *Report) Summary() []SymbolStats {
	bySymbol := make(map[string]*SymbolStats)
	for _, c := range r.Calls {
		if c.Complete == nil {
			continue
		}
		s, ok := bySymbol[c.Start.Symbol]
		if !ok {
			s = &SymbolStats{Symbol: c.Start.Symbol}
			bySymbol[c.Start.Symbol] = s
		}
		s.Calls++
		s.Total += c.Duration()
		if c.Complete.Return != nil && *c.Complete.Return != 0 {
			s.Failed++
		}
	}
	out := make([]SymbolStats, 0, len(bySymbol))
	for _, s := range bySymbol {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b SymbolStats) int {
		if a.Calls != b.Calls {
			return b.Calls - a.Calls
		}
		if a.Symbol < b.Symbol {
			return -1
		}
		if a.Symbol > b.Symbol {
			return 1
		}
		return 0
	})
	return out
}

type threadTrack struct {
	lastSeq uint64
	open    []uint64 // call ids, innermost last
}

// Analyze pairs call events by call id and checks the ordering guarantees of
// a trace: sequence numbers increase, each thread's events are in thread
// order, completions close the innermost open call of their thread, and
// every sequence gap is covered by a drop marker. Violations are returned
// together as one error; the report is complete either way.
func Analyze(events []emitter.Event) (*Report, error) {
	rep := &Report{Events: len(events)}
	var errs error

	threads := make(map[int]*threadTrack)
	starts := make(map[uint64]int) // call id -> index in rep.Calls
	var lastSeq uint64

	for i := range events {
		ev := events[i]

		if i > 0 {
			if ev.Seq <= lastSeq {
				errs = multierr.Append(errs, &Violation{ev.Seq, fmt.Sprintf("sequence does not increase after %d", lastSeq)})
			} else {
				rep.Missing += ev.Seq - lastSeq - 1
			}
		}
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}

		switch ev.Type {
		case emitter.EventsDropped:
			var n uint64
			if _, err := fmt.Sscanf(ev.Detail, "%d events dropped", &n); err == nil {
				rep.Dropped += n
			}
			continue
		case emitter.CheckpointBegin, emitter.CheckpointRestore, emitter.CheckpointEnd:
			rep.Checkpoints++
			continue
		}
		if !ev.IsCall() {
			continue
		}

		th, ok := threads[ev.ThreadID]
		if !ok {
			th = &threadTrack{}
			threads[ev.ThreadID] = th
		}
		if ev.ThreadSeq != 0 {
			if ev.ThreadSeq <= th.lastSeq {
				errs = multierr.Append(errs, &Violation{ev.Seq, fmt.Sprintf("thread %d out of order", ev.ThreadID)})
			}
			th.lastSeq = ev.ThreadSeq
		}

		switch ev.Type {
		case emitter.CallStart:
			if _, dup := starts[ev.CallID]; dup {
				errs = multierr.Append(errs, &Violation{ev.Seq, fmt.Sprintf("call %d started twice", ev.CallID)})
				continue
			}
			starts[ev.CallID] = len(rep.Calls)
			rep.Calls = append(rep.Calls, Call{Start: ev})
			th.open = append(th.open, ev.CallID)

		case emitter.CallComplete:
			idx, ok := starts[ev.CallID]
			if !ok {
				rep.Orphans = append(rep.Orphans, ev)
				continue
			}
			call := &rep.Calls[idx]
			if call.Complete != nil {
				errs = multierr.Append(errs, &Violation{ev.Seq, fmt.Sprintf("call %d completed twice", ev.CallID)})
				continue
			}
			if call.Start.ThreadID != ev.ThreadID {
				errs = multierr.Append(errs, &Violation{ev.Seq, fmt.Sprintf("call %d completed on thread %d, started on %d", ev.CallID, ev.ThreadID, call.Start.ThreadID)})
			}
			call.Complete = &events[i]
			errs = multierr.Append(errs, th.close(ev))
		}
	}

	rep.Threads = len(threads)
	if len(rep.Orphans) > 0 && rep.Dropped == 0 {
		errs = multierr.Append(errs, &Violation{rep.Orphans[0].Seq, fmt.Sprintf("%d completions without a start and no drops reported", len(rep.Orphans))})
	}
	if rep.Missing > rep.Dropped {
		errs = multierr.Append(errs, &Violation{lastSeq, fmt.Sprintf("%d events missing but only %d reported dropped", rep.Missing, rep.Dropped)})
	}
	return rep, errs
}

// close pops the innermost open call, which must be the one completing.
func (th *threadTrack) close(ev emitter.Event) error {
	n := len(th.open)
	if n > 0 && th.open[n-1] == ev.CallID {
		th.open = th.open[:n-1]
		return nil
	}
	for i := n - 1; i >= 0; i-- {
		if th.open[i] == ev.CallID {
			th.open = append(th.open[:i], th.open[i+1:]...)
			return &Violation{ev.Seq, fmt.Sprintf("call %d completed before %d inner calls", ev.CallID, n-1-i)}
		}
	}
	return nil
}
