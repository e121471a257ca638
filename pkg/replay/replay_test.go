package replay

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/willibrandon/KernelFlow/pkg/emitter"
)

func ret(v uint64) *uint64 { return &v }

func callTrace() []emitter.Event {
	return []emitter.Event{
		{Seq: 1, Timestamp: 100, Type: emitter.CallStart, Symbol: "cuInit", ThreadID: 10, ThreadSeq: 1, CallID: 1},
		{Seq: 2, Timestamp: 150, Type: emitter.CallComplete, Symbol: "cuInit", ThreadID: 10, ThreadSeq: 2, CallID: 1, Return: ret(0)},
		{Seq: 3, Timestamp: 200, Type: emitter.CallStart, Symbol: "cuMemAlloc_v2", ThreadID: 10, ThreadSeq: 3, CallID: 2},
		{Seq: 4, Timestamp: 260, Type: emitter.CallComplete, Symbol: "cuMemAlloc_v2", ThreadID: 10, ThreadSeq: 4, CallID: 2, Return: ret(0)},
		{Seq: 5, Timestamp: 300, Type: emitter.CallStart, Symbol: "cuLaunchKernel", ThreadID: 11, ThreadSeq: 1, CallID: 3},
		{Seq: 6, Timestamp: 320, Type: emitter.CallComplete, Symbol: "cuLaunchKernel", ThreadID: 11, ThreadSeq: 2, CallID: 3, Return: ret(0)},
	}
}

func TestBasicReplayerLoading(t *testing.T) {
	replayer := NewBasicReplayer(nil)
	events := callTrace()

	if err := replayer.LoadEvents(events); err != nil {
		t.Fatalf("Failed to load events: %v", err)
	}
	if replayer.CurrentIndex() != -1 {
		t.Errorf("Expected current index to be -1, got %d", replayer.CurrentIndex())
	}
	if len(replayer.Events()) != len(events) {
		t.Errorf("Expected %d events, got %d", len(events), len(replayer.Events()))
	}
}

func TestReplayToEventIndex(t *testing.T) {
	replayer := NewBasicReplayer(nil)
	replayer.LoadEvents(callTrace())

	if err := replayer.ReplayToEventIndex(1); err != nil {
		t.Fatalf("Failed to replay to event index: %v", err)
	}
	if replayer.CurrentIndex() != 1 {
		t.Errorf("Expected current index to be 1, got %d", replayer.CurrentIndex())
	}

	// out of range indexes leave the position alone
	if err := replayer.ReplayToEventIndex(-5); err != nil {
		t.Errorf("ReplayToEventIndex with negative index should not return error")
	}
	if err := replayer.ReplayToEventIndex(100); err != nil {
		t.Errorf("ReplayToEventIndex with out-of-bounds index should not return error")
	}
	if replayer.CurrentIndex() != 1 {
		t.Errorf("Expected current index to stay 1, got %d", replayer.CurrentIndex())
	}
}

func TestStepBackward(t *testing.T) {
	replayer := NewBasicReplayer(nil)
	replayer.LoadEvents(callTrace()[:3])
	replayer.ReplayToEventIndex(2)

	newIdx, err := replayer.StepBackward(replayer.CurrentIndex())
	if err != nil {
		t.Fatalf("Failed to step backward: %v", err)
	}
	if newIdx != 1 {
		t.Errorf("Expected new index to be 1, got %d", newIdx)
	}

	newIdx, err = replayer.StepBackward(replayer.CurrentIndex())
	if err != nil {
		t.Fatalf("Failed to step backward: %v", err)
	}
	if newIdx != 0 {
		t.Errorf("Expected new index to be 0, got %d", newIdx)
	}

	_, err = replayer.StepBackward(replayer.CurrentIndex())
	if !errors.Is(err, ErrAtStart) {
		t.Errorf("Expected ErrAtStart when stepping back at beginning, got %v", err)
	}
}

func TestReplayUntilBreakpoint(t *testing.T) {
	var out bytes.Buffer
	replayer := NewBasicReplayer(&out)
	replayer.LoadEvents(callTrace())

	err := replayer.ReplayUntilBreakpoint(func(ev emitter.Event) bool {
		return ev.Type == emitter.CallStart && ev.Symbol == "cuLaunchKernel"
	})
	if err != nil {
		t.Fatalf("Failed to replay until breakpoint: %v", err)
	}
	if replayer.CurrentIndex() != 4 {
		t.Errorf("Expected current index to be 4, got %d", replayer.CurrentIndex())
	}
	if !strings.Contains(out.String(), "Breakpoint hit at event 4 (seq 5)") {
		t.Errorf("missing breakpoint line in output:\n%s", out.String())
	}
	if strings.Contains(out.String(), "cuLaunchKernel") {
		t.Errorf("event at the breakpoint should not be printed:\n%s", out.String())
	}

	// continuing resumes after the breakpoint
	out.Reset()
	if err := replayer.ReplayForward(); err != nil {
		t.Fatalf("Failed to continue: %v", err)
	}
	if replayer.CurrentIndex() != 5 {
		t.Errorf("Expected current index to be 5, got %d", replayer.CurrentIndex())
	}
	if !strings.Contains(out.String(), "Replay complete") {
		t.Errorf("missing completion line:\n%s", out.String())
	}
}

func TestReplayForwardPrintsEvents(t *testing.T) {
	var out bytes.Buffer
	replayer := NewBasicReplayer(&out)
	events := callTrace()
	replayer.LoadEvents(events)

	if err := replayer.ReplayForward(); err != nil {
		t.Fatalf("Failed to replay events: %v", err)
	}
	if replayer.CurrentIndex() != len(events)-1 {
		t.Errorf("Expected current index to be %d, got %d", len(events)-1, replayer.CurrentIndex())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(events)+1 {
		t.Fatalf("Expected %d lines, got %d", len(events)+1, len(lines))
	}
	if lines[0] != events[0].String() {
		t.Errorf("Expected %q, got %q", events[0].String(), lines[0])
	}
}

func TestReplayerWithNoEvents(t *testing.T) {
	replayer := NewBasicReplayer(nil)

	if err := replayer.ReplayForward(); err != nil {
		t.Errorf("ReplayForward with no events should not return error, got: %v", err)
	}
	if err := replayer.ReplayUntilBreakpoint(func(emitter.Event) bool { return true }); err != nil {
		t.Errorf("ReplayUntilBreakpoint with no events should not return error, got: %v", err)
	}
}
