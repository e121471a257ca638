package replay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/willibrandon/KernelFlow/pkg/emitter"
)

func violations(err error) []*Violation {
	var out []*Violation
	for _, e := range multierr.Errors(err) {
		var v *Violation
		if errors.As(e, &v) {
			out = append(out, v)
		}
	}
	return out
}

func TestAnalyzePairsCalls(t *testing.T) {
	rep, err := Analyze(callTrace())
	require.NoError(t, err)

	assert.Equal(t, 6, rep.Events)
	assert.Equal(t, 2, rep.Threads)
	require.Len(t, rep.Calls, 3)
	assert.Empty(t, rep.Open())
	assert.Empty(t, rep.Orphans)
	assert.Equal(t, 60*time.Nanosecond, rep.Calls[1].Duration())

	summary := rep.Summary()
	require.Len(t, summary, 3)
	assert.Equal(t, "cuInit", summary[0].Symbol, "ties sort by name")
	assert.Equal(t, 50*time.Nanosecond, summary[0].Total)
}

func TestAnalyzeNestedCalls(t *testing.T) {
	events := []emitter.Event{
		{Seq: 1, Type: emitter.CallStart, Symbol: "cuMemcpyHtoD_v2", ThreadID: 1, ThreadSeq: 1, CallID: 1},
		{Seq: 2, Type: emitter.CallStart, Symbol: "cuCtxGetDevice", ThreadID: 1, ThreadSeq: 2, CallID: 2, Depth: 1, Nested: true},
		{Seq: 3, Type: emitter.CallComplete, Symbol: "cuCtxGetDevice", ThreadID: 1, ThreadSeq: 3, CallID: 2, Depth: 1, Nested: true, Return: ret(0)},
		{Seq: 4, Type: emitter.CallComplete, Symbol: "cuMemcpyHtoD_v2", ThreadID: 1, ThreadSeq: 4, CallID: 1, Return: ret(1)},
	}
	rep, err := Analyze(events)
	require.NoError(t, err)
	require.Len(t, rep.Calls, 2)

	var failed int
	for _, s := range rep.Summary() {
		failed += s.Failed
	}
	assert.Equal(t, 1, failed)
}

func TestAnalyzeOutOfOrderCompletion(t *testing.T) {
	events := []emitter.Event{
		{Seq: 1, Type: emitter.CallStart, Symbol: "outer", ThreadID: 1, CallID: 1},
		{Seq: 2, Type: emitter.CallStart, Symbol: "inner", ThreadID: 1, CallID: 2},
		{Seq: 3, Type: emitter.CallComplete, Symbol: "outer", ThreadID: 1, CallID: 1},
		{Seq: 4, Type: emitter.CallComplete, Symbol: "inner", ThreadID: 1, CallID: 2},
	}
	_, err := Analyze(events)
	require.Error(t, err)
	v := violations(err)
	require.Len(t, v, 1)
	assert.Equal(t, uint64(3), v[0].Seq)
}

func TestAnalyzeOrderingViolations(t *testing.T) {
	events := []emitter.Event{
		{Seq: 2, Type: emitter.CallStart, Symbol: "cuInit", ThreadID: 1, ThreadSeq: 2, CallID: 1},
		{Seq: 1, Type: emitter.CallComplete, Symbol: "cuInit", ThreadID: 1, ThreadSeq: 1, CallID: 1},
	}
	_, err := Analyze(events)
	v := violations(err)
	require.Len(t, v, 2)
	assert.Contains(t, v[0].Reason, "sequence does not increase")
	assert.Contains(t, v[1].Reason, "thread 1 out of order")
}

func TestAnalyzeCompletionOnOtherThread(t *testing.T) {
	events := []emitter.Event{
		{Seq: 1, Type: emitter.CallStart, Symbol: "cuInit", ThreadID: 1, CallID: 1},
		{Seq: 2, Type: emitter.CallComplete, Symbol: "cuInit", ThreadID: 2, CallID: 1},
	}
	_, err := Analyze(events)
	v := violations(err)
	require.Len(t, v, 1)
	assert.Contains(t, v[0].Reason, "completed on thread 2")
}

func TestAnalyzeDropsExplainGaps(t *testing.T) {
	events := []emitter.Event{
		{Seq: 3, Type: emitter.CallComplete, Symbol: "cuInit", ThreadID: 1, CallID: 1},
		{Seq: 4, Type: emitter.CallStart, Symbol: "cuLaunchKernel", ThreadID: 1, CallID: 2},
		{Seq: 5, Type: emitter.EventsDropped, Detail: "2 events dropped"},
	}
	rep, err := Analyze(events)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rep.Dropped)
	assert.Len(t, rep.Orphans, 1)
	assert.Len(t, rep.Open(), 1)
}

func TestAnalyzeUnexplainedGap(t *testing.T) {
	events := []emitter.Event{
		{Seq: 1, Type: emitter.CheckpointBegin, DeviceID: 0},
		{Seq: 4, Type: emitter.CheckpointEnd, DeviceID: 0},
	}
	rep, err := Analyze(events)
	assert.Equal(t, 2, rep.Checkpoints)
	assert.Equal(t, uint64(2), rep.Missing)
	v := violations(err)
	require.Len(t, v, 1)
	assert.Contains(t, v[0].Reason, "2 events missing")
}

func TestAnalyzeOrphanWithoutDrops(t *testing.T) {
	events := []emitter.Event{
		{Seq: 1, Type: emitter.CallComplete, Symbol: "cuInit", ThreadID: 1, CallID: 9},
	}
	_, err := Analyze(events)
	v := violations(err)
	require.Len(t, v, 1)
	assert.Contains(t, v[0].Reason, "without a start")
}

func TestAnalyzeDuplicates(t *testing.T) {
	events := []emitter.Event{
		{Seq: 1, Type: emitter.CallStart, Symbol: "cuInit", ThreadID: 1, CallID: 1},
		{Seq: 2, Type: emitter.CallStart, Symbol: "cuInit", ThreadID: 1, CallID: 1},
		{Seq: 3, Type: emitter.CallComplete, Symbol: "cuInit", ThreadID: 1, CallID: 1},
		{Seq: 4, Type: emitter.CallComplete, Symbol: "cuInit", ThreadID: 1, CallID: 1},
	}
	_, err := Analyze(events)
	v := violations(err)
	require.Len(t, v, 2)
	assert.Contains(t, v[0].Reason, "started twice")
	assert.Contains(t, v[1].Reason, "completed twice")
}
