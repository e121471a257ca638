package emitter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// blockingSink holds every Write until release is closed.
type blockingSink struct {
	MemorySink
	release chan struct{}
}

func (s *blockingSink) Write(batch []Event) error {
	<-s.release
	return s.MemorySink.Write(batch)
}

type failingSink struct {
	mu     sync.Mutex
	writes int
}

func (s *failingSink) Write(batch []Event) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return errors.New("disk full")
}

func (s *failingSink) Close() error { return nil }

func newTestEmitter(sink Sink, size int) *Emitter {
	return New(sink, Options{BufferSize: size, FlushInterval: time.Hour})
}

func TestRingDropsOldest(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 5; i++ {
		dropped := r.push(Event{Seq: uint64(i)})
		if want := i > 3; dropped != want {
			t.Errorf("push %d: dropped=%v, want %v", i, dropped, want)
		}
	}

	got := r.drain(nil)
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+3) {
			t.Errorf("Event %d: expected seq %d, got %d", i, i+3, e.Seq)
		}
	}
	if r.len() != 0 {
		t.Errorf("Expected empty ring after drain, got %d", r.len())
	}
}

func TestEmitAssignsSequence(t *testing.T) {
	sink := NewMemorySink()
	em := newTestEmitter(sink, 16)

	for i := 0; i < 5; i++ {
		em.Emit(Event{Type: CallStart, Symbol: "cuInit"})
	}
	if err := em.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := sink.Events()
	if len(events) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Errorf("Event %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
		if e.Timestamp <= 0 {
			t.Errorf("Event %d: expected a timestamp, got %d", i, e.Timestamp)
		}
	}
}

func TestEmitOverflowReportsDrops(t *testing.T) {
	sink := NewMemorySink()
	em := newTestEmitter(sink, 4)
	// keep the loop from draining while we overflow
	em.flushMu.Lock()
	for i := 0; i < 10; i++ {
		em.Emit(Event{Type: CallStart, Symbol: "cuLaunchKernel"})
	}
	em.flushMu.Unlock()

	if got := em.Dropped(); got != 6 {
		t.Errorf("Expected 6 dropped events, got %d", got)
	}
	em.Flush()

	events := sink.Events()
	if len(events) != 5 {
		t.Fatalf("Expected 4 surviving events plus a drop marker, got %d", len(events))
	}
	for i, e := range events[:4] {
		if e.Seq != uint64(i+7) {
			t.Errorf("Event %d: expected seq %d, got %d", i, i+7, e.Seq)
		}
	}
	marker := events[4]
	if marker.Type != EventsDropped {
		t.Fatalf("Expected EventsDropped marker, got %v", marker.Type)
	}
	if marker.Detail != "6 events dropped" {
		t.Errorf("Unexpected marker detail %q", marker.Detail)
	}
	if got := testutil.ToFloat64(em.Metrics().Dropped); got != 6 {
		t.Errorf("Expected dropped counter 6, got %v", got)
	}
	em.Close()
}

func TestEmitDoesNotBlockOnSlowSink(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	em := New(sink, Options{BufferSize: 8, FlushInterval: time.Millisecond})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			em.Emit(Event{Type: CallStart, Symbol: "cuMemAlloc_v2"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked behind a stalled sink")
	}
	close(sink.release)
	em.Close()

	if em.Dropped() == 0 {
		t.Error("Expected overflow drops with a stalled sink")
	}
}

func TestSinkFailureIsIsolated(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &failingSink{}
	reg := prometheus.NewRegistry()
	em := New(sink, Options{BufferSize: 16, FlushInterval: time.Hour, Logger: zap.New(core), Registerer: reg})

	em.Emit(Event{Type: CallStart, Symbol: "cuInit"})
	em.Emit(Event{Type: CallComplete, Symbol: "cuInit"})
	em.Flush()

	if got := em.Dropped(); got != 2 {
		t.Errorf("Expected failed batch to count as 2 drops, got %d", got)
	}
	if logs.FilterMessage("sink write failed, batch dropped").Len() != 1 {
		t.Errorf("Expected one sink failure log entry, got %v", logs.All())
	}
	if got := testutil.ToFloat64(em.Metrics().SinkErrors); got != 1 {
		t.Errorf("Expected sink error counter 1, got %v", got)
	}

	// still accepting events after the failure
	em.Emit(Event{Type: CallStart, Symbol: "cuInit"})
	if err := em.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if sink.writes != 2 {
		t.Errorf("Expected 2 sink writes, got %d", sink.writes)
	}
}

func TestEmitAfterClose(t *testing.T) {
	sink := NewMemorySink()
	em := newTestEmitter(sink, 4)
	em.Close()

	em.Emit(Event{Type: CallStart, Symbol: "cuInit"})
	if len(sink.Events()) != 0 {
		t.Error("Expected no events after Close")
	}
	if em.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", em.Dropped())
	}
	if err := em.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}

func TestBackgroundFlush(t *testing.T) {
	sink := NewMemorySink()
	em := New(sink, Options{BufferSize: 64, FlushInterval: 5 * time.Millisecond})
	defer em.Close()

	em.Emit(Event{Type: CallStart, Symbol: "cuCtxSynchronize"})

	deadline := time.Now().Add(5 * time.Second)
	for len(sink.Events()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background flush never ran")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCallsMetric(t *testing.T) {
	em := newTestEmitter(NewMemorySink(), 16)
	defer em.Close()

	em.Emit(Event{Type: CallStart, Symbol: "cuLaunchKernel"})
	em.Emit(Event{Type: CallComplete, Symbol: "cuLaunchKernel"})
	em.Emit(Event{Type: CallStart, Symbol: "cuLaunchKernel"})

	if got := testutil.ToFloat64(em.Metrics().Calls.WithLabelValues("cuLaunchKernel")); got != 2 {
		t.Errorf("Expected 2 calls, got %v", got)
	}
}
