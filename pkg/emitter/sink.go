package emitter

import "sync"

// Sink receives batches of events from the emitter's flush loop. Write is
// only ever called from one goroutine at a time and must not retain batch.
type Sink interface {
	Write(batch []Event) error
	Close() error
}

// MemorySink keeps every event in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: []Event{}}
}

// Write appends a copy of batch.
func (s *MemorySink) Write(batch []Event) error {
	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything written so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Clear drops every stored event.
func (s *MemorySink) Clear() {
	s.mu.Lock()
	s.events = []Event{}
	s.mu.Unlock()
}

// Close is a no-op; stored events remain readable.
func (s *MemorySink) Close() error {
	return nil
}
