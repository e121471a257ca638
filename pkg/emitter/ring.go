package emitter

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use; the emitter guards it.
type ring struct {
	buf   []Event
	head  int // index of the oldest event
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

// push appends e and reports whether an older event had to be dropped.
func (r *ring) push(e Event) (dropped bool) {
	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = e
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.count++
	return false
}

// drain moves every buffered event into dst, oldest first.
func (r *ring) drain(dst []Event) []Event {
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.buf)
		dst = append(dst, r.buf[idx])
		r.buf[idx] = Event{}
	}
	r.head, r.count = 0, 0
	return dst
}

func (r *ring) len() int { return r.count }

func (r *ring) cap() int { return len(r.buf) }
