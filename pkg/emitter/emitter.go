package emitter

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultBufferSize    = 8192
	DefaultFlushInterval = 100 * time.Millisecond
)

// Options configures an Emitter.
type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	// Logger receives sink failures. Nil discards them.
	Logger *zap.Logger
	// Registerer receives the emitter metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the emitter defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize:    DefaultBufferSize,
		FlushInterval: DefaultFlushInterval,
	}
}

// Emitter decouples event producers from a Sink. Emit never blocks on the
// sink: events wait in a bounded ring and a single background goroutine
// hands them over in batches. When the ring is full the oldest buffered
// event is discarded.
type Emitter struct {
	sink    Sink
	log     *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	ring    *ring
	seq     uint64
	dropped uint64 // total
	pending uint64 // dropped since the last flush
	closed  bool

	// flushMu serializes sink writes between the loop and Flush.
	flushMu sync.Mutex
	batch   []Event

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New starts an emitter writing to sink.
func New(sink Sink, opts Options) *Emitter {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Emitter{
		sink:    sink,
		log:     opts.Logger.Named("emitter"),
		metrics: NewMetrics(opts.Registerer),
		ring:    newRing(opts.BufferSize),
		batch:   make([]Event, 0, opts.BufferSize+1),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop(opts.FlushInterval)
	return e
}

// Emit stamps the event with the next sequence number and buffers it.
// Events emitted after Close are counted as dropped.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = Now()
	}

	e.mu.Lock()
	if e.closed {
		e.dropped++
		e.mu.Unlock()
		e.metrics.Dropped.Inc()
		return
	}
	e.seq++
	ev.Seq = e.seq
	overflow := e.ring.push(ev)
	if overflow {
		e.dropped++
		e.pending++
	}
	buffered := e.ring.len()
	halfFull := buffered*2 >= e.ring.cap()
	e.mu.Unlock()

	e.metrics.Emitted.Inc()
	e.metrics.Buffered.Set(float64(buffered))
	if overflow {
		e.metrics.Dropped.Inc()
	}
	if ev.Type == CallStart {
		e.metrics.Calls.WithLabelValues(ev.Symbol).Inc()
	}
	if halfFull {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// Dropped returns how many events were discarded since the emitter started,
// whether from overflow, a failing sink or emission after Close.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Metrics exposes the emitter counters.
func (e *Emitter) Metrics() *Metrics {
	return e.metrics
}

// Flush synchronously hands every buffered event to the sink.
func (e *Emitter) Flush() {
	e.flush()
}

// Close stops the flush loop, writes what is still buffered and closes the
// sink.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	e.flush()

	if err := e.sink.Close(); err != nil {
		return fmt.Errorf("closing sink: %w", err)
	}
	return nil
}

func (e *Emitter) loop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.kick:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	batch := e.ring.drain(e.batch[:0])
	if e.pending > 0 {
		e.seq++
		batch = append(batch, Event{
			Seq:       e.seq,
			Timestamp: Now(),
			Type:      EventsDropped,
			Detail:    fmt.Sprintf("%d events dropped", e.pending),
		})
		e.pending = 0
	}
	e.mu.Unlock()
	e.metrics.Buffered.Set(0)

	if len(batch) == 0 {
		return
	}
	if err := e.sink.Write(batch); err != nil {
		e.mu.Lock()
		e.dropped += uint64(len(batch))
		e.mu.Unlock()
		e.metrics.SinkErrors.Inc()
		e.metrics.Dropped.Add(float64(len(batch)))
		e.log.Warn("sink write failed, batch dropped", zap.Int("events", len(batch)), zap.Error(err))
	} else {
		e.metrics.Flushed.Add(float64(len(batch)))
	}
	for i := range batch {
		batch[i] = Event{}
	}
	e.batch = batch[:0]
}
