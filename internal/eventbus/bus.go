// Package eventbus queues file events and hands them to handlers and sinks.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"firestige.xyz/filetrace/internal/core"
	"firestige.xyz/filetrace/internal/metrics"
)

// EventBus is the event bridge used by the file tracking core.
type EventBus interface {
	Subscribe(name string, h Handler)
	AddSink(s Sink)
	Available(name string) bool
	Queue(ev *Event) error
	Drain() int
	Close() error
	GetStats() *Stats
}

// InMemoryEventBus is a FIFO event queue drained on the engine loop.
//
// Queue only appends. Drain runs handlers (in subscription order) and then
// sinks for each event; events queued by handlers are processed in the same
// Drain. A Drain issued from inside a handler returns immediately. Apart from
// GetStats the bus is not safe for concurrent use.
type InMemoryEventBus struct {
	handlers map[string][]Handler
	sinks    []Sink
	queue    []*Event
	draining bool
	closed   bool

	queuedCount    int64
	processedCount int64
	sinkErrors     int64
	pending        int64
}

// New creates an empty event bus.
func New() *InMemoryEventBus {
	return &InMemoryEventBus{
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers h for events named name.
func (b *InMemoryEventBus) Subscribe(name string, h Handler) {
	b.handlers[name] = append(b.handlers[name], h)
}

// AddSink attaches a sink receiving every event.
func (b *InMemoryEventBus) AddSink(s Sink) {
	b.sinks = append(b.sinks, s)
	slog.Info("event sink attached", "sink", s.Name())
}

// Available reports whether anything consumes events named name.
func (b *InMemoryEventBus) Available(name string) bool {
	return len(b.handlers[name]) > 0 || len(b.sinks) > 0
}

// Queue appends ev to the pending queue.
func (b *InMemoryEventBus) Queue(ev *Event) error {
	if b.closed {
		return core.ErrBusClosed
	}
	b.queue = append(b.queue, ev)
	atomic.AddInt64(&b.queuedCount, 1)
	atomic.AddInt64(&b.pending, 1)
	return nil
}

// Drain dispatches queued events until the queue is empty and returns how many
// were processed.
func (b *InMemoryEventBus) Drain() int {
	if b.draining {
		return 0
	}
	b.draining = true
	defer func() { b.draining = false }()

	n := 0
	for len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		atomic.AddInt64(&b.pending, -1)

		b.dispatch(ev)
		n++
	}
	b.queue = b.queue[:0]
	return n
}

func (b *InMemoryEventBus) dispatch(ev *Event) {
	for _, h := range b.handlers[ev.Name] {
		h(ev)
	}
	for _, s := range b.sinks {
		if err := s.Publish(ev); err != nil {
			atomic.AddInt64(&b.sinkErrors, 1)
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			slog.Warn("event sink publish failed", "sink", s.Name(), "event", ev.Name, "file_id", ev.File.ID, "error", err)
		}
	}
	atomic.AddInt64(&b.processedCount, 1)
	metrics.EventsTotal.WithLabelValues(ev.Name).Inc()
}

// Close drains what is left and closes every sink.
func (b *InMemoryEventBus) Close() error {
	if b.closed {
		return nil
	}
	b.Drain()
	b.closed = true

	var firstErr error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close sink %s: %w", s.Name(), err)
		}
	}
	slog.Info("event bus closed")
	return firstErr
}

// GetStats returns counters; safe to call from another goroutine.
func (b *InMemoryEventBus) GetStats() *Stats {
	return &Stats{
		QueuedCount:    atomic.LoadInt64(&b.queuedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		SinkErrors:     atomic.LoadInt64(&b.sinkErrors),
		Pending:        int(atomic.LoadInt64(&b.pending)),
	}
}
