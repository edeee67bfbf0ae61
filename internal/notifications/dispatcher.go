package notifications

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sink receives events. Implementations may block on I/O; the Dispatcher
// calls them from its own goroutine.
type Sink interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to sinks without ever blocking the publisher.
// When the buffer is full the event is dropped and counted.
type Dispatcher struct {
	events  chan Event
	sinks   []Sink
	log     zerolog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(buffer int, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		events: make(chan Event, buffer),
		sinks:  sinks,
		log:    log,
	}
}

// Start delivers events until Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.events {
			d.deliver(ctx, ev)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, sink := range d.sinks {
		if err := sink.Notify(ctx, ev); err != nil {
			d.log.Warn().Err(err).Str("sink", sink.Name()).Str("event", string(ev.Type)).Msg("notification not delivered")
		}
	}
}

// Publish enqueues ev and reports whether it was accepted.
func (d *Dispatcher) Publish(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.events <- ev:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Dropped is the number of events lost to a full buffer.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
