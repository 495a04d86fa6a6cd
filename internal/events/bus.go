// Package events implements the in-process state event bus. The scheduler
// core publishes message lifecycle transitions here and moves on; a single
// drain goroutine fans each event out to the registered listeners, so
// listener work never runs on a scheduling or delivery path.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"appserver/internal/types"
)

// Listener consumes state events. Listeners are invoked sequentially from
// the drain goroutine, so global publication order (and therefore per-entity
// order) is preserved. A slow listener delays the others.
type Listener interface {
	OnEvent(ctx context.Context, ev types.MessageStateEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, ev types.MessageStateEvent)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(ctx context.Context, ev types.MessageStateEvent) { f(ctx, ev) }

const defaultBufferSize = 1024

// Bus is a buffered in-process event bus with non-blocking publication.
// When the buffer is full the event is dropped and counted; producers are
// never blocked by listener backpressure. Listeners receive each accepted
// event at least once, in publication order.
type Bus struct {
	ch      chan types.MessageStateEvent
	logger  *slog.Logger
	dropped atomic.Int64

	mu        sync.Mutex
	listeners []Listener
	started   bool
}

// BusConfig holds the configuration for creating a Bus.
type BusConfig struct {
	// BufferSize is the publication buffer capacity. Defaults to 1024.
	BufferSize int
	// Logger for overflow and lifecycle reporting.
	Logger *slog.Logger
}

// NewBus creates an event bus. Call Run to start draining.
func NewBus(cfg BusConfig) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		ch:     make(chan types.MessageStateEvent, size),
		logger: logger,
	}
}

// Subscribe registers a listener. Must be called before Run.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic("events: Subscribe after Run")
	}
	b.listeners = append(b.listeners, l)
}

// Publish enqueues the event without blocking. If the buffer is full the
// event is dropped: the audit trail loses one entry but the scheduling path
// keeps its latency.
func (b *Bus) Publish(ev types.MessageStateEvent) {
	select {
	case b.ch <- ev:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("state event dropped, bus buffer full",
			"entity", ev.EntityKey(),
			"state", string(ev.State),
			"totalDropped", n,
		)
	}
}

// Dropped returns the number of events dropped due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run drains the bus until ctx is cancelled, then delivers any events still
// buffered before returning. Run must be called exactly once.
func (b *Bus) Run(ctx context.Context) {
	b.mu.Lock()
	b.started = true
	listeners := b.listeners
	b.mu.Unlock()

	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ctx, listeners, ev)
		case <-ctx.Done():
			b.drainRemaining(listeners)
			return
		}
	}
}

// drainRemaining flushes buffered events after shutdown began. Listeners
// get a background context; the parent is already cancelled.
func (b *Bus) drainRemaining(listeners []Listener) {
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(context.Background(), listeners, ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, listeners []Listener, ev types.MessageStateEvent) {
	for _, l := range listeners {
		l.OnEvent(ctx, ev)
	}
}
