// Package bus provides the in-process telemetry pub/sub fabric, plus an
// optional Redis mirror for cross-process fan-out.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ilpmesh/connector/internal/telemetry"
)

// queueSize bounds each subscriber's delivery queue.
const queueSize = 1024

// Handler consumes one event. Handlers run on the subscriber's own delivery
// goroutine, in emission order.
type Handler func(event *telemetry.Event)

type subscriber struct {
	id int
	ch chan *telemetry.Event
}

// Bus is a single-process pub/sub. Emit never blocks: when a subscriber's
// queue is full, the oldest queued event is dropped and the drop counter
// increments. A panicking handler is logged and does not affect other
// subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped atomic.Uint64
	log     *slog.Logger
	wg      sync.WaitGroup
}

// New creates an event bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[int]*subscriber),
		log:  log,
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscriber{
		id: b.nextID,
		ch: make(chan *telemetry.Event, queueSize),
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.deliver(sub, handler)

	id := sub.id
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

func (b *Bus) deliver(sub *subscriber, handler Handler) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.invoke(handler, ev)
	}
}

func (b *Bus) invoke(handler Handler, ev *telemetry.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("telemetry subscriber panicked", "type", ev.Type, "panic", r)
		}
	}()
	handler(ev)
}

// Emit delivers the event to every subscriber without blocking the caller.
func (b *Bus) Emit(event *telemetry.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Queue full: sacrifice the oldest event for the newest.
		select {
		case <-sub.ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and waits for in-flight deliveries to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
